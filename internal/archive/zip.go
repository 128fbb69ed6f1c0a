package archive

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"fmt"
	"hash/crc32"
	"io"
	"path"
	"strings"
	"time"
)

// compressionLevel is the deflate level for every entry.
const compressionLevel = flate.BestCompression

// zipWriter appends fully compressed entries. An entry is written only once
// its whole source has been read, so a failing source leaves no trace.
type zipWriter struct {
	buf   bytes.Buffer
	zw    *zip.Writer
	names map[string]int
	now   func() time.Time
}

func newZipWriter() *zipWriter {
	z := &zipWriter{
		names: make(map[string]int),
		now:   time.Now,
	}
	z.zw = zip.NewWriter(&z.buf)
	return z
}

// add compresses r and appends it under name, returning the name used.
func (z *zipWriter) add(name string, r io.Reader) (string, error) {
	var comp bytes.Buffer
	fw, err := flate.NewWriter(&comp, compressionLevel)
	if err != nil {
		return "", err
	}
	crc := crc32.NewIEEE()
	n, err := io.Copy(io.MultiWriter(fw, crc), r)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	if err := fw.Close(); err != nil {
		return "", err
	}

	name = z.unique(name)
	w, err := z.zw.CreateRaw(&zip.FileHeader{
		Name:               name,
		Method:             zip.Deflate,
		Modified:           z.now(),
		CRC32:              crc.Sum32(),
		CompressedSize64:   uint64(comp.Len()),
		UncompressedSize64: uint64(n),
	})
	if err != nil {
		return "", err
	}
	if _, err := w.Write(comp.Bytes()); err != nil {
		return "", err
	}
	return name, nil
}

// unique disambiguates repeated names as "name (n).ext".
func (z *zipWriter) unique(name string) string {
	n := z.names[name]
	z.names[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	if ext == name || strings.HasSuffix(name, "/"+ext) {
		ext = ""
	}
	base := strings.TrimSuffix(name, ext)
	for {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, taken := z.names[candidate]; !taken {
			z.names[candidate] = 1
			return candidate
		}
		n++
	}
}

func (z *zipWriter) finish() ([]byte, error) {
	if err := z.zw.Close(); err != nil {
		return nil, err
	}
	return z.buf.Bytes(), nil
}

// sanitizeName keeps a provider name from introducing path segments.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	switch name {
	case "", ".", "..":
		return "untitled"
	}
	return name
}
