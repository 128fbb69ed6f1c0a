package archive

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordSoup is compressible text that still leaves the deflate levels room to
// differ.
func wordSoup(n int) []byte {
	words := []string{"drive", "channel", "archive", "folder", "token", "refresh", "notify", "zip", "entry", "quota"}
	r := rand.New(rand.NewSource(42))
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(words[r.Intn(len(words))])
		if r.Intn(7) == 0 {
			b.WriteString(".\n")
		} else {
			b.WriteByte(' ')
		}
	}
	return []byte(b.String())
}

func deflatedSize(t *testing.T, data []byte, level int) int {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, fw.Close())
	return buf.Len()
}

func TestZipWriter_MaximumCompression(t *testing.T) {
	data := wordSoup(20000)

	z := newZipWriter()
	_, err := z.add("soup.txt", bytes.NewReader(data))
	require.NoError(t, err)
	out, err := z.finish()
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	entry := zr.File[0]

	assert.Equal(t, zip.Deflate, entry.Method)
	assert.Equal(t, uint64(len(data)), entry.UncompressedSize64)
	assert.Equal(t, uint64(deflatedSize(t, data, flate.BestCompression)), entry.CompressedSize64)
	assert.Less(t, entry.CompressedSize64, uint64(deflatedSize(t, data, flate.BestSpeed)))

	rc, err := entry.Open()
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestZipWriter_UniqueNames(t *testing.T) {
	z := newZipWriter()
	var names []string
	for _, n := range []string{"a.txt", "a.txt", "a.txt", "dir/.env", "dir/.env", "noext", "noext"} {
		got, err := z.add(n, strings.NewReader("x"))
		require.NoError(t, err)
		names = append(names, got)
	}
	assert.Equal(t, []string{"a.txt", "a (1).txt", "a (2).txt", "dir/.env", "dir/.env (1)", "noext", "noext (1)"}, names)
}
