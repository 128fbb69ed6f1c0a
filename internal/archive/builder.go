package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/model"
)

const (
	// MIMEType is the content type of produced archives.
	MIMEType = "application/zip"

	DefaultFilesName  = "files.zip"
	DefaultFolderName = "folder.zip"
)

// Limits bound a folder walk.
type Limits struct {
	MaxDepth int
	MaxNodes int
}

// Result is the output of one archive job. Failed items do not fail the job.
type Result struct {
	Name  string              `json:"name"`
	Data  []byte              `json:"-"`
	Items []model.ItemOutcome `json:"items"`
}

// Succeeded counts the items written to the archive.
func (r *Result) Succeeded() int {
	return r.count(model.ItemSucceeded)
}

// Failed counts the items left out of the archive.
func (r *Result) Failed() int {
	return r.count(model.ItemFailed)
}

func (r *Result) count(s model.ItemStatus) int {
	n := 0
	for _, it := range r.Items {
		if it.Status == s {
			n++
		}
	}
	return n
}

// Published describes an archive uploaded to the provider.
type Published struct {
	File   adapter.CreatedFile `json:"file"`
	Public bool                `json:"public"`
}

// Builder produces zip archives from remote files and folders.
type Builder struct {
	provider adapter.Provider
	limits   Limits
	logger   *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(provider adapter.Provider, limits Limits, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.L()
	}
	return &Builder{
		provider: provider,
		limits:   limits,
		logger:   logger.Named("archive"),
	}
}

// entry is a file to fetch and the archive path it goes under.
type entry struct {
	fileID string
	path   string
}

// BuildFromFiles archives fileIDs in order under their bare names.
func (b *Builder) BuildFromFiles(ctx context.Context, fileIDs []string, archiveName string) (*Result, error) {
	storage, err := b.provider.Storage(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{Name: normalizeName(archiveName, DefaultFilesName)}
	zw := newZipWriter()
	for _, id := range fileIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta, err := storage.GetFileMetadata(ctx, id)
		if err != nil {
			b.skip(res, id, "", &ItemFetchError{FileID: id, Op: "metadata", Err: err})
			continue
		}
		b.add(ctx, storage, zw, res, entry{fileID: id, path: sanitizeName(meta.Name)})
	}
	return b.finish(res, zw)
}

// BuildFromFolder archives every file below folderID, keeping relative paths.
func (b *Builder) BuildFromFolder(ctx context.Context, folderID, archiveName string) (*Result, error) {
	storage, err := b.provider.Storage(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{Name: normalizeName(archiveName, DefaultFolderName)}
	entries, skipped, err := b.walk(ctx, storage, folderID)
	if err != nil {
		return nil, err
	}
	res.Items = append(res.Items, skipped...)

	zw := newZipWriter()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.add(ctx, storage, zw, res, e)
	}
	return b.finish(res, zw)
}

// Publish uploads data and makes it publicly readable. A grant failure
// returns both the created file and a *PermissionGrantError.
func (b *Builder) Publish(ctx context.Context, data []byte, name, destinationFolderID string) (*Published, error) {
	name = normalizeName(name, DefaultFilesName)
	storage, err := b.provider.Storage(ctx)
	if err != nil {
		return nil, &UploadError{Name: name, Err: err}
	}

	created, err := storage.CreateFile(ctx, adapter.NewFile{
		Name:     name,
		MIMEType: MIMEType,
		ParentID: destinationFolderID,
	}, bytes.NewReader(data))
	if err != nil {
		b.logger.Error("archive upload failed", zap.String("name", name), zap.Error(err))
		return nil, &UploadError{Name: name, Err: err}
	}

	if err := storage.GrantPublicRead(ctx, created.ID); err != nil {
		b.logger.Error("archive created but not public", zap.String("file_id", created.ID), zap.Error(err))
		return &Published{File: *created}, &PermissionGrantError{FileID: created.ID, Err: err}
	}

	b.logger.Info("archive published", zap.String("file_id", created.ID), zap.Int("bytes", len(data)))
	return &Published{File: *created, Public: true}, nil
}

// add fetches one entry into zw and records its outcome.
func (b *Builder) add(ctx context.Context, storage adapter.RemoteStorage, zw *zipWriter, res *Result, e entry) {
	name, err := b.fetch(ctx, storage, zw, e)
	if err != nil {
		b.skip(res, e.fileID, e.path, err)
		return
	}
	res.Items = append(res.Items, model.ItemOutcome{FileID: e.fileID, Path: name, Status: model.ItemSucceeded})
}

func (b *Builder) skip(res *Result, fileID, path string, err error) {
	res.Items = append(res.Items, failed(fileID, path, err))
	b.logger.Warn("archive item skipped", zap.String("file_id", fileID), zap.String("path", path), zap.Error(err))
}

func (b *Builder) finish(res *Result, zw *zipWriter) (*Result, error) {
	data, err := zw.finish()
	if err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	res.Data = data

	b.logger.Info("archive built",
		zap.String("name", res.Name),
		zap.Int("succeeded", res.Succeeded()),
		zap.Int("failed", res.Failed()),
		zap.Int("bytes", len(data)),
	)
	return res, nil
}

func (b *Builder) fetch(ctx context.Context, storage adapter.RemoteStorage, zw *zipWriter, e entry) (string, error) {
	rc, err := storage.OpenReadStream(ctx, e.fileID)
	if err != nil {
		return "", &ItemFetchError{FileID: e.fileID, Op: "download", Err: err}
	}
	defer rc.Close()

	name, err := zw.add(e.path, rc)
	if err != nil {
		return "", &ItemFetchError{FileID: e.fileID, Op: "compress", Err: err}
	}
	return name, nil
}

// frame is a pending node on the walk stack.
type frame struct {
	node  model.RemoteNode
	path  string
	depth int
}

// walk lists folderID depth-first in provider order with an explicit stack.
// A failed root listing fails the walk; failed sub-folders and cycles are
// returned as failed outcomes.
func (b *Builder) walk(ctx context.Context, storage adapter.RemoteStorage, folderID string) ([]entry, []model.ItemOutcome, error) {
	var (
		entries []entry
		skipped []model.ItemOutcome
		visited = map[string]bool{}
		nodes   int
	)

	stack := []frame{{node: model.RemoteNode{ID: folderID, Kind: model.KindFolder}}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !f.node.IsFolder() {
			entries = append(entries, entry{fileID: f.node.ID, path: f.path})
			continue
		}

		if visited[f.node.ID] {
			skipped = append(skipped, failed(f.node.ID, f.path, &ItemFetchError{
				FileID: f.node.ID,
				Op:     "list",
				Err:    fmt.Errorf("folder already visited (cycle)"),
			}))
			continue
		}
		visited[f.node.ID] = true

		children, err := storage.ListChildren(ctx, f.node.ID)
		if err != nil {
			if f.node.ID == folderID && f.depth == 0 {
				return nil, nil, fmt.Errorf("list folder %s: %w", folderID, err)
			}
			skipped = append(skipped, failed(f.node.ID, f.path, &ItemFetchError{FileID: f.node.ID, Op: "list", Err: err}))
			b.logger.Warn("sub-folder skipped", zap.String("folder_id", f.node.ID), zap.Error(err))
			continue
		}

		nodes += len(children)
		if b.limits.MaxNodes > 0 && nodes > b.limits.MaxNodes {
			return nil, nil, fmt.Errorf("%w: more than %d nodes under %s", ErrTraversalLimit, b.limits.MaxNodes, folderID)
		}

		// Push in reverse so children pop in listing order.
		for i := len(children) - 1; i >= 0; i-- {
			c := children[i]
			depth := f.depth
			if c.IsFolder() {
				depth++
				if b.limits.MaxDepth > 0 && depth > b.limits.MaxDepth {
					return nil, nil, fmt.Errorf("%w: deeper than %d levels under %s", ErrTraversalLimit, b.limits.MaxDepth, folderID)
				}
			}
			stack = append(stack, frame{node: c, path: joinPath(f.path, sanitizeName(c.Name)), depth: depth})
		}
	}
	return entries, skipped, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func failed(fileID, path string, err error) model.ItemOutcome {
	return model.ItemOutcome{FileID: fileID, Path: path, Status: model.ItemFailed, Reason: err.Error()}
}

func normalizeName(name, def string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return def
	}
	name = sanitizeName(name)
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name += ".zip"
	}
	return name
}
