package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/model"
)

const (
	maxDemoContentSize = 8 * 1024 * 1024 // 8MB
	maxDemoTitleLength = 255
	maxDemoItemCount   = 500
)

// Op names an adapter operation for failure injection.
type Op string

const (
	OpMetadata Op = "metadata"
	OpRead     Op = "read"
	OpList     Op = "list"
	OpWatch    Op = "watch"
	OpStop     Op = "stop"
	OpCreate   Op = "create"
	OpGrant    Op = "grant"
)

type entry struct {
	node    model.RemoteNode
	content []byte
}

type failKey struct {
	op Op
	id string
}

// MemoryAdapter implements adapter.RemoteStorage over an in-process tree.
// It backs dev mode and tests. Children are kept as an adjacency list so a
// folder may appear under more than one parent, cycles included.
type MemoryAdapter struct {
	mu       sync.RWMutex
	rootID   string
	entries  map[string]*entry
	children map[string][]string
	failures map[failKey]error

	// MaxChannelLifetime caps the expiry granted by Watch when non-zero.
	MaxChannelLifetime time.Duration
	now                func() time.Time

	watches []adapter.WatchRequest
	stopped []string
	grants  []string
}

// NewMemoryAdapter creates an empty tree with a root folder.
func NewMemoryAdapter(rootID string) *MemoryAdapter {
	if rootID == "" {
		rootID = "root"
	}
	m := &MemoryAdapter{
		rootID:   rootID,
		entries:  make(map[string]*entry),
		children: make(map[string][]string),
		failures: make(map[failKey]error),
		now:      time.Now,
	}
	m.entries[rootID] = &entry{node: model.RemoteNode{
		ID:       rootID,
		Name:     "My Drive",
		MIMEType: model.FolderMIMEType,
		Kind:     model.KindFolder,
	}}
	return m
}

// NewDemoAdapter creates a tree pre-populated with a few folders and files.
func NewDemoAdapter(rootID string) *MemoryAdapter {
	m := NewMemoryAdapter(rootID)
	docs := m.AddFolder(m.rootID, "Documents")
	m.AddFile(docs, "welcome.txt", "text/plain", []byte("Welcome to docbrowser.\n"))
	m.AddFile(docs, "notes.md", "text/markdown", []byte("# Notes\n\n- first\n"))
	reports := m.AddFolder(docs, "Reports")
	m.AddFile(reports, "q1.csv", "text/csv", []byte("quarter,total\nq1,42\n"))
	m.AddFile(m.rootID, "readme.txt", "text/plain", []byte("Demo drive.\n"))
	return m
}

// RootID returns the id of the root folder.
func (m *MemoryAdapter) RootID() string {
	return m.rootID
}

// AddFolder creates a folder under parentID and returns its id.
func (m *MemoryAdapter) AddFolder(parentID, name string) string {
	return m.add(parentID, name, model.FolderMIMEType, nil)
}

// AddFile creates a file under parentID and returns its id.
func (m *MemoryAdapter) AddFile(parentID, name, mimeType string, content []byte) string {
	return m.add(parentID, name, mimeType, content)
}

// Link makes an existing node also a child of parentID.
func (m *MemoryAdapter) Link(parentID, childID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children[parentID] = append(m.children[parentID], childID)
}

// Fail makes op on id return err until cleared with a nil err.
func (m *MemoryAdapter) Fail(op Op, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, failKey{op, id})
		return
	}
	m.failures[failKey{op, id}] = err
}

// Watches returns every watch request received.
func (m *MemoryAdapter) Watches() []adapter.WatchRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]adapter.WatchRequest(nil), m.watches...)
}

// Stopped returns the ids of channels stopped so far.
func (m *MemoryAdapter) Stopped() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.stopped...)
}

// Grants returns the ids that were made publicly readable.
func (m *MemoryAdapter) Grants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.grants...)
}

// Content returns the stored bytes of a file.
func (m *MemoryAdapter) Content(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.content, true
}

func (m *MemoryAdapter) add(parentID, name, mimeType string, content []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.entries[id] = &entry{
		node: model.RemoteNode{
			ID:       id,
			Name:     name,
			MIMEType: mimeType,
			Kind:     model.KindOf(mimeType),
			ParentID: parentID,
		},
		content: content,
	}
	m.children[parentID] = append(m.children[parentID], id)
	return id
}

// failure must be called with mu held.
func (m *MemoryAdapter) failure(op Op, id string) error {
	if err, ok := m.failures[failKey{op, id}]; ok {
		return &adapter.TransportError{Op: string(op), Err: err}
	}
	return nil
}

func notFound(op Op, id string) error {
	return &adapter.TransportError{
		Op:   string(op),
		Code: 404,
		Err:  fmt.Errorf("%w: %s", adapter.ErrNotFound, id),
	}
}

func (m *MemoryAdapter) Watch(ctx context.Context, resourceID string, req adapter.WatchRequest) (*adapter.WatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(OpWatch, resourceID); err != nil {
		return nil, err
	}
	if _, ok := m.entries[resourceID]; !ok {
		return nil, notFound(OpWatch, resourceID)
	}
	m.watches = append(m.watches, req)

	expires := req.ExpiresAt
	if m.MaxChannelLifetime > 0 {
		if limit := m.now().Add(m.MaxChannelLifetime); expires.IsZero() || expires.After(limit) {
			expires = limit
		}
	}
	return &adapter.WatchResult{
		ChannelID:   req.ChannelID,
		ResourceID:  "res-" + resourceID,
		ResourceURI: "memory://files/" + resourceID,
		ExpiresAt:   expires,
	}, nil
}

func (m *MemoryAdapter) StopChannel(ctx context.Context, channelID, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(OpStop, channelID); err != nil {
		return err
	}
	m.stopped = append(m.stopped, channelID)
	return nil
}

func (m *MemoryAdapter) GetFileMetadata(ctx context.Context, fileID string) (*adapter.FileMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(OpMetadata, fileID); err != nil {
		return nil, err
	}
	e, ok := m.entries[fileID]
	if !ok {
		return nil, notFound(OpMetadata, fileID)
	}
	return &adapter.FileMetadata{ID: e.node.ID, Name: e.node.Name, MIMEType: e.node.MIMEType}, nil
}

func (m *MemoryAdapter) OpenReadStream(ctx context.Context, fileID string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(OpRead, fileID); err != nil {
		return nil, err
	}
	e, ok := m.entries[fileID]
	if !ok {
		return nil, notFound(OpRead, fileID)
	}
	if e.node.IsFolder() {
		return nil, &adapter.TransportError{
			Op:   string(OpRead),
			Code: 403,
			Err:  fmt.Errorf("%w: %s is a folder", adapter.ErrForbidden, fileID),
		}
	}
	return io.NopCloser(bytes.NewReader(e.content)), nil
}

func (m *MemoryAdapter) ListChildren(ctx context.Context, folderID string) ([]model.RemoteNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(OpList, folderID); err != nil {
		return nil, err
	}
	if _, ok := m.entries[folderID]; !ok {
		return nil, notFound(OpList, folderID)
	}

	nodes := []model.RemoteNode{}
	for _, id := range m.children[folderID] {
		if e, ok := m.entries[id]; ok {
			n := e.node
			n.ParentID = folderID
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

func (m *MemoryAdapter) CreateFile(ctx context.Context, spec adapter.NewFile, content io.Reader) (*adapter.CreatedFile, error) {
	if len(spec.Name) > maxDemoTitleLength {
		return nil, fmt.Errorf("name too long (max %d characters)", maxDemoTitleLength)
	}
	data, err := io.ReadAll(io.LimitReader(content, maxDemoContentSize+1))
	if err != nil {
		return nil, &adapter.TransportError{Op: string(OpCreate), Err: err}
	}
	if len(data) > maxDemoContentSize {
		return nil, fmt.Errorf("content too large (max %d bytes)", maxDemoContentSize)
	}

	parent := spec.ParentID
	if parent == "" {
		parent = m.rootID
	}

	m.mu.Lock()
	if err := m.failure(OpCreate, parent); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if _, ok := m.entries[parent]; !ok {
		m.mu.Unlock()
		return nil, notFound(OpCreate, parent)
	}
	count := len(m.entries)
	m.mu.Unlock()
	if count >= maxDemoItemCount {
		return nil, fmt.Errorf("item limit reached for demo mode (max %d items)", maxDemoItemCount)
	}

	id := m.add(parent, spec.Name, spec.MIMEType, data)
	return &adapter.CreatedFile{
		ID:          id,
		Name:        spec.Name,
		ViewURL:     "memory://files/" + id + "/view",
		DownloadURL: "memory://files/" + id,
	}, nil
}

func (m *MemoryAdapter) GrantPublicRead(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(OpGrant, fileID); err != nil {
		return err
	}
	if _, ok := m.entries[fileID]; !ok {
		return notFound(OpGrant, fileID)
	}
	m.grants = append(m.grants, fileID)
	return nil
}
