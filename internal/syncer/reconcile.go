package syncer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/model"
)

// Snapshot mirrors the children of the watched folder. It is the default
// reconciliation target for push notifications.
type Snapshot struct {
	provider adapter.Provider
	folderID string
	logger   *zap.Logger

	mu    sync.RWMutex
	nodes map[string]model.RemoteNode
}

// NewSnapshot creates an empty Snapshot of folderID.
func NewSnapshot(provider adapter.Provider, folderID string, logger *zap.Logger) *Snapshot {
	if logger == nil {
		logger = zap.L()
	}
	return &Snapshot{
		provider: provider,
		folderID: folderID,
		logger:   logger.Named("snapshot"),
		nodes:    make(map[string]model.RemoteNode),
	}
}

// Reconcile re-lists the folder and logs what changed since the last pass.
func (s *Snapshot) Reconcile(ctx context.Context) error {
	storage, err := s.provider.Storage(ctx)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", s.folderID, err)
	}
	children, err := storage.ListChildren(ctx, s.folderID)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", s.folderID, err)
	}

	next := make(map[string]model.RemoteNode, len(children))
	for _, n := range children {
		next[n.ID] = n
	}

	s.mu.Lock()
	prev := s.nodes
	s.nodes = next
	s.mu.Unlock()

	var added, removed, renamed int
	for id, n := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			added++
		case old.Name != n.Name:
			renamed++
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed++
		}
	}
	s.logger.Info("folder reconciled",
		zap.String("folder_id", s.folderID),
		zap.Int("children", len(next)),
		zap.Int("added", added),
		zap.Int("removed", removed),
		zap.Int("renamed", renamed),
	)
	return nil
}

// Nodes returns the mirrored children.
func (s *Snapshot) Nodes() []model.RemoteNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RemoteNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}
