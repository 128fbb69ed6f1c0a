package googledrive

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/auth"
)

// Provider implements adapter.Provider for Google Drive, drawing tokens from
// the credential manager on every request.
type Provider struct {
	manager *auth.Manager
}

// NewProvider creates a new Google Drive provider.
func NewProvider(manager *auth.Manager) *Provider {
	return &Provider{manager: manager}
}

// Storage returns a DriveStorage, or adapter.ErrNotAuthenticated.
func (p *Provider) Storage(ctx context.Context) (adapter.RemoteStorage, error) {
	if !p.manager.IsAuthenticated(ctx) {
		return nil, adapter.ErrNotAuthenticated
	}

	// Token refresh must not die with the request that created the client.
	tokenCtx := context.WithoutCancel(ctx)
	client := oauth2.NewClient(tokenCtx, p.manager.TokenSource(tokenCtx))

	storage, err := NewDriveStorage(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive storage: %w", err)
	}
	return storage, nil
}

// LookupAccount resolves the account behind a freshly exchanged token. It
// satisfies auth.AccountLookup.
func LookupAccount(ctx context.Context, src oauth2.TokenSource) (string, error) {
	storage, err := NewDriveStorage(ctx, oauth2.NewClient(ctx, src))
	if err != nil {
		return "", err
	}
	return storage.AccountEmail(ctx)
}
