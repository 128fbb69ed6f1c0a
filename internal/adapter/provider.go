package adapter

import (
	"context"
)

// Provider hands out a RemoteStorage bound to valid credentials.
type Provider interface {
	// Storage returns a client, or ErrNotAuthenticated when the credential
	// manager holds no usable token.
	Storage(ctx context.Context) (RemoteStorage, error)
}

// StaticProvider always returns the same client. It backs DEV_MODE and tests.
type StaticProvider struct {
	S RemoteStorage
}

func (p StaticProvider) Storage(context.Context) (RemoteStorage, error) {
	return p.S, nil
}
