package adapter

import (
	"context"
	"io"
	"time"

	"github.com/jun/docbrowser/internal/model"
)

// FileMetadata is the subset of provider metadata the core reads.
type FileMetadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
}

// WatchRequest describes a push-notification channel to register.
type WatchRequest struct {
	ChannelID string
	Address   string
	ExpiresAt time.Time
}

// WatchResult is what the provider granted for a registration.
type WatchResult struct {
	ChannelID   string
	ResourceID  string
	ResourceURI string
	ExpiresAt   time.Time
}

// NewFile describes a file to upload.
type NewFile struct {
	Name     string
	MIMEType string
	ParentID string
}

// CreatedFile is the provider's view of an uploaded file.
type CreatedFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ViewURL     string `json:"publicViewUrl,omitempty"`
	DownloadURL string `json:"publicDownloadUrl,omitempty"`
}

// RemoteStorage is the transport binding to the provider's file, metadata
// and permission API. Implementations do not retry; every call either
// succeeds or returns its error to the caller.
type RemoteStorage interface {
	// Watch registers a push-notification channel on a resource.
	Watch(ctx context.Context, resourceID string, req WatchRequest) (*WatchResult, error)

	// StopChannel tears a channel down.
	StopChannel(ctx context.Context, channelID, resourceID string) error

	// GetFileMetadata returns name and MIME type of a node.
	GetFileMetadata(ctx context.Context, fileID string) (*FileMetadata, error)

	// OpenReadStream opens the content of a file. The caller closes it.
	OpenReadStream(ctx context.Context, fileID string) (io.ReadCloser, error)

	// ListChildren lists every non-trashed child of a folder, all pages.
	ListChildren(ctx context.Context, folderID string) ([]model.RemoteNode, error)

	// CreateFile uploads content as a new file.
	CreateFile(ctx context.Context, spec NewFile, content io.Reader) (*CreatedFile, error)

	// GrantPublicRead gives anyone with the link read access.
	GrantPublicRead(ctx context.Context, fileID string) error
}
