package model

import "time"

// FolderMIMEType is the MIME type Google Drive uses for folders.
const FolderMIMEType = "application/vnd.google-apps.folder"

// CredentialRecord is one issuance of delegated token material.
// Records are never mutated once created; a refresh produces a new record.
type CredentialRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the access token is past its known expiry at now.
func (r *CredentialRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Channel is a provider-side push-notification subscription.
type Channel struct {
	ID          string    `json:"id"`
	ResourceID  string    `json:"resource_id"`
	ResourceURI string    `json:"resource_uri,omitempty"`
	WebhookURL  string    `json:"webhook_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the channel can still deliver notifications at now.
func (c *Channel) Valid(now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}

// NodeKind distinguishes files from folders in the remote tree.
type NodeKind string

const (
	KindFile   NodeKind = "file"
	KindFolder NodeKind = "folder"
)

// RemoteNode mirrors a file or folder in the provider's tree.
type RemoteNode struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	MIMEType string   `json:"mimeType"`
	Kind     NodeKind `json:"kind"`
	ParentID string   `json:"parentId,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n RemoteNode) IsFolder() bool {
	return n.Kind == KindFolder
}

// KindOf derives the node kind from a provider MIME type.
func KindOf(mimeType string) NodeKind {
	if mimeType == FolderMIMEType {
		return KindFolder
	}
	return KindFile
}

// ItemStatus is the outcome of one archive item.
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
)

// ItemOutcome records what happened to one requested archive item.
type ItemOutcome struct {
	FileID string     `json:"fileId"`
	Path   string     `json:"path,omitempty"`
	Status ItemStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}
