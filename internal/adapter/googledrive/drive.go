package googledrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/model"
)

const (
	listFields   = "nextPageToken, files(id, name, mimeType, parents)"
	createFields = "id, name, webViewLink, webContentLink"
	listPageSize = 1000
)

// DriveStorage implements adapter.RemoteStorage for Google Drive.
type DriveStorage struct {
	service *drive.Service
}

// NewDriveStorage creates a DriveStorage. client must already carry the
// user's credentials; extra options are for tests (endpoint override).
func NewDriveStorage(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*DriveStorage, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive client: %w", err)
	}
	return &DriveStorage{service: srv}, nil
}

// Watch registers a web_hook channel on resourceID.
func (d *DriveStorage) Watch(ctx context.Context, resourceID string, req adapter.WatchRequest) (*adapter.WatchResult, error) {
	ch := &drive.Channel{
		Id:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
	}
	if !req.ExpiresAt.IsZero() {
		ch.Expiration = req.ExpiresAt.UnixMilli()
	}

	res, err := d.service.Files.Watch(resourceID, ch).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("watch", err)
	}

	// The provider may shorten the requested lifetime; trust its answer.
	expires := req.ExpiresAt
	if res.Expiration != 0 {
		expires = time.UnixMilli(res.Expiration).UTC()
	}
	return &adapter.WatchResult{
		ChannelID:   res.Id,
		ResourceID:  res.ResourceId,
		ResourceURI: res.ResourceUri,
		ExpiresAt:   expires,
	}, nil
}

// StopChannel stops a channel.
func (d *DriveStorage) StopChannel(ctx context.Context, channelID, resourceID string) error {
	err := d.service.Channels.Stop(&drive.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	if err != nil {
		return classify("stop channel", err)
	}
	return nil
}

// GetFileMetadata returns the name and MIME type of a file.
func (d *DriveStorage) GetFileMetadata(ctx context.Context, fileID string) (*adapter.FileMetadata, error) {
	f, err := d.service.Files.Get(fileID).
		SupportsAllDrives(true).
		Fields("id, name, mimeType").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("get metadata", err)
	}
	return &adapter.FileMetadata{ID: f.Id, Name: f.Name, MIMEType: f.MimeType}, nil
}

// OpenReadStream downloads file content. Native Google documents cannot be
// downloaded and fail with adapter.ErrForbidden.
func (d *DriveStorage) OpenReadStream(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := d.service.Files.Get(fileID).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, classify("download", err)
	}
	return resp.Body, nil
}

// ListChildren lists all non-trashed children of folderID across pages.
func (d *DriveStorage) ListChildren(ctx context.Context, folderID string) ([]model.RemoteNode, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))

	nodes := []model.RemoteNode{}
	err := d.service.Files.List().
		Q(q).
		Fields(googleapi.Field(listFields)).
		PageSize(listPageSize).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				nodes = append(nodes, model.RemoteNode{
					ID:       f.Id,
					Name:     f.Name,
					MIMEType: f.MimeType,
					Kind:     model.KindOf(f.MimeType),
					ParentID: folderID,
				})
			}
			return nil
		})
	if err != nil {
		return nil, classify("list children", err)
	}
	return nodes, nil
}

// CreateFile uploads content as a new file under spec.ParentID.
func (d *DriveStorage) CreateFile(ctx context.Context, spec adapter.NewFile, content io.Reader) (*adapter.CreatedFile, error) {
	f := &drive.File{
		Name:     spec.Name,
		MimeType: spec.MIMEType,
	}
	if spec.ParentID != "" {
		f.Parents = []string{spec.ParentID}
	}

	res, err := d.service.Files.Create(f).
		Media(content, googleapi.ContentType(spec.MIMEType)).
		SupportsAllDrives(true).
		Fields(createFields).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("create file", err)
	}
	return &adapter.CreatedFile{
		ID:          res.Id,
		Name:        res.Name,
		ViewURL:     res.WebViewLink,
		DownloadURL: res.WebContentLink,
	}, nil
}

// GrantPublicRead adds an anyone/reader permission.
func (d *DriveStorage) GrantPublicRead(ctx context.Context, fileID string) error {
	_, err := d.service.Permissions.Create(fileID, &drive.Permission{
		Role: "reader",
		Type: "anyone",
	}).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return classify("grant public read", err)
	}
	return nil
}

// AccountEmail returns the email address of the account the client acts for.
func (d *DriveStorage) AccountEmail(ctx context.Context) (string, error) {
	about, err := d.service.About.Get().
		Fields("user(emailAddress)").
		Context(ctx).
		Do()
	if err != nil {
		return "", classify("about", err)
	}
	if about.User == nil || about.User.EmailAddress == "" {
		return "", &adapter.TransportError{Op: "about", Err: errors.New("no account email in response")}
	}
	return about.User.EmailAddress, nil
}

// classify wraps a Drive error as an adapter.TransportError, tagging the
// status codes the core cares about with sentinel errors.
func classify(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		wrapped := err
		switch gErr.Code {
		case http.StatusNotFound:
			wrapped = fmt.Errorf("%w: %w", adapter.ErrNotFound, err)
		case http.StatusForbidden:
			wrapped = fmt.Errorf("%w: %w", adapter.ErrForbidden, err)
		}
		return &adapter.TransportError{Op: op, Code: gErr.Code, Err: wrapped}
	}
	return &adapter.TransportError{Op: op, Err: err}
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
