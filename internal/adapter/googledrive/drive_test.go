package googledrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/model"
)

// fakeDrive serves the subset of the Drive v3 REST surface the storage uses.
type fakeDrive struct {
	t           *testing.T
	stopped     []map[string]any
	watched     map[string]any
	permissions []map[string]any
	listQueries []string
	uploads     []upload
}

// upload is one multipart create request as the server saw it.
type upload struct {
	uploadType  string
	fields      string
	metadata    map[string]any
	contentType string
	content     string
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/channels/stop":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.stopped = append(f.stopped, body)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/watch"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.watched = body
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":        "api#channel",
			"id":          body["id"],
			"resourceId":  "res-1",
			"resourceUri": "https://www.googleapis.com/drive/v3/files/root-folder",
			"expiration":  "1790000000000",
		})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/permissions"):
		if strings.Contains(path, "locked") {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.permissions = append(f.permissions, body)
		writeJSON(w, http.StatusOK, map[string]any{"id": "anyoneWithLink", "role": "reader", "type": "anyone"})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/files"):
		up, err := readUpload(r)
		if err != nil {
			f.t.Errorf("bad upload: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.uploads = append(f.uploads, up)
		writeJSON(w, http.StatusOK, map[string]any{
			"id":             "new-1",
			"name":           up.metadata["name"],
			"webViewLink":    "https://drive.google.com/file/d/new-1/view",
			"webContentLink": "https://drive.google.com/uc?id=new-1&export=download",
		})

	case r.Method == http.MethodGet && path == "/about":
		if r.Header.Get("Authorization") == "Bearer denied" {
			writeError(w, http.StatusForbidden, "insufficient scope")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user": map[string]any{"emailAddress": "ops@example.com"},
		})

	case r.Method == http.MethodGet && path == "/files":
		q := r.URL.Query()
		f.listQueries = append(f.listQueries, q.Get("q"))
		if q.Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"nextPageToken": "page-2",
				"files": []map[string]any{
					{"id": "a", "name": "A", "mimeType": model.FolderMIMEType},
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"files": []map[string]any{
				{"id": "x", "name": "x.txt", "mimeType": "text/plain"},
			},
		})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/files/"):
		id := strings.TrimPrefix(path, "/files/")
		if id == "missing" {
			writeError(w, http.StatusNotFound, "File not found: missing")
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			_, _ = io.WriteString(w, "content of "+id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "name": id + ".txt", "mimeType": "text/plain"})

	default:
		f.t.Errorf("unexpected request %s %s", r.Method, path)
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func readUpload(r *http.Request) (upload, error) {
	up := upload{
		uploadType: r.URL.Query().Get("uploadType"),
		fields:     r.URL.Query().Get("fields"),
	}
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return up, err
	}
	if mediaType != "multipart/related" {
		return up, fmt.Errorf("content type %q", mediaType)
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	meta, err := mr.NextPart()
	if err != nil {
		return up, err
	}
	if err := json.NewDecoder(meta).Decode(&up.metadata); err != nil {
		return up, err
	}

	media, err := mr.NextPart()
	if err != nil {
		return up, err
	}
	up.contentType = media.Header.Get("Content-Type")
	body, err := io.ReadAll(media)
	if err != nil {
		return up, err
	}
	up.content = string(body)
	return up, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg},
	})
}

func newTestStorage(t *testing.T) (*DriveStorage, *fakeDrive) {
	t.Helper()
	fake := &fakeDrive{t: t}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	storage, err := NewDriveStorage(context.Background(), srv.Client(), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return storage, fake
}

func TestGetFileMetadata(t *testing.T) {
	storage, _ := newTestStorage(t)

	meta, err := storage.GetFileMetadata(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, &adapter.FileMetadata{ID: "f1", Name: "f1.txt", MIMEType: "text/plain"}, meta)
}

func TestGetFileMetadata_NotFound(t *testing.T) {
	storage, _ := newTestStorage(t)

	_, err := storage.GetFileMetadata(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrNotFound)

	var tErr *adapter.TransportError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, http.StatusNotFound, tErr.Code)
	assert.Equal(t, "get metadata", tErr.Op)
}

func TestOpenReadStream(t *testing.T) {
	storage, _ := newTestStorage(t)

	rc, err := storage.OpenReadStream(context.Background(), "f1")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "content of f1", string(data))
}

func TestOpenReadStream_NotFound(t *testing.T) {
	storage, _ := newTestStorage(t)

	_, err := storage.OpenReadStream(context.Background(), "missing")
	assert.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestListChildren_FollowsPages(t *testing.T) {
	storage, fake := newTestStorage(t)

	nodes, err := storage.ListChildren(context.Background(), "root-folder")
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, "A", nodes[0].Name)
	assert.True(t, nodes[0].IsFolder())
	assert.Equal(t, "x.txt", nodes[1].Name)
	assert.Equal(t, model.KindFile, nodes[1].Kind)
	assert.Equal(t, "root-folder", nodes[1].ParentID)

	require.Len(t, fake.listQueries, 2)
	assert.Equal(t, "'root-folder' in parents and trashed = false", fake.listQueries[0])
}

func TestWatch(t *testing.T) {
	storage, fake := newTestStorage(t)

	requested := time.Now().Add(7 * 24 * time.Hour)
	res, err := storage.Watch(context.Background(), "root-folder", adapter.WatchRequest{
		ChannelID: "channel-1",
		Address:   "https://example.com/drive/webhook",
		ExpiresAt: requested,
	})
	require.NoError(t, err)

	assert.Equal(t, "channel-1", res.ChannelID)
	assert.Equal(t, "res-1", res.ResourceID)
	assert.Equal(t, time.UnixMilli(1790000000000).UTC(), res.ExpiresAt)

	assert.Equal(t, "web_hook", fake.watched["type"])
	assert.Equal(t, "https://example.com/drive/webhook", fake.watched["address"])
}

func TestStopChannel(t *testing.T) {
	storage, fake := newTestStorage(t)

	require.NoError(t, storage.StopChannel(context.Background(), "channel-1", "res-1"))
	require.Len(t, fake.stopped, 1)
	assert.Equal(t, "channel-1", fake.stopped[0]["id"])
	assert.Equal(t, "res-1", fake.stopped[0]["resourceId"])
}

func TestGrantPublicRead(t *testing.T) {
	storage, fake := newTestStorage(t)

	require.NoError(t, storage.GrantPublicRead(context.Background(), "archive-1"))
	require.Len(t, fake.permissions, 1)
	assert.Equal(t, "reader", fake.permissions[0]["role"])
	assert.Equal(t, "anyone", fake.permissions[0]["type"])

	err := storage.GrantPublicRead(context.Background(), "locked")
	assert.ErrorIs(t, err, adapter.ErrForbidden)
}

func TestEscapeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc", "abc"},
		{"it's", `it\'s`},
		{`a\b`, `a\\b`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeQuery(tt.in))
		})
	}
}

func TestCreateFile(t *testing.T) {
	storage, fake := newTestStorage(t)

	created, err := storage.CreateFile(context.Background(), adapter.NewFile{
		Name:     "report.zip",
		MIMEType: "application/zip",
		ParentID: "dest-folder",
	}, strings.NewReader("PK zip bytes"))
	require.NoError(t, err)

	assert.Equal(t, "new-1", created.ID)
	assert.Equal(t, "report.zip", created.Name)
	assert.Equal(t, "https://drive.google.com/file/d/new-1/view", created.ViewURL)
	assert.Equal(t, "https://drive.google.com/uc?id=new-1&export=download", created.DownloadURL)

	require.Len(t, fake.uploads, 1)
	up := fake.uploads[0]
	assert.Equal(t, "multipart", up.uploadType)
	assert.Equal(t, createFields, up.fields)
	assert.Equal(t, "report.zip", up.metadata["name"])
	assert.Equal(t, "application/zip", up.metadata["mimeType"])
	assert.Equal(t, []any{"dest-folder"}, up.metadata["parents"])
	assert.Equal(t, "application/zip", up.contentType)
	assert.Equal(t, "PK zip bytes", up.content)
}

func TestCreateFile_NoParent(t *testing.T) {
	storage, fake := newTestStorage(t)

	_, err := storage.CreateFile(context.Background(), adapter.NewFile{
		Name:     "loose.zip",
		MIMEType: "application/zip",
	}, strings.NewReader("x"))
	require.NoError(t, err)

	require.Len(t, fake.uploads, 1)
	_, hasParents := fake.uploads[0].metadata["parents"]
	assert.False(t, hasParents)
}

func TestAccountEmail(t *testing.T) {
	storage, _ := newTestStorage(t)

	email, err := storage.AccountEmail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", email)
}

func TestAccountEmail_ForbiddenToken(t *testing.T) {
	fake := &fakeDrive{t: t}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "denied", TokenType: "Bearer"})
	client := oauth2.NewClient(context.Background(), src)
	storage, err := NewDriveStorage(context.Background(), client, option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	_, err = storage.AccountEmail(context.Background())
	assert.ErrorIs(t, err, adapter.ErrForbidden)
}
