package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/archive"
	"github.com/jun/docbrowser/internal/model"
)

// ArchiveBuilder is the part of archive.Builder the archive routes need.
type ArchiveBuilder interface {
	BuildFromFiles(ctx context.Context, fileIDs []string, archiveName string) (*archive.Result, error)
	BuildFromFolder(ctx context.Context, folderID, archiveName string) (*archive.Result, error)
	Publish(ctx context.Context, data []byte, name, destinationFolderID string) (*archive.Published, error)
}

// ArchiveHandler builds zip archives of remote files and folders.
type ArchiveHandler struct {
	builder   ArchiveBuilder
	jwtSecret string
	logger    *zap.Logger
}

// NewArchiveHandler creates a new ArchiveHandler.
func NewArchiveHandler(builder ArchiveBuilder, jwtSecret string, logger *zap.Logger) *ArchiveHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &ArchiveHandler{builder: builder, jwtSecret: jwtSecret, logger: logger.Named("archive")}
}

// ArchiveRequest selects either explicit files or one folder.
type ArchiveRequest struct {
	FileIDs             []string `json:"fileIds"`
	FolderID            string   `json:"folderId"`
	Name                string   `json:"name"`
	DestinationFolderID string   `json:"destinationFolderId"`
}

type archiveResponse struct {
	Name      string              `json:"name"`
	Size      int                 `json:"size"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Items     []model.ItemOutcome `json:"items"`
	Content   string              `json:"content"`
}

type publishResponse struct {
	File   *adapter.CreatedFile `json:"file,omitempty"`
	Public bool                 `json:"public"`
	Items  []model.ItemOutcome  `json:"items"`
	Error  string               `json:"error,omitempty"`
}

func (h *ArchiveHandler) parse(req events.APIGatewayProxyRequest) (ArchiveRequest, *events.APIGatewayProxyResponse) {
	var in ArchiveRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		resp := errorResponse(http.StatusBadRequest, "Invalid request body")
		return in, &resp
	}
	if (len(in.FileIDs) == 0) == (in.FolderID == "") {
		resp := errorResponse(http.StatusBadRequest, "Exactly one of fileIds or folderId is required")
		return in, &resp
	}
	return in, nil
}

func (h *ArchiveHandler) build(ctx context.Context, in ArchiveRequest) (*archive.Result, *events.APIGatewayProxyResponse) {
	var (
		res *archive.Result
		err error
	)
	if in.FolderID != "" {
		res, err = h.builder.BuildFromFolder(ctx, in.FolderID, in.Name)
	} else {
		res, err = h.builder.BuildFromFiles(ctx, in.FileIDs, in.Name)
	}
	if err != nil {
		resp := h.buildError(err)
		return nil, &resp
	}
	return res, nil
}

func (h *ArchiveHandler) buildError(err error) events.APIGatewayProxyResponse {
	switch {
	case errors.Is(err, adapter.ErrNotAuthenticated):
		return errorResponse(http.StatusServiceUnavailable, "Drive provider not authenticated")
	case errors.Is(err, archive.ErrTraversalLimit):
		return errorResponse(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, adapter.ErrNotFound):
		return errorResponse(http.StatusNotFound, "Folder not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errorResponse(http.StatusGatewayTimeout, "Archive job cancelled")
	}
	h.logger.Error("archive job failed", zap.Error(err))
	return errorResponse(http.StatusBadGateway, "Failed to build archive")
}

// Build returns the archive inline, base64 encoded.
func (h *ArchiveHandler) Build(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return unauthorized(), nil
	}
	in, bad := h.parse(req)
	if bad != nil {
		return *bad, nil
	}
	res, bad := h.build(ctx, in)
	if bad != nil {
		return *bad, nil
	}

	return jsonResponse(http.StatusOK, archiveResponse{
		Name:      res.Name,
		Size:      len(res.Data),
		Succeeded: res.Succeeded(),
		Failed:    res.Failed(),
		Items:     res.Items,
		Content:   base64.StdEncoding.EncodeToString(res.Data),
	}), nil
}

// Publish builds the archive, uploads it and makes it public. A created but
// private archive answers 207 so callers can tell it from a full failure.
func (h *ArchiveHandler) Publish(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return unauthorized(), nil
	}
	in, bad := h.parse(req)
	if bad != nil {
		return *bad, nil
	}
	if strings.TrimSpace(in.DestinationFolderID) == "" {
		return errorResponse(http.StatusBadRequest, "destinationFolderId is required"), nil
	}
	res, bad := h.build(ctx, in)
	if bad != nil {
		return *bad, nil
	}

	pub, err := h.builder.Publish(ctx, res.Data, res.Name, in.DestinationFolderID)
	if err != nil {
		var grantErr *archive.PermissionGrantError
		if errors.As(err, &grantErr) && pub != nil {
			return jsonResponse(http.StatusMultiStatus, publishResponse{
				File:  &pub.File,
				Items: res.Items,
				Error: err.Error(),
			}), nil
		}
		return jsonResponse(http.StatusBadGateway, publishResponse{
			Items: res.Items,
			Error: err.Error(),
		}), nil
	}

	return jsonResponse(http.StatusCreated, publishResponse{
		File:   &pub.File,
		Public: true,
		Items:  res.Items,
	}), nil
}
