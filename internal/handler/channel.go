package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/notify"
	"github.com/jun/docbrowser/internal/syncer"
)

// ChannelController is the part of notify.Manager the channel routes need.
type ChannelController interface {
	Start(ctx context.Context, webhookURL string) error
	Stop(ctx context.Context) error
	Status() notify.Status
}

// SyncReporter exposes the last reconciliation.
type SyncReporter interface {
	Last() *syncer.Result
}

// ChannelHandler lets the operator control the notification channel.
type ChannelHandler struct {
	channels       ChannelController
	syncs          SyncReporter
	defaultWebhook string
	jwtSecret      string
	logger         *zap.Logger
}

// NewChannelHandler creates a new ChannelHandler.
func NewChannelHandler(channels ChannelController, syncs SyncReporter, defaultWebhook, jwtSecret string, logger *zap.Logger) *ChannelHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &ChannelHandler{
		channels:       channels,
		syncs:          syncs,
		defaultWebhook: defaultWebhook,
		jwtSecret:      jwtSecret,
		logger:         logger.Named("channels"),
	}
}

type channelStatusResponse struct {
	notify.Status
	LastSync *syncer.Result `json:"lastSync,omitempty"`
	Warning  string         `json:"warning,omitempty"`
}

func (h *ChannelHandler) status() channelStatusResponse {
	resp := channelStatusResponse{Status: h.channels.Status()}
	if h.syncs != nil {
		resp.LastSync = h.syncs.Last()
	}
	return resp
}

// Start registers a channel, superseding any active one.
func (h *ChannelHandler) Start(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return unauthorized(), nil
	}

	var body struct {
		WebhookURL string `json:"webhookUrl"`
	}
	if req.Body != "" {
		if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
			return errorResponse(http.StatusBadRequest, "Invalid request body"), nil
		}
	}
	webhook := body.WebhookURL
	if webhook == "" {
		webhook = h.defaultWebhook
	}
	if webhook == "" {
		return errorResponse(http.StatusBadRequest, "webhookUrl is required"), nil
	}

	if err := h.channels.Start(ctx, webhook); err != nil {
		var regErr *notify.ChannelRegistrationError
		if errors.As(err, &regErr) {
			resp := h.status()
			resp.Warning = err.Error()
			return jsonResponse(http.StatusBadGateway, resp), nil
		}
		h.logger.Error("channel start failed", zap.Error(err))
		return errorResponse(http.StatusInternalServerError, "Failed to start channel"), nil
	}
	return jsonResponse(http.StatusOK, h.status()), nil
}

// Stop tears down the active channel. A provider-side failure is reported
// as a warning; local state is cleared either way.
func (h *ChannelHandler) Stop(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return unauthorized(), nil
	}

	err := h.channels.Stop(ctx)
	resp := h.status()
	if err != nil {
		resp.Warning = err.Error()
	}
	return jsonResponse(http.StatusOK, resp), nil
}

// Status reports the channel state and the last reconciliation.
func (h *ChannelHandler) Status(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return unauthorized(), nil
	}
	return jsonResponse(http.StatusOK, h.status()), nil
}
