package handler

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/notify"
)

// NotificationReceiver validates and dispatches provider notifications.
type NotificationReceiver interface {
	HandleNotification(ctx context.Context, n notify.Notification) notify.Disposition
}

// Flusher runs pending sync work before the invocation returns.
type Flusher interface {
	Flush(ctx context.Context) bool
}

// WebhookHandler receives Drive push notifications.
type WebhookHandler struct {
	receiver NotificationReceiver
	flusher  Flusher
	logger   *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler. flusher may be nil when a
// background worker drains sync requests.
func NewWebhookHandler(receiver NotificationReceiver, flusher Flusher, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &WebhookHandler{receiver: receiver, flusher: flusher, logger: logger.Named("webhook")}
}

// Receive always acknowledges with 200 so the provider does not redeliver.
func (h *WebhookHandler) Receive(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	n := notify.Notification{
		ChannelID:     getHeader(req, "X-Goog-Channel-ID"),
		ResourceState: getHeader(req, "X-Goog-Resource-State"),
		ResourceID:    getHeader(req, "X-Goog-Resource-ID"),
		MessageNumber: getHeader(req, "X-Goog-Message-Number"),
	}

	disposition := h.receiver.HandleNotification(ctx, n)
	if disposition == notify.Synced && h.flusher != nil {
		h.flusher.Flush(ctx)
	}

	h.logger.Debug("notification acknowledged",
		zap.String("channel_id", n.ChannelID),
		zap.String("disposition", string(disposition)),
	)
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK}, nil
}
