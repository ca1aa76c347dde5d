package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatrelay/chatrelay/internal/channel/adapters/cloudapi"
)

// WhatsAppWebhookHandler serves the Meta Cloud API webhook. Meta retries
// aggressively on non-2xx, so parse and pipeline failures are logged and
// acknowledged rather than surfaced.
type WhatsAppWebhookHandler struct {
	adapter    *cloudapi.Adapter
	processor  EventProcessor
	reconciler AckReconciler
	recorder   WebhookRecorder
	logger     *slog.Logger
}

func NewWhatsAppWebhookHandler(log *slog.Logger, adapter *cloudapi.Adapter, processor EventProcessor, reconciler AckReconciler, recorder WebhookRecorder) *WhatsAppWebhookHandler {
	return &WhatsAppWebhookHandler{
		adapter:    adapter,
		processor:  processor,
		reconciler: reconciler,
		recorder:   recorder,
		logger:     log.With(slog.String("handler", "webhook_whatsapp")),
	}
}

func (h *WhatsAppWebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/whatsapp", h.Verify)
	e.POST("/webhooks/whatsapp", h.Receive)
}

// Verify answers Meta's subscription handshake with the hub challenge.
func (h *WhatsAppWebhookHandler) Verify(c echo.Context) error {
	challenge, ok := h.adapter.VerifySubscription(
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"),
	)
	if !ok {
		h.logger.Warn("webhook verification rejected", slog.String("mode", c.QueryParam("hub.mode")))
		return c.String(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

func (h *WhatsAppWebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.logger.Warn("read webhook body", slog.Any("error", err))
		return c.NoContent(http.StatusAccepted)
	}
	ctx := c.Request().Context()
	record(ctx, h.logger, h.recorder, cloudapi.Slug, "webhook", body)
	result, err := h.adapter.ParseWebhook(ctx, body)
	if err != nil {
		h.logger.Warn("parse webhook", slog.Any("error", err))
		return c.NoContent(http.StatusAccepted)
	}
	if err := ingest(ctx, h.logger, h.processor, h.reconciler, result); err != nil {
		return c.NoContent(http.StatusAccepted)
	}
	return c.NoContent(http.StatusNoContent)
}
