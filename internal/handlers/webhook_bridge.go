package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatrelay/chatrelay/internal/channel/adapters/webbridge"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

// BridgeWebhookHandler serves the WhatsApp-Web bridge callback. The bridge
// is our own infrastructure, so malformed payloads get a hard 422 instead
// of the silent acknowledgement the external providers need.
type BridgeWebhookHandler struct {
	adapter    *webbridge.Adapter
	processor  EventProcessor
	reconciler AckReconciler
	recorder   WebhookRecorder
	logger     *slog.Logger
}

func NewBridgeWebhookHandler(log *slog.Logger, adapter *webbridge.Adapter, processor EventProcessor, reconciler AckReconciler, recorder WebhookRecorder) *BridgeWebhookHandler {
	return &BridgeWebhookHandler{
		adapter:    adapter,
		processor:  processor,
		reconciler: reconciler,
		recorder:   recorder,
		logger:     log.With(slog.String("handler", "webhook_bridge")),
	}
}

func (h *BridgeWebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/bridge", h.Receive)
}

func (h *BridgeWebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	ctx := c.Request().Context()
	record(ctx, h.logger, h.recorder, webbridge.Slug, "webhook", body)
	result, err := h.adapter.ParseWebhook(ctx, body)
	if err != nil {
		if inbound.IsMalformedPayload(err) {
			return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Message: err.Error()})
		}
		h.logger.Warn("parse bridge webhook", slog.Any("error", err))
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
	if err := ingest(ctx, h.logger, h.processor, h.reconciler, result); err != nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "partial"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}
