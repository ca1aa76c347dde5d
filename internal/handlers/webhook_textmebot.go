package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatrelay/chatrelay/internal/channel/adapters/textmebot"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

// TextMeBotWebhookHandler serves the TextMeBot SMS callback. TextMeBot has
// no shared-secret verification, so a payload whose recipient matches no
// configured channel is rejected with 401 before any processing.
type TextMeBotWebhookHandler struct {
	adapter   *textmebot.Adapter
	processor EventProcessor
	recorder  WebhookRecorder
	logger    *slog.Logger
}

func NewTextMeBotWebhookHandler(log *slog.Logger, adapter *textmebot.Adapter, processor EventProcessor, recorder WebhookRecorder) *TextMeBotWebhookHandler {
	return &TextMeBotWebhookHandler{
		adapter:   adapter,
		processor: processor,
		recorder:  recorder,
		logger:    log.With(slog.String("handler", "webhook_textmebot")),
	}
}

func (h *TextMeBotWebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/textmebot", h.Receive)
}

func (h *TextMeBotWebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	ctx := c.Request().Context()
	record(ctx, h.logger, h.recorder, textmebot.Slug, "webhook", body)
	result, err := h.adapter.ParseWebhook(ctx, body)
	if err != nil {
		if inbound.IsChannelNotFound(err) {
			h.logger.Warn("textmebot payload for unknown recipient", slog.Any("error", err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "unknown recipient"})
		}
		if inbound.IsMalformedPayload(err) {
			return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Message: err.Error()})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := ingest(ctx, h.logger, h.processor, nil, result); err != nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "partial"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}
