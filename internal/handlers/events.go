package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chatrelay/chatrelay/internal/auth"
	"github.com/chatrelay/chatrelay/internal/event"
)

const keepAliveInterval = 25 * time.Second

// EventsHandler streams organization-scoped hub events over SSE so the
// inbox UI can refresh without polling.
type EventsHandler struct {
	hub    event.Subscriber
	logger *slog.Logger
}

func NewEventsHandler(log *slog.Logger, hub event.Subscriber) *EventsHandler {
	return &EventsHandler{
		hub:    hub,
		logger: log.With(slog.String("handler", "events")),
	}
}

func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/events", h.Stream)
}

func (h *EventsHandler) Stream(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	if h.hub == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "event hub not configured")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	writer := bufio.NewWriter(c.Response().Writer)

	streamID, stream, cancel := h.hub.Subscribe(identity.OrganizationID, event.DefaultBufferSize)
	defer cancel()
	h.logger.Debug("event stream opened",
		slog.String("stream_id", streamID),
		slog.String("organization_id", identity.OrganizationID))

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-keepAlive.C:
			_, _ = writer.WriteString(": keep-alive\n\n")
			writer.Flush()
			flusher.Flush()
		case evt, open := <-stream:
			if !open {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = writer.WriteString(fmt.Sprintf("event: %s\ndata: %s\n\n", evt.Type, string(data)))
			writer.Flush()
			flusher.Flush()
		}
	}
}
