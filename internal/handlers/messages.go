package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chatrelay/chatrelay/internal/auth"
	"github.com/chatrelay/chatrelay/internal/conversations"
	"github.com/chatrelay/chatrelay/internal/messages"
	"github.com/chatrelay/chatrelay/internal/queue"
)

const defaultHistoryLimit = 100

type MessagesHandler struct {
	service       *messages.Service
	conversations *conversations.Service
	tasks         queue.TaskPublisher
}

func NewMessagesHandler(service *messages.Service, convs *conversations.Service, tasks queue.TaskPublisher) *MessagesHandler {
	return &MessagesHandler{
		service:       service,
		conversations: convs,
		tasks:         tasks,
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	e.GET("/conversations/:id/messages", h.List)
	e.POST("/conversations/:id/messages", h.Send)
	e.POST("/messages/:id/retry", h.Retry)
}

func (h *MessagesHandler) List(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	conversation, err := h.authorizeConversation(c, identity)
	if err != nil {
		return err
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}
	items, err := h.service.ListByConversation(c.Request().Context(), conversation.ID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

type sendRequest struct {
	Content string `json:"content"`
}

// Send stores an operator-authored outgoing message and queues it for
// dispatch. The write and the enqueue are separate steps, so a queue
// outage leaves the message stored and retryable.
func (h *MessagesHandler) Send(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	conversation, err := h.authorizeConversation(c, identity)
	if err != nil {
		return err
	}
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	msg, err := h.service.CreateOutgoing(c.Request().Context(), messages.OutgoingRequest{
		ConversationID: conversation.ID,
		Content:        req.Content,
		ContentType:    "text",
		SenderType:     messages.SenderHuman,
		SenderUserID:   identity.UserID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.tasks.EnqueueOutboundSend(c.Request().Context(), queue.OutboundSendJob{MessageID: msg.ID}); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "message stored but not queued: "+err.Error())
	}
	return c.JSON(http.StatusAccepted, msg)
}

// Retry re-queues a failed outgoing message for another dispatch attempt.
func (h *MessagesHandler) Retry(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}
	route, err := h.service.RouteFor(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, messages.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "message not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if route.OrganizationID != identity.OrganizationID {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	if route.MessageType != messages.TypeOutgoing {
		return echo.NewHTTPError(http.StatusConflict, "only outgoing messages can be retried")
	}
	msg, err := h.service.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if msg.FailedAt == nil {
		return echo.NewHTTPError(http.StatusConflict, "message has not failed")
	}
	if err := h.tasks.EnqueueOutboundSend(c.Request().Context(), queue.OutboundSendJob{MessageID: id}); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *MessagesHandler) authorizeConversation(c echo.Context, identity auth.Identity) (conversations.Conversation, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return conversations.Conversation{}, echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	item, err := h.conversations.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, conversations.ErrNotFound) {
			return conversations.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return conversations.Conversation{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if item.OrganizationID != identity.OrganizationID {
		return conversations.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return item, nil
}
