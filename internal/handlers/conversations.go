package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chatrelay/chatrelay/internal/auth"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/conversations"
)

const defaultConversationLimit = 50

type ConversationsHandler struct {
	service *conversations.Service
}

func NewConversationsHandler(service *conversations.Service) *ConversationsHandler {
	return &ConversationsHandler{service: service}
}

func (h *ConversationsHandler) Register(e *echo.Echo) {
	group := e.Group("/conversations")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.PATCH("/:id/mode", h.SetMode)
	group.PATCH("/:id/assign", h.Assign)
}

func (h *ConversationsHandler) List(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	limit := defaultConversationLimit
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}
	items, err := h.service.ListByOrganization(c.Request().Context(), identity.OrganizationID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *ConversationsHandler) Get(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	item, err := h.authorize(c, identity)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

type setModeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=ai human"`
}

// SetMode flips a conversation between AI and human handling.
func (h *ConversationsHandler) SetMode(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	item, err := h.authorize(c, identity)
	if err != nil {
		return err
	}
	var req setModeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	updated, err := h.service.SetMode(c.Request().Context(), item.ID, chatbots.Mode(req.Mode))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, updated)
}

type assignRequest struct {
	UserID string `json:"user_id"`
}

// Assign sets the operator a conversation is assigned to. Reply mode is
// changed separately through the mode endpoint.
func (h *ConversationsHandler) Assign(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	item, err := h.authorize(c, identity)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = identity.UserID
	}
	updated, err := h.service.Assign(c.Request().Context(), item.ID, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, updated)
}

// authorize loads the conversation from the path and checks it belongs to
// the caller's organization. Foreign conversations read as 404, not 403,
// so ids cannot be probed across tenants.
func (h *ConversationsHandler) authorize(c echo.Context, identity auth.Identity) (conversations.Conversation, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return conversations.Conversation{}, echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	item, err := h.service.GetByID(c.Request().Context(), id)
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
