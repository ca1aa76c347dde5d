// Package textmebot implements the adapter for the TextMeBot SMS-style
// relay: a flat JSON webhook in, a query-string send API out.
package textmebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/internal/channel"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

// Slug is the provider identifier this adapter registers under.
const Slug = "textmebot"

const defaultAPIBase = "https://api.textmebot.com/send.php"

// ChannelResolver matches the webhook's recipient number to a configured
// chatbot channel.
type ChannelResolver interface {
	ResolveByCredential(ctx context.Context, slug, value string, keys ...string) (chatbots.ChatbotChannel, error)
}

// webhookPayload is the relay's flat notification shape.
type webhookPayload struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
	To       string `json:"to"`
	Message  string `json:"message"`
	FromLID  string `json:"from_lid,omitempty"`
}

// Adapter is the TextMeBot channel adapter.
type Adapter struct {
	resolver ChannelResolver
	client   *http.Client
	logger   *slog.Logger
	apiBase  string
}

// NewAdapter creates a TextMeBot adapter. apiBase overrides the public
// endpoint, used by tests.
func NewAdapter(log *slog.Logger, resolver ChannelResolver, apiBase string, sendTimeout time.Duration) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Adapter{
		resolver: resolver,
		client:   &http.Client{Timeout: sendTimeout},
		logger:   log.With(slog.String("service", "channel.textmebot")),
		apiBase:  apiBase,
	}
}

// Slug implements channel.Adapter.
func (a *Adapter) Slug() string { return Slug }

// ParseWebhook normalizes one relay notification. Authorization is
// implicit: the payload's `to` number must resolve to a configured
// channel, otherwise the request is denied with ChannelNotFound before
// any processing.
func (a *Adapter) ParseWebhook(ctx context.Context, body []byte) (channel.WebhookResult, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return channel.WebhookResult{}, inbound.NewMalformedPayload("decode textmebot payload", err)
	}
	if strings.TrimSpace(payload.From) == "" || strings.TrimSpace(payload.To) == "" {
		return channel.WebhookResult{}, inbound.NewMalformedPayload("from and to are required", nil)
	}

	botChannel, err := a.resolver.ResolveByCredential(ctx, Slug, payload.To, "phone_number", "phone_number_id")
	if err != nil {
		if errors.Is(err, chatbots.ErrChannelNotFound) {
			return channel.WebhookResult{}, inbound.NewChannelNotFound("no channel for recipient " + payload.To)
		}
		return channel.WebhookResult{}, err
	}

	event := inbound.Event{
		ChatbotChannelID:       botChannel.ID,
		ExternalConversationID: payload.From,
		ContactDisplayName:     payload.FromName,
		SenderIdentifier:       payload.From,
		Content:                payload.Message,
		ContentType:            inbound.ContentText,
		OccurredAt:             time.Now(),
	}
	return channel.WebhookResult{Events: []inbound.Event{event}}, nil
}

// Send pushes a text message through the relay's query-string API. The
// relay assigns no message id; delivery state stays at sent.
func (a *Adapter) Send(ctx context.Context, botChannel chatbots.ChatbotChannel, msg channel.OutboundMessage) (channel.SendResult, error) {
	apiKey := botChannel.Credential("api_key")
	if apiKey == "" {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrAuthExpired, "channel missing api_key", nil)
	}

	query := url.Values{}
	query.Set("recipient", msg.ExternalConversationID)
	query.Set("apikey", apiKey)
	query.Set("text", msg.Content)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"?"+query.Encode(), nil)
	if err != nil {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, "build request", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, "textmebot request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	body := strings.TrimSpace(string(raw))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return channel.SendResult{}, channel.NewSendError(channel.SendErrAuthExpired, "textmebot rejected api key", nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, fmt.Sprintf("textmebot status %d: %s", resp.StatusCode, body), nil)
	}

	// The relay answers 200 even for rejected numbers; the body carries
	// the verdict.
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "success"):
		return channel.SendResult{}, nil
	case strings.Contains(lower, "invalid") && strings.Contains(lower, "apikey"):
		return channel.SendResult{}, channel.NewSendError(channel.SendErrAuthExpired, body, nil)
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "not registered"):
		return channel.SendResult{}, channel.NewSendError(channel.SendErrRecipientInvalid, body, nil)
	default:
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, "unexpected textmebot response: "+body, nil)
	}
}
