// Package webbridge implements the adapter for the WhatsApp-Web bridge
// sidecar: its generic event webhook (messages, acks, QR updates) and
// outbound sends against whichever bridge variant is live.
package webbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/internal/channel"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

// Slug is the provider identifier this adapter registers under.
const Slug = "whatsapp_web"

const groupChatSuffix = "@g.us"

// ChannelResolver matches a bridge session id to a configured chatbot channel.
type ChannelResolver interface {
	ResolveByCredential(ctx context.Context, slug, value string, keys ...string) (chatbots.ChatbotChannel, error)
}

// Adapter is the WhatsApp-Web bridge channel adapter.
type Adapter struct {
	resolver ChannelResolver
	detector *VariantDetector
	client   *http.Client
	logger   *slog.Logger
}

// NewAdapter creates a bridge adapter.
func NewAdapter(log *slog.Logger, resolver ChannelResolver, detector *VariantDetector, sendTimeout time.Duration) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Adapter{
		resolver: resolver,
		detector: detector,
		client:   &http.Client{Timeout: sendTimeout},
		logger:   log.With(slog.String("service", "channel.webbridge")),
	}
}

// Slug implements channel.Adapter.
func (a *Adapter) Slug() string { return Slug }

// ParseWebhook normalizes one bridge event. The bridge echoes messages
// this system itself sent with fromMe=true; those events carry IsEcho so
// the recorder folds them into the originating outgoing row.
func (a *Adapter) ParseWebhook(ctx context.Context, body []byte) (channel.WebhookResult, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return channel.WebhookResult{}, inbound.NewMalformedPayload("decode bridge payload", err)
	}
	if payload.EventType == "" || payload.SessionID == "" {
		return channel.WebhookResult{}, inbound.NewMalformedPayload("event_type and session_id are required", nil)
	}

	switch payload.EventType {
	case "message":
		return a.parseMessage(ctx, payload)
	case "message_ack":
		if payload.Ack == nil || payload.Ack.ExternalMessageID == "" {
			return channel.WebhookResult{}, inbound.NewMalformedPayload("ack event missing external_message_id", nil)
		}
		return channel.WebhookResult{
			Acks: []inbound.Ack{{ExternalMessageID: payload.Ack.ExternalMessageID, Code: payload.Ack.Ack}},
		}, nil
	case "qr":
		// Session pairing updates are operator-facing only.
		a.logger.Info("bridge session awaiting pairing", slog.String("session_id", payload.SessionID))
		return channel.WebhookResult{}, nil
	default:
		a.logger.Warn("unknown bridge event type", slog.String("event_type", payload.EventType))
		return channel.WebhookResult{}, nil
	}
}

func (a *Adapter) parseMessage(ctx context.Context, payload webhookPayload) (channel.WebhookResult, error) {
	msg := payload.Message
	if msg == nil {
		return channel.WebhookResult{}, inbound.NewMalformedPayload("message event missing message body", nil)
	}

	botChannel, err := a.resolver.ResolveByCredential(ctx, Slug, payload.SessionID, "session_id")
	if err != nil {
		if errors.Is(err, chatbots.ErrChannelNotFound) {
			return channel.WebhookResult{}, inbound.NewChannelNotFound("no channel for session " + payload.SessionID)
		}
		return channel.WebhookResult{}, err
	}

	// Messages we sent land in the counterparty's chat (To); everything
	// else threads under the sender's chat (From). Group messages name
	// the individual author separately from the group chat id.
	conversationID := msg.From
	sender := msg.From
	if msg.FromMe {
		conversationID = msg.To
	}
	if msg.Author != "" {
		sender = msg.Author
	}

	occurredAt := time.Now()
	if msg.Timestamp > 0 {
		occurredAt = time.Unix(msg.Timestamp, 0)
	}

	event := inbound.Event{
		ChatbotChannelID:       botChannel.ID,
		ExternalConversationID: conversationID,
		ContactDisplayName:     msg.NotifyName,
		SenderIdentifier:       sender,
		Content:                msg.Body,
		ContentType:            bridgeContentType(msg.Type),
		ExternalMessageID:      msg.ID.Serialized,
		IsGroup:                strings.HasSuffix(conversationID, groupChatSuffix),
		OccurredAt:             occurredAt,
		IsEcho:                 msg.FromMe,
	}
	return channel.WebhookResult{Events: []inbound.Event{event}}, nil
}

func bridgeContentType(raw string) inbound.ContentType {
	switch raw {
	case "image", "sticker":
		return inbound.ContentImage
	case "audio", "ptt":
		return inbound.ContentAudio
	case "video":
		return inbound.ContentVideo
	case "document":
		return inbound.ContentFile
	default:
		return inbound.ContentText
	}
}

// ChatID formats a provider thread identifier into the bridge's chatId
// form: `<number>@c.us` for individuals, `<group>@g.us` for groups.
func ChatID(externalConversationID string, isGroup bool) string {
	if strings.Contains(externalConversationID, "@") {
		return externalConversationID
	}
	if isGroup {
		return externalConversationID + groupChatSuffix
	}
	return externalConversationID + "@c.us"
}

// Send pushes a text message through the bridge, selecting the endpoint
// shape by detected variant.
func (a *Adapter) Send(ctx context.Context, botChannel chatbots.ChatbotChannel, msg channel.OutboundMessage) (channel.SendResult, error) {
	baseURL := strings.TrimRight(botChannel.Credential("bridge_url"), "/")
	sessionID := botChannel.Credential("session_id")
	if baseURL == "" || sessionID == "" {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrAuthExpired, "channel missing bridge_url or session_id", nil)
	}

	variant, err := a.detector.Detect(ctx, baseURL)
	if err != nil {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, "bridge variant detection failed", err)
	}

	chatID := ChatID(msg.ExternalConversationID, msg.IsGroup)
	switch variant {
	case VariantLegacy:
		return a.sendLegacy(ctx, baseURL, sessionID, chatID, msg.Content)
	default:
		return a.sendModern(ctx, baseURL, sessionID, chatID, msg.Content)
	}
}

func (a *Adapter) sendLegacy(ctx context.Context, baseURL, sessionID, chatID, content string) (channel.SendResult, error) {
	url := fmt.Sprintf("%s/sessions/%s/send-message", baseURL, sessionID)
	var resp legacySendResponse
	if err := a.post(ctx, url, legacySendRequest{ChatID: chatID, Message: content}, &resp); err != nil {
		return channel.SendResult{}, err
	}
	return channel.SendResult{ExternalMessageID: resp.MessageID}, nil
}

func (a *Adapter) sendModern(ctx context.Context, baseURL, sessionID, chatID, content string) (channel.SendResult, error) {
	url := fmt.Sprintf("%s/api/sessions/%s/messages", baseURL, sessionID)
	var resp modernSendResponse
	if err := a.post(ctx, url, modernSendRequest{To: chatID, Body: content}, &resp); err != nil {
		return channel.SendResult{}, err
	}
	return channel.SendResult{ExternalMessageID: resp.ID.Serialized}, nil
}

func (a *Adapter) post(ctx context.Context, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return channel.NewSendError(channel.SendErrTransport, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return channel.NewSendError(channel.SendErrTransport, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.NewSendError(channel.SendErrTransport, "bridge request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		reason := fmt.Sprintf("bridge status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return channel.NewSendError(channel.SendErrAuthExpired, reason, nil)
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return channel.NewSendError(channel.SendErrRecipientInvalid, reason, nil)
		default:
			return channel.NewSendError(channel.SendErrTransport, reason, nil)
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return channel.NewSendError(channel.SendErrTransport, "decode bridge response", err)
	}
	return nil
}
