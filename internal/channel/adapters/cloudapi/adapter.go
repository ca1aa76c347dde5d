// Package cloudapi implements the WhatsApp Cloud API channel adapter:
// Graph webhook parsing, the GET verification handshake, and outbound
// sends against the Graph /messages endpoint.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/internal/channel"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

// Slug is the provider identifier this adapter registers under.
const Slug = "whatsapp"

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// ackCodes maps Graph status strings to delivery ack codes.
var ackCodes = map[string]int{
	"sent":      1,
	"delivered": 2,
	"read":      3,
	"failed":    -1,
}

// ChannelResolver matches webhook metadata to a configured chatbot channel.
type ChannelResolver interface {
	ResolveByCredential(ctx context.Context, slug, value string, keys ...string) (chatbots.ChatbotChannel, error)
}

// Adapter is the Cloud API channel adapter.
type Adapter struct {
	resolver    ChannelResolver
	client      *http.Client
	logger      *slog.Logger
	verifyToken string
}

// NewAdapter creates a Cloud API adapter. verifyToken is the secret the
// GET verification handshake is checked against.
func NewAdapter(log *slog.Logger, resolver ChannelResolver, verifyToken string, sendTimeout time.Duration) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Adapter{
		resolver:    resolver,
		client:      &http.Client{Timeout: sendTimeout},
		logger:      log.With(slog.String("service", "channel.cloudapi")),
		verifyToken: verifyToken,
	}
}

// Slug implements channel.Adapter.
func (a *Adapter) Slug() string { return Slug }

// VerifySubscription handles the Graph GET handshake: the challenge is
// echoed back iff mode is "subscribe" and the token matches. A pure
// string check, no side effects.
func (a *Adapter) VerifySubscription(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || a.verifyToken == "" || token != a.verifyToken {
		return "", false
	}
	return challenge, true
}

// ParseWebhook normalizes a Graph change notification into canonical
// events and acks. The chatbot channel is resolved from the payload's
// phone_number_id; an unmatched id fails with ChannelNotFound.
func (a *Adapter) ParseWebhook(ctx context.Context, body []byte) (channel.WebhookResult, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return channel.WebhookResult{}, inbound.NewMalformedPayload("decode cloud api payload", err)
	}

	var result channel.WebhookResult
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			events, acks, err := a.parseChange(ctx, change.Value)
			if err != nil {
				return channel.WebhookResult{}, err
			}
			result.Events = append(result.Events, events...)
			result.Acks = append(result.Acks, acks...)
		}
	}
	return result, nil
}

func (a *Adapter) parseChange(ctx context.Context, value webhookValue) ([]inbound.Event, []inbound.Ack, error) {
	acks := make([]inbound.Ack, 0, len(value.Statuses))
	for _, status := range value.Statuses {
		code, ok := ackCodes[status.Status]
		if !ok {
			a.logger.Warn("unknown cloud api status", slog.String("status", status.Status))
			continue
		}
		acks = append(acks, inbound.Ack{ExternalMessageID: status.ID, Code: code})
	}

	if len(value.Messages) == 0 {
		return nil, acks, nil
	}

	phoneNumberID := strings.TrimSpace(value.Metadata.PhoneNumberID)
	if phoneNumberID == "" {
		return nil, nil, inbound.NewMalformedPayload("missing phone_number_id metadata", nil)
	}
	botChannel, err := a.resolver.ResolveByCredential(ctx, Slug, phoneNumberID, "phone_number_id")
	if err != nil {
		if errors.Is(err, chatbots.ErrChannelNotFound) {
			return nil, nil, inbound.NewChannelNotFound("no channel for phone_number_id " + phoneNumberID)
		}
		return nil, nil, err
	}

	names := map[string]string{}
	for _, contact := range value.Contacts {
		names[contact.WaID] = contact.Profile.Name
	}

	events := make([]inbound.Event, 0, len(value.Messages))
	for _, msg := range value.Messages {
		content, contentType := messageContent(msg)
		events = append(events, inbound.Event{
			ChatbotChannelID:       botChannel.ID,
			ExternalConversationID: msg.From,
			ContactDisplayName:     names[msg.From],
			SenderIdentifier:       msg.From,
			Content:                content,
			ContentType:            contentType,
			ExternalMessageID:      msg.ID,
			OccurredAt:             parseTimestamp(msg.Timestamp),
		})
	}
	return events, acks, nil
}

func messageContent(msg incomingMessage) (string, inbound.ContentType) {
	switch msg.Type {
	case "text":
		if msg.Text != nil {
			return msg.Text.Body, inbound.ContentText
		}
		return "", inbound.ContentText
	case "image":
		return mediaCaption(msg.Image), inbound.ContentImage
	case "audio":
		return mediaCaption(msg.Audio), inbound.ContentAudio
	case "video":
		return mediaCaption(msg.Video), inbound.ContentVideo
	case "document":
		return mediaCaption(msg.Document), inbound.ContentFile
	default:
		return "", inbound.ContentText
	}
}

func mediaCaption(media *incomingMedia) string {
	if media == nil {
		return ""
	}
	return media.Caption
}

func parseTimestamp(raw string) time.Time {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return time.Now()
	}
	return time.Unix(seconds, 0)
}

// Send pushes a text message through the Graph /messages endpoint using
// the channel's stored access token.
func (a *Adapter) Send(ctx context.Context, botChannel chatbots.ChatbotChannel, msg channel.OutboundMessage) (channel.SendResult, error) {
	accessToken := botChannel.Credential("access_token")
	phoneNumberID := botChannel.Credential("phone_number_id")
	if accessToken == "" || phoneNumberID == "" {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrAuthExpired, "channel missing access_token or phone_number_id", nil)
	}
	baseURL := botChannel.Credential("api_base")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	reqBody, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.ExternalConversationID,
		Type:             "text",
		Text:             &sendText{Body: msg.Content},
	})
	if err != nil {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, "marshal request", err)
	}

	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(baseURL, "/"), phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, "cloud api request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.SendResult{}, a.sendError(resp)
	}

	var sendResp sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, "decode response", err)
	}
	if len(sendResp.Messages) == 0 {
		return channel.SendResult{}, channel.NewSendError(channel.SendErrTransport, "cloud api returned no message id", nil)
	}
	return channel.SendResult{ExternalMessageID: sendResp.Messages[0].ID}, nil
}

func (a *Adapter) sendError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	reason := fmt.Sprintf("cloud api status %d", resp.StatusCode)
	var errResp errorResponse
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error.Message != "" {
		reason = fmt.Sprintf("cloud api status %d: %s", resp.StatusCode, errResp.Error.Message)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return channel.NewSendError(channel.SendErrAuthExpired, reason, nil)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return channel.NewSendError(channel.SendErrRecipientInvalid, reason, nil)
	default:
		return channel.NewSendError(channel.SendErrTransport, reason, nil)
	}
}
