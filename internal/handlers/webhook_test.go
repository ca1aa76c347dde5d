package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/chatrelay/chatrelay/internal/channel/adapters/cloudapi"
	"github.com/chatrelay/chatrelay/internal/channel/adapters/textmebot"
	"github.com/chatrelay/chatrelay/internal/channel/adapters/webbridge"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

type fakeResolver struct {
	channels map[string]chatbots.ChatbotChannel
}

func (f *fakeResolver) ResolveByCredential(ctx context.Context, slug, value string, keys ...string) (chatbots.ChatbotChannel, error) {
	if ch, ok := f.channels[slug+"/"+value]; ok {
		return ch, nil
	}
	return chatbots.ChatbotChannel{}, chatbots.ErrChannelNotFound
}

type fakeProcessor struct {
	events []inbound.Event
	err    error
}

func (f *fakeProcessor) Process(ctx context.Context, evt inbound.Event) error {
	f.events = append(f.events, evt)
	return f.err
}

type fakeReconciler struct {
	acks []inbound.Ack
}

func (f *fakeReconciler) ApplyAll(ctx context.Context, organizationID string, acks []inbound.Ack) {
	f.acks = append(f.acks, acks...)
}

const cloudInboundBody = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "waba-1", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "metadata": {"display_phone_number": "4915170000000", "phone_number_id": "pn-1"},
    "contacts": [{"profile": {"name": "Ada"}, "wa_id": "4915112345678"}],
    "messages": [{"from": "4915112345678", "id": "wamid.A1", "timestamp": "1756700000", "type": "text", "text": {"body": "hello"}}]
  }}]}]
}`

const cloudStatusBody = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "waba-1", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "metadata": {"phone_number_id": "pn-1"},
    "statuses": [{"id": "wamid.A1", "status": "delivered", "timestamp": "1756700100", "recipient_id": "4915112345678"}]
  }}]}]
}`

func newWhatsAppTestHandler(processor *fakeProcessor, reconciler *fakeReconciler) *WhatsAppWebhookHandler {
	resolver := &fakeResolver{channels: map[string]chatbots.ChatbotChannel{
		"whatsapp/pn-1": {ID: "cc-1", ChannelSlug: "whatsapp", OrganizationID: "org-1"},
	}}
	adapter := cloudapi.NewAdapter(slog.Default(), resolver, "verify-secret", time.Second)
	return NewWhatsAppWebhookHandler(slog.Default(), adapter, processor, reconciler, nil)
}

func TestWhatsAppVerifyHandshake(t *testing.T) {
	e := echo.New()
	newWhatsAppTestHandler(&fakeProcessor{}, &fakeReconciler{}).Register(e)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-secret&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWhatsAppReceiveProcessesMessages(t *testing.T) {
	processor := &fakeProcessor{}
	e := echo.New()
	newWhatsAppTestHandler(processor, &fakeReconciler{}).Register(e)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(cloudInboundBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	if assert.Len(t, processor.events, 1) {
		assert.Equal(t, "cc-1", processor.events[0].ChatbotChannelID)
		assert.Equal(t, "hello", processor.events[0].Content)
	}
}

func TestWhatsAppReceiveReconcilesStatuses(t *testing.T) {
	reconciler := &fakeReconciler{}
	e := echo.New()
	newWhatsAppTestHandler(&fakeProcessor{}, reconciler).Register(e)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(cloudStatusBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	if assert.Len(t, reconciler.acks, 1) {
		assert.Equal(t, "wamid.A1", reconciler.acks[0].ExternalMessageID)
	}
}

func TestWhatsAppReceiveAcksFailures(t *testing.T) {
	e := echo.New()
	newWhatsAppTestHandler(&fakeProcessor{err: errors.New("db down")}, &fakeReconciler{}).Register(e)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(cloudInboundBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func newBridgeTestHandler(processor *fakeProcessor, reconciler *fakeReconciler) *BridgeWebhookHandler {
	resolver := &fakeResolver{channels: map[string]chatbots.ChatbotChannel{
		"whatsapp_web/session-1": {ID: "cc-2", ChannelSlug: "whatsapp_web", OrganizationID: "org-1"},
	}}
	adapter := webbridge.NewAdapter(slog.Default(), resolver, nil, time.Second)
	return NewBridgeWebhookHandler(slog.Default(), adapter, processor, reconciler, nil)
}

func TestBridgeReceiveMessage(t *testing.T) {
	processor := &fakeProcessor{}
	e := echo.New()
	newBridgeTestHandler(processor, &fakeReconciler{}).Register(e)

	body := `{"event_type":"message","session_id":"session-1","message":{"id":{"_serialized":"msg-1"},"from":"4915112345678@c.us","body":"hi","type":"chat","timestamp":1756700000}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "received")
	assert.Len(t, processor.events, 1)
}

func TestBridgeReceiveMalformed(t *testing.T) {
	e := echo.New()
	newBridgeTestHandler(&fakeProcessor{}, &fakeReconciler{}).Register(e)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge", strings.NewReader(`{"session_id":"session-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBridgeReceiveAck(t *testing.T) {
	reconciler := &fakeReconciler{}
	e := echo.New()
	newBridgeTestHandler(&fakeProcessor{}, reconciler).Register(e)

	body := `{"event_type":"message_ack","session_id":"session-1","ack":{"external_message_id":"msg-1","ack":2}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, reconciler.acks, 1)
}

func newTextMeBotTestHandler(processor *fakeProcessor) *TextMeBotWebhookHandler {
	resolver := &fakeResolver{channels: map[string]chatbots.ChatbotChannel{
		"textmebot/4915170000000": {ID: "cc-3", ChannelSlug: "textmebot", OrganizationID: "org-1"},
	}}
	adapter := textmebot.NewAdapter(slog.Default(), resolver, "", time.Second)
	return NewTextMeBotWebhookHandler(slog.Default(), adapter, processor, nil)
}

func TestTextMeBotReceive(t *testing.T) {
	processor := &fakeProcessor{}
	e := echo.New()
	newTextMeBotTestHandler(processor).Register(e)

	body := `{"type":"message","from":"4915112345678","from_name":"Ada","to":"4915170000000","message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/textmebot", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, processor.events, 1)
}

func TestTextMeBotRejectsUnknownRecipient(t *testing.T) {
	processor := &fakeProcessor{}
	e := echo.New()
	newTextMeBotTestHandler(processor).Register(e)

	body := `{"type":"message","from":"4915112345678","to":"000000","message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/textmebot", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, processor.events)
}
