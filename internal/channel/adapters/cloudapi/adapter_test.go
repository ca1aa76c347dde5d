package cloudapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/channel"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

type fakeResolver struct {
	channels map[string]chatbots.ChatbotChannel
}

func (r *fakeResolver) ResolveByCredential(ctx context.Context, slug, value string, keys ...string) (chatbots.ChatbotChannel, error) {
	if ch, ok := r.channels[value]; ok {
		return ch, nil
	}
	return chatbots.ChatbotChannel{}, chatbots.ErrChannelNotFound
}

const inboundPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "entry-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "pn-1"},
        "contacts": [{"profile": {"name": "Ada"}, "wa_id": "15551234567"}],
        "messages": [{
          "from": "15551234567",
          "id": "wamid.abc",
          "timestamp": "1717243800",
          "type": "text",
          "text": {"body": "hello there"}
        }]
      }
    }]
  }]
}`

const statusPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [{
      "field": "messages",
      "value": {
        "metadata": {"phone_number_id": "pn-1"},
        "statuses": [
          {"id": "wamid.abc", "status": "delivered", "timestamp": "1717243900"},
          {"id": "wamid.abc", "status": "read", "timestamp": "1717244000"},
          {"id": "wamid.def", "status": "typing", "timestamp": "1717244100"}
        ]
      }
    }]
  }]
}`

func newTestAdapter(resolver ChannelResolver) *Adapter {
	return NewAdapter(nil, resolver, "verify-secret", time.Second)
}

func TestParseWebhookMessages(t *testing.T) {
	resolver := &fakeResolver{channels: map[string]chatbots.ChatbotChannel{
		"pn-1": {ID: "cc-1", ChannelSlug: Slug},
	}}
	adapter := newTestAdapter(resolver)

	result, err := adapter.ParseWebhook(context.Background(), []byte(inboundPayload))
	require.NoError(t, err)
	require.Len(t, result.Events, 1)

	event := result.Events[0]
	assert.Equal(t, "cc-1", event.ChatbotChannelID)
	assert.Equal(t, "15551234567", event.ExternalConversationID)
	assert.Equal(t, "Ada", event.ContactDisplayName)
	assert.Equal(t, "hello there", event.Content)
	assert.Equal(t, inbound.ContentText, event.ContentType)
	assert.Equal(t, "wamid.abc", event.ExternalMessageID)
	assert.Equal(t, time.Unix(1717243800, 0), event.OccurredAt)
	assert.False(t, event.IsEcho)
	assert.False(t, event.IsGroup)
}

func TestParseWebhookStatuses(t *testing.T) {
	adapter := newTestAdapter(&fakeResolver{})

	result, err := adapter.ParseWebhook(context.Background(), []byte(statusPayload))
	require.NoError(t, err)
	assert.Empty(t, result.Events)

	// Unknown status strings are skipped, known ones are table-mapped.
	require.Len(t, result.Acks, 2)
	assert.Equal(t, inbound.Ack{ExternalMessageID: "wamid.abc", Code: 2}, result.Acks[0])
	assert.Equal(t, inbound.Ack{ExternalMessageID: "wamid.abc", Code: 3}, result.Acks[1])
}

func TestParseWebhookChannelNotFound(t *testing.T) {
	adapter := newTestAdapter(&fakeResolver{})

	_, err := adapter.ParseWebhook(context.Background(), []byte(inboundPayload))
	assert.True(t, inbound.IsChannelNotFound(err))
}

func TestParseWebhookMalformed(t *testing.T) {
	adapter := newTestAdapter(&fakeResolver{})

	_, err := adapter.ParseWebhook(context.Background(), []byte("not json"))
	assert.True(t, inbound.IsMalformedPayload(err))
}

func TestVerifySubscription(t *testing.T) {
	adapter := newTestAdapter(&fakeResolver{})

	challenge, ok := adapter.VerifySubscription("subscribe", "verify-secret", "12345")
	require.True(t, ok)
	assert.Equal(t, "12345", challenge)

	_, ok = adapter.VerifySubscription("subscribe", "wrong", "12345")
	assert.False(t, ok)

	_, ok = adapter.VerifySubscription("unsubscribe", "verify-secret", "12345")
	assert.False(t, ok)
}

func TestSend(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.sent-1"}]}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(&fakeResolver{})
	botChannel := chatbots.ChatbotChannel{
		ID: "cc-1",
		Credentials: map[string]any{
			"access_token":    "token-1",
			"phone_number_id": "pn-1",
			"api_base":        server.URL,
		},
	}

	result, err := adapter.Send(context.Background(), botChannel, channel.OutboundMessage{
		ExternalConversationID: "15551234567",
		Content:                "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.sent-1", result.ExternalMessageID)
	assert.Equal(t, "/pn-1/messages", gotPath)
	assert.Equal(t, "Bearer token-1", gotAuth)
}

func TestSendErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   channel.SendErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad token","code":190}}`, channel.SendErrAuthExpired},
		{"bad recipient", http.StatusBadRequest, `{"error":{"message":"unknown recipient","code":131026}}`, channel.SendErrRecipientInvalid},
		{"server error", http.StatusBadGateway, ``, channel.SendErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := newTestAdapter(&fakeResolver{})
			botChannel := chatbots.ChatbotChannel{
				ID: "cc-1",
				Credentials: map[string]any{
					"access_token":    "token-1",
					"phone_number_id": "pn-1",
					"api_base":        server.URL,
				},
			}

			_, err := adapter.Send(context.Background(), botChannel, channel.OutboundMessage{
				ExternalConversationID: "15551234567",
				Content:                "hi",
			})
			require.Error(t, err)
			assert.Equal(t, tt.kind, channel.AsSendError(err).Kind)
		})
	}
}

func TestSendMissingCredentials(t *testing.T) {
	adapter := newTestAdapter(&fakeResolver{})

	_, err := adapter.Send(context.Background(), chatbots.ChatbotChannel{ID: "cc-1"}, channel.OutboundMessage{
		ExternalConversationID: "15551234567",
		Content:                "hi",
	})
	require.Error(t, err)
	assert.Equal(t, channel.SendErrAuthExpired, channel.AsSendError(err).Kind)
}
