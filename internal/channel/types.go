// Package channel defines the provider adapter contract and the
// registry the pipeline resolves adapters from by slug.
package channel

import (
	"context"

	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

// OutboundMessage is a provider-neutral message ready to leave the platform.
type OutboundMessage struct {
	// ExternalConversationID is the provider-side thread identifier
	// (a phone number, chat JID, or equivalent).
	ExternalConversationID string
	Content                string
	ContentType            string
	IsGroup                bool
}

// SendResult reports what the provider accepted.
type SendResult struct {
	// ExternalMessageID is the provider-assigned id, empty when the
	// provider does not return one.
	ExternalMessageID string
}

// Sender delivers outbound messages through one provider using the
// credentials of a specific chatbot channel.
type Sender interface {
	Send(ctx context.Context, channel chatbots.ChatbotChannel, msg OutboundMessage) (SendResult, error)
}

// WebhookResult is the normalized outcome of parsing one provider webhook.
type WebhookResult struct {
	Events []inbound.Event
	Acks   []inbound.Ack
}

// Adapter translates between one provider's wire format and the
// platform's canonical inbound event and outbound message shapes.
type Adapter interface {
	Sender

	// Slug is the provider identifier adapters register under.
	Slug() string

	// ParseWebhook normalizes a raw webhook body into canonical events
	// and delivery acks. Payload errors are reported as
	// inbound.AdapterError values.
	ParseWebhook(ctx context.Context, body []byte) (WebhookResult, error)
}
