package messages

import "time"

// Type distinguishes message direction.
type Type string

const (
	TypeIncoming Type = "incoming"
	TypeOutgoing Type = "outgoing"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderContact SenderType = "contact"
	SenderAI      SenderType = "ai"
	SenderHuman   SenderType = "human"
)

// MetaReplyTo is the metadata key linking an AI reply to the inbound
// message that triggered it. Lookups on it keep reply generation
// idempotent across queue redeliveries.
const MetaReplyTo = "reply_to_message_id"

// Delivery status codes as reported by provider acks.
const (
	AckSent      = 1
	AckDelivered = 2
	AckRead      = 3
	AckFailed    = -1
)

// Message is one entry in a conversation transcript.
type Message struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversation_id"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	Type              Type           `json:"type"`
	Content           string         `json:"content"`
	ContentType       string         `json:"content_type"`
	SenderType        SenderType     `json:"sender_type"`
	SenderUserID      string         `json:"sender_user_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
	FailedAt          *time.Time     `json:"failed_at,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Route carries everything dispatch needs to hand a stored message to
// its provider adapter, including the delivery state already on the row
// so a redelivered send job can be recognized as done.
type Route struct {
	MessageID              string
	MessageType            Type
	ConversationID         string
	ExternalConversationID string
	ChatbotChannelID       string
	ChannelSlug            string
	OrganizationID         string
	Content                string
	ContentType            string
	IsGroup                bool
	SentAt                 *time.Time
	FailedAt               *time.Time
}
