package conversations

import (
	"time"

	"github.com/chatrelay/chatrelay/internal/chatbots"
)

// Status is the lifecycle state of a conversation thread.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Conversation is a thread between one chatbot channel and one external
// identifier (a contact phone or a group id).
type Conversation struct {
	ID                     string
	ChatbotChannelID       string
	OrganizationID         string
	ExternalConversationID string
	ContactChannelID       string
	Mode                   chatbots.Mode
	Status                 Status
	AssignedUserID         string
	LastMessageAt          time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ResolveResult carries a resolved conversation plus whether this call created it.
type ResolveResult struct {
	Conversation Conversation
	Created      bool
}
