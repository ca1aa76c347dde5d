package chatbots

import (
	"strings"
	"time"
)

// Mode is the conversation reply mode a channel defaults new conversations to.
type Mode string

const (
	ModeAI    Mode = "ai"
	ModeHuman Mode = "human"
)

// ParseMode normalizes a raw mode string, defaulting to ai.
func ParseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeHuman):
		return ModeHuman
	default:
		return ModeAI
	}
}

// Chatbot is a tenant-owned bot with an optional system prompt.
type Chatbot struct {
	ID             string
	OrganizationID string
	Name           string
	SystemPrompt   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChatbotChannel is a chatbot's configured instance of a provider channel.
// Credentials hold provider-specific secrets (phone_number, phone_number_id,
// access_token, verify_token, bridge_url, api_key).
type ChatbotChannel struct {
	ID             string
	ChatbotID      string
	OrganizationID string
	ChannelID      string
	ChannelSlug    string
	Credentials    map[string]any
	Settings       map[string]any
	DefaultMode    Mode
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Credential returns a string credential by key, or "" when absent.
func (c ChatbotChannel) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	value, ok := c.Credentials[key]
	if !ok || value == nil {
		return ""
	}
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
