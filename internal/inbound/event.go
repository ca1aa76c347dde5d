// Package inbound defines the canonical event shape every channel adapter
// normalizes provider webhooks into, plus the adapter error taxonomy.
package inbound

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentType classifies message content.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
	ContentFile  ContentType = "file"
)

// Event is the canonical inbound message, independent of provider payload shape.
// Everything downstream of the adapters consumes only this.
type Event struct {
	ChatbotChannelID       string
	ExternalConversationID string
	ContactDisplayName     string
	SenderIdentifier       string
	Content                string
	ContentType            ContentType
	ExternalMessageID      string
	IsGroup                bool
	OccurredAt             time.Time
	// IsEcho marks a provider replay of a message this system itself sent.
	// The recorder folds echoes into the originating outgoing message.
	IsEcho bool
}

// Validate reports whether the event carries the minimum routable fields.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ChatbotChannelID) == "" {
		return errors.New("chatbot channel id is required")
	}
	if strings.TrimSpace(e.ExternalConversationID) == "" {
		return errors.New("external conversation id is required")
	}
	return nil
}

// Ack is a provider delivery/read receipt for a previously sent message.
type Ack struct {
	ExternalMessageID string
	Code              int
}

// AdapterErrorKind classifies adapter failures.
type AdapterErrorKind string

const (
	// ErrKindChannelNotFound means the payload could not be matched to a
	// configured chatbot channel.
	ErrKindChannelNotFound AdapterErrorKind = "channel_not_found"
	// ErrKindMalformedPayload means the provider payload did not parse.
	ErrKindMalformedPayload AdapterErrorKind = "malformed_payload"
)

// AdapterError is the typed failure returned by channel adapters. Webhook
// handlers log it and still ack the provider with 2xx.
type AdapterError struct {
	Kind   AdapterErrorKind
	Reason string
	Cause  error
}

func (e *AdapterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("adapter %s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("adapter %s: %s", e.Kind, e.Reason)
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// NewChannelNotFound builds a ChannelNotFound adapter error.
func NewChannelNotFound(reason string) *AdapterError {
	return &AdapterError{Kind: ErrKindChannelNotFound, Reason: reason}
}

// NewMalformedPayload builds a MalformedPayload adapter error.
func NewMalformedPayload(reason string, cause error) *AdapterError {
	return &AdapterError{Kind: ErrKindMalformedPayload, Reason: reason, Cause: cause}
}

// IsChannelNotFound reports whether err is an AdapterError of kind ChannelNotFound.
func IsChannelNotFound(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == ErrKindChannelNotFound
}

// IsMalformedPayload reports whether err is an AdapterError of kind MalformedPayload.
func IsMalformedPayload(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == ErrKindMalformedPayload
}
