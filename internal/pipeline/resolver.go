// Package pipeline orchestrates the messaging core: canonical inbound
// events are resolved to conversations, recorded, and routed into the
// asynchronous response and dispatch stages.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/contacts"
	"github.com/chatrelay/chatrelay/internal/conversations"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

// ContactStore is the slice of the contacts service the resolver uses.
type ContactStore interface {
	FindOrCreate(ctx context.Context, req contacts.FindOrCreateRequest) (contacts.Contact, error)
	EnsureChannel(ctx context.Context, contactID, chatbotID, channelID, channelIdentifier string, channelData map[string]any) (contacts.ContactChannel, error)
}

// ConversationStore is the slice of the conversations service the
// resolver uses.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, channel chatbots.ChatbotChannel, externalConversationID, contactChannelID string) (conversations.ResolveResult, error)
}

// Resolver finds or creates the contact, contact-channel link, and
// conversation for a canonical inbound event.
type Resolver struct {
	contacts      ContactStore
	conversations ConversationStore
	events        event.Publisher
	logger        *slog.Logger
}

// NewResolver creates a conversation resolver.
func NewResolver(log *slog.Logger, contactStore ContactStore, conversationStore ConversationStore, events event.Publisher) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		contacts:      contactStore,
		conversations: conversationStore,
		events:        events,
		logger:        log.With(slog.String("service", "resolver")),
	}
}

// Resolve runs the find-or-create chain for one event. A
// conversation-created notification fires exactly once, on creation,
// never when an existing thread is resolved.
func (r *Resolver) Resolve(ctx context.Context, botChannel chatbots.ChatbotChannel, evt inbound.Event) (conversations.Conversation, error) {
	contact, err := r.contacts.FindOrCreate(ctx, contacts.FindOrCreateRequest{
		OrganizationID: botChannel.OrganizationID,
		Phone:          identifierPhone(evt.SenderIdentifier),
		DisplayName:    evt.ContactDisplayName,
	})
	if err != nil {
		return conversations.Conversation{}, fmt.Errorf("resolve contact: %w", err)
	}

	link, err := r.contacts.EnsureChannel(ctx, contact.ID, botChannel.ChatbotID, botChannel.ChannelID, evt.SenderIdentifier, nil)
	if err != nil {
		return conversations.Conversation{}, fmt.Errorf("resolve contact channel: %w", err)
	}

	// Group threads key the conversation by the group id, not the
	// individual sender; the contact-channel link still tracks the sender.
	contactChannelID := link.ID
	if evt.IsGroup {
		contactChannelID = ""
	}

	result, err := r.conversations.FindOrCreate(ctx, botChannel, evt.ExternalConversationID, contactChannelID)
	if err != nil {
		return conversations.Conversation{}, fmt.Errorf("resolve conversation: %w", err)
	}

	if result.Created && r.events != nil {
		r.events.Publish(event.Event{
			Type:           event.TypeConversationCreated,
			OrganizationID: result.Conversation.OrganizationID,
			Data:           event.Marshal(result.Conversation),
		})
	}
	return result.Conversation, nil
}

// identifierPhone strips provider suffixes like @c.us from a channel
// identifier, leaving the bare phone number when there is one.
func identifierPhone(identifier string) string {
	if at := strings.Index(identifier, "@"); at >= 0 {
		identifier = identifier[:at]
	}
	return strings.TrimSpace(identifier)
}
