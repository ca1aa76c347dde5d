package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/conversations"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/inbound"
	"github.com/chatrelay/chatrelay/internal/messages"
	"github.com/chatrelay/chatrelay/internal/queue"
)

// ChannelGetter loads chatbot channel configuration.
type ChannelGetter interface {
	GetChannel(ctx context.Context, id string) (chatbots.ChatbotChannel, error)
}

// ConversationResolver turns an inbound event into a conversation.
type ConversationResolver interface {
	Resolve(ctx context.Context, botChannel chatbots.ChatbotChannel, evt inbound.Event) (conversations.Conversation, error)
}

// MessageRecorder is the slice of the messages service the processor uses.
type MessageRecorder interface {
	RecordIncoming(ctx context.Context, req messages.IncomingRequest) (messages.Message, error)
	ClaimEcho(ctx context.Context, conversationID, content, externalMessageID string) (messages.Message, bool, error)
	CreateOutgoing(ctx context.Context, req messages.OutgoingRequest) (messages.Message, error)
	MarkSent(ctx context.Context, id, externalMessageID string) error
}

// Processor runs one canonical inbound event through resolution,
// recording, and AI hand-off.
type Processor struct {
	channels ChannelGetter
	resolver ConversationResolver
	recorder MessageRecorder
	tasks    queue.TaskPublisher
	events   event.Publisher
	logger   *slog.Logger
}

// NewProcessor creates an inbound processor.
func NewProcessor(log *slog.Logger, channels ChannelGetter, resolver ConversationResolver, recorder MessageRecorder, tasks queue.TaskPublisher, events event.Publisher) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		channels: channels,
		resolver: resolver,
		recorder: recorder,
		tasks:    tasks,
		events:   events,
		logger:   log.With(slog.String("service", "pipeline")),
	}
}

// Process handles one event end to end: resolve the conversation, store
// the message, and enqueue AI generation for ai-mode conversations.
// Echoed own messages never trigger a response.
func (p *Processor) Process(ctx context.Context, evt inbound.Event) error {
	if err := evt.Validate(); err != nil {
		return inbound.NewMalformedPayload("invalid inbound event", err)
	}

	botChannel, err := p.channels.GetChannel(ctx, evt.ChatbotChannelID)
	if err != nil {
		return fmt.Errorf("load chatbot channel: %w", err)
	}

	conversation, err := p.resolver.Resolve(ctx, botChannel, evt)
	if err != nil {
		return err
	}

	if evt.IsEcho {
		return p.recordEcho(ctx, conversation, evt)
	}

	msg, err := p.recorder.RecordIncoming(ctx, messages.IncomingRequest{
		ConversationID:    conversation.ID,
		ExternalMessageID: evt.ExternalMessageID,
		Content:           evt.Content,
		ContentType:       string(evt.ContentType),
		Metadata:          eventMetadata(evt),
	})
	if err != nil {
		return fmt.Errorf("record incoming message: %w", err)
	}

	if p.events != nil {
		p.events.Publish(event.Event{
			Type:           event.TypeMessageReceived,
			OrganizationID: conversation.OrganizationID,
			Data:           event.Marshal(msg),
		})
	}

	if conversation.Mode == chatbots.ModeAI && evt.ContentType == inbound.ContentText {
		job := queue.AIResponseJob{MessageID: msg.ID, ConversationID: conversation.ID}
		if err := p.tasks.EnqueueAIResponse(ctx, job); err != nil {
			return fmt.Errorf("enqueue ai response: %w", err)
		}
	}
	return nil
}

// recordEcho folds a provider replay of an own message into the
// originating outgoing row. An echo with no pending match is a message
// sent from the provider app directly; it is stored as an outgoing
// message so the transcript stays complete, with no response triggered.
func (p *Processor) recordEcho(ctx context.Context, conversation conversations.Conversation, evt inbound.Event) error {
	claimed, ok, err := p.recorder.ClaimEcho(ctx, conversation.ID, evt.Content, evt.ExternalMessageID)
	if err != nil {
		return fmt.Errorf("claim echo: %w", err)
	}
	if ok {
		if p.events != nil {
			p.events.Publish(event.Event{
				Type:           event.TypeMessageUpdated,
				OrganizationID: conversation.OrganizationID,
				Data:           event.Marshal(claimed),
			})
		}
		return nil
	}

	msg, err := p.recorder.CreateOutgoing(ctx, messages.OutgoingRequest{
		ConversationID: conversation.ID,
		Content:        evt.Content,
		ContentType:    string(evt.ContentType),
		SenderType:     messages.SenderHuman,
		Metadata:       eventMetadata(evt),
	})
	if err != nil {
		return fmt.Errorf("record external outgoing message: %w", err)
	}
	if err := p.recorder.MarkSent(ctx, msg.ID, evt.ExternalMessageID); err != nil {
		return fmt.Errorf("mark external outgoing sent: %w", err)
	}
	return nil
}

func eventMetadata(evt inbound.Event) map[string]any {
	meta := map[string]any{}
	if evt.SenderIdentifier != "" {
		meta["sender_identifier"] = evt.SenderIdentifier
	}
	if evt.ContactDisplayName != "" {
		meta["sender_name"] = evt.ContactDisplayName
	}
	if evt.IsGroup {
		meta["group"] = true
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
