// Package responder generates AI replies for ai-mode conversations and
// hands them to the outbound dispatch queue.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatrelay/chatrelay/internal/ai"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/conversations"
	"github.com/chatrelay/chatrelay/internal/logger"
	"github.com/chatrelay/chatrelay/internal/messages"
	"github.com/chatrelay/chatrelay/internal/queue"
)

// historyLimit bounds how much of a conversation is handed to the
// backend, newest messages winning.
const historyLimit = 100

// maxAttempts is the total number of generation attempts per inbound
// message before giving up.
const maxAttempts = 3

// ConversationStore is the slice of the conversations service the
// responder uses.
type ConversationStore interface {
	GetByID(ctx context.Context, id string) (conversations.Conversation, error)
	Touch(ctx context.Context, id string) error
}

// ChatbotStore loads chatbot and channel configuration.
type ChatbotStore interface {
	GetChannel(ctx context.Context, id string) (chatbots.ChatbotChannel, error)
	GetChatbot(ctx context.Context, id string) (chatbots.Chatbot, error)
}

// MessageStore is the slice of the messages service the responder uses.
type MessageStore interface {
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]messages.Message, error)
	CreateOutgoing(ctx context.Context, req messages.OutgoingRequest) (messages.Message, error)
	FindReplyTo(ctx context.Context, conversationID, replyToMessageID string) (messages.Message, bool, error)
}

// Responder generates and stores AI replies.
type Responder struct {
	conversations ConversationStore
	chatbots      ChatbotStore
	messages      MessageStore
	generator     ai.Generator
	tasks         queue.TaskPublisher
	logger        *slog.Logger
	callTimeout   time.Duration
	retryBackoff  time.Duration
}

// NewResponder creates an AI responder.
func NewResponder(log *slog.Logger, conversationStore ConversationStore, chatbotStore ChatbotStore, messageStore MessageStore, generator ai.Generator, tasks queue.TaskPublisher, callTimeout time.Duration) *Responder {
	if log == nil {
		log = slog.Default()
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Responder{
		conversations: conversationStore,
		chatbots:      chatbotStore,
		messages:      messageStore,
		generator:     generator,
		tasks:         tasks,
		logger:        log.With(slog.String("service", "responder")),
		callTimeout:   callTimeout,
		retryBackoff:  2 * time.Second,
	}
}

// Respond handles one AI response job: build history and prompt, call
// the backend with bounded retries, store the reply, and enqueue its
// send. After the final failed attempt the job is dropped with a
// critical log; no partial reply is ever stored.
func (r *Responder) Respond(ctx context.Context, job queue.AIResponseJob) error {
	conversation, err := r.conversations.GetByID(ctx, job.ConversationID)
	if err != nil {
		if errors.Is(err, conversations.ErrNotFound) {
			r.logger.Warn("ai job for unknown conversation", slog.String("conversation_id", job.ConversationID))
			return nil
		}
		return fmt.Errorf("load conversation: %w", err)
	}
	// The mode may have flipped to human while the job sat queued.
	if conversation.Mode != chatbots.ModeAI {
		return nil
	}

	// The queue redelivers on failure, so a reply for this inbound
	// message may already be stored. Re-enqueue its send instead of
	// generating a duplicate.
	if job.MessageID != "" {
		existing, found, err := r.messages.FindReplyTo(ctx, conversation.ID, job.MessageID)
		if err != nil {
			return fmt.Errorf("check existing reply: %w", err)
		}
		if found {
			if err := r.tasks.EnqueueOutboundSend(ctx, queue.OutboundSendJob{MessageID: existing.ID}); err != nil {
				return fmt.Errorf("enqueue outbound send: %w", err)
			}
			return nil
		}
	}

	systemPrompt, err := r.systemPrompt(ctx, conversation)
	if err != nil {
		return err
	}
	history, err := r.history(ctx, conversation.ID)
	if err != nil {
		return err
	}

	reply, err := r.generate(ctx, systemPrompt, history)
	if err != nil {
		logger.Critical(ctx, r.logger, "ai generation failed after final attempt",
			slog.String("conversation_id", conversation.ID),
			slog.String("message_id", job.MessageID),
			slog.Int("attempts", maxAttempts),
			slog.Any("error", err))
		return nil
	}

	var metadata map[string]any
	if job.MessageID != "" {
		metadata = map[string]any{messages.MetaReplyTo: job.MessageID}
	}
	msg, err := r.messages.CreateOutgoing(ctx, messages.OutgoingRequest{
		ConversationID: conversation.ID,
		Content:        reply,
		ContentType:    "text",
		SenderType:     messages.SenderAI,
		Metadata:       metadata,
	})
	if err != nil {
		return fmt.Errorf("store ai reply: %w", err)
	}
	if err := r.conversations.Touch(ctx, conversation.ID); err != nil {
		r.logger.Warn("bump conversation recency failed",
			slog.String("conversation_id", conversation.ID),
			slog.Any("error", err))
	}
	if err := r.tasks.EnqueueOutboundSend(ctx, queue.OutboundSendJob{MessageID: msg.ID}); err != nil {
		return fmt.Errorf("enqueue outbound send: %w", err)
	}
	return nil
}

func (r *Responder) generate(ctx context.Context, systemPrompt string, history []ai.Message) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		reply, err := r.generator.Generate(callCtx, systemPrompt, history)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err
		r.logger.Warn("ai generation attempt failed",
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		// Only transient faults get further attempts; an auth or request
		// error will fail the same way every time.
		if !ai.IsTransient(err) {
			return "", lastErr
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.retryBackoff):
			}
		}
	}
	return "", lastErr
}

func (r *Responder) systemPrompt(ctx context.Context, conversation conversations.Conversation) (string, error) {
	botChannel, err := r.chatbots.GetChannel(ctx, conversation.ChatbotChannelID)
	if err != nil {
		return "", fmt.Errorf("load chatbot channel: %w", err)
	}
	chatbot, err := r.chatbots.GetChatbot(ctx, botChannel.ChatbotID)
	if err != nil {
		return "", fmt.Errorf("load chatbot: %w", err)
	}
	return chatbot.SystemPrompt, nil
}

// history maps the last messages of the conversation to backend roles in
// chronological order: contact turns become user, everything else
// assistant.
func (r *Responder) history(ctx context.Context, conversationID string) ([]ai.Message, error) {
	stored, err := r.messages.ListByConversation(ctx, conversationID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]ai.Message, 0, len(stored))
	for _, m := range stored {
		if m.Content == "" {
			continue
		}
		role := ai.RoleAssistant
		if m.SenderType == messages.SenderContact {
			role = ai.RoleUser
		}
		history = append(history, ai.Message{Role: role, Content: m.Content})
	}
	return history, nil
}
