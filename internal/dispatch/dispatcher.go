// Package dispatch pushes stored outgoing messages through their
// provider channel and records the outcome on the message row.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatrelay/chatrelay/internal/channel"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/messages"
)

// MessageStore is the slice of the messages service the dispatcher uses.
type MessageStore interface {
	RouteFor(ctx context.Context, messageID string) (messages.Route, error)
	MarkSent(ctx context.Context, id, externalMessageID string) error
	MarkFailed(ctx context.Context, id, reason string) error
	GetByID(ctx context.Context, id string) (messages.Message, error)
}

// ChannelGetter loads chatbot channel configuration.
type ChannelGetter interface {
	GetChannel(ctx context.Context, id string) (chatbots.ChatbotChannel, error)
}

// SenderRegistry resolves a provider sender by slug. Satisfied by
// *channel.Registry.
type SenderRegistry interface {
	GetSender(slug string) (channel.Sender, bool)
}

// Dispatcher resolves the sender for an outgoing message, invokes it,
// and records sent/failed state.
type Dispatcher struct {
	store       MessageStore
	channels    ChannelGetter
	senders     SenderRegistry
	events      event.Publisher
	logger      *slog.Logger
	sendTimeout time.Duration
}

// NewDispatcher creates an outbound dispatcher.
func NewDispatcher(log *slog.Logger, store MessageStore, channels ChannelGetter, senders SenderRegistry, events event.Publisher, sendTimeout time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = 20 * time.Second
	}
	return &Dispatcher{
		store:       store,
		channels:    channels,
		senders:     senders,
		events:      events,
		logger:      log.With(slog.String("service", "dispatch")),
		sendTimeout: sendTimeout,
	}
}

// Dispatch sends one stored message. Non-outgoing and non-text messages
// are a no-op. Every send failure is recorded on the row, never
// propagated: a failed message is retried by calling Dispatch again with
// the same id, which clears the prior failure on success or overwrites
// it on a new failure.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID string) error {
	route, err := d.store.RouteFor(ctx, messageID)
	if err != nil {
		if errors.Is(err, messages.ErrNotFound) {
			d.logger.Warn("dispatch for unknown message", slog.String("message_id", messageID))
			return nil
		}
		return fmt.Errorf("resolve route: %w", err)
	}
	if route.MessageType != messages.TypeOutgoing || route.ContentType != "text" {
		return nil
	}
	// A redelivered send job for a message already handed off must not
	// reach the recipient twice. A recorded failure still dispatches so
	// manual retry works.
	if route.SentAt != nil && route.FailedAt == nil {
		return nil
	}

	sender, ok := d.senders.GetSender(route.ChannelSlug)
	if !ok {
		// A missing sender is a configuration bug, not a transient fault.
		sendErr := channel.NewSendError(channel.SendErrUnsupportedChannel, "no sender registered for channel "+route.ChannelSlug, nil)
		d.logger.Error("unsupported channel",
			slog.String("message_id", messageID),
			slog.String("slug", route.ChannelSlug))
		return d.recordFailure(ctx, route, sendErr)
	}

	botChannel, err := d.channels.GetChannel(ctx, route.ChatbotChannelID)
	if err != nil {
		return fmt.Errorf("load chatbot channel: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	result, err := sender.Send(sendCtx, botChannel, channel.OutboundMessage{
		ExternalConversationID: route.ExternalConversationID,
		Content:                route.Content,
		ContentType:            route.ContentType,
		IsGroup:                route.IsGroup,
	})
	if err != nil {
		sendErr := channel.AsSendError(err)
		d.logger.Error("send failed",
			slog.String("message_id", messageID),
			slog.String("slug", route.ChannelSlug),
			slog.String("kind", string(sendErr.Kind)),
			slog.String("reason", sendErr.Reason))
		return d.recordFailure(ctx, route, sendErr)
	}

	if err := d.store.MarkSent(ctx, route.MessageID, result.ExternalMessageID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	d.publishUpdate(ctx, route)
	return nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, route messages.Route, sendErr *channel.SendError) error {
	reason := sendErr.Reason
	if reason == "" {
		reason = sendErr.Error()
	}
	if err := d.store.MarkFailed(ctx, route.MessageID, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	d.publishUpdate(ctx, route)
	return nil
}

func (d *Dispatcher) publishUpdate(ctx context.Context, route messages.Route) {
	if d.events == nil {
		return
	}
	msg, err := d.store.GetByID(ctx, route.MessageID)
	if err != nil {
		d.logger.Warn("reload message for event failed",
			slog.String("message_id", route.MessageID),
			slog.Any("error", err))
		return
	}
	d.events.Publish(event.Event{
		Type:           event.TypeMessageUpdated,
		OrganizationID: route.OrganizationID,
		Data:           event.Marshal(msg),
	})
}
