// Package reconcile folds provider delivery acks into message status,
// monotonically and idempotently.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/inbound"
	"github.com/chatrelay/chatrelay/internal/messages"
)

// AckStore is the slice of the messages service the reconciler uses.
type AckStore interface {
	ApplyAck(ctx context.Context, externalMessageID string, code int) (messages.Message, bool, error)
}

// RouteResolver looks up routing facts for a message, used to scope the
// UI-refresh event when the caller has no organization context.
type RouteResolver interface {
	RouteFor(ctx context.Context, messageID string) (messages.Route, error)
}

// Reconciler applies delivery/read acks to stored messages.
type Reconciler struct {
	store  AckStore
	routes RouteResolver
	events event.Publisher
	logger *slog.Logger
}

// NewReconciler creates a delivery-status reconciler. routes may be nil
// when every caller supplies the organization id itself.
func NewReconciler(log *slog.Logger, store AckStore, routes RouteResolver, events event.Publisher) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:  store,
		routes: routes,
		events: events,
		logger: log.With(slog.String("service", "reconcile")),
	}
}

// Apply folds one ack into its message. Unknown external ids are a
// logged warning, never an error. A UI-refresh event fires only when a
// status field actually changed, so replayed acks cause no churn.
func (r *Reconciler) Apply(ctx context.Context, organizationID string, ack inbound.Ack) error {
	msg, changed, err := r.store.ApplyAck(ctx, ack.ExternalMessageID, ack.Code)
	if err != nil {
		if errors.Is(err, messages.ErrNotFound) {
			r.logger.Warn("ack for unknown message",
				slog.String("external_message_id", ack.ExternalMessageID),
				slog.Int("ack", ack.Code))
			return nil
		}
		return fmt.Errorf("apply ack: %w", err)
	}
	if !changed {
		return nil
	}
	if organizationID == "" && r.routes != nil {
		route, err := r.routes.RouteFor(ctx, msg.ID)
		if err != nil {
			r.logger.Warn("resolve ack route", slog.String("message_id", msg.ID), slog.Any("error", err))
			return nil
		}
		organizationID = route.OrganizationID
	}
	if r.events != nil {
		r.events.Publish(event.Event{
			Type:           event.TypeMessageUpdated,
			OrganizationID: organizationID,
			Data:           event.Marshal(msg),
		})
	}
	return nil
}

// ApplyAll folds a batch of acks, continuing past per-ack failures.
func (r *Reconciler) ApplyAll(ctx context.Context, organizationID string, acks []inbound.Ack) {
	for _, ack := range acks {
		if err := r.Apply(ctx, organizationID, ack); err != nil {
			r.logger.Error("reconcile ack failed",
				slog.String("external_message_id", ack.ExternalMessageID),
				slog.Any("error", err))
		}
	}
}
