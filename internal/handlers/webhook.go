package handlers

import (
	"context"
	"log/slog"

	"github.com/chatrelay/chatrelay/internal/channel"
	"github.com/chatrelay/chatrelay/internal/inbound"
)

// EventProcessor runs one normalized inbound event through the ingest pipeline.
type EventProcessor interface {
	Process(ctx context.Context, evt inbound.Event) error
}

// AckReconciler folds provider delivery receipts into message status.
type AckReconciler interface {
	ApplyAll(ctx context.Context, organizationID string, acks []inbound.Ack)
}

// WebhookRecorder keeps an audit trail of raw provider deliveries.
type WebhookRecorder interface {
	Record(ctx context.Context, channelSlug, eventKind string, payload []byte) error
}

// record audits one raw delivery, best effort.
func record(ctx context.Context, log *slog.Logger, recorder WebhookRecorder, slug, kind string, body []byte) {
	if recorder == nil {
		return
	}
	if err := recorder.Record(ctx, slug, kind, body); err != nil {
		log.Warn("audit webhook delivery", slog.String("channel", slug), slog.Any("error", err))
	}
}

// ingest feeds a parsed webhook into the pipeline and the reconciler.
// Per-event failures are logged and do not stop the batch; the first
// failure is reported so handlers can choose a softer status code.
func ingest(ctx context.Context, log *slog.Logger, processor EventProcessor, reconciler AckReconciler, result channel.WebhookResult) error {
	var first error
	for _, evt := range result.Events {
		if err := processor.Process(ctx, evt); err != nil {
			log.Error("process inbound event",
				slog.String("chatbot_channel_id", evt.ChatbotChannelID),
				slog.String("external_conversation_id", evt.ExternalConversationID),
				slog.Any("error", err))
			if first == nil {
				first = err
			}
		}
	}
	if reconciler != nil && len(result.Acks) > 0 {
		reconciler.ApplyAll(ctx, "", result.Acks)
	}
	return first
}
