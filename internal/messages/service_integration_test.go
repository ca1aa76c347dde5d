package messages_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/chatrelay/internal/db"
	"github.com/chatrelay/chatrelay/internal/messages"
)

type messagesFixture struct {
	pool    *pgxpool.Pool
	svc     *messages.Service
	cleanup func()
}

func setupMessagesIntegrationTest(t *testing.T) messagesFixture {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return messagesFixture{
		pool:    pool,
		svc:     messages.NewService(logger, pool),
		cleanup: func() { pool.Close() },
	}
}

func createConversationForMessagesTest(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	var id pgtype.UUID
	err := pool.QueryRow(ctx, `
		WITH org AS (
			INSERT INTO organizations (name) VALUES ('messages-integration-test') RETURNING id
		), bot AS (
			INSERT INTO chatbots (organization_id, name, system_prompt)
			SELECT id, 'integration bot', 'You are a test bot.' FROM org
			RETURNING id
		), cc AS (
			INSERT INTO chatbot_channels (chatbot_id, channel_id, credentials)
			SELECT bot.id, ch.id, '{"phone_number_id":"pn-int"}'::jsonb
			FROM bot, (SELECT id FROM channels WHERE slug = 'whatsapp') ch
			RETURNING id
		)
		INSERT INTO conversations (chatbot_channel_id, external_conversation_id)
		SELECT id, $1 FROM cc
		RETURNING id`,
		uuid.NewString()).Scan(&id)
	if err != nil {
		return "", err
	}
	return db.UUIDToString(id), nil
}

func TestIntegrationApplyAckNeverRegresses(t *testing.T) {
	f := setupMessagesIntegrationTest(t)
	defer f.cleanup()

	ctx := context.Background()
	convID, err := createConversationForMessagesTest(ctx, f.pool)
	if err != nil {
		t.Fatalf("create conversation fixture: %v", err)
	}
	msg, err := f.svc.CreateOutgoing(ctx, messages.OutgoingRequest{
		ConversationID: convID,
		Content:        "ack progression",
		SenderType:     messages.SenderAI,
	})
	if err != nil {
		t.Fatalf("create outgoing failed: %v", err)
	}
	externalID := "wamid." + uuid.NewString()
	if err := f.svc.MarkSent(ctx, msg.ID, externalID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}

	delivered, changed, err := f.svc.ApplyAck(ctx, externalID, messages.AckDelivered)
	if err != nil {
		t.Fatalf("apply delivered ack failed: %v", err)
	}
	if !changed {
		t.Fatal("expected delivered ack to change the row")
	}
	if delivered.SentAt == nil || delivered.DeliveredAt == nil {
		t.Fatalf("expected sent_at and delivered_at set, got %+v", delivered)
	}

	// A late lower ack must match no row and leave the state alone.
	replay, changed, err := f.svc.ApplyAck(ctx, externalID, messages.AckSent)
	if err != nil {
		t.Fatalf("apply replayed sent ack failed: %v", err)
	}
	if changed {
		t.Fatal("expected replayed sent ack to report no change")
	}
	if replay.DeliveredAt == nil || !replay.DeliveredAt.Equal(*delivered.DeliveredAt) {
		t.Fatalf("expected delivered_at preserved, got %+v", replay)
	}

	read, changed, err := f.svc.ApplyAck(ctx, externalID, messages.AckRead)
	if err != nil {
		t.Fatalf("apply read ack failed: %v", err)
	}
	if !changed || read.ReadAt == nil {
		t.Fatalf("expected read ack to set read_at, changed=%v message=%+v", changed, read)
	}
	if !read.DeliveredAt.Equal(*delivered.DeliveredAt) {
		t.Fatal("expected read ack to keep the earlier delivered_at")
	}

	if _, changed, err = f.svc.ApplyAck(ctx, externalID, messages.AckRead); err != nil || changed {
		t.Fatalf("expected repeated read ack to be a no-op, changed=%v err=%v", changed, err)
	}

	if _, _, err := f.svc.ApplyAck(ctx, "wamid."+uuid.NewString(), messages.AckDelivered); !errors.Is(err, messages.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown external id, got %v", err)
	}
}

func TestIntegrationClaimEchoMatchesPendingOutgoing(t *testing.T) {
	f := setupMessagesIntegrationTest(t)
	defer f.cleanup()

	ctx := context.Background()
	convID, err := createConversationForMessagesTest(ctx, f.pool)
	if err != nil {
		t.Fatalf("create conversation fixture: %v", err)
	}
	pending, err := f.svc.CreateOutgoing(ctx, messages.OutgoingRequest{
		ConversationID: convID,
		Content:        "echo me",
		SenderType:     messages.SenderAI,
	})
	if err != nil {
		t.Fatalf("create outgoing failed: %v", err)
	}

	externalID := "echo." + uuid.NewString()
	claimed, ok, err := f.svc.ClaimEcho(ctx, convID, "echo me", externalID)
	if err != nil {
		t.Fatalf("claim echo failed: %v", err)
	}
	if !ok || claimed.ID != pending.ID {
		t.Fatalf("expected echo to claim the pending row %s, got ok=%v id=%s", pending.ID, ok, claimed.ID)
	}
	if claimed.ExternalMessageID != externalID {
		t.Fatalf("expected external id %s, got %s", externalID, claimed.ExternalMessageID)
	}

	// The row now carries an external id, so a second echo finds nothing.
	if _, ok, err := f.svc.ClaimEcho(ctx, convID, "echo me", "echo."+uuid.NewString()); err != nil || ok {
		t.Fatalf("expected second echo to claim nothing, ok=%v err=%v", ok, err)
	}
	if _, ok, err := f.svc.ClaimEcho(ctx, convID, "different content", "echo."+uuid.NewString()); err != nil || ok {
		t.Fatalf("expected mismatched content to claim nothing, ok=%v err=%v", ok, err)
	}
}

func TestIntegrationClaimEchoIgnoresStaleRows(t *testing.T) {
	f := setupMessagesIntegrationTest(t)
	defer f.cleanup()

	ctx := context.Background()
	convID, err := createConversationForMessagesTest(ctx, f.pool)
	if err != nil {
		t.Fatalf("create conversation fixture: %v", err)
	}
	stale, err := f.svc.CreateOutgoing(ctx, messages.OutgoingRequest{
		ConversationID: convID,
		Content:        "old news",
		SenderType:     messages.SenderAI,
	})
	if err != nil {
		t.Fatalf("create outgoing failed: %v", err)
	}
	pgID, err := db.ParseUUID(stale.ID)
	if err != nil {
		t.Fatalf("parse message id: %v", err)
	}
	if _, err := f.pool.Exec(ctx,
		`UPDATE messages SET created_at = now() - interval '10 minutes' WHERE id = $1`, pgID); err != nil {
		t.Fatalf("age message row: %v", err)
	}

	if _, ok, err := f.svc.ClaimEcho(ctx, convID, "old news", "echo."+uuid.NewString()); err != nil || ok {
		t.Fatalf("expected echo outside the window to claim nothing, ok=%v err=%v", ok, err)
	}
}
