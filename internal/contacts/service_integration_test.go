package contacts_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/chatrelay/internal/contacts"
	"github.com/chatrelay/chatrelay/internal/db"
)

type contactsFixture struct {
	pool    *pgxpool.Pool
	svc     *contacts.Service
	cleanup func()
}

func setupContactsIntegrationTest(t *testing.T) contactsFixture {
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
	return contactsFixture{
		pool:    pool,
		svc:     contacts.NewService(logger, pool),
		cleanup: func() { pool.Close() },
	}
}

func createOrganizationForContactsTest(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	var id pgtype.UUID
	err := pool.QueryRow(ctx,
		`INSERT INTO organizations (name) VALUES ('contacts-integration-test') RETURNING id`).Scan(&id)
	if err != nil {
		return "", err
	}
	return db.UUIDToString(id), nil
}

func TestIntegrationFindOrCreateContactConcurrent(t *testing.T) {
	f := setupContactsIntegrationTest(t)
	defer f.cleanup()

	ctx := context.Background()
	orgID, err := createOrganizationForContactsTest(ctx, f.pool)
	if err != nil {
		t.Fatalf("create organization fixture: %v", err)
	}
	phone := "+1555" + uuid.NewString()

	const callers = 8
	results := make([]contacts.Contact, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.FindOrCreate(ctx, contacts.FindOrCreateRequest{
				OrganizationID: orgID,
				Phone:          phone,
				DisplayName:    "Race Case",
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].ID != results[0].ID {
			t.Fatalf("caller %d resolved %s, caller 0 resolved %s", i, results[i].ID, results[0].ID)
		}
	}

	pgOrgID, err := db.ParseUUID(orgID)
	if err != nil {
		t.Fatalf("parse organization id: %v", err)
	}
	var count int
	if err := f.pool.QueryRow(ctx,
		`SELECT count(*) FROM contacts WHERE organization_id = $1 AND phone = $2`,
		pgOrgID, phone).Scan(&count); err != nil {
		t.Fatalf("count contacts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single contact row, got %d", count)
	}
}

func TestIntegrationEnsureChannelMergesChannelData(t *testing.T) {
	f := setupContactsIntegrationTest(t)
	defer f.cleanup()

	ctx := context.Background()
	orgID, err := createOrganizationForContactsTest(ctx, f.pool)
	if err != nil {
		t.Fatalf("create organization fixture: %v", err)
	}
	contact, err := f.svc.FindOrCreate(ctx, contacts.FindOrCreateRequest{
		OrganizationID: orgID,
		Phone:          "+1555" + uuid.NewString(),
		DisplayName:    "Merge Case",
	})
	if err != nil {
		t.Fatalf("create contact failed: %v", err)
	}

	chatbotID, channelID, err := createChatbotAndChannelForContactsTest(ctx, f.pool, orgID)
	if err != nil {
		t.Fatalf("create chatbot fixture: %v", err)
	}

	identifier := uuid.NewString()
	first, err := f.svc.EnsureChannel(ctx, contact.ID, chatbotID, channelID, identifier,
		map[string]any{"push_name": "Merge Case"})
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}

	second, err := f.svc.EnsureChannel(ctx, contact.ID, chatbotID, channelID, identifier,
		map[string]any{"device": "web"})
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same link row, got %s and %s", first.ID, second.ID)
	}
	if second.ChannelData["push_name"] != "Merge Case" || second.ChannelData["device"] != "web" {
		t.Fatalf("expected merged channel data, got %+v", second.ChannelData)
	}
}

func createChatbotAndChannelForContactsTest(ctx context.Context, pool *pgxpool.Pool, orgID string) (string, string, error) {
	pgOrgID, err := db.ParseUUID(orgID)
	if err != nil {
		return "", "", err
	}
	var chatbotID, channelID pgtype.UUID
	err = pool.QueryRow(ctx, `
		WITH bot AS (
			INSERT INTO chatbots (organization_id, name) VALUES ($1, 'contacts bot') RETURNING id
		)
		SELECT bot.id, ch.id FROM bot, (SELECT id FROM channels WHERE slug = 'whatsapp') ch`,
		pgOrgID).Scan(&chatbotID, &channelID)
	if err != nil {
		return "", "", err
	}
	return db.UUIDToString(chatbotID), db.UUIDToString(channelID), nil
}
