// Package chatbots reads chatbot and chatbot-channel configuration.
// Channel rows are write-rarely provisioning data; the pipeline only reads them.
package chatbots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/chatrelay/internal/db"
)

// ErrChannelNotFound is returned when no chatbot channel matches the lookup.
var ErrChannelNotFound = errors.New("chatbot channel not found")

// Service reads chatbot and channel configuration.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a chatbots service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "chatbots")),
	}
}

const channelColumns = `
	cc.id, cc.chatbot_id, b.organization_id, cc.channel_id, ch.slug,
	cc.credentials, cc.settings, cc.default_mode, cc.status,
	cc.created_at, cc.updated_at
`

const channelFrom = `
	FROM chatbot_channels cc
	JOIN chatbots b ON b.id = cc.chatbot_id
	JOIN channels ch ON ch.id = cc.channel_id
`

// GetChannel looks up one chatbot channel by id.
func (s *Service) GetChannel(ctx context.Context, id string) (ChatbotChannel, error) {
	if s.pool == nil {
		return ChatbotChannel{}, errors.New("chatbots pool not configured")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return ChatbotChannel{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+channelColumns+channelFrom+` WHERE cc.id = $1`, pgID)
	return scanChannel(row)
}

// ResolveByCredential finds the chatbot channel of the given provider slug
// whose credentials match value under any of the given keys. Providers that
// route by recipient phone number use this for webhook channel resolution.
func (s *Service) ResolveByCredential(ctx context.Context, slug, value string, keys ...string) (ChatbotChannel, error) {
	if s.pool == nil {
		return ChatbotChannel{}, errors.New("chatbots pool not configured")
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || len(keys) == 0 {
		return ChatbotChannel{}, ErrChannelNotFound
	}
	for _, key := range keys {
		row := s.pool.QueryRow(ctx,
			`SELECT `+channelColumns+channelFrom+` WHERE ch.slug = $1 AND cc.credentials ->> $2 = $3`,
			strings.TrimSpace(slug), key, trimmed,
		)
		channel, err := scanChannel(row)
		if err == nil {
			return channel, nil
		}
		if !errors.Is(err, ErrChannelNotFound) {
			return ChatbotChannel{}, err
		}
	}
	return ChatbotChannel{}, ErrChannelNotFound
}

// ListChannelsBySlug returns every active chatbot channel of one provider.
func (s *Service) ListChannelsBySlug(ctx context.Context, slug string) ([]ChatbotChannel, error) {
	if s.pool == nil {
		return nil, errors.New("chatbots pool not configured")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+channelFrom+` WHERE ch.slug = $1 AND cc.status = 'active' ORDER BY cc.created_at`,
		strings.TrimSpace(slug),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ChatbotChannel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, channel)
	}
	return items, rows.Err()
}

// GetChatbot looks up one chatbot by id.
func (s *Service) GetChatbot(ctx context.Context, id string) (Chatbot, error) {
	if s.pool == nil {
		return Chatbot{}, errors.New("chatbots pool not configured")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Chatbot{}, err
	}
	var (
		chatbotID, orgID pgtype.UUID
		name             string
		prompt           pgtype.Text
		createdAt        pgtype.Timestamptz
		updatedAt        pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, system_prompt, created_at, updated_at FROM chatbots WHERE id = $1`,
		pgID,
	).Scan(&chatbotID, &orgID, &name, &prompt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Chatbot{}, fmt.Errorf("chatbot %s: %w", id, pgx.ErrNoRows)
		}
		return Chatbot{}, err
	}
	return Chatbot{
		ID:             db.UUIDToString(chatbotID),
		OrganizationID: db.UUIDToString(orgID),
		Name:           name,
		SystemPrompt:   db.TextToString(prompt),
		CreatedAt:      db.TimeFromPg(createdAt),
		UpdatedAt:      db.TimeFromPg(updatedAt),
	}, nil
}

func scanChannel(row pgx.Row) (ChatbotChannel, error) {
	var (
		id, chatbotID, orgID, channelID pgtype.UUID
		slug, defaultMode, status       string
		credentials, settings           []byte
		createdAt, updatedAt            pgtype.Timestamptz
	)
	err := row.Scan(&id, &chatbotID, &orgID, &channelID, &slug,
		&credentials, &settings, &defaultMode, &status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChatbotChannel{}, ErrChannelNotFound
		}
		return ChatbotChannel{}, err
	}
	creds, err := decodeJSONMap(credentials)
	if err != nil {
		return ChatbotChannel{}, fmt.Errorf("decode credentials: %w", err)
	}
	opts, err := decodeJSONMap(settings)
	if err != nil {
		return ChatbotChannel{}, fmt.Errorf("decode settings: %w", err)
	}
	return ChatbotChannel{
		ID:             db.UUIDToString(id),
		ChatbotID:      db.UUIDToString(chatbotID),
		OrganizationID: db.UUIDToString(orgID),
		ChannelID:      db.UUIDToString(channelID),
		ChannelSlug:    slug,
		Credentials:    creds,
		Settings:       opts,
		DefaultMode:    ParseMode(defaultMode),
		Status:         status,
		CreatedAt:      db.TimeFromPg(createdAt),
		UpdatedAt:      db.TimeFromPg(updatedAt),
	}, nil
}

func decodeJSONMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}
