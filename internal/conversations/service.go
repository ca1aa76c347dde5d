// Package conversations persists conversation threads keyed by
// (chatbot channel, external conversation id).
package conversations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/db"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Service persists and reads conversations.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a conversations service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "conversations")),
	}
}

const conversationColumns = `
	c.id, c.chatbot_channel_id, b.organization_id, c.external_conversation_id,
	c.contact_channel_id, c.mode, c.status, c.assigned_user_id,
	c.last_message_at, c.created_at, c.updated_at
`

const conversationFrom = `
	FROM conversations c
	JOIN chatbot_channels cc ON cc.id = c.chatbot_channel_id
	JOIN chatbots b ON b.id = cc.chatbot_id
`

// GetByID looks up one conversation.
func (s *Service) GetByID(ctx context.Context, id string) (Conversation, error) {
	if s.pool == nil {
		return Conversation{}, errors.New("conversations pool not configured")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Conversation{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+conversationFrom+` WHERE c.id = $1`, pgID)
	return scanConversation(row)
}

// FindOrCreate returns the conversation for (chatbot channel, external id),
// creating it when absent with the channel's default mode. Existing
// conversations get their recency bumped and a missing contact_channel_id
// backfilled. Concurrent duplicate creates are arbitrated by the unique
// constraint; the loser retries the lookup.
func (s *Service) FindOrCreate(ctx context.Context, channel chatbots.ChatbotChannel, externalConversationID, contactChannelID string) (ResolveResult, error) {
	if s.pool == nil {
		return ResolveResult{}, errors.New("conversations pool not configured")
	}
	pgChannelID, err := db.ParseUUID(channel.ID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("invalid chatbot channel id: %w", err)
	}
	externalID := strings.TrimSpace(externalConversationID)
	if externalID == "" {
		return ResolveResult{}, errors.New("external conversation id is required")
	}
	pgContactChannelID := pgtype.UUID{}
	if strings.TrimSpace(contactChannelID) != "" {
		pgContactChannelID, err = db.ParseUUID(contactChannelID)
		if err != nil {
			return ResolveResult{}, fmt.Errorf("invalid contact channel id: %w", err)
		}
	}

	existing, err := s.touchExisting(ctx, pgChannelID, externalID, pgContactChannelID)
	if err == nil {
		return ResolveResult{Conversation: existing}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ResolveResult{}, err
	}

	row := s.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO conversations (chatbot_channel_id, external_conversation_id, contact_channel_id, mode, status, last_message_at)
			VALUES ($1, $2, $3, $4, 'active', now())
			RETURNING *
		)
		SELECT `+strings.ReplaceAll(conversationColumns, "c.", "i.")+`
		FROM inserted i
		JOIN chatbot_channels cc ON cc.id = i.chatbot_channel_id
		JOIN chatbots b ON b.id = cc.chatbot_id`,
		pgChannelID, externalID, pgContactChannelID, string(channel.DefaultMode),
	)
	created, err := scanConversation(row)
	if err == nil {
		return ResolveResult{Conversation: created, Created: true}, nil
	}
	if db.IsUniqueViolation(err) {
		// Lost a concurrent-create race; touch the winner's row instead.
		winner, terr := s.touchExisting(ctx, pgChannelID, externalID, pgContactChannelID)
		if terr != nil {
			return ResolveResult{}, terr
		}
		return ResolveResult{Conversation: winner}, nil
	}
	return ResolveResult{}, fmt.Errorf("create conversation: %w", err)
}

// touchExisting bumps last_message_at and backfills contact_channel_id for
// an existing thread in a single targeted update.
func (s *Service) touchExisting(ctx context.Context, channelID pgtype.UUID, externalID string, contactChannelID pgtype.UUID) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE conversations
			SET last_message_at = now(),
			    contact_channel_id = COALESCE(contact_channel_id, $3),
			    updated_at = now()
			WHERE chatbot_channel_id = $1 AND external_conversation_id = $2
			RETURNING *
		)
		SELECT `+strings.ReplaceAll(conversationColumns, "c.", "u.")+`
		FROM updated u
		JOIN chatbot_channels cc ON cc.id = u.chatbot_channel_id
		JOIN chatbots b ON b.id = cc.chatbot_id`,
		channelID, externalID, contactChannelID,
	)
	conversation, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return conversation, err
}

// Touch bumps last_message_at for a conversation (used after outbound sends).
func (s *Service) Touch(ctx context.Context, id string) error {
	if s.pool == nil {
		return errors.New("conversations pool not configured")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE conversations SET last_message_at = now(), updated_at = now() WHERE id = $1`, pgID)
	return err
}

// SetMode switches a conversation between ai and human reply modes.
func (s *Service) SetMode(ctx context.Context, id string, mode chatbots.Mode) (Conversation, error) {
	if s.pool == nil {
		return Conversation{}, errors.New("conversations pool not configured")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Conversation{}, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET mode = $2, updated_at = now() WHERE id = $1`,
		pgID, string(mode))
	if err != nil {
		return Conversation{}, err
	}
	if tag.RowsAffected() == 0 {
		return Conversation{}, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// Assign sets or clears the user a human-mode conversation is assigned to.
func (s *Service) Assign(ctx context.Context, id, userID string) (Conversation, error) {
	if s.pool == nil {
		return Conversation{}, errors.New("conversations pool not configured")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Conversation{}, err
	}
	pgUserID := pgtype.UUID{}
	if strings.TrimSpace(userID) != "" {
		pgUserID, err = db.ParseUUID(userID)
		if err != nil {
			return Conversation{}, fmt.Errorf("invalid user id: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET assigned_user_id = $2, updated_at = now() WHERE id = $1`,
		pgID, pgUserID)
	if err != nil {
		return Conversation{}, err
	}
	if tag.RowsAffected() == 0 {
		return Conversation{}, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// ListByOrganization returns an organization's conversations, most recent first.
func (s *Service) ListByOrganization(ctx context.Context, organizationID string, limit int) ([]Conversation, error) {
	if s.pool == nil {
		return nil, errors.New("conversations pool not configured")
	}
	pgOrgID, err := db.ParseUUID(organizationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+conversationFrom+`
		 WHERE b.organization_id = $1
		 ORDER BY c.last_message_at DESC
		 LIMIT $2`,
		pgOrgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Conversation, 0, limit)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, conversation)
	}
	return items, rows.Err()
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		id, channelID, orgID       pgtype.UUID
		externalID                 string
		contactChannelID, userID   pgtype.UUID
		mode, status               string
		lastMessageAt              pgtype.Timestamptz
		createdAt, updatedAt       pgtype.Timestamptz
	)
	err := row.Scan(&id, &channelID, &orgID, &externalID, &contactChannelID,
		&mode, &status, &userID, &lastMessageAt, &createdAt, &updatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return Conversation{
		ID:                     db.UUIDToString(id),
		ChatbotChannelID:       db.UUIDToString(channelID),
		OrganizationID:         db.UUIDToString(orgID),
		ExternalConversationID: externalID,
		ContactChannelID:       db.UUIDToString(contactChannelID),
		Mode:                   chatbots.ParseMode(mode),
		Status:                 Status(status),
		AssignedUserID:         db.UUIDToString(userID),
		LastMessageAt:          db.TimeFromPg(lastMessageAt),
		CreatedAt:              db.TimeFromPg(createdAt),
		UpdatedAt:              db.TimeFromPg(updatedAt),
	}, nil
}
