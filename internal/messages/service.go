// Package messages stores conversation transcripts and tracks delivery
// state reported back by channel providers.
package messages

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

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("message not found")

// echoWindow bounds how far back an echoed outbound message is matched
// against a pending outgoing row.
const echoWindow = "5 minutes"

// Service persists and reads messages.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a messages service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "messages")),
	}
}

const messageColumns = `
	id, conversation_id, external_message_id, type, content, content_type,
	sender_type, sender_user_id, metadata, sent_at, delivered_at, read_at,
	failed_at, error_message, created_at, updated_at
`

// IncomingRequest describes one message received from a channel.
type IncomingRequest struct {
	ConversationID    string
	ExternalMessageID string
	Content           string
	ContentType       string
	Metadata          map[string]any
}

// RecordIncoming stores a contact-authored message.
func (s *Service) RecordIncoming(ctx context.Context, req IncomingRequest) (Message, error) {
	if s.pool == nil {
		return Message{}, errors.New("messages pool not configured")
	}
	pgConvID, err := db.ParseUUID(req.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "text"
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, external_message_id, type, content, content_type, sender_type, metadata)
		VALUES ($1, $2, 'incoming', $3, $4, 'contact', $5)
		RETURNING `+messageColumns,
		pgConvID, db.TextFromString(req.ExternalMessageID), req.Content, contentType, metadataJSON(req.Metadata))
	return scanMessage(row)
}

// ClaimEcho tries to attach an echoed external message id to the newest
// outgoing message in the conversation that has identical content, no
// external id yet, and was created inside the echo window. It reports
// whether a row was claimed; callers record a fresh message when not.
func (s *Service) ClaimEcho(ctx context.Context, conversationID, content, externalMessageID string) (Message, bool, error) {
	if s.pool == nil {
		return Message{}, false, errors.New("messages pool not configured")
	}
	pgConvID, err := db.ParseUUID(conversationID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE messages
		SET external_message_id = $3, updated_at = now()
		WHERE id = (
			SELECT id FROM messages
			WHERE conversation_id = $1
			  AND type = 'outgoing'
			  AND content = $2
			  AND external_message_id IS NULL
			  AND created_at > now() - interval '`+echoWindow+`'
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING `+messageColumns,
		pgConvID, content, externalMessageID)
	message, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return message, true, nil
}

// OutgoingRequest describes one message authored inside the platform.
type OutgoingRequest struct {
	ConversationID string
	Content        string
	ContentType    string
	SenderType     SenderType
	SenderUserID   string
	Metadata       map[string]any
}

// CreateOutgoing stores an AI- or human-authored message awaiting dispatch.
func (s *Service) CreateOutgoing(ctx context.Context, req OutgoingRequest) (Message, error) {
	if s.pool == nil {
		return Message{}, errors.New("messages pool not configured")
	}
	pgConvID, err := db.ParseUUID(req.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	if strings.TrimSpace(req.Content) == "" {
		return Message{}, errors.New("content is required")
	}
	sender := req.SenderType
	if sender == "" {
		sender = SenderAI
	}
	pgUserID := pgtype.UUID{}
	if strings.TrimSpace(req.SenderUserID) != "" {
		pgUserID, err = db.ParseUUID(req.SenderUserID)
		if err != nil {
			return Message{}, fmt.Errorf("invalid sender user id: %w", err)
		}
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "text"
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, type, content, content_type, sender_type, sender_user_id, metadata)
		VALUES ($1, 'outgoing', $2, $3, $4, $5, $6)
		RETURNING `+messageColumns,
		pgConvID, req.Content, contentType, string(sender), pgUserID, metadataJSON(req.Metadata))
	return scanMessage(row)
}

// MarkSent records a successful provider hand-off, storing the external
// id when the provider returned one and clearing any earlier failure.
func (s *Service) MarkSent(ctx context.Context, id, externalMessageID string) error {
	if s.pool == nil {
		return errors.New("messages pool not configured")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET sent_at = COALESCE(sent_at, now()),
		    external_message_id = COALESCE($2, external_message_id),
		    failed_at = NULL,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1`,
		pgID, db.TextFromString(externalMessageID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a terminal send failure with its reason.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	if s.pool == nil {
		return errors.New("messages pool not configured")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET failed_at = now(), error_message = $2, updated_at = now()
		WHERE id = $1`,
		pgID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ackClauses maps an ack code to its targeted update and the predicate
// that tells whether the update would change anything. A replayed or
// late-arriving lower ack matches no row and reports no change, so a
// more advanced state is never regressed.
var ackClauses = map[int]struct {
	set  string
	need string
}{
	AckSent: {
		set:  `sent_at = COALESCE(sent_at, now())`,
		need: `sent_at IS NULL`,
	},
	AckDelivered: {
		set:  `sent_at = COALESCE(sent_at, now()), delivered_at = COALESCE(delivered_at, now())`,
		need: `(sent_at IS NULL OR delivered_at IS NULL)`,
	},
	AckRead: {
		set:  `sent_at = COALESCE(sent_at, now()), delivered_at = COALESCE(delivered_at, now()), read_at = COALESCE(read_at, now())`,
		need: `(sent_at IS NULL OR delivered_at IS NULL OR read_at IS NULL)`,
	},
	AckFailed: {
		set:  `failed_at = COALESCE(failed_at, now())`,
		need: `failed_at IS NULL`,
	},
}

// ApplyAck folds a provider delivery ack into the message's status
// timestamps and reports whether any field changed. Updates are
// field-targeted so they cannot clobber a concurrent dispatch result.
func (s *Service) ApplyAck(ctx context.Context, externalMessageID string, code int) (Message, bool, error) {
	if s.pool == nil {
		return Message{}, false, errors.New("messages pool not configured")
	}
	externalMessageID = strings.TrimSpace(externalMessageID)
	if externalMessageID == "" {
		return Message{}, false, errors.New("external message id is required")
	}
	clause, ok := ackClauses[code]
	if !ok {
		return Message{}, false, fmt.Errorf("unknown ack code %d", code)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE messages
		SET `+clause.set+`, updated_at = now()
		WHERE external_message_id = $1 AND `+clause.need+`
		RETURNING `+messageColumns,
		externalMessageID)
	message, err := scanMessage(row)
	if err == nil {
		return message, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, err
	}

	// No row needed the update: either the ack is a replay or the id is
	// unknown.
	existing, err := s.FindByExternalID(ctx, externalMessageID)
	if err != nil {
		return Message{}, false, err
	}
	return existing, false, nil
}

// FindReplyTo looks up the outgoing message stored as the reply to a
// given inbound message, reporting whether one exists.
func (s *Service) FindReplyTo(ctx context.Context, conversationID, replyToMessageID string) (Message, bool, error) {
	if s.pool == nil {
		return Message{}, false, errors.New("messages pool not configured")
	}
	pgConvID, err := db.ParseUUID(conversationID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		  AND type = 'outgoing'
		  AND metadata ->> '`+MetaReplyTo+`' = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		pgConvID, replyToMessageID)
	message, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return message, true, nil
}

// FindByExternalID looks up a message by its provider-assigned id.
func (s *Service) FindByExternalID(ctx context.Context, externalMessageID string) (Message, error) {
	if s.pool == nil {
		return Message{}, errors.New("messages pool not configured")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_message_id = $1`,
		externalMessageID)
	message, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return message, err
}

// GetByID looks up one message.
func (s *Service) GetByID(ctx context.Context, id string) (Message, error) {
	if s.pool == nil {
		return Message{}, errors.New("messages pool not configured")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Message{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, pgID)
	message, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return message, err
}

// ListByConversation returns a conversation's messages oldest-first.
func (s *Service) ListByConversation(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if s.pool == nil {
		return nil, errors.New("messages pool not configured")
	}
	pgConvID, err := db.ParseUUID(conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`,
		pgConvID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, message)
	}
	return items, rows.Err()
}

// RouteFor resolves the channel a stored outgoing message must leave
// through, joining up to the chatbot channel and its provider slug.
func (s *Service) RouteFor(ctx context.Context, messageID string) (Route, error) {
	if s.pool == nil {
		return Route{}, errors.New("messages pool not configured")
	}
	pgID, err := db.ParseUUID(messageID)
	if err != nil {
		return Route{}, err
	}
	var (
		route            Route
		messageType      string
		id, convID       pgtype.UUID
		channelID, orgID pgtype.UUID
		sentAt, failedAt pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx, `
		SELECT m.id, m.type, m.conversation_id, c.external_conversation_id,
		       cc.id, ch.slug, b.organization_id, m.content, m.content_type,
		       c.external_conversation_id LIKE '%@g.us', m.sent_at, m.failed_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		JOIN chatbot_channels cc ON cc.id = c.chatbot_channel_id
		JOIN channels ch ON ch.id = cc.channel_id
		JOIN chatbots b ON b.id = cc.chatbot_id
		WHERE m.id = $1`,
		pgID).Scan(&id, &messageType, &convID, &route.ExternalConversationID,
		&channelID, &route.ChannelSlug, &orgID, &route.Content, &route.ContentType,
		&route.IsGroup, &sentAt, &failedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Route{}, ErrNotFound
	}
	if err != nil {
		return Route{}, err
	}
	route.MessageID = db.UUIDToString(id)
	route.MessageType = Type(messageType)
	route.ConversationID = db.UUIDToString(convID)
	route.ChatbotChannelID = db.UUIDToString(channelID)
	route.OrganizationID = db.UUIDToString(orgID)
	route.SentAt = db.TimePtrFromPg(sentAt)
	route.FailedAt = db.TimePtrFromPg(failedAt)
	return route, nil
}

func metadataJSON(metadata map[string]any) []byte {
	if len(metadata) == 0 {
		return []byte("{}")
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		id, convID           pgtype.UUID
		externalID           pgtype.Text
		msgType, contentType string
		content, senderType  string
		senderUserID         pgtype.UUID
		metadata             []byte
		sentAt, deliveredAt  pgtype.Timestamptz
		readAt, failedAt     pgtype.Timestamptz
		errorMessage         pgtype.Text
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &convID, &externalID, &msgType, &content, &contentType,
		&senderType, &senderUserID, &metadata, &sentAt, &deliveredAt, &readAt,
		&failedAt, &errorMessage, &createdAt, &updatedAt)
	if err != nil {
		return Message{}, err
	}
	var meta map[string]any
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &meta)
	}
	return Message{
		ID:                db.UUIDToString(id),
		ConversationID:    db.UUIDToString(convID),
		ExternalMessageID: db.TextToString(externalID),
		Type:              Type(msgType),
		Content:           content,
		ContentType:       contentType,
		SenderType:        SenderType(senderType),
		SenderUserID:      db.UUIDToString(senderUserID),
		Metadata:          meta,
		SentAt:            db.TimePtrFromPg(sentAt),
		DeliveredAt:       db.TimePtrFromPg(deliveredAt),
		ReadAt:            db.TimePtrFromPg(readAt),
		FailedAt:          db.TimePtrFromPg(failedAt),
		ErrorMessage:      db.TextToString(errorMessage),
		CreatedAt:         db.TimeFromPg(createdAt),
		UpdatedAt:         db.TimeFromPg(updatedAt),
	}, nil
}
