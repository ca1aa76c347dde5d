// Package contacts persists contacts and their per-channel identities.
package contacts

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

// Service persists and reads contacts.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a contacts service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "contacts")),
	}
}

const contactColumns = `id, organization_id, first_name, last_name, phone, email, country_code, language_code, created_at, updated_at`

// GetByID looks up one contact.
func (s *Service) GetByID(ctx context.Context, contactID string) (Contact, error) {
	if s.pool == nil {
		return Contact{}, errors.New("contacts pool not configured")
	}
	pgID, err := db.ParseUUID(contactID)
	if err != nil {
		return Contact{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, pgID)
	return scanContact(row)
}

// FindOrCreate returns the contact for (organization, phone), creating it
// when absent. Two webhook deliveries for the same unknown sender can race
// here; the unique index on (organization_id, phone) arbitrates and the
// loser retries the lookup.
func (s *Service) FindOrCreate(ctx context.Context, req FindOrCreateRequest) (Contact, error) {
	if s.pool == nil {
		return Contact{}, errors.New("contacts pool not configured")
	}
	pgOrgID, err := db.ParseUUID(req.OrganizationID)
	if err != nil {
		return Contact{}, fmt.Errorf("invalid organization id: %w", err)
	}
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		return Contact{}, errors.New("phone is required")
	}

	existing, err := s.findByPhone(ctx, pgOrgID, phone)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, err
	}

	firstName, lastName := splitDisplayName(req.DisplayName)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO contacts (organization_id, first_name, last_name, phone)
		VALUES ($1, $2, $3, $4)
		RETURNING `+contactColumns,
		pgOrgID, firstName, lastName, phone,
	)
	created, err := scanContact(row)
	if err == nil {
		return created, nil
	}
	if db.IsUniqueViolation(err) {
		// Lost the race; the winner's row is now visible.
		return s.findByPhone(ctx, pgOrgID, phone)
	}
	return Contact{}, fmt.Errorf("create contact: %w", err)
}

// EnsureChannel returns the contact-channel link for (chatbot, channel,
// identifier), creating it when absent. Created links are never mutated
// afterwards except for channel_data enrichment.
func (s *Service) EnsureChannel(ctx context.Context, contactID, chatbotID, channelID, channelIdentifier string, channelData map[string]any) (ContactChannel, error) {
	if s.pool == nil {
		return ContactChannel{}, errors.New("contacts pool not configured")
	}
	pgContactID, err := db.ParseUUID(contactID)
	if err != nil {
		return ContactChannel{}, fmt.Errorf("invalid contact id: %w", err)
	}
	pgChatbotID, err := db.ParseUUID(chatbotID)
	if err != nil {
		return ContactChannel{}, fmt.Errorf("invalid chatbot id: %w", err)
	}
	pgChannelID, err := db.ParseUUID(channelID)
	if err != nil {
		return ContactChannel{}, fmt.Errorf("invalid channel id: %w", err)
	}
	identifier := strings.TrimSpace(channelIdentifier)
	if identifier == "" {
		return ContactChannel{}, errors.New("channel identifier is required")
	}
	if channelData == nil {
		channelData = map[string]any{}
	}
	payload, err := json.Marshal(channelData)
	if err != nil {
		return ContactChannel{}, fmt.Errorf("marshal channel data: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO contact_channels (contact_id, chatbot_id, channel_id, channel_identifier, channel_data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chatbot_id, channel_id, channel_identifier)
		DO UPDATE SET channel_data = contact_channels.channel_data || EXCLUDED.channel_data,
		              updated_at = now()
		RETURNING id, contact_id, chatbot_id, channel_id, channel_identifier, channel_data, created_at, updated_at`,
		pgContactID, pgChatbotID, pgChannelID, identifier, payload,
	)
	return scanContactChannel(row)
}

func (s *Service) findByPhone(ctx context.Context, orgID pgtype.UUID, phone string) (Contact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE organization_id = $1 AND phone = $2`,
		orgID, phone,
	)
	return scanContact(row)
}

func scanContact(row pgx.Row) (Contact, error) {
	var (
		id, orgID                 pgtype.UUID
		firstName, lastName       string
		phone, email              pgtype.Text
		countryCode, languageCode string
		createdAt, updatedAt      pgtype.Timestamptz
	)
	err := row.Scan(&id, &orgID, &firstName, &lastName, &phone, &email,
		&countryCode, &languageCode, &createdAt, &updatedAt)
	if err != nil {
		return Contact{}, err
	}
	return Contact{
		ID:             db.UUIDToString(id),
		OrganizationID: db.UUIDToString(orgID),
		FirstName:      firstName,
		LastName:       lastName,
		Phone:          db.TextToString(phone),
		Email:          db.TextToString(email),
		CountryCode:    countryCode,
		LanguageCode:   languageCode,
		CreatedAt:      db.TimeFromPg(createdAt),
		UpdatedAt:      db.TimeFromPg(updatedAt),
	}, nil
}

func scanContactChannel(row pgx.Row) (ContactChannel, error) {
	var (
		id, contactID, chatbotID, channelID pgtype.UUID
		identifier                          string
		channelData                         []byte
		createdAt, updatedAt                pgtype.Timestamptz
	)
	err := row.Scan(&id, &contactID, &chatbotID, &channelID, &identifier,
		&channelData, &createdAt, &updatedAt)
	if err != nil {
		return ContactChannel{}, err
	}
	data := map[string]any{}
	if len(channelData) > 0 {
		if err := json.Unmarshal(channelData, &data); err != nil {
			return ContactChannel{}, fmt.Errorf("decode channel data: %w", err)
		}
	}
	return ContactChannel{
		ID:                db.UUIDToString(id),
		ContactID:         db.UUIDToString(contactID),
		ChatbotID:         db.UUIDToString(chatbotID),
		ChannelID:         db.UUIDToString(channelID),
		ChannelIdentifier: identifier,
		ChannelData:       data,
		CreatedAt:         db.TimeFromPg(createdAt),
		UpdatedAt:         db.TimeFromPg(updatedAt),
	}, nil
}

func splitDisplayName(displayName string) (string, string) {
	trimmed := strings.TrimSpace(displayName)
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}
