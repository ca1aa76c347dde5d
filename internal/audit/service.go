// Package audit keeps a short-lived log of raw webhook deliveries for
// debugging provider integrations. Rows are purged on a retention window.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "audit")),
	}
}

// Record stores one raw webhook delivery. Best effort: the caller treats
// errors as log-and-continue, a failed audit write must never reject a
// provider callback.
func (s *Service) Record(ctx context.Context, channelSlug, eventKind string, payload []byte) error {
	if s.pool == nil {
		return errors.New("audit pool not configured")
	}
	if !json.Valid(payload) {
		raw, err := json.Marshal(string(payload))
		if err != nil {
			return err
		}
		payload = raw
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (channel_slug, event_kind, payload) VALUES ($1, $2, $3)`,
		channelSlug, eventKind, payload,
	)
	return err
}

// Purge deletes audit rows older than the retention window and reports
// how many were removed.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.pool == nil {
		return 0, errors.New("audit pool not configured")
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE received_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
