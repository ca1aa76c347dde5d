// Package maintenance runs the periodic housekeeping jobs: web-bridge
// variant re-probing and webhook audit retention.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatrelay/chatrelay/internal/channel/adapters/webbridge"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/config"
)

// ChannelLister enumerates configured channels of one provider.
type ChannelLister interface {
	ListChannelsBySlug(ctx context.Context, slug string) ([]chatbots.ChatbotChannel, error)
}

// VariantProber re-detects the bridge API variant behind a base URL.
type VariantProber interface {
	Detect(ctx context.Context, baseURL string) (webbridge.Variant, error)
	Invalidate(ctx context.Context, baseURL string) error
}

// AuditPurger removes expired webhook audit rows.
type AuditPurger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Service struct {
	cfg      config.CleanupConfig
	channels ChannelLister
	prober   VariantProber
	purger   AuditPurger
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewService(log *slog.Logger, cfg config.CleanupConfig, channels ChannelLister, prober VariantProber, purger AuditPurger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		channels: channels,
		prober:   prober,
		purger:   purger,
		cron:     cron.New(),
		logger:   log.With(slog.String("service", "maintenance")),
	}
}

// Start registers the cron entries and begins the scheduler.
func (s *Service) Start(ctx context.Context) error {
	if s.prober != nil && s.channels != nil {
		if _, err := s.cron.AddFunc(s.cfg.BridgeReprobeCron, func() {
			if err := s.ReprobeBridges(ctx); err != nil {
				s.logger.Error("bridge re-probe", slog.Any("error", err))
			}
		}); err != nil {
			return fmt.Errorf("schedule bridge re-probe: %w", err)
		}
	}
	if s.purger != nil {
		if _, err := s.cron.AddFunc(s.cfg.AuditPurgeCron, func() {
			if err := s.PurgeAudit(ctx); err != nil {
				s.logger.Error("audit purge", slog.Any("error", err))
			}
		}); err != nil {
			return fmt.Errorf("schedule audit purge: %w", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// ReprobeBridges drops each configured bridge's cached variant and
// detects it again, so a bridge upgraded behind the same URL switches
// API shape at the next send instead of after cache expiry.
func (s *Service) ReprobeBridges(ctx context.Context) error {
	channels, err := s.channels.ListChannelsBySlug(ctx, webbridge.Slug)
	if err != nil {
		return fmt.Errorf("list bridge channels: %w", err)
	}
	var errs []error
	for _, ch := range channels {
		base := ch.Credential("bridge_url")
		if base == "" {
			continue
		}
		if err := s.prober.Invalidate(ctx, base); err != nil {
			errs = append(errs, err)
			continue
		}
		variant, err := s.prober.Detect(ctx, base)
		if err != nil {
			s.logger.Warn("bridge unreachable during re-probe",
				slog.String("chatbot_channel_id", ch.ID),
				slog.Any("error", err))
			continue
		}
		s.logger.Debug("bridge variant refreshed",
			slog.String("chatbot_channel_id", ch.ID),
			slog.String("variant", string(variant)))
	}
	return errors.Join(errs...)
}

// PurgeAudit removes webhook audit rows past the retention window.
func (s *Service) PurgeAudit(ctx context.Context) error {
	removed, err := s.purger.Purge(ctx, s.cfg.AuditRetention())
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Info("purged webhook audit rows", slog.Int64("removed", removed))
	}
	return nil
}
