package retention

import (
	"context"
	"log/slog"
	"time"
)

type Store interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) error
}

// Service prunes raw metric samples and acknowledged alerts past the
// retention window. Open alerts and server records are never touched.
type Service struct {
	store         Store
	retentionDays int
	log           *slog.Logger
}

func NewService(store Store, days int, logger *slog.Logger) *Service {
	if days <= 0 {
		days = 30
	}
	return &Service{store: store, retentionDays: days, log: logger}
}

func (s *Service) Run(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	if err := s.store.DeleteOlderThan(ctx, cutoff); err != nil {
		s.log.Error("retention cleanup failed", "err", err)
	} else {
		s.log.Info("retention cleanup completed", "cutoff", cutoff)
	}
}
