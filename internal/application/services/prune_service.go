package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avatarctic/idempo/internal/core/ports"
)

const (
	defaultPruneInterval = time.Minute
	pruneTimeout         = 30 * time.Second
)

// PruneService periodically removes expired responses from the backend.
type PruneService struct {
	backend  ports.IdempotencyBackend
	interval time.Duration
	logger   *logrus.Logger
}

func NewPruneService(backend ports.IdempotencyBackend, interval time.Duration, logger *logrus.Logger) *PruneService {
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &PruneService{backend: backend, interval: interval, logger: logger}
}

// Run prunes once per interval until ctx is cancelled. Prune failures are
// logged and retried on the next tick.
func (s *PruneService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single bounded prune pass.
func (s *PruneService) PruneOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	start := time.Now()
	if err := s.backend.Prune(ctx); err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Error("failed to prune expired idempotent responses")
		}
		return
	}
	if s.logger != nil {
		s.logger.WithField("duration", time.Since(start).String()).Debug("pruned expired idempotent responses")
	}
}
