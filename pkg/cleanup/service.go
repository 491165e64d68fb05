// Package cleanup enforces the execution retention policy.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Store deletes expired executions and their logs.
type Store interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (executions, logs int64, err error)
}

// Service runs a daily retention sweep at a fixed local hour. Deletion is
// transactional and skips pending and running executions, so the sweep is
// idempotent and safe to run from multiple replicas.
type Service struct {
	store         Store
	retentionDays int
	hour          int

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service that deletes executions older than
// retentionDays, sweeping daily at hour o'clock local time.
func NewService(store Store, retentionDays, hour int) *Service {
	return &Service{
		store:         store,
		retentionDays: retentionDays,
		hour:          hour,
		now:           time.Now,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"retention_days", s.retentionDays,
		"cleanup_hour", s.hour)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	for {
		timer := time.NewTimer(time.Until(nextRunAt(s.now(), s.hour)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	executions, logs, err := s.RunOnce(ctx)
	if err != nil {
		slog.Error("Retention sweep failed", "error", err)
		return
	}
	if executions > 0 || logs > 0 {
		slog.Info("Retention sweep removed expired executions",
			"executions", executions,
			"logs", logs)
	}
}

// RunOnce deletes executions created before the retention window and
// returns the number of executions and log rows removed.
func (s *Service) RunOnce(ctx context.Context) (executions, logs int64, err error) {
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	return s.store.DeleteExpired(ctx, cutoff)
}

// nextRunAt returns the next occurrence of hour o'clock strictly after now.
func nextRunAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
