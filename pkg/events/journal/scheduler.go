package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes events older than a cutoff. *Store implements it.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// SchedulerConfig configures retention pruning.
type SchedulerConfig struct {
	// RetentionDays keeps this many days of events. Zero disables pruning.
	RetentionDays int

	// Schedule is a standard cron expression, e.g. "0 3 * * *".
	Schedule string

	Logger *slog.Logger
}

// Scheduler runs retention pruning on a cron schedule.
type Scheduler struct {
	pruner    Pruner
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for pruner.
func NewScheduler(pruner Pruner, cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pruner:    pruner,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		schedule:  cfg.Schedule,
		cron:      cron.New(),
		now:       time.Now,
		logger:    logger.With("component", "events.journal.scheduler"),
	}
}

// Start schedules pruning. With no retention or no schedule it does nothing.
// The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retention <= 0 || s.schedule == "" {
		s.logger.Info("journal retention not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("journal retention scheduler started",
		"schedule", s.schedule,
		"retention", s.retention,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce prunes events older than the retention window and returns how many
// were deleted.
func (s *Scheduler) RunOnce(ctx context.Context) int64 {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)
	deleted, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("journal pruning failed", "error", err)
		return 0
	}
	if deleted > 0 {
		s.logger.Info("journal pruning completed", "deleted_count", deleted, "cutoff", cutoff)
	} else {
		s.logger.Debug("journal pruning completed, no events deleted")
	}
	return deleted
}

// Stop stops the scheduler and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("journal retention scheduler stopped")
}

// IsRunning reports whether pruning is scheduled.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled prune, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
