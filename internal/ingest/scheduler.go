package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/ingestd/internal/cron"
	"github.com/livinlefevreloca/ingestd/internal/queue"
	"github.com/livinlefevreloca/ingestd/internal/session"
)

// Target is one (user, service) pair synced on a schedule
type Target struct {
	UserID  string `toml:"user_id"`
	Service string `toml:"service"`

	// Cron expression in UTC. Empty syncs the target on every tick it is
	// idle; otherwise it syncs once per firing, checked at tick granularity.
	Schedule string `toml:"schedule,omitempty"`
}

// SchedulerConfig holds periodic sync settings
type SchedulerConfig struct {
	// How often every target is considered for a sync
	Interval time.Duration `toml:"interval"`

	// In-progress sessions idle this long are failed so the pair can sync again
	SessionTimeout time.Duration `toml:"session_timeout"`

	Targets []Target `toml:"targets"`
}

// DefaultSchedulerConfig returns periodic sync defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:       15 * time.Minute,
		SessionTimeout: 6 * time.Hour,
	}
}

// Validate checks the scheduler configuration
func (c SchedulerConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("sync session_timeout must be positive")
	}
	for i, t := range c.Targets {
		if t.UserID == "" || t.Service == "" {
			return fmt.Errorf("sync target %d needs user_id and service", i)
		}
		if t.Schedule != "" {
			if _, err := cron.Parse(t.Schedule); err != nil {
				return fmt.Errorf("sync target %d: %w", i, err)
			}
		}
	}
	return nil
}

// PendingJobs reports queued or running jobs; *db.DB implements it
type PendingJobs interface {
	HasPendingJob(ctx context.Context, userID, kind string) (bool, error)
}

// Scheduler enqueues sync jobs for configured targets on a fixed interval
type Scheduler struct {
	config  SchedulerConfig
	queue   Enqueuer
	jobs    PendingJobs
	tracker *session.Tracker
	now     func() time.Time
	logger  *slog.Logger

	schedules map[Target]*cron.Schedule

	mu       sync.Mutex
	lastTick time.Time
	owed     map[Target]bool // fired but not yet enqueued
}

// NewScheduler creates a periodic sync scheduler. A nil now uses wall time.
// Targets with an unparsable schedule are logged and never synced; Validate
// the configuration first to reject them.
func NewScheduler(config SchedulerConfig, q Enqueuer, jobs PendingJobs, tracker *session.Tracker, now func() time.Time, logger *slog.Logger) *Scheduler {
	if now == nil {
		now = time.Now
	}

	s := &Scheduler{
		config:    config,
		queue:     q,
		jobs:      jobs,
		tracker:   tracker,
		now:       now,
		logger:    logger.With("component", "scheduler"),
		schedules: make(map[Target]*cron.Schedule),
		owed:      make(map[Target]bool),
	}

	for _, t := range config.Targets {
		if t.Schedule == "" {
			continue
		}
		sched, err := cron.Parse(t.Schedule)
		if err != nil {
			s.logger.Error("invalid sync schedule", "user_id", t.UserID, "service", t.Service, "error", err)
		}
		s.schedules[t] = sched
	}
	return s
}

// Run ticks immediately and then every interval until ctx is cancelled.
// Scheduled targets fire at most one interval late.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler", "interval", s.config.Interval, "targets", len(s.config.Targets))

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick expires idle sessions and enqueues a sync for every target that is
// due and has no sync queued, running or in progress. Unscheduled targets are
// always due; scheduled ones are due once their cron fired since the
// previous tick, and stay due until a sync is queued. Returns the number
// enqueued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.tracker.Expire(ctx, s.config.SessionTimeout); err != nil {
		return 0, err
	}

	now := s.now().UTC()
	since := s.lastTick
	if since.IsZero() {
		since = now.Add(-s.config.Interval)
	}
	s.lastTick = now

	var errs []error
	enqueued := 0
	for _, t := range s.config.Targets {
		if !s.due(t, since, now) {
			continue
		}

		ok, err := s.schedule(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", t.UserID, t.Service, err))
			continue
		}
		// A sync already on its way covers the firing too
		delete(s.owed, t)
		if ok {
			enqueued++
		}
	}

	return enqueued, errors.Join(errs...)
}

// due reports whether t should be synced this tick
func (s *Scheduler) due(t Target, since, now time.Time) bool {
	sched, scheduled := s.schedules[t]
	if !scheduled {
		return true
	}
	if sched == nil {
		return false
	}
	if sched.Due(since, now) {
		s.owed[t] = true
	}
	return s.owed[t]
}

// Trigger enqueues a sync for t outside the regular interval unless one is
// already queued, running or in progress
func (s *Scheduler) Trigger(ctx context.Context, t Target) (bool, error) {
	return s.schedule(ctx, t)
}

func (s *Scheduler) schedule(ctx context.Context, t Target) (bool, error) {
	kind := queue.SyncKind(t.Service)

	pending, err := s.jobs.HasPendingJob(ctx, t.UserID, kind)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}

	_, err = s.tracker.Active(ctx, t.UserID, t.Service)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return false, err
	}

	jobID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{UserID: t.UserID, Kind: kind})
	if err != nil {
		return false, err
	}

	s.logger.Info("sync scheduled", "job_id", jobID, "user_id", t.UserID, "service", t.Service)
	return true, nil
}
