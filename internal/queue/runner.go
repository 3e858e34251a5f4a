package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/ingestd/internal/db"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// SyncKindPrefix prefixes every sync job kind: "sync_" + service
const SyncKindPrefix = "sync_"

// SyncKind returns the job kind that syncs service
func SyncKind(service string) string {
	return SyncKindPrefix + service
}

// Handler executes one claimed job. The returned error is classified to
// decide between retry and permanent failure.
type Handler func(ctx context.Context, job *db.Job) error

// FailureHandler runs after a job of its kind has failed for good, whether
// its handler gave up, panicked or the reaper abandoned it
type FailureHandler func(ctx context.Context, job *db.Job, cause error)

// Stats tracks runner throughput
type Stats struct {
	Claimed   int64
	Completed int64
	Retried   int64
	Failed    int64
	Released  int64
}

// Runner drives a pool of workers that claim and execute jobs
type Runner struct {
	queue   *Queue
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger
	id      string

	mu          sync.RWMutex
	handlers    map[string]Handler
	syncHandler Handler
	onFailed    map[string]FailureHandler

	claimed   atomic.Int64
	completed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	released  atomic.Int64
}

// NewRunner creates a runner over q. limiter paces claims across all workers;
// nil uses the queue configuration's token bucket.
func NewRunner(q *Queue, limiter *rate.Limiter, logger *slog.Logger) *Runner {
	if limiter == nil {
		limiter = q.config.NewLimiter()
	}

	id := uuid.NewString()[:8]
	return &Runner{
		queue:    q,
		config:   q.config,
		limiter:  limiter,
		logger:   logger.With("component", "runner", "runner_id", id),
		id:       id,
		handlers: make(map[string]Handler),
		onFailed: make(map[string]FailureHandler),
	}
}

// Handle registers the handler for kind
func (r *Runner) Handle(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// OnFailed registers the terminal failure handler for kind
func (r *Runner) OnFailed(kind string, h FailureHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailed[kind] = h
}

// HandleSync registers the handler for every sync_<service> kind that has no
// handler of its own
func (r *Runner) HandleSync(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncHandler = h
}

// handler looks up the handler for kind
func (r *Runner) handler(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[kind]; ok {
		return h, true
	}
	if r.syncHandler != nil && strings.HasPrefix(kind, SyncKindPrefix) && len(kind) > len(SyncKindPrefix) {
		return r.syncHandler, true
	}
	return nil, false
}

// failedHook runs the terminal failure handler for job, if any
func (r *Runner) failedHook(ctx context.Context, job *db.Job, cause error) {
	r.mu.RLock()
	h, ok := r.onFailed[job.Kind]
	r.mu.RUnlock()
	if !ok {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("failure handler panic recovered", "job_id", job.ID, "kind", job.Kind, "panic", p)
		}
	}()
	h(ctx, job, cause)
}

// Stats returns a snapshot of the runner counters
func (r *Runner) Stats() Stats {
	return Stats{
		Claimed:   r.claimed.Load(),
		Completed: r.completed.Load(),
		Retried:   r.retried.Load(),
		Failed:    r.failed.Load(),
		Released:  r.released.Load(),
	}
}

// Run starts the workers and the stale job reaper and blocks until ctx is
// cancelled. In-flight jobs finish their bookkeeping before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting runner", "workers", r.config.Workers)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < r.config.Workers; i++ {
		workerID := fmt.Sprintf("%s/%d", r.id, i)
		g.Go(func() error {
			return r.work(ctx, workerID)
		})
	}

	g.Go(func() error {
		return r.reap(ctx)
	})

	err := g.Wait()
	r.logger.Info("runner stopped",
		"claimed", r.claimed.Load(),
		"completed", r.completed.Load(),
		"retried", r.retried.Load(),
		"failed", r.failed.Load())

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// work is one worker's claim loop
func (r *Runner) work(ctx context.Context, workerID string) error {
	logger := r.logger.With("worker_id", workerID)

	for {
		if err := r.limiter.Wait(ctx); err != nil {
			// Wait fails once ctx is done or the burst can never be satisfied
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		processed, err := r.RunOnce(ctx, workerID)
		if err != nil {
			logger.Error("worker iteration failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.config.PollInterval):
		}
	}
}

// reap periodically releases jobs abandoned by dead workers
func (r *Runner) reap(ctx context.Context) error {
	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("failed to release stale jobs", "error", err)
			}
		}
	}
}

// ReapOnce releases jobs abandoned past the visibility timeout and runs the
// failure handlers of those that ran out of attempts. Returns how many jobs
// were released.
func (r *Runner) ReapOnce(ctx context.Context) (int64, error) {
	requeued, failed, err := r.queue.ReleaseStale(ctx)
	r.released.Add(requeued + int64(len(failed)))

	for _, job := range failed {
		r.failed.Add(1)
		r.failedHook(ctx, job, errors.New(abandonedReason))
	}
	return requeued + int64(len(failed)), err
}

// RunOnce claims and executes at most one job. Reports whether a job was
// claimed.
func (r *Runner) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := r.queue.ClaimNext(ctx, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.claimed.Add(1)

	logger := r.logger.With("job_id", job.ID, "kind", job.Kind, "worker_id", workerID, "attempt", job.Attempts)
	logger.Debug("job claimed")

	// 1. Execute under the per-job deadline
	start := time.Now()
	jobErr := r.execute(ctx, job)

	// 2. Record the outcome even if the runner is shutting down
	bookCtx := context.WithoutCancel(ctx)

	if jobErr != nil && ctx.Err() != nil && Classify(jobErr) == ClassTransient {
		// Interrupted by shutdown, not by the job; hand it back uncharged
		if err := r.queue.Release(bookCtx, job.ID, workerID); err != nil {
			return true, fmt.Errorf("failed to release job %s: %w", job.ID, err)
		}
		r.released.Add(1)
		logger.Info("job released on shutdown", "error", jobErr)
		return true, nil
	}

	if jobErr == nil {
		if err := r.queue.Complete(bookCtx, job.ID, workerID); err != nil {
			return true, fmt.Errorf("failed to complete job %s: %w", job.ID, err)
		}
		r.completed.Add(1)
		logger.Info("job completed", "duration", time.Since(start))
		return true, nil
	}

	retried, err := r.queue.Fail(bookCtx, job, workerID, jobErr)
	if err != nil {
		return true, fmt.Errorf("failed to record failure of job %s: %w", job.ID, err)
	}

	if retried {
		r.retried.Add(1)
		logger.Warn("job failed, will retry", "error", jobErr, "max_attempts", job.MaxAttempts)
	} else {
		r.failed.Add(1)
		logger.Error("job failed permanently", "error", jobErr, "class", Classify(jobErr).String())
		r.failedHook(bookCtx, job, jobErr)
	}
	return true, nil
}

// execute dispatches job to its handler. A panicking handler fails the job
// permanently.
func (r *Runner) execute(ctx context.Context, job *db.Job) (err error) {
	h, ok := r.handler(job.Kind)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job handler panic recovered",
				"job_id", job.ID,
				"kind", job.Kind,
				"panic", p)
			err = Permanent(fmt.Errorf("handler panic: %v", p))
		}
	}()

	return h(ctx, job)
}
