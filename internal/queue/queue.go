package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/livinlefevreloca/ingestd/internal/db"
)

// maxErrorLen bounds the last_error text stored on a job
const maxErrorLen = 2000

// abandonedReason is the last_error of jobs the reaper takes back
const abandonedReason = "abandoned: visibility timeout expired"

// Store is the persistence the queue needs; *db.DB implements it
type Store interface {
	CreateJob(ctx context.Context, job *db.Job) error
	GetJob(ctx context.Context, id string) (*db.Job, error)
	ClaimJob(ctx context.Context, workerID string, now time.Time, kinds []string) (*db.Job, error)
	CompleteJob(ctx context.Context, id, workerID string, now time.Time) error
	RetryJob(ctx context.Context, id, workerID, lastError string, runAt, now time.Time) error
	FailJob(ctx context.Context, id, workerID, lastError string, now time.Time) error
	ReleaseJob(ctx context.Context, id, workerID string, now time.Time) error
	ReleaseStaleJobs(ctx context.Context, cutoff, now time.Time, reason string) (requeued int64, failed []string, err error)
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// EnqueueRequest describes a job to add to the queue
type EnqueueRequest struct {
	UserID      string `validate:"required,max=255"`
	Kind        string `validate:"required,max=64"`
	Payload     any
	BatchID     string `validate:"omitempty,max=255"`
	MaxAttempts int    `validate:"gte=0,lte=100"`

	// Earliest claim time; zero means now
	RunAt time.Time
}

// Queue is the durable job queue
type Queue struct {
	store    Store
	config   Config
	backoff  Backoff
	clock    Clock
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates a queue over store. A nil clock uses wall time.
func New(store Store, config Config, clock Clock, logger *slog.Logger) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = systemClock{}
	}

	return &Queue{
		store:    store,
		config:   config,
		backoff:  config.Backoff(),
		clock:    clock,
		validate: validator.New(),
		logger:   logger.With("component", "queue"),
	}, nil
}

// Config returns the queue configuration
func (q *Queue) Config() Config {
	return q.config
}

// Now returns the queue clock's current time
func (q *Queue) Now() time.Time {
	return q.clock.Now()
}

// Enqueue validates req and inserts a queued job. Returns the new job ID.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := q.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	payload := []byte("{}")
	if req.Payload != nil {
		var err error
		if payload, err = json.Marshal(req.Payload); err != nil {
			return "", fmt.Errorf("%w: payload: %v", ErrInvalidRequest, err)
		}
	}

	now := q.clock.Now()
	job := &db.Job{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Kind:        req.Kind,
		Status:      db.JobQueued,
		Payload:     string(payload),
		MaxAttempts: req.MaxAttempts,
		RunAt:       req.RunAt,
		CreatedAt:   now,
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.config.MaxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if req.BatchID != "" {
		job.BatchID = &req.BatchID
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", req.Kind, err)
	}

	q.logger.Debug("job enqueued", "job_id", job.ID, "kind", job.Kind, "user_id", job.UserID)
	return job.ID, nil
}

// Get retrieves a job by ID
func (q *Queue) Get(ctx context.Context, id string) (*db.Job, error) {
	return q.store.GetJob(ctx, id)
}

// ClaimNext claims the oldest eligible job for workerID, optionally limited
// to kinds. Returns nil without error when nothing is claimable.
func (q *Queue) ClaimNext(ctx context.Context, workerID string, kinds ...string) (*db.Job, error) {
	job, err := q.store.ClaimJob(ctx, workerID, q.clock.Now(), kinds)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// Complete marks a job owned by workerID as completed
func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	err := q.store.CompleteJob(ctx, jobID, workerID, q.clock.Now())
	if db.IsNotFound(err) {
		return ErrLostOwnership
	}
	return err
}

// Fail records a failed attempt of a job owned by workerID. Transient errors
// with attempts left send the job back to the queue after a backoff; anything
// else fails it for good. Reports whether the job was requeued.
func (q *Queue) Fail(ctx context.Context, job *db.Job, workerID string, cause error) (bool, error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}

	now := q.clock.Now()
	msg := truncate(cause.Error(), maxErrorLen)

	var err error
	retry := Classify(cause) == ClassTransient && job.Attempts < job.MaxAttempts
	if retry {
		runAt := now.Add(q.backoff.Delay(job.Attempts))
		err = q.store.RetryJob(ctx, job.ID, workerID, msg, runAt, now)
	} else {
		err = q.store.FailJob(ctx, job.ID, workerID, msg, now)
	}

	if db.IsNotFound(err) {
		return false, ErrLostOwnership
	}
	if err != nil {
		return false, err
	}
	return retry, nil
}

// Release hands a job owned by workerID back to the queue without charging
// the attempt it was claimed with. Used when the runner stops mid-job.
func (q *Queue) Release(ctx context.Context, jobID, workerID string) error {
	err := q.store.ReleaseJob(ctx, jobID, workerID, q.clock.Now())
	if db.IsNotFound(err) {
		return ErrLostOwnership
	}
	return err
}

// ReleaseStale makes jobs abandoned past the visibility timeout claimable
// again, failing those with no attempts left. The failed jobs are returned.
func (q *Queue) ReleaseStale(ctx context.Context) (requeued int64, failed []*db.Job, err error) {
	now := q.clock.Now()
	cutoff := now.Add(-q.config.VisibilityTimeout)

	requeued, ids, err := q.store.ReleaseStaleJobs(ctx, cutoff, now, abandonedReason)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to release stale jobs: %w", err)
	}

	for _, id := range ids {
		job, err := q.store.GetJob(ctx, id)
		if err != nil {
			return requeued, failed, fmt.Errorf("failed to load abandoned job %s: %w", id, err)
		}
		failed = append(failed, job)
	}

	if requeued > 0 || len(ids) > 0 {
		q.logger.Warn("released stale jobs", "requeued", requeued, "failed", len(ids))
	}
	return requeued, failed, nil
}

// DecodePayload unmarshals a job payload into v. Decode errors are permanent.
func DecodePayload(job *db.Job, v any) error {
	if err := json.Unmarshal([]byte(job.Payload), v); err != nil {
		return Permanent(fmt.Errorf("%w: job %s: %v", ErrMalformedPayload, job.ID, err))
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
