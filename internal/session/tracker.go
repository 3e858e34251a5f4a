package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/ingestd/internal/db"
)

// Standard errors
var (
	ErrSessionInProgress = errors.New("session: sync already in progress for service")
	ErrNotFound          = errors.New("session: not found")
	ErrNotActive         = errors.New("session: not in progress")
	ErrInvalidBatch      = errors.New("session: batch counts must not be negative")
)

// Store is the persistence the tracker needs; *db.DB implements it
type Store interface {
	CreateSyncSession(ctx context.Context, s *db.SyncSession) error
	GetSyncSession(ctx context.Context, id string) (*db.SyncSession, error)
	GetActiveSyncSession(ctx context.Context, userID, service string) (*db.SyncSession, error)
	GetSyncSessionByJob(ctx context.Context, jobID string) (*db.SyncSession, error)
	GetSyncSessions(ctx context.Context, userID string, limit int) ([]db.SyncSession, error)
	RecordSyncBatch(ctx context.Context, id string, imported, processed, failed int, now time.Time) (*db.SyncSession, error)
	SetSyncTotal(ctx context.Context, id string, total int, final bool, now time.Time) (*db.SyncSession, error)
	SaveSyncCursor(ctx context.Context, id, cursor string, now time.Time) error
	FinishSyncSession(ctx context.Context, id, status string, now time.Time) error
	ExpireSyncSessions(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// Batch holds the counts one handler reports for a session
type Batch struct {
	Imported  int
	Processed int
	Failed    int
}

// Tracker records the progress of sync sessions
type Tracker struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker. A nil now uses wall time.
func NewTracker(store Store, now func() time.Time, logger *slog.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		store:  store,
		now:    now,
		logger: logger.With("component", "session"),
	}
}

// Start opens an in-progress session for (userID, service) owned by jobID.
// Fails with ErrSessionInProgress if one is already open for the pair.
func (t *Tracker) Start(ctx context.Context, userID, service, jobID string, preferences any) (*db.SyncSession, error) {
	s := &db.SyncSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Service:   service,
		StartedAt: t.now(),
	}
	if jobID != "" {
		s.JobID = &jobID
	}
	if preferences != nil {
		raw, err := json.Marshal(preferences)
		if err != nil {
			return nil, fmt.Errorf("failed to encode session preferences: %w", err)
		}
		prefs := string(raw)
		s.Preferences = &prefs
	}

	if err := t.store.CreateSyncSession(ctx, s); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrSessionInProgress
		}
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	t.logger.Info("sync session started", "session_id", s.ID, "user_id", userID, "service", service, "job_id", jobID)
	return s, nil
}

// Resume returns the in-progress session owned by jobID, if any. A retried
// sync job uses it to continue from the saved cursor.
func (t *Tracker) Resume(ctx context.Context, jobID string) (*db.SyncSession, error) {
	s, err := t.store.GetSyncSessionByJob(ctx, jobID)
	if db.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.Status != db.SessionInProgress {
		return nil, ErrNotActive
	}
	return s, nil
}

// Get retrieves a session by ID
func (t *Tracker) Get(ctx context.Context, sessionID string) (*db.SyncSession, error) {
	s, err := t.store.GetSyncSession(ctx, sessionID)
	if db.IsNotFound(err) {
		return nil, ErrNotFound
	}
	return s, err
}

// Active retrieves the in-progress session for (userID, service)
func (t *Tracker) Active(ctx context.Context, userID, service string) (*db.SyncSession, error) {
	s, err := t.store.GetActiveSyncSession(ctx, userID, service)
	if db.IsNotFound(err) {
		return nil, ErrNotFound
	}
	return s, err
}

// List retrieves a user's most recent sessions
func (t *Tracker) List(ctx context.Context, userID string, limit int) ([]db.SyncSession, error) {
	return t.store.GetSyncSessions(ctx, userID, limit)
}

// RecordBatch adds a batch's counts to the session. Safe to call from many
// workers at once; counters only grow.
func (t *Tracker) RecordBatch(ctx context.Context, sessionID string, b Batch) (*db.SyncSession, error) {
	if b.Imported < 0 || b.Processed < 0 || b.Failed < 0 {
		return nil, ErrInvalidBatch
	}

	s, err := t.store.RecordSyncBatch(ctx, sessionID, b.Imported, b.Processed, b.Failed, t.now())
	if db.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record batch for session %s: %w", sessionID, err)
	}

	t.logger.Debug("sync batch recorded",
		"session_id", sessionID,
		"imported", b.Imported,
		"processed", b.Processed,
		"failed", b.Failed,
		"status", s.Status)
	if s.Status == db.SessionCompleted && s.CompletedAt != nil && s.CompletedAt.Equal(s.LastUpdateAt) {
		t.logger.Info("sync session completed", "session_id", sessionID, "processed", s.ProcessedItems, "failed", s.FailedItems)
	}
	return s, nil
}

// SetTotal records how many items the session must settle. Once final is
// set the session completes as soon as every item is processed or failed.
func (t *Tracker) SetTotal(ctx context.Context, sessionID string, total int, final bool) (*db.SyncSession, error) {
	if total < 0 {
		return nil, ErrInvalidBatch
	}

	s, err := t.store.SetSyncTotal(ctx, sessionID, total, final, t.now())
	if db.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set total for session %s: %w", sessionID, err)
	}
	return s, nil
}

// SaveCursor persists the cursor of the last fully imported page
func (t *Tracker) SaveCursor(ctx context.Context, sessionID, cursor string) error {
	err := t.store.SaveSyncCursor(ctx, sessionID, cursor, t.now())
	if db.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}

// Finish moves an in-progress session to completed or failed
func (t *Tracker) Finish(ctx context.Context, sessionID, status string) error {
	if status != db.SessionCompleted && status != db.SessionFailed {
		return fmt.Errorf("session: invalid final status %q", status)
	}
	return t.finish(ctx, sessionID, status)
}

// Cancel stops a session. Handlers check for it before fetching more pages;
// work already enqueued still runs and reports its counts.
func (t *Tracker) Cancel(ctx context.Context, sessionID string) error {
	return t.finish(ctx, sessionID, db.SessionCancelled)
}

// IsCancelled reports whether the session was cancelled
func (t *Tracker) IsCancelled(ctx context.Context, sessionID string) (bool, error) {
	s, err := t.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.Status == db.SessionCancelled, nil
}

// Expire fails in-progress sessions that have not changed for idle. A session
// whose work was lost would otherwise block its service forever.
func (t *Tracker) Expire(ctx context.Context, idle time.Duration) (int64, error) {
	now := t.now()
	n, err := t.store.ExpireSyncSessions(ctx, now.Add(-idle), now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	if n > 0 {
		t.logger.Warn("expired idle sync sessions", "count", n, "idle", idle)
	}
	return n, nil
}

func (t *Tracker) finish(ctx context.Context, sessionID, status string) error {
	err := t.store.FinishSyncSession(ctx, sessionID, status, t.now())
	if db.IsNotFound(err) {
		// Distinguish a missing session from one that already finished
		if _, getErr := t.store.GetSyncSession(ctx, sessionID); db.IsNotFound(getErr) {
			return ErrNotFound
		}
		return ErrNotActive
	}
	if err != nil {
		return fmt.Errorf("failed to finish session %s: %w", sessionID, err)
	}

	t.logger.Info("sync session finished", "session_id", sessionID, "status", status)
	return nil
}
