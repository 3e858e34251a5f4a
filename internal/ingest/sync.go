package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/internal/queue"
	"github.com/livinlefevreloca/ingestd/internal/session"
)

// ErrNoFetcher means no fetcher is registered for a service
var ErrNoFetcher = errors.New("ingest: no fetcher for service")

// FetchedEvent is one event as delivered by an external service
type FetchedEvent struct {
	ExternalID string          `validate:"required,max=512"`
	Payload    json.RawMessage `validate:"required"`
}

// Page is one page of events from an external service
type Page struct {
	Events []FetchedEvent

	// Cursor of the next page; empty on the last page
	NextCursor string

	// Estimated number of events in the whole sync, 0 when unknown
	TotalHint int
}

// Fetcher reads pages of events for a user from one external service.
// Errors are classified like handler errors: wrap revoked credentials with
// queue.Permanent or queue.ErrUnauthorized.
type Fetcher interface {
	FetchPage(ctx context.Context, userID, service, cursor string) (*Page, error)
}

// SyncPayload is the payload of a sync_<service> job
type SyncPayload struct {
	Preferences map[string]any `json:"preferences,omitempty"`
}

// Syncer runs sync jobs: it pages through a service, stores raw events and
// hands each page to a normalize job
type Syncer struct {
	store   Store
	tracker *session.Tracker
	queue   Enqueuer
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewSyncer creates a sync handler. A nil now uses wall time.
func NewSyncer(store Store, tracker *session.Tracker, q Enqueuer, now func() time.Time, logger *slog.Logger) *Syncer {
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		store:    store,
		tracker:  tracker,
		queue:    q,
		now:      now,
		logger:   logger.With("component", "syncer"),
		fetchers: make(map[string]Fetcher),
	}
}

// Register sets the fetcher for service
func (s *Syncer) Register(service string, f Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchers[service] = f
}

// Services lists the services with a registered fetcher
func (s *Syncer) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.fetchers))
	for name := range s.fetchers {
		out = append(out, name)
	}
	return out
}

func (s *Syncer) fetcher(service string) (Fetcher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fetchers[service]
	return f, ok
}

// HandleSync is the queue handler for every sync_<service> kind.
//
// The session is keyed to the job, so a retried job resumes from the last
// saved cursor. Cancelling the session stops further pages; normalize jobs
// already enqueued still run.
func (s *Syncer) HandleSync(ctx context.Context, job *db.Job) error {
	service := strings.TrimPrefix(job.Kind, queue.SyncKindPrefix)
	fetcher, ok := s.fetcher(service)
	if !ok {
		return queue.Permanent(fmt.Errorf("%w: %s", ErrNoFetcher, service))
	}

	var payload SyncPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	// 1. Open or resume the session
	sess, err := s.tracker.Resume(ctx, job.ID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		var prefs any
		if payload.Preferences != nil {
			prefs = payload.Preferences
		}
		sess, err = s.tracker.Start(ctx, job.UserID, service, job.ID, prefs)
		if errors.Is(err, session.ErrSessionInProgress) {
			return queue.Permanent(err)
		}
		if err != nil {
			return err
		}
	case errors.Is(err, session.ErrNotActive):
		s.logger.Info("session no longer active, skipping sync", "job_id", job.ID)
		return nil
	case err != nil:
		return err
	}

	// 2. Page through the service
	if err := s.pageThrough(ctx, job, fetcher, service, sess); err != nil {
		if queue.IsPermanent(err) || job.Attempts >= job.MaxAttempts {
			if finishErr := s.tracker.Finish(context.WithoutCancel(ctx), sess.ID, db.SessionFailed); finishErr != nil {
				s.logger.Warn("failed to fail session", "session_id", sess.ID, "error", finishErr)
			}
		}
		return err
	}
	return nil
}

func (s *Syncer) pageThrough(ctx context.Context, job *db.Job, fetcher Fetcher, service string, sess *db.SyncSession) error {
	var cursor string
	if sess.Cursor != nil {
		cursor = *sess.Cursor
	}

	for page := 1; ; page++ {
		cancelled, err := s.tracker.IsCancelled(ctx, sess.ID)
		if err != nil {
			return err
		}
		if cancelled {
			s.logger.Info("sync cancelled", "session_id", sess.ID, "pages", page-1)
			return nil
		}

		p, err := fetcher.FetchPage(ctx, job.UserID, service, cursor)
		if err != nil {
			return fmt.Errorf("failed to fetch %s page %d: %w", service, page, err)
		}

		if p.TotalHint > 0 && (sess.TotalItems == nil || *sess.TotalItems < p.TotalHint) {
			if sess, err = s.tracker.SetTotal(ctx, sess.ID, p.TotalHint, false); err != nil {
				return err
			}
		}

		if err := s.importPage(ctx, job, service, sess.ID, p.Events); err != nil {
			return err
		}

		if p.NextCursor == "" {
			break
		}
		if err := s.tracker.SaveCursor(ctx, sess.ID, p.NextCursor); err != nil {
			return err
		}
		cursor = p.NextCursor
	}

	// 3. Everything is imported; the session completes once it settles
	final, err := s.tracker.Get(ctx, sess.ID)
	if err != nil {
		return err
	}
	if final.Status != db.SessionInProgress {
		return nil
	}
	if final, err = s.tracker.SetTotal(ctx, sess.ID, final.ImportedItems, true); err != nil {
		return err
	}

	s.logger.Info("sync fetched",
		"session_id", sess.ID,
		"service", service,
		"imported", final.ImportedItems,
		"status", final.Status)
	return nil
}

// importPage stores a page of events and enqueues a normalize job for those
// still pending. Only newly stored events count as imported; re-delivered
// ones were counted by the run that stored them.
func (s *Syncer) importPage(ctx context.Context, job *db.Job, service, sessionID string, events []FetchedEvent) error {
	var pending []string
	created, invalid := 0, 0

	for _, fe := range events {
		if err := validate.Struct(&fe); err != nil {
			s.logger.Warn("dropping invalid event", "session_id", sessionID, "error", err)
			invalid++
			continue
		}

		ev := &db.RawEvent{
			ID:         uuid.NewString(),
			UserID:     job.UserID,
			Provider:   service,
			ExternalID: fe.ExternalID,
			Payload:    string(fe.Payload),
			CreatedAt:  s.now(),
		}
		isNew, err := s.store.InsertRawEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("failed to store raw event: %w", err)
		}
		if isNew {
			created++
		}
		if ev.ExtractionStatus == db.ExtractionPending {
			pending = append(pending, ev.ID)
		}
	}

	// Counts land before the normalize job exists so it cannot settle
	// events the session has not counted yet
	if created+invalid > 0 {
		_, err := s.tracker.RecordBatch(ctx, sessionID, session.Batch{
			Imported: created + invalid,
			Failed:   invalid,
		})
		if err != nil {
			return err
		}
	}

	if len(pending) == 0 {
		return nil
	}

	_, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		UserID:  job.UserID,
		Kind:    KindNormalize,
		Payload: NormalizePayload{SessionID: sessionID, EventIDs: pending},
		BatchID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue normalize job: %w", err)
	}

	s.logger.Debug("page imported", "session_id", sessionID, "created", created, "pending", len(pending))
	return nil
}
