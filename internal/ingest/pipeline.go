package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/internal/identity"
	"github.com/livinlefevreloca/ingestd/internal/queue"
	"github.com/livinlefevreloca/ingestd/internal/session"
)

// Job kinds handled by this package besides sync_<service>
const (
	KindNormalize = "normalize"
	KindEmbed     = "embed"
	KindInsight   = "insight"
)

// maxEventError bounds the error text stored on a failed raw event
const maxEventError = 1000

// Store is the persistence the ingest handlers need; *db.DB implements it
type Store interface {
	InsertRawEvent(ctx context.Context, ev *db.RawEvent) (bool, error)
	GetRawEvents(ctx context.Context, ids []string) ([]db.RawEvent, error)
	SettleRawEvent(ctx context.Context, id, status string, contactID, errMsg *string, now time.Time) (bool, error)
	InsertInteraction(ctx context.Context, in *db.Interaction) (bool, error)
	GetInteractions(ctx context.Context, ids []string) ([]db.Interaction, error)
	GetContact(ctx context.Context, id string) (*db.Contact, error)
	SetContactInsightScore(ctx context.Context, id string, score float64, now time.Time) error
}

// Enqueuer adds jobs to the queue; *queue.Queue implements it
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// NormalizePayload is the payload of a normalize job: one page of raw events
type NormalizePayload struct {
	SessionID string   `json:"sessionId,omitempty"`
	EventIDs  []string `json:"eventIds" validate:"required,min=1,dive,required"`
}

// Pipeline turns pending raw events into interactions with resolved contacts
type Pipeline struct {
	store    Store
	resolver *identity.Resolver
	tracker  *session.Tracker
	queue    Enqueuer
	now      func() time.Time
	logger   *slog.Logger

	// Fan-out targets; nil disables the follow-up job
	embedder Embedder
	scorer   Scorer
}

// NewPipeline creates a normalization pipeline. A nil now uses wall time.
func NewPipeline(store Store, resolver *identity.Resolver, tracker *session.Tracker, q Enqueuer, now func() time.Time, logger *slog.Logger) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		store:    store,
		resolver: resolver,
		tracker:  tracker,
		queue:    q,
		now:      now,
		logger:   logger.With("component", "pipeline"),
	}
}

// WithEmbedder enables embed jobs for new interactions
func (p *Pipeline) WithEmbedder(e Embedder) *Pipeline {
	p.embedder = e
	return p
}

// WithScorer enables insight jobs for contacts with new interactions
func (p *Pipeline) WithScorer(s Scorer) *Pipeline {
	p.scorer = s
	return p
}

// outcome is what happened to one raw event
type outcome struct {
	status        string // final extraction status; empty leaves the event pending
	contactID     string
	interactionID string // set only when a new interaction was inserted
	err           error
}

// batchResult tallies one normalize run
type batchResult struct {
	processed    int
	failed       int
	transient    []db.RawEvent
	transientErr error
	interactions []string
	contacts     map[string]bool
}

// HandleNormalize is the queue handler for normalize jobs.
//
// Each pending event is settled on its own; one bad event never fails the
// job. Events hitting transient errors stay pending. If they are the
// majority and the job has attempts left, or the run was interrupted, the job
// is retried and only those events are processed again. Otherwise they are
// marked failed.
func (p *Pipeline) HandleNormalize(ctx context.Context, job *db.Job) error {
	var payload NormalizePayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}
	if err := validate.Struct(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("%w: %v", queue.ErrMalformedPayload, err))
	}

	// 1. Load the batch; failing here is structural
	events, err := p.store.GetRawEvents(ctx, payload.EventIDs)
	if err != nil {
		return fmt.Errorf("failed to load raw events: %w", err)
	}

	// 2. Settle each pending event
	res := batchResult{contacts: make(map[string]bool)}
	pending := 0
	for _, ev := range events {
		if ev.ExtractionStatus != db.ExtractionPending {
			continue
		}
		pending++
		p.apply(ctx, &res, ev, p.process(ctx, &ev))
	}

	// 3. Decide what to do with events that hit transient errors. An
	// interrupted run leaves them to the retry or the failure handler.
	if n := len(res.transient); n > 0 {
		if (n*2 > pending && job.Attempts < job.MaxAttempts) || ctx.Err() != nil {
			p.report(ctx, job, payload.SessionID, &res)
			if err := p.fanOut(ctx, job, &res); err != nil {
				p.logger.Warn("fan-out failed", "job_id", job.ID, "error", err)
			}
			return queue.Transient(fmt.Errorf("%d of %d events failed transiently: %w", n, pending, res.transientErr))
		}
		for _, ev := range res.transient {
			p.apply(ctx, &res, ev, outcome{status: db.ExtractionFailed, err: res.transientErr})
		}
	}

	p.report(ctx, job, payload.SessionID, &res)
	return p.fanOut(ctx, job, &res)
}

// FailNormalize is the terminal failure handler for normalize jobs. Events
// the job never settled are marked failed with cause and counted against the
// session, so the session can still finish.
func (p *Pipeline) FailNormalize(ctx context.Context, job *db.Job, cause error) {
	var payload NormalizePayload
	if err := queue.DecodePayload(job, &payload); err != nil || len(payload.EventIDs) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	events, err := p.store.GetRawEvents(ctx, payload.EventIDs)
	if err != nil {
		p.logger.Error("failed to load events of failed job", "job_id", job.ID, "error", err)
		return
	}

	res := batchResult{contacts: make(map[string]bool)}
	for _, ev := range events {
		if ev.ExtractionStatus != db.ExtractionPending {
			continue
		}
		p.apply(ctx, &res, ev, outcome{status: db.ExtractionFailed, err: cause})
	}
	p.report(ctx, job, payload.SessionID, &res)
}

// process resolves one event. Only transient errors come back in
// outcome.err with an empty status.
func (p *Pipeline) process(ctx context.Context, ev *db.RawEvent) outcome {
	event, err := DecodeEvent(ev.Payload)
	if err != nil {
		return outcome{status: db.ExtractionFailed, err: err}
	}

	participants, senders, err := event.People()
	if err != nil {
		return outcome{status: db.ExtractionFailed, err: err}
	}
	if len(participants) == 0 {
		return outcome{status: db.ExtractionIgnored, err: ErrNoParticipants}
	}

	// Resolve everyone so recipients and attendees become contacts too; the
	// first non-ignored resolution is the event's primary contact
	var primary string
	for i, part := range participants {
		r, err := p.resolver.ResolveParticipant(ctx, ev.UserID, part)
		if errors.Is(err, identity.ErrNoIdentity) {
			continue
		}
		if err != nil {
			return outcome{err: err}
		}
		if r.Ignored {
			if i < senders {
				// Mail from an ignored sender never creates contacts
				return outcome{status: db.ExtractionIgnored}
			}
			continue
		}
		if primary == "" {
			primary = r.ContactID
		}
	}
	if primary == "" {
		return outcome{status: db.ExtractionIgnored}
	}

	interaction, err := p.buildInteraction(ev, event, primary)
	if err != nil {
		return outcome{status: db.ExtractionFailed, err: err}
	}

	created, err := p.store.InsertInteraction(ctx, interaction)
	if err != nil {
		return outcome{err: fmt.Errorf("failed to insert interaction: %w", err)}
	}

	out := outcome{status: db.ExtractionExtracted, contactID: primary}
	if created {
		out.interactionID = interaction.ID
	}
	return out
}

// apply settles an event and tallies the outcome. A lost settle race means
// another run already counted the event.
func (p *Pipeline) apply(ctx context.Context, res *batchResult, ev db.RawEvent, out outcome) {
	if out.status == "" {
		p.logger.Warn("event left pending", "raw_event_id", ev.ID, "error", out.err)
		res.transient = append(res.transient, ev)
		res.transientErr = out.err
		return
	}

	var contactID, errMsg *string
	if out.contactID != "" {
		contactID = &out.contactID
	}
	if out.err != nil {
		msg := truncate(out.err.Error(), maxEventError)
		errMsg = &msg
	}

	// Bookkeeping must land even if the job is being torn down
	settled, err := p.store.SettleRawEvent(context.WithoutCancel(ctx), ev.ID, out.status, contactID, errMsg, p.now())
	if err != nil {
		p.logger.Warn("failed to settle event", "raw_event_id", ev.ID, "error", err)
		if out.status != db.ExtractionFailed {
			res.transient = append(res.transient, ev)
			res.transientErr = err
		}
		return
	}
	if !settled {
		return
	}

	switch out.status {
	case db.ExtractionFailed:
		res.failed++
		p.logger.Info("event failed", "raw_event_id", ev.ID, "error", out.err)
	default:
		res.processed++
	}

	if out.interactionID != "" {
		res.interactions = append(res.interactions, out.interactionID)
		res.contacts[out.contactID] = true
	}
}

// report adds the run's counts to the owning session
func (p *Pipeline) report(ctx context.Context, job *db.Job, sessionID string, res *batchResult) {
	if res.processed+res.failed == 0 {
		return
	}

	p.logger.Info("normalized batch",
		"job_id", job.ID,
		"session_id", sessionID,
		"processed", res.processed,
		"failed", res.failed,
		"pending", len(res.transient))

	if sessionID == "" {
		return
	}
	_, err := p.tracker.RecordBatch(context.WithoutCancel(ctx), sessionID, session.Batch{
		Processed: res.processed,
		Failed:    res.failed,
	})
	if err != nil {
		p.logger.Error("failed to record batch", "session_id", sessionID, "error", err)
	}

	// Counted once; a retry of this job reports only what it settles itself
	res.processed, res.failed = 0, 0
}

// buildInteraction derives the canonical interaction for an event
func (p *Pipeline) buildInteraction(ev *db.RawEvent, event *EventPayload, contactID string) (*db.Interaction, error) {
	meta, err := json.Marshal(map[string]any{
		"provider":   ev.Provider,
		"externalId": ev.ExternalID,
		"subject":    event.Subject,
	})
	if err != nil {
		return nil, err
	}
	sourceMeta := string(meta)
	rawEventID := ev.ID

	return &db.Interaction{
		ID:          uuid.NewString(),
		UserID:      ev.UserID,
		ContactID:   contactID,
		RawEventID:  &rawEventID,
		Type:        event.Type,
		OccurredAt:  event.OccurredAt.UTC(),
		SourceMeta:  &sourceMeta,
		ContentHash: ContentHash(ev.Provider, ev.ExternalID, event.OccurredAt, event.Type),
		CreatedAt:   p.now(),
	}, nil
}

// ContentHash is the idempotency key of an interaction:
// sha256(provider | externalId | occurredAt UTC RFC3339Nano | type), hex encoded
func ContentHash(provider, externalID string, occurredAt time.Time, typ string) string {
	sum := sha256.Sum256([]byte(provider + "|" + externalID + "|" + occurredAt.UTC().Format(time.RFC3339Nano) + "|" + typ))
	return hex.EncodeToString(sum[:])
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
