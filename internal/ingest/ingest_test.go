package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/internal/identity"
	"github.com/livinlefevreloca/ingestd/internal/queue"
	"github.com/livinlefevreloca/ingestd/internal/session"
	"github.com/livinlefevreloca/ingestd/internal/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// harness wires the full pipeline over one test database
type harness struct {
	db       *db.DB
	clock    *testutil.MockClock
	logs     *testutil.TestLogger
	queue    *queue.Queue
	tracker  *session.Tracker
	ignore   *identity.IgnoreList
	resolver *identity.Resolver
	pipeline *Pipeline
	syncer   *Syncer
	runner   *queue.Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		db:    testutil.NewTestDB(t),
		clock: testutil.NewMockClock(testutil.Epoch),
		logs:  testutil.NewTestLogger(),
	}
	logger := h.logs.Logger()

	var err error
	h.queue, err = queue.New(h.db, queue.DefaultConfig(), h.clock, logger)
	require.NoError(t, err)

	icfg := identity.DefaultConfig()
	h.tracker = session.NewTracker(h.db, h.clock.Now, logger)
	h.ignore = identity.NewIgnoreList(h.db, icfg.DefaultRegion, icfg.NoReplyPrefixes, logger)
	h.resolver = identity.NewResolver(h.db, h.ignore, icfg, h.clock.Now, logger)
	h.syncer = NewSyncer(h.db, h.tracker, h.queue, h.clock.Now, logger)
	h.runner = queue.NewRunner(h.queue, rate.NewLimiter(rate.Inf, 1), logger)
	h.runner.HandleSync(h.syncer.HandleSync)
	h.usePipeline(NewPipeline(h.db, h.resolver, h.tracker, h.queue, h.clock.Now, logger))

	return h
}

// usePipeline swaps the pipeline behind the normalize, embed and insight kinds
func (h *harness) usePipeline(p *Pipeline) {
	h.pipeline = p
	h.runner.Handle(KindNormalize, p.HandleNormalize)
	h.runner.OnFailed(KindNormalize, p.FailNormalize)
	h.runner.Handle(KindEmbed, p.HandleEmbed)
	h.runner.Handle(KindInsight, p.HandleInsight)
}

// drain runs claimable jobs until none are left and returns how many ran
func (h *harness) drain(t *testing.T) int {
	t.Helper()

	for n := 0; n < 1000; n++ {
		ran, err := h.runner.RunOnce(context.Background(), "worker-1")
		require.NoError(t, err)
		if !ran {
			return n
		}
	}
	t.Fatal("queue did not drain")
	return 0
}

// rawEvent stores a pending raw event and returns its ID
func (h *harness) rawEvent(t *testing.T, userID, externalID, payload string) string {
	t.Helper()

	ev := &db.RawEvent{
		ID:         externalID + "-raw",
		UserID:     userID,
		Provider:   "gmail",
		ExternalID: externalID,
		Payload:    payload,
		CreatedAt:  h.clock.Now(),
	}
	_, err := h.db.InsertRawEvent(context.Background(), ev)
	require.NoError(t, err)
	return ev.ID
}

// enqueueNormalize queues a normalize job for events and returns the stored job
func (h *harness) enqueueNormalize(t *testing.T, userID, sessionID string, eventIDs ...string) *db.Job {
	t.Helper()

	id, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		UserID:  userID,
		Kind:    KindNormalize,
		Payload: NormalizePayload{SessionID: sessionID, EventIDs: eventIDs},
	})
	require.NoError(t, err)

	job, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) counts(t *testing.T, userID string) (contacts, interactions int) {
	t.Helper()
	ctx := context.Background()

	contacts, err := h.db.CountContacts(ctx, userID)
	require.NoError(t, err)
	interactions, err = h.db.CountInteractions(ctx, userID)
	require.NoError(t, err)
	return contacts, interactions
}

// mailEvent builds an email payload
func mailEvent(t *testing.T, from, to string, at time.Time) string {
	t.Helper()
	raw, err := json.Marshal(EventPayload{
		Type:       TypeEmail,
		OccurredAt: at,
		Subject:    "hello",
		From:       from,
		To:         to,
	})
	require.NoError(t, err)
	return string(raw)
}

// fakeFetcher serves pages keyed by cursor. Queued errors for a cursor are
// returned, one per call, before its page.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*Page
	errs    map[string][]error
	calls   []string
	onFetch func(cursor string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]*Page),
		errs:  make(map[string][]error),
	}
}

func (f *fakeFetcher) page(cursor, next string, events ...FetchedEvent) *fakeFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[cursor] = &Page{Events: events, NextCursor: next}
	return f
}

func (f *fakeFetcher) failOnce(cursor string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[cursor] = append(f.errs[cursor], err)
}

func (f *fakeFetcher) FetchPage(ctx context.Context, userID, service, cursor string) (*Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cursor)
	hook := f.onFetch
	var err error
	if errs := f.errs[cursor]; len(errs) > 0 {
		err, f.errs[cursor] = errs[0], errs[1:]
	}
	p := f.pages[cursor]
	f.mu.Unlock()

	if hook != nil {
		hook(cursor)
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &Page{}, nil
	}
	return p, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func fetched(t *testing.T, externalID, payload string) FetchedEvent {
	t.Helper()
	return FetchedEvent{ExternalID: externalID, Payload: json.RawMessage(payload)}
}
