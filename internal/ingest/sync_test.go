package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueSync(t *testing.T, h *harness, userID, service string, payload any) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		UserID:  userID,
		Kind:    queue.SyncKind(service),
		Payload: payload,
	})
	require.NoError(t, err)
	return id
}

func twoPageFetcher(t *testing.T) *fakeFetcher {
	f := newFakeFetcher().
		page("", "p2",
			fetched(t, "msg-1", mailEvent(t, "Alice <alice@example.com>", "", occurred)),
			fetched(t, "msg-2", mailEvent(t, "Bob <bob@example.com>", "", occurred.Add(time.Hour))),
		).
		page("p2", "",
			fetched(t, "msg-3", mailEvent(t, "Alice <ALICE@example.com>", "", occurred.Add(2*time.Hour))),
		)
	f.pages[""].TotalHint = 3
	return f
}

func TestSync_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fetcher := twoPageFetcher(t)
	h.syncer.Register("gmail", fetcher)

	jobID := enqueueSync(t, h, "user-1", "gmail", SyncPayload{Preferences: map[string]any{"labels": []string{"INBOX"}}})
	assert.Equal(t, 3, h.drain(t), "one sync and two normalize jobs")

	s, err := h.tracker.Active(ctx, "user-1", "gmail")
	assert.Error(t, err, "nothing left in progress")
	assert.Nil(t, s)

	sessions, err := h.tracker.List(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s = &sessions[0]

	assert.Equal(t, db.SessionCompleted, s.Status)
	assert.Equal(t, jobID, *s.JobID)
	assert.Equal(t, "p2", *s.Cursor)
	assert.Equal(t, 3, s.ImportedItems)
	assert.Equal(t, 3, s.ProcessedItems)
	assert.Zero(t, s.FailedItems)
	assert.Equal(t, 3, *s.TotalItems)
	assert.InDelta(t, 100.0, *s.Percentage, 0.001)
	assert.JSONEq(t, `{"labels":["INBOX"]}`, *s.Preferences)

	contacts, interactions := h.counts(t, "user-1")
	assert.Equal(t, 2, contacts)
	assert.Equal(t, 3, interactions)

	batch, err := h.db.GetJobsByBatch(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, batch, 2, "one normalize job per page")

	assert.Equal(t, []string{"", "p2"}, fetcher.Calls())
}

func TestSync_ResumesFromCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fetcher := twoPageFetcher(t)
	fetcher.failOnce("p2", errors.New("gateway timeout"))
	h.syncer.Register("gmail", fetcher)

	jobID := enqueueSync(t, h, "user-1", "gmail", nil)
	h.drain(t)

	job, err := h.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobQueued, job.Status)

	s, err := h.tracker.Active(ctx, "user-1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "p2", *s.Cursor)
	assert.Equal(t, 2, s.ImportedItems)
	assert.Equal(t, 2, s.ProcessedItems, "the first page was normalized meanwhile")

	h.clock.Advance(time.Minute)
	h.drain(t)

	s, err = h.tracker.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionCompleted, s.Status)
	assert.Equal(t, 3, s.ImportedItems)
	assert.Equal(t, 3, s.ProcessedItems)

	assert.Equal(t, []string{"", "p2", "p2"}, fetcher.Calls(), "the retry starts at the saved cursor")
}

func TestSync_CancelStopsPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fetcher := twoPageFetcher(t)
	fetcher.onFetch = func(cursor string) {
		if cursor != "" {
			return
		}
		s, err := h.tracker.Active(ctx, "user-1", "gmail")
		if assert.NoError(t, err) {
			assert.NoError(t, h.tracker.Cancel(ctx, s.ID))
		}
	}
	h.syncer.Register("gmail", fetcher)

	jobID := enqueueSync(t, h, "user-1", "gmail", nil)
	h.drain(t)

	job, err := h.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCompleted, job.Status)
	assert.Equal(t, []string{""}, fetcher.Calls(), "no page after the cancel")

	sessions, err := h.tracker.List(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, db.SessionCancelled, sessions[0].Status)
	assert.Equal(t, 2, sessions[0].ProcessedItems, "in-flight work still lands")

	_, interactions := h.counts(t, "user-1")
	assert.Equal(t, 2, interactions)
}

func TestSync_OneSessionPerService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.syncer.Register("gmail", newFakeFetcher())
	_, err := h.tracker.Start(ctx, "user-1", "gmail", "manual", nil)
	require.NoError(t, err)

	jobID := enqueueSync(t, h, "user-1", "gmail", nil)
	h.drain(t)

	job, err := h.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts, "not retried")
	assert.Contains(t, *job.LastError, "already in progress")
}

func TestSync_UnknownService(t *testing.T) {
	h := newHarness(t)

	jobID := enqueueSync(t, h, "user-1", "slack", nil)
	h.drain(t)

	job, err := h.queue.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, job.Status)
	assert.Contains(t, *job.LastError, "no fetcher")
}

func TestSync_UnauthorizedFailsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fetcher := twoPageFetcher(t)
	fetcher.failOnce("p2", fmt.Errorf("token revoked: %w", queue.ErrUnauthorized))
	h.syncer.Register("gmail", fetcher)

	jobID := enqueueSync(t, h, "user-1", "gmail", nil)
	h.drain(t)

	job, err := h.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, job.Status)

	sessions, err := h.tracker.List(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, db.SessionFailed, sessions[0].Status)
	assert.Equal(t, 2, sessions[0].ProcessedItems, "the first page is kept")
}

func TestSync_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.syncer.Register("gmail", twoPageFetcher(t))

	enqueueSync(t, h, "user-1", "gmail", nil)
	h.drain(t)
	enqueueSync(t, h, "user-1", "gmail", nil)
	assert.Equal(t, 1, h.drain(t), "nothing new to normalize")

	sessions, err := h.tracker.List(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, db.SessionCompleted, s.Status)
	}

	contacts, interactions := h.counts(t, "user-1")
	assert.Equal(t, 2, contacts)
	assert.Equal(t, 3, interactions)
}

func TestSync_InvalidEventsCountAsFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.syncer.Register("gmail", newFakeFetcher().page("", "",
		fetched(t, "msg-1", mailEvent(t, "alice@example.com", "", occurred)),
		FetchedEvent{ExternalID: "", Payload: []byte(`{}`)},
	))

	enqueueSync(t, h, "user-1", "gmail", nil)
	h.drain(t)

	sessions, err := h.tracker.List(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, db.SessionCompleted, s.Status)
	assert.Equal(t, 2, s.ImportedItems)
	assert.Equal(t, 1, s.ProcessedItems)
	assert.Equal(t, 1, s.FailedItems)
}

func TestSync_FailedNormalizeJobSettlesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.syncer.Register("gmail", newFakeFetcher().page("", "",
		fetched(t, "msg-1", mailEvent(t, "alice@example.com", "", occurred)),
		fetched(t, "msg-2", mailEvent(t, "bob@example.com", "", occurred)),
	))
	h.runner.Handle(KindNormalize, func(ctx context.Context, job *db.Job) error {
		panic("resolver exploded")
	})

	enqueueSync(t, h, "user-1", "gmail", nil)
	assert.Equal(t, 2, h.drain(t), "one sync and one normalize job")

	sessions, err := h.tracker.List(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, db.SessionCompleted, s.Status)
	assert.Equal(t, 2, s.ImportedItems)
	assert.Zero(t, s.ProcessedItems)
	assert.Equal(t, 2, s.FailedItems)

	for _, extID := range []string{"msg-1", "msg-2"} {
		ev, err := h.db.GetRawEventByExternalID(ctx, "user-1", "gmail", extID)
		require.NoError(t, err)
		assert.Equal(t, db.ExtractionFailed, ev.ExtractionStatus)
		require.NotNil(t, ev.Error)
		assert.Contains(t, *ev.Error, "resolver exploded")
	}
}
