package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	cfg.ClaimRate = 0
	return cfg
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *db.DB, *testutil.MockClock) {
	t.Helper()

	database := testutil.NewTestDB(t)
	clock := testutil.NewMockClock(testutil.Epoch)
	q, err := New(database, cfg, clock, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	return q, database, clock
}

func enqueue(t *testing.T, q *Queue, kind string, maxAttempts int) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		UserID:      "user-1",
		Kind:        kind,
		Payload:     map[string]string{"hello": "world"},
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return id
}

// =============================================================================
// Config
// =============================================================================

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"no poll", func(c *Config) { c.PollInterval = 0 }},
		{"timeout outlives visibility", func(c *Config) { c.JobTimeout = c.VisibilityTimeout }},
		{"no attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"cap below base", func(c *Config) { c.BackoffMax = time.Second }},
		{"negative rate", func(c *Config) { c.ClaimRate = -1 }},
		{"rate without burst", func(c *Config) { c.ClaimBurst = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// =============================================================================
// Enqueue
// =============================================================================

func TestEnqueue_Defaults(t *testing.T) {
	q, _, clock := newTestQueue(t, testConfig())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{UserID: "user-1", Kind: "normalize", BatchID: "batch-1"})
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.JobQueued, job.Status)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, "{}", job.Payload)
	require.NotNil(t, job.BatchID)
	assert.Equal(t, "batch-1", *job.BatchID)
	assert.True(t, job.RunAt.Equal(clock.Now()))
}

func TestEnqueue_Invalid(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"missing user", EnqueueRequest{Kind: "normalize"}},
		{"missing kind", EnqueueRequest{UserID: "user-1"}},
		{"negative attempts", EnqueueRequest{UserID: "user-1", Kind: "normalize", MaxAttempts: -1}},
		{"unencodable payload", EnqueueRequest{UserID: "user-1", Kind: "normalize", Payload: make(chan int)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

// =============================================================================
// Claim
// =============================================================================

func TestClaimNext_EmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig())

	job, err := q.ClaimNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNext_FIFO(t *testing.T) {
	q, _, clock := newTestQueue(t, testConfig())
	ctx := context.Background()

	first := enqueue(t, q, "normalize", 0)
	clock.Advance(time.Second)
	second := enqueue(t, q, "normalize", 0)

	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first, job.ID)

	job, err = q.ClaimNext(ctx, "w2", "normalize")
	require.NoError(t, err)
	assert.Equal(t, second, job.ID)
}

func TestClaimNext_NoDoubleClaim(t *testing.T) {
	q, database, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	const jobs = 40
	const workers = 8
	for i := 0; i < jobs; i++ {
		enqueue(t, q, "normalize", 0)
	}

	var mu sync.Mutex
	claimedBy := make(map[string]string)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.ClaimNext(ctx, workerID)
				if !assert.NoError(t, err) || job == nil {
					return
				}

				mu.Lock()
				prev, dup := claimedBy[job.ID]
				claimedBy[job.ID] = workerID
				mu.Unlock()
				assert.False(t, dup, "job %s claimed by %s and %s", job.ID, prev, workerID)

				assert.NoError(t, q.Complete(ctx, job.ID, workerID))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimedBy, jobs)

	counts, err := database.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{db.JobCompleted: jobs}, counts)
}

// =============================================================================
// Complete / Fail
// =============================================================================

func TestComplete_LostOwnership(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	id := enqueue(t, q, "normalize", 0)
	_, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	assert.ErrorIs(t, q.Complete(ctx, id, "w2"), ErrLostOwnership)
	require.NoError(t, q.Complete(ctx, id, "w1"))
}

func TestFail_RetryBound(t *testing.T) {
	q, _, clock := newTestQueue(t, testConfig())
	ctx := context.Background()

	id := enqueue(t, q, "normalize", 3)
	cause := errors.New("connection reset by peer")

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d should be claimable", attempt)
		assert.Equal(t, attempt, job.Attempts)

		retried, err := q.Fail(ctx, job, "w1", cause)
		require.NoError(t, err)
		assert.Equal(t, attempt < 3, retried, "attempt %d", attempt)

		// Backoff keeps the job invisible until it elapses
		job, err = q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, job)

		clock.Advance(q.Config().Backoff().Delay(attempt))
	}

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "connection reset by peer", *job.LastError)

	job, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "failed is terminal")
}

func TestFail_BackoffSchedule(t *testing.T) {
	q, _, clock := newTestQueue(t, testConfig())
	ctx := context.Background()

	id := enqueue(t, q, "normalize", 0)
	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	_, err = q.Fail(ctx, job, "w1", context.DeadlineExceeded)
	require.NoError(t, err)

	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, job.RunAt.Equal(clock.Now().Add(30*time.Second)), "run_at = %v", job.RunAt)

	clock.Advance(29 * time.Second)
	job, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(time.Second)
	job, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
}

func TestFail_PermanentFailsImmediately(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	id := enqueue(t, q, "normalize", 0)
	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	retried, err := q.Fail(ctx, job, "w1", fmt.Errorf("%w: token revoked", ErrUnauthorized))
	require.NoError(t, err)
	assert.False(t, retried)

	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestFail_LostOwnership(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	enqueue(t, q, "normalize", 0)
	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	_, err = q.Fail(ctx, job, "w2", errors.New("boom"))
	assert.ErrorIs(t, err, ErrLostOwnership)
}

// =============================================================================
// Visibility timeout
// =============================================================================

func TestReleaseStale(t *testing.T) {
	q, _, clock := newTestQueue(t, testConfig())
	ctx := context.Background()

	id := enqueue(t, q, "normalize", 2)

	job, err := q.ClaimNext(ctx, "crashed-worker")
	require.NoError(t, err)
	require.NotNil(t, job)

	// Still inside the window
	clock.Advance(5 * time.Minute)
	requeued, failed, err := q.ReleaseStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Empty(t, failed)

	clock.Advance(6 * time.Minute)
	requeued, failed, err = q.ReleaseStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, requeued)
	assert.Empty(t, failed)

	// The crashed worker can no longer complete it
	assert.ErrorIs(t, q.Complete(ctx, id, "crashed-worker"), ErrLostOwnership)

	job, err = q.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)

	// Second abandonment exhausts the budget
	clock.Advance(11 * time.Minute)
	requeued, failed, err = q.ReleaseStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, db.JobFailed, failed[0].Status)

	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "abandoned")
}

func TestFail_ErrorTextStaysValidUTF8(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	id := enqueue(t, q, "normalize", 1)
	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	// One byte of prefix pushes every two-byte rune across the limit
	msg := "x" + strings.Repeat("é", maxErrorLen)
	_, err = q.Fail(ctx, job, "w1", Permanent(errors.New(msg)))
	require.NoError(t, err)

	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.LastError)
	assert.True(t, utf8.ValidString(*job.LastError))
	assert.Len(t, *job.LastError, maxErrorLen-1)
}

func TestDecodePayload(t *testing.T) {
	var v struct {
		Hello string `json:"hello"`
	}

	require.NoError(t, DecodePayload(&db.Job{ID: "j", Payload: `{"hello":"world"}`}, &v))
	assert.Equal(t, "world", v.Hello)

	err := DecodePayload(&db.Job{ID: "j", Payload: `{not json`}, &v)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.True(t, IsPermanent(err))
}
