package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/internal/queue"
	"github.com/livinlefevreloca/ingestd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportLineJSON(t *testing.T, externalID, event string) string {
	t.Helper()
	raw, err := json.Marshal(exportLine{ExternalID: externalID, Event: json.RawMessage(event)})
	require.NoError(t, err)
	return string(raw)
}

func writeExport(t *testing.T, root, userID, service string, lines ...string) {
	t.Helper()
	path := ExportPath(root, userID, service)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestExportFetcher_Pages(t *testing.T) {
	root := t.TempDir()
	writeExport(t, root, "user-1", "gmail",
		exportLineJSON(t, "msg-1", mailEvent(t, "alice@example.com", "", occurred)),
		"",
		exportLineJSON(t, "msg-2", mailEvent(t, "bob@example.com", "", occurred)),
		"{not json",
		exportLineJSON(t, "msg-3", mailEvent(t, "carol@example.com", "", occurred)),
	)

	f := NewExportFetcher(root, 2)
	ctx := context.Background()

	p, err := f.FetchPage(ctx, "user-1", "gmail", "")
	require.NoError(t, err)
	require.Len(t, p.Events, 2)
	assert.Equal(t, "msg-1", p.Events[0].ExternalID)
	assert.Equal(t, "msg-2", p.Events[1].ExternalID)
	assert.Equal(t, "2", p.NextCursor)
	assert.Equal(t, 4, p.TotalHint, "blank lines are skipped")

	p, err = f.FetchPage(ctx, "user-1", "gmail", p.NextCursor)
	require.NoError(t, err)
	require.Len(t, p.Events, 2)
	assert.Empty(t, p.Events[0].ExternalID, "malformed line is delivered without an ID")
	assert.Equal(t, "msg-3", p.Events[1].ExternalID)
	assert.Empty(t, p.NextCursor)
}

func TestExportFetcher_Errors(t *testing.T) {
	root := t.TempDir()
	f := NewExportFetcher(root, 10)
	ctx := context.Background()

	p, err := f.FetchPage(ctx, "user-1", "gmail", "")
	require.NoError(t, err, "missing export is an empty sync")
	assert.Empty(t, p.Events)
	assert.Empty(t, p.NextCursor)

	_, err = f.FetchPage(ctx, "user-1", "gmail", "abc")
	assert.True(t, queue.IsPermanent(err))

	_, err = f.FetchPage(ctx, "../etc", "gmail", "")
	assert.True(t, queue.IsPermanent(err))
}

func TestExportFetcher_Sync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	root := t.TempDir()
	writeExport(t, root, "user-1", "gmail",
		exportLineJSON(t, "msg-1", mailEvent(t, "Alice <alice@example.com>", "bob@example.com", occurred)),
		exportLineJSON(t, "msg-2", mailEvent(t, "bob@example.com", "", occurred.Add(time.Hour))),
		"{not json",
	)
	h.syncer.Register("gmail", NewExportFetcher(root, 2))

	enqueueSync(t, h, "user-1", "gmail", nil)
	assert.Equal(t, 2, h.drain(t), "one sync and one normalize job")

	sessions, err := h.tracker.List(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]

	assert.Equal(t, db.SessionCompleted, s.Status)
	assert.Equal(t, 3, s.ImportedItems)
	assert.Equal(t, 2, s.ProcessedItems)
	assert.Equal(t, 1, s.FailedItems)
	assert.Equal(t, 3, *s.TotalItems)

	contacts, interactions := h.counts(t, "user-1")
	assert.Equal(t, 2, contacts)
	assert.Equal(t, 2, interactions)
}

func TestExportConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultExportConfig().Validate(), "disabled without a directory")

	cfg := DefaultExportConfig()
	cfg.Dir = "/var/lib/ingestd/exports"
	assert.Error(t, cfg.Validate(), "no services")

	cfg.Services = []string{"gmail"}
	assert.NoError(t, cfg.Validate())

	cfg.Services = []string{"../gmail"}
	assert.Error(t, cfg.Validate())

	cfg.Services = []string{"gmail"}
	cfg.PageSize = 0
	assert.Error(t, cfg.Validate())
}

type triggerRecorder struct {
	mu      sync.Mutex
	targets []Target
}

func (r *triggerRecorder) trigger(ctx context.Context, t Target) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, t)
	return true, nil
}

func (r *triggerRecorder) seen() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Target(nil), r.targets...)
}

func TestExportWatcher(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "user-1"), 0o755))

	rec := &triggerRecorder{}
	cfg := ExportConfig{Dir: root, Services: []string{"gmail"}, Debounce: 20 * time.Millisecond}
	w := NewExportWatcher(cfg, rec.trigger, testutil.NewTestLogger().Logger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher not ready")
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "user-1", "notes.txt"), []byte("x"), 0o644))
	writeExport(t, root, "user-1", "slack", "{}")
	writeExport(t, root, "user-1", "gmail", "{}")
	writeExport(t, root, "user-2", "gmail", "{}")

	want := map[Target]bool{
		{UserID: "user-1", Service: "gmail"}: true,
		{UserID: "user-2", Service: "gmail"}: true,
	}
	assert.Eventually(t, func() bool {
		got := make(map[Target]bool)
		for _, tg := range rec.seen() {
			got[tg] = true
		}
		return len(got) == len(want)
	}, 5*time.Second, 10*time.Millisecond)

	for _, tg := range rec.seen() {
		assert.True(t, want[tg], "unexpected trigger %+v", tg)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
