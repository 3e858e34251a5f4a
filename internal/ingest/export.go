package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/ingestd/internal/queue"
)

// ExportExt is the file extension of export files
const ExportExt = ".jsonl"

// ExportConfig configures syncing from export files on disk
type ExportConfig struct {
	// Root directory; export files live at <dir>/<user_id>/<service>.jsonl.
	// Empty disables export syncing.
	Dir string `toml:"dir"`

	// Services served from the export directory
	Services []string `toml:"services"`

	// Events per page
	PageSize int `toml:"page_size"`

	// Trigger a sync when an export file changes
	Watch    bool          `toml:"watch"`
	Debounce time.Duration `toml:"debounce"`
}

// DefaultExportConfig returns export defaults
func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		PageSize: 100,
		Debounce: 2 * time.Second,
	}
}

// Validate checks the export configuration
func (c ExportConfig) Validate() error {
	if c.Dir == "" {
		return nil
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("export page_size must be positive, got %d", c.PageSize)
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("export services must not be empty when dir is set")
	}
	for _, s := range c.Services {
		if !validPathElem(s) {
			return fmt.Errorf("invalid export service name: %q", s)
		}
	}
	if c.Watch && c.Debounce <= 0 {
		return fmt.Errorf("export debounce must be positive, got %v", c.Debounce)
	}
	return nil
}

// exportLine is one line of an export file
type exportLine struct {
	ExternalID string          `json:"externalId"`
	Event      json.RawMessage `json:"event"`
}

// ExportFetcher serves pages from JSON lines export files. The cursor is the
// number of lines already consumed.
type ExportFetcher struct {
	root     string
	pageSize int
}

// NewExportFetcher creates a fetcher over root
func NewExportFetcher(root string, pageSize int) *ExportFetcher {
	if pageSize <= 0 {
		pageSize = DefaultExportConfig().PageSize
	}
	return &ExportFetcher{root: root, pageSize: pageSize}
}

// ExportPath returns where the export file of a user and service lives
func ExportPath(root, userID, service string) string {
	return filepath.Join(root, userID, service+ExportExt)
}

// FetchPage implements Fetcher. A missing export file is an empty sync.
// Lines that are not valid JSON are delivered without an ID so the sync
// counts them as failed.
func (f *ExportFetcher) FetchPage(ctx context.Context, userID, service, cursor string) (*Page, error) {
	if !validPathElem(userID) || !validPathElem(service) {
		return nil, queue.Permanent(fmt.Errorf("invalid export location %q/%q", userID, service))
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, queue.Permanent(fmt.Errorf("invalid export cursor %q", cursor))
		}
		offset = n
	}

	file, err := os.Open(ExportPath(f.root, userID, service))
	if errors.Is(err, os.ErrNotExist) {
		return &Page{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer file.Close()

	page := &Page{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		line++
		if line <= offset || line > offset+f.pageSize {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var l exportLine
		if err := json.Unmarshal(raw, &l); err != nil {
			page.Events = append(page.Events, FetchedEvent{})
			continue
		}
		page.Events = append(page.Events, FetchedEvent{ExternalID: l.ExternalID, Payload: l.Event})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}

	page.TotalHint = line
	if next := offset + len(page.Events); next < line {
		page.NextCursor = strconv.Itoa(next)
	}
	return page, nil
}

func validPathElem(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
