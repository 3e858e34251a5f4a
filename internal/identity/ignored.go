package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/livinlefevreloca/ingestd/internal/db"
)

// IgnoredStore is the denylist persistence; *db.DB implements it
type IgnoredStore interface {
	UpsertIgnoredIdentifier(ctx context.Context, ig *db.IgnoredIdentifier) error
	DeleteIgnoredIdentifier(ctx context.Context, userID, kind, value string) error
	IsIgnoredIdentifier(ctx context.Context, userID, kind, value string) (bool, error)
	GetIgnoredIdentifiers(ctx context.Context, userID string) ([]db.IgnoredIdentifier, error)
}

// IgnoreList decides which identifiers must never produce contacts: explicit
// per-user entries plus automated-sender email prefixes
type IgnoreList struct {
	store    IgnoredStore
	region   string
	prefixes []string
	now      func() time.Time
	logger   *slog.Logger
}

// NewIgnoreList creates an ignore list. Values are normalized with region
// before they are stored or looked up.
func NewIgnoreList(store IgnoredStore, region string, noReplyPrefixes []string, logger *slog.Logger) *IgnoreList {
	prefixes := make([]string, 0, len(noReplyPrefixes))
	for _, p := range noReplyPrefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			prefixes = append(prefixes, p)
		}
	}

	return &IgnoreList{
		store:    store,
		region:   region,
		prefixes: prefixes,
		now:      time.Now,
		logger:   logger.With("component", "ignore_list"),
	}
}

// Add denylists (kind, value) for a user. Re-adding updates the reason.
func (l *IgnoreList) Add(ctx context.Context, userID, kind, value, reason string) error {
	normalized, err := Normalize(kind, value, l.region)
	if err != nil {
		return err
	}

	err = l.store.UpsertIgnoredIdentifier(ctx, &db.IgnoredIdentifier{
		UserID:    userID,
		Kind:      kind,
		Value:     normalized,
		Reason:    reason,
		CreatedAt: l.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to ignore %s: %w", kind, err)
	}

	l.logger.Info("identifier ignored", "user_id", userID, "kind", kind, "value", normalized)
	return nil
}

// Remove takes (kind, value) off a user's denylist. Returns db.ErrNotFound if
// it was not listed.
func (l *IgnoreList) Remove(ctx context.Context, userID, kind, value string) error {
	normalized, err := Normalize(kind, value, l.region)
	if err != nil {
		return err
	}
	return l.store.DeleteIgnoredIdentifier(ctx, userID, kind, normalized)
}

// List returns a user's explicit denylist entries
func (l *IgnoreList) List(ctx context.Context, userID string) ([]db.IgnoredIdentifier, error) {
	return l.store.GetIgnoredIdentifiers(ctx, userID)
}

// IsIgnored reports whether an already-normalized identifier is ignored
func (l *IgnoreList) IsIgnored(ctx context.Context, userID, kind, normalized string) (bool, error) {
	if kind == KindEmail && l.isNoReply(normalized) {
		return true, nil
	}
	return l.store.IsIgnoredIdentifier(ctx, userID, kind, normalized)
}

// isNoReply matches automated sender local parts such as "noreply" or
// "no-reply+bounces"
func (l *IgnoreList) isNoReply(email string) bool {
	local := LocalPart(email)
	for _, p := range l.prefixes {
		if strings.HasPrefix(local, p) {
			return true
		}
	}
	return false
}
