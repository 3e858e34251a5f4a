package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Raw Event Operations
// =============================================================================

const rawEventColumns = `id, user_id, provider, external_id, payload, contact_id,
		extraction_status, error, created_at, updated_at`

func scanRawEvent(row rowScanner) (*RawEvent, error) {
	ev := &RawEvent{}
	err := row.Scan(
		&ev.ID,
		&ev.UserID,
		&ev.Provider,
		&ev.ExternalID,
		&ev.Payload,
		&ev.ContactID,
		&ev.ExtractionStatus,
		&ev.Error,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// InsertRawEvent stores a fetched event. If the provider already delivered an
// event with the same external ID, ev is replaced with the stored row and
// created is false.
func (db *DB) InsertRawEvent(ctx context.Context, ev *RawEvent) (created bool, err error) {
	ev.CreatedAt = utc(ev.CreatedAt)
	ev.UpdatedAt = ev.CreatedAt
	if ev.ExtractionStatus == "" {
		ev.ExtractionStatus = ExtractionPending
	}

	query := `
		INSERT INTO raw_events (id, user_id, provider, external_id, payload, contact_id,
			extraction_status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, NULL, ?, ?)
		ON CONFLICT (user_id, provider, external_id) DO NOTHING
	`

	res, err := db.ExecContext(ctx, db.rebind(query),
		ev.ID,
		ev.UserID,
		ev.Provider,
		ev.ExternalID,
		ev.Payload,
		ev.ExtractionStatus,
		ev.CreatedAt,
		ev.UpdatedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	existing, err := db.GetRawEventByExternalID(ctx, ev.UserID, ev.Provider, ev.ExternalID)
	if err != nil {
		return false, err
	}
	*ev = *existing
	return false, nil
}

// GetRawEvent retrieves a raw event by ID
func (db *DB) GetRawEvent(ctx context.Context, id string) (*RawEvent, error) {
	query := `SELECT ` + rawEventColumns + ` FROM raw_events WHERE id = ?`

	ev, err := scanRawEvent(db.QueryRowContext(ctx, db.rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return ev, nil
}

// GetRawEventByExternalID retrieves a raw event by its provider identity
func (db *DB) GetRawEventByExternalID(ctx context.Context, userID, provider, externalID string) (*RawEvent, error) {
	query := `SELECT ` + rawEventColumns + ` FROM raw_events
		WHERE user_id = ? AND provider = ? AND external_id = ?`

	ev, err := scanRawEvent(db.QueryRowContext(ctx, db.rebind(query), userID, provider, externalID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return ev, nil
}

// GetRawEvents retrieves raw events by ID. Missing IDs are skipped.
func (db *DB) GetRawEvents(ctx context.Context, ids []string) ([]RawEvent, error) {
	if len(ids) == 0 {
		return []RawEvent{}, nil
	}

	query := `SELECT ` + rawEventColumns + ` FROM raw_events
		WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY created_at, id`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]RawEvent, 0, len(ids))
	for rows.Next() {
		ev, err := scanRawEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}

	return events, rows.Err()
}

// SettleRawEvent moves a pending event to a final extraction status.
// Returns false without error if another worker already settled it.
func (db *DB) SettleRawEvent(ctx context.Context, id, status string, contactID, errMsg *string, now time.Time) (bool, error) {
	query := `
		UPDATE raw_events
		SET extraction_status = ?, contact_id = ?, error = ?, updated_at = ?
		WHERE id = ? AND extraction_status = 'pending'
	`

	res, err := db.ExecContext(ctx, db.rebind(query), status, contactID, errMsg, utc(now), id)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// CountRawEventsByStatus returns the number of a user's raw events per status
func (db *DB) CountRawEventsByStatus(ctx context.Context, userID string) (map[string]int, error) {
	query := `SELECT extraction_status, COUNT(*) FROM raw_events WHERE user_id = ? GROUP BY extraction_status`

	rows, err := db.QueryContext(ctx, db.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return counts, rows.Err()
}
