package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Sync Session Operations
// =============================================================================

const sessionColumns = `id, user_id, service, status, job_id, cursor, total_items, fetch_complete,
		imported_items, processed_items, failed_items, percentage, preferences,
		started_at, completed_at, last_update_at`

func scanSession(row rowScanner) (*SyncSession, error) {
	s := &SyncSession{}
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Service,
		&s.Status,
		&s.JobID,
		&s.Cursor,
		&s.TotalItems,
		&s.FetchComplete,
		&s.ImportedItems,
		&s.ProcessedItems,
		&s.FailedItems,
		&s.Percentage,
		&s.Preferences,
		&s.StartedAt,
		&s.CompletedAt,
		&s.LastUpdateAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSyncSession inserts a new in-progress session.
// Returns ErrDuplicate if the user already has one in progress for the service.
func (db *DB) CreateSyncSession(ctx context.Context, s *SyncSession) error {
	s.StartedAt = utc(s.StartedAt)
	s.LastUpdateAt = s.StartedAt
	s.Status = SessionInProgress

	query := `
		INSERT INTO sync_sessions (id, user_id, service, status, job_id, cursor, total_items, fetch_complete,
			imported_items, processed_items, failed_items, percentage, preferences,
			started_at, completed_at, last_update_at)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, FALSE, 0, 0, 0, NULL, ?, ?, NULL, ?)
	`

	_, err := db.ExecContext(ctx, db.rebind(query),
		s.ID,
		s.UserID,
		s.Service,
		s.Status,
		s.JobID,
		s.Preferences,
		s.StartedAt,
		s.LastUpdateAt,
	)
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetSyncSession retrieves a session by ID
func (db *DB) GetSyncSession(ctx context.Context, id string) (*SyncSession, error) {
	return getSyncSession(ctx, db, db, id)
}

func getSyncSession(ctx context.Context, db *DB, q querier, id string) (*SyncSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sync_sessions WHERE id = ?`

	s, err := scanSession(q.QueryRowContext(ctx, db.rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// GetActiveSyncSession retrieves the in-progress session for a user and service
func (db *DB) GetActiveSyncSession(ctx context.Context, userID, service string) (*SyncSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sync_sessions
		WHERE user_id = ? AND service = ? AND status = 'in_progress'`

	s, err := scanSession(db.QueryRowContext(ctx, db.rebind(query), userID, service))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// GetSyncSessionByJob retrieves the most recent session started by a job
func (db *DB) GetSyncSessionByJob(ctx context.Context, jobID string) (*SyncSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sync_sessions
		WHERE job_id = ? ORDER BY started_at DESC LIMIT 1`

	s, err := scanSession(db.QueryRowContext(ctx, db.rebind(query), jobID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// GetSyncSessions retrieves a user's sessions, newest first
func (db *DB) GetSyncSessions(ctx context.Context, userID string, limit int) ([]SyncSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sync_sessions
		WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`

	rows, err := db.QueryContext(ctx, db.rebind(query), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SyncSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	if sessions == nil {
		sessions = []SyncSession{}
	}

	return sessions, nil
}

// RecordSyncBatch adds batch counts to a session and returns the updated row.
//
// Every write is an in-place increment so concurrent reporters never lose
// updates. If the total is known it is raised to cover processed+failed.
func (db *DB) RecordSyncBatch(ctx context.Context, id string, imported, processed, failed int, now time.Time) (*SyncSession, error) {
	now = utc(now)
	settled := processed + failed

	var out *SyncSession
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		query := `
			UPDATE sync_sessions
			SET imported_items = imported_items + ?,
				processed_items = processed_items + ?,
				failed_items = failed_items + ?,
				total_items = CASE
					WHEN total_items IS NOT NULL AND processed_items + failed_items + ? > total_items
					THEN processed_items + failed_items + ?
					ELSE total_items
				END,
				last_update_at = ?
			WHERE id = ?
		`
		res, err := tx.ExecContext(ctx, db.rebind(query), imported, processed, failed, settled, settled, now, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}

		out, err = refreshSyncProgress(ctx, tx, id, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// SetSyncTotal records the number of items the session must settle. When final
// is set, no further items will be added and the session may auto-complete.
func (db *DB) SetSyncTotal(ctx context.Context, id string, total int, final bool, now time.Time) (*SyncSession, error) {
	now = utc(now)

	var out *SyncSession
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		query := `
			UPDATE sync_sessions
			SET total_items = CASE
					WHEN processed_items + failed_items > ? THEN processed_items + failed_items
					ELSE ?
				END,
				fetch_complete = CASE WHEN ? THEN TRUE ELSE fetch_complete END,
				last_update_at = ?
			WHERE id = ?
		`
		res, err := tx.ExecContext(ctx, db.rebind(query), total, total, final, now, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}

		out, err = refreshSyncProgress(ctx, tx, id, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// refreshSyncProgress recomputes the percentage (never lowering it) and
// completes an in-progress session once every item has settled.
func refreshSyncProgress(ctx context.Context, tx *Tx, id string, now time.Time) (*SyncSession, error) {
	db := tx.db

	pctQuery := `
		UPDATE sync_sessions
		SET percentage = CASE
				WHEN total_items IS NULL THEN percentage
				WHEN total_items = 0 THEN 100.0
				WHEN percentage IS NULL OR processed_items * 100.0 / total_items > percentage
				THEN processed_items * 100.0 / total_items
				ELSE percentage
			END
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, db.rebind(pctQuery), id); err != nil {
		return nil, err
	}

	doneQuery := `
		UPDATE sync_sessions
		SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'in_progress' AND fetch_complete = TRUE
			AND total_items IS NOT NULL AND processed_items + failed_items >= total_items
	`
	if _, err := tx.ExecContext(ctx, db.rebind(doneQuery), now, id); err != nil {
		return nil, err
	}

	return getSyncSession(ctx, db, tx, id)
}

// SaveSyncCursor persists the last fully imported page cursor
func (db *DB) SaveSyncCursor(ctx context.Context, id, cursor string, now time.Time) error {
	query := `UPDATE sync_sessions SET cursor = ?, last_update_at = ? WHERE id = ?`
	return db.execOne(ctx, query, cursor, utc(now), id)
}

// FinishSyncSession moves an in-progress session to a terminal status.
// Returns ErrNotFound if the session is missing or no longer in progress.
func (db *DB) FinishSyncSession(ctx context.Context, id, status string, now time.Time) error {
	now = utc(now)
	query := `
		UPDATE sync_sessions
		SET status = ?, completed_at = ?, last_update_at = ?
		WHERE id = ? AND status = 'in_progress'
	`
	return db.execOne(ctx, query, status, now, now, id)
}

// ExpireSyncSessions fails in-progress sessions with no update since cutoff
func (db *DB) ExpireSyncSessions(ctx context.Context, cutoff, now time.Time) (int64, error) {
	now = utc(now)
	query := `
		UPDATE sync_sessions
		SET status = 'failed', completed_at = ?, last_update_at = ?
		WHERE status = 'in_progress' AND last_update_at < ?
	`
	res, err := db.ExecContext(ctx, db.rebind(query), now, now, utc(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
