package db

import (
	"context"
	"database/sql"
)

// =============================================================================
// Interaction Operations
// =============================================================================

const interactionColumns = `id, user_id, contact_id, raw_event_id, type, occurred_at,
		source_meta, content_hash, created_at`

func scanInteraction(row rowScanner) (*Interaction, error) {
	in := &Interaction{}
	err := row.Scan(
		&in.ID,
		&in.UserID,
		&in.ContactID,
		&in.RawEventID,
		&in.Type,
		&in.OccurredAt,
		&in.SourceMeta,
		&in.ContentHash,
		&in.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// InsertInteraction stores an interaction unless one with the same content
// hash already exists for the user. Returns false on such a duplicate.
func (db *DB) InsertInteraction(ctx context.Context, in *Interaction) (bool, error) {
	in.CreatedAt = utc(in.CreatedAt)
	in.OccurredAt = utc(in.OccurredAt)

	query := `
		INSERT INTO interactions (id, user_id, contact_id, raw_event_id, type, occurred_at,
			source_meta, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, content_hash) DO NOTHING
	`
	res, err := db.ExecContext(ctx, db.rebind(query),
		in.ID,
		in.UserID,
		in.ContactID,
		in.RawEventID,
		in.Type,
		in.OccurredAt,
		in.SourceMeta,
		in.ContentHash,
		in.CreatedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// GetInteractionByHash retrieves a user's interaction by content hash
func (db *DB) GetInteractionByHash(ctx context.Context, userID, hash string) (*Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE user_id = ? AND content_hash = ?`

	in, err := scanInteraction(db.QueryRowContext(ctx, db.rebind(query), userID, hash))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return in, nil
}

// GetInteractions retrieves interactions by ID. Missing IDs are skipped.
func (db *DB) GetInteractions(ctx context.Context, ids []string) ([]Interaction, error) {
	if len(ids) == 0 {
		return []Interaction{}, nil
	}

	query := `SELECT ` + interactionColumns + ` FROM interactions
		WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY occurred_at, id`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Interaction, 0, len(ids))
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}

	return out, rows.Err()
}

// CountInteractions returns the number of interactions a user has
func (db *DB) CountInteractions(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM interactions WHERE user_id = ?`), userID).Scan(&n)
	return n, err
}

// CountContactInteractions returns the number of interactions with a contact
func (db *DB) CountContactInteractions(ctx context.Context, contactID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM interactions WHERE contact_id = ?`), contactID).Scan(&n)
	return n, err
}

// LatestContactInteraction retrieves the most recent interaction with a contact
func (db *DB) LatestContactInteraction(ctx context.Context, contactID string) (*Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions
		WHERE contact_id = ? ORDER BY occurred_at DESC, id LIMIT 1`

	in, err := scanInteraction(db.QueryRowContext(ctx, db.rebind(query), contactID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return in, nil
}
