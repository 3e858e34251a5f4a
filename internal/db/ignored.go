package db

import (
	"context"
	"database/sql"
)

// =============================================================================
// Ignored Identifier Operations
// =============================================================================

// UpsertIgnoredIdentifier adds an identifier to a user's denylist, replacing
// the reason if the entry already exists
func (db *DB) UpsertIgnoredIdentifier(ctx context.Context, ig *IgnoredIdentifier) error {
	ig.CreatedAt = utc(ig.CreatedAt)

	query := `
		INSERT INTO ignored_identifiers (user_id, kind, value, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, kind, value) DO UPDATE SET reason = EXCLUDED.reason
	`
	_, err := db.ExecContext(ctx, db.rebind(query), ig.UserID, ig.Kind, ig.Value, ig.Reason, ig.CreatedAt)
	return err
}

// DeleteIgnoredIdentifier removes an entry from a user's denylist
func (db *DB) DeleteIgnoredIdentifier(ctx context.Context, userID, kind, value string) error {
	query := `DELETE FROM ignored_identifiers WHERE user_id = ? AND kind = ? AND value = ?`
	return db.execOne(ctx, query, userID, kind, value)
}

// IsIgnoredIdentifier is a point lookup on the denylist primary key
func (db *DB) IsIgnoredIdentifier(ctx context.Context, userID, kind, value string) (bool, error) {
	query := `SELECT 1 FROM ignored_identifiers WHERE user_id = ? AND kind = ? AND value = ?`

	var one int
	err := db.QueryRowContext(ctx, db.rebind(query), userID, kind, value).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// GetIgnoredIdentifiers lists a user's denylist entries
func (db *DB) GetIgnoredIdentifiers(ctx context.Context, userID string) ([]IgnoredIdentifier, error) {
	query := `SELECT user_id, kind, value, reason, created_at FROM ignored_identifiers
		WHERE user_id = ? ORDER BY kind, value`

	rows, err := db.QueryContext(ctx, db.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []IgnoredIdentifier{}
	for rows.Next() {
		var ig IgnoredIdentifier
		if err := rows.Scan(&ig.UserID, &ig.Kind, &ig.Value, &ig.Reason, &ig.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, ig)
	}

	return entries, rows.Err()
}
