package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Contact Operations
// =============================================================================

const contactColumns = `id, user_id, display_name, insight_score, created_at, updated_at`

func scanContact(row rowScanner) (*Contact, error) {
	c := &Contact{}
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.DisplayName,
		&c.InsightScore,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetContact retrieves a contact by ID
func (db *DB) GetContact(ctx context.Context, id string) (*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = ?`

	c, err := scanContact(db.QueryRowContext(ctx, db.rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return c, nil
}

// GetContacts retrieves up to limit of a user's named contacts, newest first
func (db *DB) GetContacts(ctx context.Context, userID string, limit int) ([]Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
		WHERE user_id = ? AND display_name <> ''
		ORDER BY created_at DESC, id
		LIMIT ?`

	rows, err := db.QueryContext(ctx, db.rebind(query), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	if contacts == nil {
		contacts = []Contact{}
	}

	return contacts, nil
}

// CountContacts returns the number of contacts a user has
func (db *DB) CountContacts(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM contacts WHERE user_id = ?`), userID).Scan(&n)
	return n, err
}

// CreateContactWithIdentity inserts a contact and its first identity in one
// transaction. A uniqueness conflict on the identity rolls back both rows and
// is returned as-is so callers can detect it with IsDuplicate.
func (db *DB) CreateContactWithIdentity(ctx context.Context, c *Contact, ident *ContactIdentity) error {
	c.CreatedAt = utc(c.CreatedAt)
	c.UpdatedAt = c.CreatedAt

	return db.WithTransaction(ctx, func(tx *Tx) error {
		query := `
			INSERT INTO contacts (id, user_id, display_name, insight_score, created_at, updated_at)
			VALUES (?, ?, ?, NULL, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, db.rebind(query), c.ID, c.UserID, c.DisplayName, c.CreatedAt, c.UpdatedAt); err != nil {
			return err
		}

		ident.ContactID = c.ID
		return insertIdentity(ctx, db, tx, ident)
	})
}

// SetContactInsightScore stores the latest insight score for a contact
func (db *DB) SetContactInsightScore(ctx context.Context, id string, score float64, now time.Time) error {
	query := `UPDATE contacts SET insight_score = ?, updated_at = ? WHERE id = ?`
	return db.execOne(ctx, query, score, utc(now), id)
}

// =============================================================================
// Contact Identity Operations
// =============================================================================

const identityColumns = `id, user_id, contact_id, kind, normalized_value, confidence, created_at`

func scanIdentity(row rowScanner) (*ContactIdentity, error) {
	ident := &ContactIdentity{}
	err := row.Scan(
		&ident.ID,
		&ident.UserID,
		&ident.ContactID,
		&ident.Kind,
		&ident.NormalizedValue,
		&ident.Confidence,
		&ident.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ident, nil
}

func insertIdentity(ctx context.Context, db *DB, q querier, ident *ContactIdentity) error {
	ident.CreatedAt = utc(ident.CreatedAt)

	query := `
		INSERT INTO contact_identities (id, user_id, contact_id, kind, normalized_value, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, db.rebind(query),
		ident.ID,
		ident.UserID,
		ident.ContactID,
		ident.Kind,
		ident.NormalizedValue,
		ident.Confidence,
		ident.CreatedAt,
	)
	return err
}

// AddIdentity attaches an identity to an existing contact. Returns false
// without error when the identity is already owned by any contact.
func (db *DB) AddIdentity(ctx context.Context, ident *ContactIdentity) (bool, error) {
	ident.CreatedAt = utc(ident.CreatedAt)

	query := `
		INSERT INTO contact_identities (id, user_id, contact_id, kind, normalized_value, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, kind, normalized_value) DO NOTHING
	`
	res, err := db.ExecContext(ctx, db.rebind(query),
		ident.ID,
		ident.UserID,
		ident.ContactID,
		ident.Kind,
		ident.NormalizedValue,
		ident.Confidence,
		ident.CreatedAt,
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

// FindIdentity looks up the identity owning (kind, value) for a user
func (db *DB) FindIdentity(ctx context.Context, userID, kind, value string) (*ContactIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM contact_identities
		WHERE user_id = ? AND kind = ? AND normalized_value = ?`

	ident, err := scanIdentity(db.QueryRowContext(ctx, db.rebind(query), userID, kind, value))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return ident, nil
}

// GetIdentities retrieves all identities of a contact
func (db *DB) GetIdentities(ctx context.Context, contactID string) ([]ContactIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM contact_identities
		WHERE contact_id = ? ORDER BY created_at, id`

	rows, err := db.QueryContext(ctx, db.rebind(query), contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	idents := []ContactIdentity{}
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		idents = append(idents, *ident)
	}

	return idents, rows.Err()
}
