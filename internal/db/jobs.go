package db

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

// =============================================================================
// Job Operations
// =============================================================================

// maxClaimRaces bounds how many lost claim races ClaimJob absorbs per call
const maxClaimRaces = 8

const jobColumns = `id, user_id, kind, status, batch_id, payload, attempts, max_attempts,
		last_error, worker_id, run_at, claimed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Kind,
		&job.Status,
		&job.BatchID,
		&job.Payload,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&job.WorkerID,
		&job.RunAt,
		&job.ClaimedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateJob inserts a new queued job
func (db *DB) CreateJob(ctx context.Context, job *Job) error {
	return createJob(ctx, db, db, job)
}

// CreateJob inserts a new queued job within a transaction
func (tx *Tx) CreateJob(ctx context.Context, job *Job) error {
	return createJob(ctx, tx.db, tx, job)
}

func createJob(ctx context.Context, db *DB, q querier, job *Job) error {
	job.CreatedAt = utc(job.CreatedAt)
	job.UpdatedAt = job.CreatedAt
	job.RunAt = utc(job.RunAt)
	if job.Status == "" {
		job.Status = JobQueued
	}

	query := `
		INSERT INTO jobs (id, user_id, kind, status, batch_id, payload, attempts, max_attempts,
			last_error, worker_id, run_at, claimed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, NULL, ?, ?)
	`

	_, err := q.ExecContext(ctx, db.rebind(query),
		job.ID,
		job.UserID,
		job.Kind,
		job.Status,
		job.BatchID,
		job.Payload,
		job.Attempts,
		job.MaxAttempts,
		job.RunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// GetJob retrieves a job by ID
func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(db.QueryRowContext(ctx, db.rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return job, nil
}

// GetJobsByBatch retrieves all jobs sharing a batch ID, oldest first
func (db *DB) GetJobsByBatch(ctx context.Context, batchID string) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE batch_id = ? ORDER BY created_at, id`
	return db.queryJobs(ctx, query, batchID)
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if jobs == nil {
		jobs = []Job{}
	}

	return jobs, nil
}

// CountJobsByStatus returns the number of jobs per status
func (db *DB) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

// HasPendingJob reports whether a user has a queued or processing job of kind
func (db *DB) HasPendingJob(ctx context.Context, userID, kind string) (bool, error) {
	query := `SELECT 1 FROM jobs
		WHERE user_id = ? AND kind = ? AND status IN ('queued', 'processing')
		LIMIT 1`

	var one int
	err := db.QueryRowContext(ctx, db.rebind(query), userID, kind).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// ClaimJob moves the oldest eligible queued job to processing and stamps the
// owning worker. Returns ErrNotFound when nothing is claimable.
//
// The pick and the write share one transaction. On Postgres the picked row
// stays locked until commit and concurrent claimers skip it. Everywhere the
// write is also conditional on the job still being queued, so a worker that
// loses a race moves on to the next candidate.
func (db *DB) ClaimJob(ctx context.Context, workerID string, now time.Time, kinds []string) (*Job, error) {
	now = utc(now)

	selectArgs := []any{now}
	var kindFilter string
	if len(kinds) > 0 {
		kindFilter = ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			selectArgs = append(selectArgs, k)
		}
	}

	var lock string
	if db.isPostgres() {
		lock = ` FOR UPDATE SKIP LOCKED`
	}

	selectQuery := `
		SELECT id FROM jobs
		WHERE status = 'queued' AND run_at <= ?` + kindFilter + `
		ORDER BY created_at, id
		LIMIT 1` + lock

	claimQuery := `
		UPDATE jobs
		SET status = 'processing', worker_id = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`

	getQuery := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	for i := 0; i < maxClaimRaces; i++ {
		var job *Job
		err := db.WithTransaction(ctx, func(tx *Tx) error {
			var id string
			if err := tx.QueryRowContext(ctx, db.rebind(selectQuery), selectArgs...).Scan(&id); err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, db.rebind(claimQuery), workerID, now, now, id)
			if err != nil {
				return err
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if rows == 0 {
				return ErrNotFound
			}

			job, err = scanJob(tx.QueryRowContext(ctx, db.rebind(getQuery), id))
			return err
		})
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err == ErrNotFound {
			// Another worker got there first
			continue
		}
		if err != nil {
			return nil, err
		}

		return job, nil
	}

	return nil, ErrNotFound
}

// CompleteJob marks a processing job owned by workerID as completed
func (db *DB) CompleteJob(ctx context.Context, id, workerID string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'completed', last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND worker_id = ?
	`
	return db.execOne(ctx, query, utc(now), id, workerID)
}

// RetryJob puts a processing job owned by workerID back in the queue, eligible
// again at runAt
func (db *DB) RetryJob(ctx context.Context, id, workerID, lastError string, runAt, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'queued', worker_id = NULL, claimed_at = NULL, run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND worker_id = ?
	`
	return db.execOne(ctx, query, utc(runAt), lastError, utc(now), id, workerID)
}

// FailJob marks a processing job owned by workerID as permanently failed
func (db *DB) FailJob(ctx context.Context, id, workerID, lastError string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND worker_id = ?
	`
	return db.execOne(ctx, query, lastError, utc(now), id, workerID)
}

// ReleaseJob puts a processing job owned by workerID back in the queue,
// eligible immediately, and refunds the attempt charged when it was claimed
func (db *DB) ReleaseJob(ctx context.Context, id, workerID string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'queued', worker_id = NULL, claimed_at = NULL, attempts = attempts - 1,
			run_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND worker_id = ? AND attempts > 0
	`
	now = utc(now)
	return db.execOne(ctx, query, now, now, id, workerID)
}

// ReleaseStaleJobs handles jobs stuck in processing since before cutoff.
// Jobs with attempts left are re-queued; exhausted ones are failed and their
// IDs returned.
func (db *DB) ReleaseStaleJobs(ctx context.Context, cutoff, now time.Time, reason string) (requeued int64, failed []string, err error) {
	cutoff = utc(cutoff)
	now = utc(now)

	err = db.WithTransaction(ctx, func(tx *Tx) error {
		failed = failed[:0]

		failQuery := `
			UPDATE jobs
			SET status = 'failed', last_error = ?, updated_at = ?
			WHERE status = 'processing' AND claimed_at < ? AND attempts >= max_attempts
			RETURNING id
		`
		rows, err := tx.QueryContext(ctx, db.rebind(failQuery), reason, now, cutoff)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			failed = append(failed, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		requeueQuery := `
			UPDATE jobs
			SET status = 'queued', worker_id = NULL, claimed_at = NULL, run_at = ?, last_error = ?, updated_at = ?
			WHERE status = 'processing' AND claimed_at < ?
		`
		res, err := tx.ExecContext(ctx, db.rebind(requeueQuery), now, reason, now, cutoff)
		if err != nil {
			return err
		}
		requeued, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, nil, err
	}

	sort.Strings(failed)
	return requeued, failed, nil
}

// execOne runs an UPDATE that must touch exactly one row
func (db *DB) execOne(ctx context.Context, query string, args ...any) error {
	result, err := db.ExecContext(ctx, db.rebind(query), args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
