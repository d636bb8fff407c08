package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Admin job statuses. A job leaves pending only through an atomic claim; a
// running job must heartbeat updated_at or it becomes reclaimable.
const (
	JobPending  = "pending"
	JobRunning  = "running"
	JobDone     = "done"
	JobFailed   = "failed"
	JobCanceled = "canceled"
)

// Job is one row of the persisted admin queue. Payload is opaque JSON; the
// schemas live in internal/queue.
type Job struct {
	ID              int64
	Kind            string
	Payload         []byte
	Status          string
	CreatedBy       *int64
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	UpdatedAt       *time.Time
	Attempts        int
	ProgressCurrent int
	ProgressTotal   int
	LastError       string
}

const jobColumns = `id, kind, payload, status, created_by, created_at,
	started_at, finished_at, updated_at, attempts, progress_current, progress_total, last_error`

// EnqueueJob inserts a pending job and returns its id.
func (s *Store) EnqueueJob(ctx context.Context, kind string, payload []byte, createdBy *int64, now time.Time) (int64, error) {
	var id int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO admin_jobs (kind, payload, status, created_by, created_at, attempts)
			 VALUES (?, ?, 'pending', ?, ?, 0)`,
			kind, string(payload), int64PtrToAny(createdBy), encodeTime(now),
		)
		if err != nil {
			return fmt.Errorf("enqueue %s job: %w", kind, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("job id: %w", err)
		}
		return nil
	})
	return id, err
}

// ClaimJob atomically moves the oldest pending job to running and returns it.
// FIFO by created_at, ties broken by id. Returns (nil, nil) when the queue is
// empty.
func (s *Store) ClaimJob(ctx context.Context, now time.Time) (*Job, error) {
	var job *Job
	err := s.write(ctx, func(tx *sql.Tx) error {
		job = nil
		row := tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM admin_jobs
			 WHERE status = 'pending' ORDER BY created_at, id LIMIT 1`)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE admin_jobs SET status = 'running', started_at = ?, updated_at = ?, attempts = attempts + 1
			 WHERE id = ?`,
			encodeTime(now), encodeTime(now), j.ID,
		); err != nil {
			return fmt.Errorf("claim job %d: %w", j.ID, err)
		}
		j.Status = JobRunning
		t := now
		j.StartedAt = &t
		j.UpdatedAt = &t
		j.Attempts++
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// HeartbeatJob refreshes the lease and progress counters of a running job.
func (s *Store) HeartbeatJob(ctx context.Context, id int64, current, total int, now time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE admin_jobs SET updated_at = ?, progress_current = ?, progress_total = ?
			 WHERE id = ? AND status = 'running'`,
			encodeTime(now), current, total, id,
		); err != nil {
			return fmt.Errorf("heartbeat job %d: %w", id, err)
		}
		return nil
	})
}

// FinishJob moves a running job to a terminal status. Finishing an already
// terminal job is a no-op.
func (s *Store) FinishJob(ctx context.Context, id int64, status string, errMsg string, now time.Time) error {
	switch status {
	case JobDone, JobFailed, JobCanceled:
	default:
		return fmt.Errorf("finish job %d: invalid terminal status %q", id, status)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE admin_jobs SET status = ?, finished_at = ?, updated_at = ?, last_error = ?
			 WHERE id = ? AND status = 'running'`,
			status, encodeTime(now), encodeTime(now), nullIfEmpty(errMsg), id,
		); err != nil {
			return fmt.Errorf("finish job %d: %w", id, err)
		}
		return nil
	})
}

// ReclaimJobs returns expired running jobs to pending, or fails them once
// attempts reach maxAttempts. A job is expired when its updated_at is older
// than leaseTTL. Returns (requeued, failed).
func (s *Store) ReclaimJobs(ctx context.Context, leaseTTL time.Duration, maxAttempts int, now time.Time) (int, int, error) {
	deadline := encodeTime(now.Add(-leaseTTL))
	var requeued, failed int
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE admin_jobs SET status = 'failed', finished_at = ?, last_error = 'lease expired'
			 WHERE status = 'running' AND updated_at < ? AND attempts >= ?`,
			encodeTime(now), deadline, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("fail expired jobs: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fail expired jobs rows: %w", err)
		}
		failed = int(n)

		res, err = tx.ExecContext(ctx,
			`UPDATE admin_jobs SET status = 'pending', started_at = NULL
			 WHERE status = 'running' AND updated_at < ?`,
			deadline,
		)
		if err != nil {
			return fmt.Errorf("requeue expired jobs: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue expired jobs rows: %w", err)
		}
		requeued = int(n)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return requeued, failed, nil
}

// JobByID returns the job or (nil, nil) when unknown.
func (s *Store) JobByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM admin_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// RecentJobs returns the newest jobs first, up to limit.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM admin_jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j          Job
		payload    string
		createdBy  sql.NullInt64
		createdAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
		updatedAt  sql.NullString
		lastError  sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.Kind, &payload, &j.Status, &createdBy, &createdAt,
		&startedAt, &finishedAt, &updatedAt, &j.Attempts,
		&j.ProgressCurrent, &j.ProgressTotal, &lastError,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.Payload = []byte(payload)
	if createdBy.Valid {
		j.CreatedBy = &createdBy.Int64
	}
	var err error
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, err
	}
	if j.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return Job{}, err
	}
	if j.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTimePtr(updatedAt); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	return j, nil
}

func int64PtrToAny(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
