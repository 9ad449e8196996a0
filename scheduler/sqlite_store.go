package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteJobStore stores jobs in the scheduled_jobs table.
// The schema is created by storage.Migrate.
type SQLiteJobStore struct {
	db *sql.DB
}

// NewSQLiteJobStore wraps an open database.
func NewSQLiteJobStore(db *sql.DB) *SQLiteJobStore {
	return &SQLiteJobStore{db: db}
}

// timeLayout is fixed width so stored times compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, kind, payload, not_before, status, error, created_at`

func (s *SQLiteJobStore) Add(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, string(job.Payload),
		job.NotBefore.UTC().Format(timeLayout),
		string(job.Status), job.Error,
		job.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'running' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteJobStore) Finish(ctx context.Context, id string, status Status, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = ?, error = ? WHERE id = ?`, string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'cancelled' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found or not pending", id)
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrJobNotFound
	}
	return jobs[0], nil
}

func (s *SQLiteJobStore) Pending(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE status = 'pending' ORDER BY not_before ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (s *SQLiteJobStore) Due(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs
		 WHERE status = 'pending' AND not_before <= ? ORDER BY not_before ASC`,
		now.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (s *SQLiteJobStore) Abandon(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'failed', error = ? WHERE status = 'running'`, reason)
	if err != nil {
		return 0, fmt.Errorf("abandon running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		var payload, notBefore, status, createdAt string
		if err := rows.Scan(&j.ID, &j.Kind, &payload, &notBefore, &status, &j.Error, &createdAt); err != nil {
			return nil, err
		}
		j.Payload = []byte(payload)
		j.Status = Status(status)
		j.NotBefore, _ = time.Parse(timeLayout, notBefore)
		j.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return jobs, nil
}
