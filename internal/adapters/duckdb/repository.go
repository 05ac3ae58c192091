package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
	_ "github.com/marcboeker/go-duckdb"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	kind TEXT NOT NULL,
	quality TEXT NOT NULL,
	status TEXT NOT NULL,
	progress DOUBLE NOT NULL DEFAULT 0,
	speed TEXT,
	eta TEXT,
	downloaded_bytes BIGINT NOT NULL DEFAULT 0,
	total_bytes BIGINT,
	local_path TEXT,
	error_message TEXT,
	failure_reason TEXT,
	playlist_index INTEGER,
	playlist_count INTEGER,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Repository is the DuckDB-backed job record store.
type Repository struct {
	db *sql.DB
}

var _ ports.JobStore = (*Repository)(nil)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

const jobColumns = `id, url, kind, quality, status, progress, speed, eta,
	downloaded_bytes, total_bytes, local_path, error_message, failure_reason,
	playlist_index, playlist_count, created_at, completed_at`

func (r *Repository) Insert(ctx context.Context, job domain.Job) error {
	query := `
	INSERT INTO jobs (` + jobColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		progress = excluded.progress,
		speed = excluded.speed,
		eta = excluded.eta,
		downloaded_bytes = excluded.downloaded_bytes,
		total_bytes = excluded.total_bytes,
		local_path = excluded.local_path,
		error_message = excluded.error_message,
		failure_reason = excluded.failure_reason,
		completed_at = excluded.completed_at;
	`
	var reason *string
	if job.FailureReason != nil {
		s := string(*job.FailureReason)
		reason = &s
	}
	_, err := r.db.ExecContext(ctx, query,
		string(job.ID), job.URL, string(job.Kind), string(job.Quality), string(job.Status),
		job.Progress, job.Speed, job.ETA,
		job.DownloadedBytes, job.TotalBytes, job.LocalPath, job.ErrorMessage, reason,
		job.PlaylistIndex, job.PlaylistCount, job.CreatedAt, job.CompletedAt,
	)
	return err
}

// UpdateFields applies the patch in a read-modify-write transaction so
// the partial mutation lands atomically.
func (r *Repository) UpdateFields(ctx context.Context, id domain.JobID, patch domain.JobPatch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if err != nil {
		return err
	}
	patch.Apply(&job)

	var reason *string
	if job.FailureReason != nil {
		s := string(*job.FailureReason)
		reason = &s
	}
	_, err = tx.ExecContext(ctx, `
	UPDATE jobs SET
		status = ?, progress = ?, speed = ?, eta = ?,
		downloaded_bytes = ?, total_bytes = ?, local_path = ?,
		error_message = ?, failure_reason = ?, completed_at = ?
	WHERE id = ?`,
		string(job.Status), job.Progress, job.Speed, job.ETA,
		job.DownloadedBytes, job.TotalBytes, job.LocalPath,
		job.ErrorMessage, reason, job.CompletedAt,
		string(id),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	return scanJob(row)
}

func (r *Repository) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *Repository) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` + placeholders + `) ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *Repository) Delete(ctx context.Context, id domain.JobID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *Repository) DeleteByStatus(ctx context.Context, status domain.JobStatus) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE status = ?`, string(status))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting not found: %s", key)
	}
	return value, err
}

func (r *Repository) SaveSetting(ctx context.Context, key string, value string) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var id, url, kind, quality, status string
	var reason *string
	err := row.Scan(
		&id, &url, &kind, &quality, &status, &j.Progress, &j.Speed, &j.ETA,
		&j.DownloadedBytes, &j.TotalBytes, &j.LocalPath, &j.ErrorMessage, &reason,
		&j.PlaylistIndex, &j.PlaylistCount, &j.CreatedAt, &j.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, err
	}
	j.ID = domain.JobID(id)
	j.URL = url
	j.Kind = domain.MediaKind(kind)
	j.Quality = domain.Quality(quality)
	j.Status = domain.JobStatus(status)
	if reason != nil {
		fr := domain.FailureReason(*reason)
		j.FailureReason = &fr
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
