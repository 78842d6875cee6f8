package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spherical/pdf2deck/internal/domain"
)

// fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// JobRepository handles job and page analysis persistence.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// SaveJob inserts or updates a job.
func (r *JobRepository) SaveJob(ctx context.Context, job *domain.Job) error {
	selected, err := json.Marshal(job.Selected)
	if err != nil {
		return domain.IOError("encode selected pages", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	query := `
		INSERT INTO jobs (id, filename, total_pages, selected, state, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			total_pages = excluded.total_pages,
			selected = excluded.selected,
			state = excluded.state,
			error = excluded.error,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID, job.Filename, job.TotalPages, string(selected), string(job.State), job.Error,
		job.CreatedAt.UTC().Format(timeLayout), job.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return domain.IOError(fmt.Sprintf("save job %s", job.ID), err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	query := `
		SELECT id, filename, total_pages, selected, state, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`
	var (
		job                  domain.Job
		selected, state      string
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.Filename, &job.TotalPages, &selected, &state, &job.Error, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("get job %s", id), err)
	}

	job.State = domain.JobState(state)
	if err := json.Unmarshal([]byte(selected), &job.Selected); err != nil {
		return nil, domain.IOError("decode selected pages", err)
	}
	if job.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, domain.IOError("decode created_at", err)
	}
	if job.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, domain.IOError("decode updated_at", err)
	}
	return &job, nil
}

// SaveAnalyses upserts the analyses of a job.
func (r *JobRepository) SaveAnalyses(ctx context.Context, jobID string, analyses []domain.PageAnalysis) error {
	query := `
		INSERT INTO page_analyses (job_id, page, status, edited, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, page) DO UPDATE SET
			status = excluded.status,
			edited = excluded.edited,
			body = excluded.body,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(timeLayout)
	for _, a := range analyses {
		body, err := json.Marshal(a)
		if err != nil {
			return domain.IOError(fmt.Sprintf("encode analysis for page %d", a.Page+1), err)
		}
		if _, err := r.db.ExecContext(ctx, query, jobID, a.Page, string(a.Status), a.Edited, string(body), now); err != nil {
			return domain.IOError(fmt.Sprintf("save analysis for page %d", a.Page+1), err)
		}
	}
	return nil
}

// ListAnalyses returns a job's analyses in page order.
func (r *JobRepository) ListAnalyses(ctx context.Context, jobID string) ([]domain.PageAnalysis, error) {
	query := `SELECT body FROM page_analyses WHERE job_id = ? ORDER BY page`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("list analyses for job %s", jobID), err)
	}
	defer rows.Close()

	var out []domain.PageAnalysis
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, domain.IOError("scan analysis", err)
		}
		var a domain.PageAnalysis
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, domain.IOError("decode analysis", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteJob removes a job and its analyses.
func (r *JobRepository) DeleteJob(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM page_analyses WHERE job_id = ?`, id); err != nil {
		return domain.IOError(fmt.Sprintf("delete analyses for job %s", id), err)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return domain.IOError(fmt.Sprintf("delete job %s", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// DeleteBefore removes jobs last updated before cutoff and returns how many
// were removed.
func (r *JobRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(timeLayout)
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM page_analyses WHERE job_id IN (SELECT id FROM jobs WHERE updated_at < ?)`, ts); err != nil {
		return 0, domain.IOError("delete stale analyses", err)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE updated_at < ?`, ts)
	if err != nil {
		return 0, domain.IOError("delete stale jobs", err)
	}
	return res.RowsAffected()
}
