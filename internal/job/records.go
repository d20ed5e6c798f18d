package job

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/storyloom/storyloom/pkg/models"
)

// Records is the durable job-record table. Records are created when work
// is requested, mutated only by the manager, and retained for audit until
// explicitly purged.
type Records struct {
	db *sql.DB
}

// NewRecords wraps the jobs table of an open workspace database.
func NewRecords(db *sql.DB) *Records {
	return &Records{db: db}
}

func (r *Records) insert(ctx context.Context, rec *models.JobRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs(id, project_id, stage, status, progress, retry_count, error, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, string(rec.Stage), string(rec.Status), rec.Progress,
		rec.RetryCount, rec.Error,
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *Records) update(ctx context.Context, rec *models.JobRecord) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = ?, retry_count = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(rec.Status), rec.Progress, rec.RetryCount, rec.Error,
		time.Now().UTC().Format(time.RFC3339), rec.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Get returns one job record by id.
func (r *Records) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, stage, status, progress, retry_count, error, created_at, updated_at
		 FROM jobs WHERE id = ?`, jobID)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return rec, err
}

// List returns all job records, newest first.
func (r *Records) List(ctx context.Context) ([]*models.JobRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, project_id, stage, status, progress, retry_count, error, created_at, updated_at
		 FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindActive returns the active job for a (project, stage) pair, or nil.
func (r *Records) FindActive(ctx context.Context, projectID string, stage models.StageKind) (*models.JobRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, stage, status, progress, retry_count, error, created_at, updated_at
		 FROM jobs WHERE project_id = ? AND stage = ? AND status IN ('pending','running','paused')
		 ORDER BY created_at DESC LIMIT 1`, projectID, string(stage))
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Purge removes terminal job records and their checkpoints. Active jobs
// are never purged.
func (r *Records) Purge(ctx context.Context, jobID string) error {
	rec, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("job %s is %s; only terminal jobs can be purged", jobID, rec.Status)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("purge checkpoint: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("purge job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.JobRecord, error) {
	var rec models.JobRecord
	var stage, status, createdAt, updatedAt string
	if err := row.Scan(&rec.ID, &rec.ProjectID, &stage, &status, &rec.Progress,
		&rec.RetryCount, &rec.Error, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	rec.Stage = models.StageKind(stage)
	rec.Status = models.JobStatus(status)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}
