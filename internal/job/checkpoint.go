package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/storyloom/storyloom/pkg/models"
)

// Checkpoints persists batch-job progress. Writes are serialized: only
// one checkpoint write may be in flight per instance, so a crash can
// never leave interleaved state.
type Checkpoints struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewCheckpoints wraps the checkpoints table of an open workspace
// database.
func NewCheckpoints(db *sql.DB, logger *slog.Logger) *Checkpoints {
	return &Checkpoints{db: db, logger: logger.With("component", "checkpoint")}
}

// Save writes the checkpoint, replacing any previous record for the job.
func (c *Checkpoints) Save(ctx context.Context, cp *models.Checkpoint) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cp.SavedAt = time.Now().UTC()
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO checkpoints(job_id, payload, saved_at) VALUES (?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		cp.JobID, string(payload), cp.SavedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	c.logger.Debug("Checkpoint saved",
		"job_id", cp.JobID,
		"completed_units", cp.CompletedCount(),
		"total_units", cp.TotalUnits)
	return nil
}

// Load reads the checkpoint for a job, or returns nil when none exists.
func (c *Checkpoints) Load(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE job_id = ?`, jobID)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for job %s: %w", jobID, err)
	}
	// Maps empty at save time decode as nil; the batch loop writes into
	// them on resume.
	if cp.CompletedUnits == nil {
		cp.CompletedUnits = make(map[int]bool)
	}
	if cp.Partial == nil {
		cp.Partial = make(map[int]string)
	}
	if cp.Protest == nil {
		cp.Protest = make(map[int]bool)
	}
	return &cp, nil
}
