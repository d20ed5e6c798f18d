package job

import (
	"fmt"

	"github.com/storyloom/storyloom/pkg/models"
)

// ConflictError rejects a second start for a (project, stage) pair that
// already has an active job.
type ConflictError struct {
	ProjectID     string
	Stage         models.StageKind
	ExistingJobID string
	ExistingState models.JobStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job conflict: project %s stage %s already has job %s in state %s",
		e.ProjectID, e.Stage, e.ExistingJobID, e.ExistingState)
}

// TransitionError rejects an illegal job status change.
type TransitionError struct {
	JobID string
	From  models.JobStatus
	To    models.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}
