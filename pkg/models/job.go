package models

import "time"

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Active reports whether the job holds the (project, stage) execution
// slot. Paused jobs still hold the slot: a second start is a conflict.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning || s == JobPaused
}

// jobTransitions enumerates every legal status transition.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobCancelled},
	JobRunning: {JobPaused, JobCompleted, JobFailed, JobCancelled},
	JobPaused:  {JobRunning, JobCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobRecord identifies one unit of work bound to a (project, stage) pair.
// Mutated only by the job manager; retained until explicit cleanup.
type JobRecord struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Stage      StageKind `json:"stage"`
	Status     JobStatus `json:"status"`
	Progress   float64   `json:"progress"` // [0,1], units completed / total
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Checkpoint is the durable partial-progress record for a batched job.
// Unit indices are committed in increasing order, so resume always
// continues from the first incomplete index.
type Checkpoint struct {
	JobID     string    `json:"job_id"`
	ProjectID string    `json:"project_id"`
	Stage     StageKind `json:"stage"`
	// Units is the ordered unit spec list, captured once so a resumed job
	// processes exactly the units the original run planned.
	Units []string `json:"units"`
	// CompletedUnits maps unit index -> done. Contiguous from zero by the
	// in-order completion rule.
	CompletedUnits map[int]bool `json:"completed_units"`
	TotalUnits     int          `json:"total_units"`
	// Partial holds the accumulated per-unit results, keyed by unit index.
	Partial map[int]string `json:"partial,omitempty"`
	// Protest marks units accepted below the critique threshold.
	Protest   map[int]bool `json:"protest,omitempty"`
	SavedAt   time.Time    `json:"saved_at"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewCheckpoint creates an empty checkpoint for a batched job.
func NewCheckpoint(jobID, projectID string, stage StageKind, units []string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		JobID:          jobID,
		ProjectID:      projectID,
		Stage:          stage,
		Units:          units,
		CompletedUnits: make(map[int]bool),
		TotalUnits:     len(units),
		Partial:        make(map[int]string),
		Protest:        make(map[int]bool),
		SavedAt:        now,
		CreatedAt:      now,
	}
}

// NextUnit returns the first incomplete unit index.
func (c *Checkpoint) NextUnit() int {
	next := 0
	for c.CompletedUnits[next] {
		next++
	}
	return next
}

// CompletedCount returns the number of completed units.
func (c *Checkpoint) CompletedCount() int {
	return len(c.CompletedUnits)
}

// Progress returns the completed fraction in [0,1].
func (c *Checkpoint) Progress() float64 {
	if c.TotalUnits == 0 {
		return 0
	}
	return float64(len(c.CompletedUnits)) / float64(c.TotalUnits)
}

// Clone returns a deep copy safe for a concurrent writer.
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	cp.Units = append([]string(nil), c.Units...)
	cp.CompletedUnits = make(map[int]bool, len(c.CompletedUnits))
	for k, v := range c.CompletedUnits {
		cp.CompletedUnits[k] = v
	}
	cp.Partial = make(map[int]string, len(c.Partial))
	for k, v := range c.Partial {
		cp.Partial[k] = v
	}
	cp.Protest = make(map[int]bool, len(c.Protest))
	for k, v := range c.Protest {
		cp.Protest[k] = v
	}
	return &cp
}
