package models

import "time"

// EventKind names one entry in the ordered progress stream emitted by the
// critique loop and the job manager.
type EventKind string

const (
	EventStageStarted   EventKind = "stage_started"
	EventDraftProduced  EventKind = "draft_produced"
	EventCritiqued      EventKind = "critiqued"
	EventRevising       EventKind = "revising"
	EventStageCompleted EventKind = "stage_completed"
	EventUnitCompleted  EventKind = "unit_completed"
	EventJobPaused      EventKind = "job_paused"
	EventJobResumed     EventKind = "job_resumed"
	EventJobFailed      EventKind = "job_failed"
	EventJobCancelled   EventKind = "job_cancelled"
	EventJobCompleted   EventKind = "job_completed"
)

// Event is one progress notification. Fields beyond Kind are populated
// as relevant: Rating/Issues for critique events, Unit counters for
// batched progress.
type Event struct {
	Kind      EventKind `json:"kind"`
	ProjectID string    `json:"project_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Stage     StageKind `json:"stage,omitempty"`
	Round     int       `json:"round,omitempty"`
	Rating    Rating    `json:"rating,omitempty"`
	Issues    []string  `json:"issues,omitempty"`
	Unit      int       `json:"unit,omitempty"`
	Total     int       `json:"total,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
