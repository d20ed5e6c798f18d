// Package stage executes one pipeline stage end to end: upstream
// precondition checks, lock enforcement, the critique loop, and assembly
// of the resulting artifact. It never persists; committing is the version
// store's job.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyloom/storyloom/internal/critique"
	"github.com/storyloom/storyloom/internal/events"
	"github.com/storyloom/storyloom/pkg/models"
)

// DependencyError reports a stage run attempted before its upstream
// stages were committed. A programming or ordering error, never retried.
type DependencyError struct {
	Stage   models.StageKind
	Missing models.StageKind
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("cannot run stage %s: upstream stage %s has no committed artifact", e.Stage, e.Missing)
}

// LockConflictError reports an edit attempt on a locked stage without an
// explicit override. The caller must pick an edit policy.
type LockConflictError struct {
	Stage      models.StageKind
	Mode       models.LockMode
	Dependents int
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("stage %s is %s-locked (%d dependents); an explicit override is required", e.Stage, e.Mode, e.Dependents)
}

// Context is the read-only upstream material handed to a stage's build
// function, keyed by stage kind.
type Context map[models.StageKind]string

// Callables supplies the opaque build and critique functions for a stage.
// Prompt wording and output-schema parsing live behind this interface.
type Callables interface {
	Build(kind models.StageKind, upstream Context) critique.BuildFunc
	Critique(kind models.StageKind) critique.CritiqueFunc
}

// RunOptions modify a single stage run.
type RunOptions struct {
	// Override permits regenerating a locked stage. Absent it, a locked
	// target raises LockConflictError.
	Override bool
	// JobID is stamped on the produced artifact.
	JobID string
}

// Runner runs single stages through the critique loop.
type Runner struct {
	loop      *critique.Loop
	callables Callables
	bus       *events.Bus
	logger    *slog.Logger
}

// New creates a stage runner.
func New(loop *critique.Loop, callables Callables, bus *events.Bus, logger *slog.Logger) *Runner {
	return &Runner{
		loop:      loop,
		callables: callables,
		bus:       bus,
		logger:    logger.With("component", "stage"),
	}
}

// Run produces a new artifact for the stage. Preconditions: every
// required upstream stage has a committed artifact; a locked target
// requires opts.Override. The returned artifact is not persisted.
func (r *Runner) Run(ctx context.Context, p *models.Project, kind models.StageKind, opts RunOptions) (*models.StageArtifact, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown stage kind %q", kind)
	}

	for _, up := range kind.Upstream() {
		if p.Artifact(up) == nil && !up.Optional() {
			return nil, &DependencyError{Stage: kind, Missing: up}
		}
	}

	prev := p.Artifact(kind)
	if prev != nil && prev.Lock.Locked() && !opts.Override {
		return nil, &LockConflictError{
			Stage:      kind,
			Mode:       prev.Lock.Mode,
			Dependents: prev.Lock.Dependents,
		}
	}

	upstream := UpstreamContext(p, kind)

	if r.bus != nil {
		r.bus.Publish(models.Event{
			Kind:      models.EventStageStarted,
			ProjectID: p.ID,
			JobID:     opts.JobID,
			Stage:     kind,
		})
	}
	r.logger.Info("Stage run started",
		"project_id", p.ID,
		"stage", kind,
		"override", opts.Override,
		"upstream_stages", len(upstream))

	outcome, err := r.loop.Run(ctx, p.ID, kind, r.callables.Build(kind, upstream), r.callables.Critique(kind))
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", kind, err)
	}

	revision := 1
	if prev != nil {
		revision = prev.Revision + 1
	}
	artifact := &models.StageArtifact{
		Stage:           kind,
		Revision:        revision,
		Content:         outcome.Content,
		CreatedAt:       time.Now().UTC(),
		JobID:           opts.JobID,
		CritiqueHistory: outcome.History,
		Lock:            models.Unlocked(),
		UnderProtest:    outcome.UnderProtest,
	}

	if r.bus != nil {
		r.bus.Publish(models.Event{
			Kind:      models.EventStageCompleted,
			ProjectID: p.ID,
			JobID:     opts.JobID,
			Stage:     kind,
			Rating:    artifact.BestRating(),
		})
	}
	r.logger.Info("Stage run completed",
		"project_id", p.ID,
		"stage", kind,
		"revision", revision,
		"rounds", len(outcome.History),
		"under_protest", outcome.UnderProtest)

	return artifact, nil
}
