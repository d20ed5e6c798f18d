package stage

import (
	"context"
	"fmt"

	"github.com/storyloom/storyloom/internal/critique"
	"github.com/storyloom/storyloom/pkg/models"
)

// BatchCallables extends Callables for stages generated unit by unit.
// Units derives the ordered unit specs (e.g. scene briefs from the
// breakdown artifact); each unit then gets its own build/critique pair.
type BatchCallables interface {
	Callables
	Units(kind models.StageKind, upstream Context) ([]string, error)
	BuildUnit(kind models.StageKind, upstream Context, unitSpec string) critique.BuildFunc
	CritiqueUnit(kind models.StageKind, unitSpec string) critique.CritiqueFunc
}

// UpstreamContext snapshots the committed upstream content for a stage.
func UpstreamContext(p *models.Project, kind models.StageKind) Context {
	upstream := make(Context, kind.Index())
	for _, up := range kind.Upstream() {
		if a := p.Artifact(up); a != nil {
			upstream[up] = a.Content
		}
	}
	return upstream
}

// Units returns the ordered unit specs for a batched stage run.
func (r *Runner) Units(p *models.Project, kind models.StageKind) ([]string, error) {
	bc, ok := r.callables.(BatchCallables)
	if !ok {
		return nil, fmt.Errorf("stage %s has no batch callables", kind)
	}
	units, err := bc.Units(kind, UpstreamContext(p, kind))
	if err != nil {
		return nil, fmt.Errorf("derive units for stage %s: %w", kind, err)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("stage %s produced no units", kind)
	}
	return units, nil
}

// RunUnit drafts and critiques a single batch unit through the loop.
func (r *Runner) RunUnit(ctx context.Context, p *models.Project, kind models.StageKind, unitSpec string) (*critique.Outcome, error) {
	bc, ok := r.callables.(BatchCallables)
	if !ok {
		return nil, fmt.Errorf("stage %s has no batch callables", kind)
	}
	upstream := UpstreamContext(p, kind)
	outcome, err := r.loop.Run(ctx, p.ID, kind, bc.BuildUnit(kind, upstream, unitSpec), bc.CritiqueUnit(kind, unitSpec))
	if err != nil {
		return nil, fmt.Errorf("stage %s unit: %w", kind, err)
	}
	return outcome, nil
}

// CheckBatchPreconditions mirrors Run's precondition and lock checks for
// a batched stage without producing anything.
func (r *Runner) CheckBatchPreconditions(p *models.Project, kind models.StageKind, override bool) error {
	for _, up := range kind.Upstream() {
		if p.Artifact(up) == nil && !up.Optional() {
			return &DependencyError{Stage: kind, Missing: up}
		}
	}
	if prev := p.Artifact(kind); prev != nil && prev.Lock.Locked() && !override {
		return &LockConflictError{Stage: kind, Mode: prev.Lock.Mode, Dependents: prev.Lock.Dependents}
	}
	return nil
}
