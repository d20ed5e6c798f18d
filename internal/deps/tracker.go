// Package deps maintains the dependency and lock relationships between a
// project's committed stages. Lock transitions are total functions over
// the LockState value rather than flags inferred at call sites.
package deps

import (
	"fmt"
	"log/slog"

	"github.com/storyloom/storyloom/pkg/models"
)

// AuditFunc records an explicit, user-initiated lock change. Lock
// relaxation is never silent.
type AuditFunc func(projectID string, stage models.StageKind, action string)

// Tracker applies dependency and lock-state rules to a project's stage
// artifacts. It holds no state of its own: lock state lives on the
// artifacts and persists with them.
type Tracker struct {
	audit  AuditFunc
	logger *slog.Logger
}

// New creates a tracker. audit may be nil.
func New(audit AuditFunc, logger *slog.Logger) *Tracker {
	return &Tracker{audit: audit, logger: logger.With("component", "deps")}
}

// DependentsOf returns how many committed downstream stages read from the
// given stage.
func (t *Tracker) DependentsOf(p *models.Project, kind models.StageKind) int {
	a := p.Artifact(kind)
	if a == nil {
		return 0
	}
	return a.Lock.Dependents
}

// MarkCreated registers a freshly committed stage: every upstream stage it
// reads from gains a dependent and tightens its lock accordingly. Called
// once per commit of a new stage (not per revision of an existing one).
func (t *Tracker) MarkCreated(p *models.Project, kind models.StageKind) {
	for _, up := range kind.Upstream() {
		a := p.Artifact(up)
		if a == nil {
			// Optional stages may be absent; required ones are guaranteed
			// by the stage runner's precondition check.
			continue
		}
		before := a.Lock.Mode
		a.Lock = a.Lock.AddDependent()
		if before != a.Lock.Mode {
			t.logger.Debug("Lock tightened",
				"project_id", p.ID,
				"stage", up,
				"from", before,
				"to", a.Lock.Mode,
				"dependents", a.Lock.Dependents)
		}
	}
}

// InvalidateDownstream flags every committed stage strictly after kind as
// inconsistent. The flag is orthogonal to lock state and cleared only
// when the stage is regenerated.
func (t *Tracker) InvalidateDownstream(p *models.Project, kind models.StageKind) int {
	flagged := 0
	for _, down := range kind.Downstream() {
		a := p.Artifact(down)
		if a == nil || a.Inconsistent {
			continue
		}
		a.Inconsistent = true
		flagged++
	}
	if flagged > 0 {
		t.logger.Info("Downstream stages flagged inconsistent",
			"project_id", p.ID,
			"edited_stage", kind,
			"flagged", flagged)
	}
	return flagged
}

// SetUserLock applies or clears the explicit user lock on a committed
// stage. Both directions are audited.
func (t *Tracker) SetUserLock(p *models.Project, kind models.StageKind, locked bool) error {
	a := p.Artifact(kind)
	if a == nil {
		return fmt.Errorf("stage %s has no committed artifact", kind)
	}
	a.Lock = a.Lock.SetUserLock(locked)

	action := "user_lock"
	if !locked {
		action = "user_unlock"
	}
	if t.audit != nil {
		t.audit(p.ID, kind, action)
	}
	t.logger.Info("User lock changed",
		"project_id", p.ID,
		"stage", kind,
		"action", action,
		"mode", a.Lock.Mode)
	return nil
}
