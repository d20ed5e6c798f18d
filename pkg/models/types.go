package models

import "time"

// StageKind identifies one step in the fixed content pipeline. The declared
// order is the dependency order: a stage depends on every stage before it.
type StageKind string

const (
	StageConcept   StageKind = "concept"
	StageCast      StageKind = "cast"
	StageSetting   StageKind = "setting"
	StageLocations StageKind = "locations"
	StageOutline   StageKind = "outline"
	StageBreakdown StageKind = "breakdown"
	StageProse     StageKind = "prose"
)

// StageOrder is the canonical pipeline sequence.
var StageOrder = []StageKind{
	StageConcept,
	StageCast,
	StageSetting,
	StageLocations,
	StageOutline,
	StageBreakdown,
	StageProse,
}

var stageIndex = func() map[StageKind]int {
	m := make(map[StageKind]int, len(StageOrder))
	for i, k := range StageOrder {
		m[k] = i
	}
	return m
}()

// Index returns the stage's position in the pipeline, or -1 for an
// unknown kind.
func (k StageKind) Index() int {
	i, ok := stageIndex[k]
	if !ok {
		return -1
	}
	return i
}

// Valid reports whether k names a known pipeline stage.
func (k StageKind) Valid() bool {
	_, ok := stageIndex[k]
	return ok
}

// Optional reports whether the stage may be skipped. Setting is the only
// optional stage: downstream stages accept a missing Setting artifact.
func (k StageKind) Optional() bool {
	return k == StageSetting
}

// Batched reports whether the stage is generated unit by unit under a
// checkpointed batch job. Prose is drafted scene by scene.
func (k StageKind) Batched() bool {
	return k == StageProse
}

// Before reports whether k comes strictly before other in the pipeline.
func (k StageKind) Before(other StageKind) bool {
	return k.Index() < other.Index()
}

// Upstream returns the stages strictly before k, in pipeline order.
func (k StageKind) Upstream() []StageKind {
	i := k.Index()
	if i <= 0 {
		return nil
	}
	return StageOrder[:i]
}

// Downstream returns the stages strictly after k, in pipeline order.
func (k StageKind) Downstream() []StageKind {
	i := k.Index()
	if i < 0 || i+1 >= len(StageOrder) {
		return nil
	}
	return StageOrder[i+1:]
}

// Rating classifies a draft's acceptability.
type Rating int

const (
	RatingFailure Rating = iota
	RatingAcceptable
	RatingGood
	RatingExcellent
)

var ratingNames = map[Rating]string{
	RatingFailure:    "failure",
	RatingAcceptable: "acceptable",
	RatingGood:       "good",
	RatingExcellent:  "excellent",
}

func (r Rating) String() string {
	if s, ok := ratingNames[r]; ok {
		return s
	}
	return "unknown"
}

// ParseRating converts a rating name to its value. Unknown names map to
// RatingFailure with ok=false.
func ParseRating(s string) (Rating, bool) {
	for r, name := range ratingNames {
		if name == s {
			return r, true
		}
	}
	return RatingFailure, false
}

// Meets reports whether r satisfies the acceptance threshold.
func (r Rating) Meets(threshold Rating) bool {
	return r >= threshold
}

// LockMode is the protection level of a committed stage artifact.
type LockMode string

const (
	// LockUnlocked means no downstream stage depends on the artifact yet.
	LockUnlocked LockMode = "unlocked"
	// LockSoft means one or more downstream stages depend on the artifact.
	LockSoft LockMode = "soft"
	// LockUser means the user explicitly protected the artifact. Sticky
	// across dependent-count changes until an explicit unlock.
	LockUser LockMode = "user"
)

// LockState is a tagged lock value. Dependents is meaningful for LockSoft
// and is maintained underneath LockUser so that clearing a user lock
// falls back to the correct state.
type LockState struct {
	Mode       LockMode `json:"mode"`
	Dependents int      `json:"dependents"`
}

// Unlocked returns the initial lock state of a fresh artifact.
func Unlocked() LockState {
	return LockState{Mode: LockUnlocked}
}

// AddDependent tightens the lock for one new downstream dependent.
// A user lock is preserved.
func (l LockState) AddDependent() LockState {
	l.Dependents++
	if l.Mode == LockUnlocked {
		l.Mode = LockSoft
	}
	return l
}

// RemoveDependent drops one dependent, relaxing a soft lock back to
// unlocked when the count reaches zero. A user lock is untouched.
func (l LockState) RemoveDependent() LockState {
	if l.Dependents > 0 {
		l.Dependents--
	}
	if l.Mode == LockSoft && l.Dependents == 0 {
		l.Mode = LockUnlocked
	}
	return l
}

// SetUserLock applies or clears the explicit user lock. Clearing falls
// back to soft or unlocked depending on the surviving dependent count.
func (l LockState) SetUserLock(locked bool) LockState {
	if locked {
		l.Mode = LockUser
		return l
	}
	if l.Dependents > 0 {
		l.Mode = LockSoft
	} else {
		l.Mode = LockUnlocked
	}
	return l
}

// Locked reports whether editing the artifact requires an explicit
// override.
func (l LockState) Locked() bool {
	return l.Mode == LockSoft || l.Mode == LockUser
}

// CritiqueEntry is one round of the drafting/critique loop as recorded in
// an artifact's history.
type CritiqueEntry struct {
	Round       int       `json:"round"`
	Rating      Rating    `json:"rating"`
	Issues      []string  `json:"issues,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"`
	CritiquedAt time.Time `json:"critiqued_at"`
}

// StageArtifact is the immutable output of one stage at one revision.
// Revision is per-stage (Concept rev 1, rev 2, ...); the project-wide
// snapshot number is assigned by the version store at commit time.
type StageArtifact struct {
	Stage           StageKind       `json:"stage"`
	Revision        int             `json:"revision"`
	Content         string          `json:"content"`
	CreatedAt       time.Time       `json:"created_at"`
	JobID           string          `json:"job_id"`
	CritiqueHistory []CritiqueEntry `json:"critique_history,omitempty"`
	Lock            LockState       `json:"lock"`
	// Inconsistent flags an artifact whose upstream was overwritten after
	// this artifact was produced. Orthogonal to Lock.
	Inconsistent bool `json:"inconsistent,omitempty"`
	// UnderProtest marks an artifact accepted below threshold after the
	// revision budget ran out.
	UnderProtest bool `json:"under_protest,omitempty"`
}

// Clone returns a deep copy safe to mutate independently.
func (a *StageArtifact) Clone() *StageArtifact {
	cp := *a
	cp.CritiqueHistory = append([]CritiqueEntry(nil), a.CritiqueHistory...)
	return &cp
}

// BestRating returns the highest rating in the critique history, or
// RatingFailure for an empty history.
func (a *StageArtifact) BestRating() Rating {
	best := RatingFailure
	for _, e := range a.CritiqueHistory {
		if e.Rating > best {
			best = e.Rating
		}
	}
	return best
}

// Project is the in-memory working state of one story project (or one
// branch of it). Stage pointers reference the current artifact per stage;
// durable history lives in the version store.
type Project struct {
	ID        string                       `json:"id"`
	Name      string                       `json:"name"`
	Branch    string                       `json:"branch"`
	CreatedAt time.Time                    `json:"created_at"`
	Stages    map[StageKind]*StageArtifact `json:"stages"`
	// Head is the latest committed snapshot number for this branch.
	Head int `json:"head"`
}

// NewProject creates an empty project on the main branch.
func NewProject(id, name string) *Project {
	return &Project{
		ID:        id,
		Name:      name,
		Branch:    "main",
		CreatedAt: time.Now().UTC(),
		Stages:    make(map[StageKind]*StageArtifact),
	}
}

// Artifact returns the current artifact for a stage, or nil.
func (p *Project) Artifact(kind StageKind) *StageArtifact {
	return p.Stages[kind]
}

// NextStage returns the first pipeline stage without a committed
// artifact. ok is false when the pipeline is complete.
func (p *Project) NextStage() (StageKind, bool) {
	for _, k := range StageOrder {
		if p.Stages[k] == nil {
			return k, true
		}
	}
	return "", false
}

// EditPolicy is the caller's choice when an edit hits a locked stage.
type EditPolicy string

const (
	// EditBranch forks the project at the current version and applies the
	// edit on the branch, leaving the original untouched.
	EditBranch EditPolicy = "branch"
	// EditRegenerateCascade overwrites the target stage and re-runs every
	// downstream stage in order.
	EditRegenerateCascade EditPolicy = "regenerate-cascade"
	// EditMarkInconsistent overwrites the target stage and flags
	// downstream artifacts instead of regenerating them.
	EditMarkInconsistent EditPolicy = "mark-inconsistent"
)

// Valid reports whether p names a known edit policy.
func (p EditPolicy) Valid() bool {
	switch p {
	case EditBranch, EditRegenerateCascade, EditMarkInconsistent:
		return true
	}
	return false
}
