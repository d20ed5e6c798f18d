// Package version persists immutable numbered snapshots of project state.
// Commits append; rollback moves the stage pointers without deleting
// later versions; branching is a copy-on-write fork that shares ancestry
// rows up to the fork point.
package version

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom/internal/deps"
	"github.com/storyloom/storyloom/pkg/models"
)

// SequenceError rejects a commit attempted out of stage order.
type SequenceError struct {
	Stage   models.StageKind
	Missing models.StageKind
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("cannot commit stage %s: upstream stage %s has no artifact", e.Stage, e.Missing)
}

// stagePointer locates one stage's artifact within a snapshot, plus the
// mutable flags that ride along with the pointer. Soft-lock dependent
// counts are derived from the committed stage set, not stored.
type stagePointer struct {
	Version      int  `json:"version"`
	UserLocked   bool `json:"user_locked,omitempty"`
	Inconsistent bool `json:"inconsistent,omitempty"`
}

type snapshot map[models.StageKind]stagePointer

// Store is the SQLite-backed version store. Concurrent commits for the
// same (project, stage) are serialized by the job manager's single-flight
// rule; the store does not re-check that.
type Store struct {
	db      *sql.DB
	tracker *deps.Tracker
	logger  *slog.Logger
}

// New creates a version store over an open workspace database.
func New(db *sql.DB, tracker *deps.Tracker, logger *slog.Logger) *Store {
	return &Store{db: db, tracker: tracker, logger: logger.With("component", "version")}
}

// Tracker exposes the dependency tracker the store commits through.
func (s *Store) Tracker() *deps.Tracker {
	return s.tracker
}

// VersionInfo summarizes one committed snapshot for listing.
type VersionInfo struct {
	Version   int
	Stage     models.StageKind
	JobID     string
	CreatedAt time.Time
}

// CreateProject initializes an empty project on the main branch.
func (s *Store) CreateProject(ctx context.Context, name string) (*models.Project, error) {
	p := models.NewProject(uuid.New().String(), name)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(id, name, branch, fork_version, head, state, created_at) VALUES (?,?,?,0,0,'{}',?)`,
		p.ID, p.Name, p.Branch, p.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	s.logger.Info("Project created", "project_id", p.ID, "name", name)
	return p, nil
}

type projectRow struct {
	id        string
	name      string
	branch    string
	parentID  sql.NullString
	fork      int
	head      int
	state     string
	createdAt string
}

func (s *Store) projectRow(ctx context.Context, id string) (*projectRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, branch, parent_id, fork_version, head, state, created_at FROM projects WHERE id = ?`, id)
	var pr projectRow
	if err := row.Scan(&pr.id, &pr.name, &pr.branch, &pr.parentID, &pr.fork, &pr.head, &pr.state, &pr.createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("project %s not found", id)
		}
		return nil, fmt.Errorf("load project: %w", err)
	}
	return &pr, nil
}

// LoadProject rebuilds a project's working state from its current stage
// pointers. Soft-lock dependent counts are recomputed from the committed
// stage set.
func (s *Store) LoadProject(ctx context.Context, id string) (*models.Project, error) {
	pr, err := s.projectRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.materialize(ctx, pr)
}

// FindProject resolves a project by name and branch.
func (s *Store) FindProject(ctx context.Context, name, branch string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM projects WHERE name = ? AND branch = ?`, name, branch)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("project %s (branch %s) not found", name, branch)
		}
		return nil, fmt.Errorf("find project: %w", err)
	}
	return s.LoadProject(ctx, id)
}

func (s *Store) materialize(ctx context.Context, pr *projectRow) (*models.Project, error) {
	var snap snapshot
	if err := json.Unmarshal([]byte(pr.state), &snap); err != nil {
		return nil, fmt.Errorf("corrupt project state: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339, pr.createdAt)
	p := &models.Project{
		ID:        pr.id,
		Name:      pr.name,
		Branch:    pr.branch,
		CreatedAt: createdAt,
		Stages:    make(map[models.StageKind]*models.StageArtifact, len(snap)),
		Head:      pr.head,
	}

	for kind, ptr := range snap {
		a, err := s.fetchArtifact(ctx, pr.id, ptr.Version)
		if err != nil {
			return nil, err
		}
		a.Inconsistent = ptr.Inconsistent
		a.Lock = models.Unlocked()
		p.Stages[kind] = a
	}

	// Derive soft locks: a stage's dependents are the committed stages
	// strictly after it.
	for kind, a := range p.Stages {
		for _, down := range kind.Downstream() {
			if p.Stages[down] != nil {
				a.Lock = a.Lock.AddDependent()
			}
		}
		if snap[kind].UserLocked {
			a.Lock = a.Lock.SetUserLock(true)
		}
	}

	return p, nil
}

// fetchArtifact resolves a version row through the branch ancestry chain.
func (s *Store) fetchArtifact(ctx context.Context, projectID string, ver int) (*models.StageArtifact, error) {
	id := projectID
	for {
		row := s.db.QueryRowContext(ctx,
			`SELECT artifact FROM versions WHERE project_id = ? AND version = ?`, id, ver)
		var payload string
		err := row.Scan(&payload)
		if err == nil {
			var a models.StageArtifact
			if err := json.Unmarshal([]byte(payload), &a); err != nil {
				return nil, fmt.Errorf("corrupt artifact at version %d: %w", ver, err)
			}
			return &a, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("fetch artifact: %w", err)
		}

		pr, prErr := s.projectRow(ctx, id)
		if prErr != nil {
			return nil, prErr
		}
		if !pr.parentID.Valid || ver > pr.fork {
			return nil, fmt.Errorf("version %d not found for project %s", ver, projectID)
		}
		id = pr.parentID.String
	}
}

// fetchSnapshot returns the pointer set recorded by version ver,
// resolving through ancestry for branches.
func (s *Store) fetchSnapshot(ctx context.Context, projectID string, ver int) (snapshot, error) {
	id := projectID
	for {
		row := s.db.QueryRowContext(ctx,
			`SELECT state FROM versions WHERE project_id = ? AND version = ?`, id, ver)
		var state string
		err := row.Scan(&state)
		if err == nil {
			var snap snapshot
			if err := json.Unmarshal([]byte(state), &snap); err != nil {
				return nil, fmt.Errorf("corrupt snapshot at version %d: %w", ver, err)
			}
			return snap, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("fetch snapshot: %w", err)
		}

		pr, prErr := s.projectRow(ctx, id)
		if prErr != nil {
			return nil, prErr
		}
		if !pr.parentID.Valid || ver > pr.fork {
			return nil, fmt.Errorf("version %d not found for project %s", ver, projectID)
		}
		id = pr.parentID.String
	}
}

// nextVersion returns the next snapshot number. The counter never rewinds:
// it continues from the highest version ever assigned, or from the fork
// point for a branch with no commits of its own.
func (s *Store) nextVersion(ctx context.Context, projectID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM versions WHERE project_id = ?`, projectID)
	var maxOwn int
	if err := row.Scan(&maxOwn); err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	if maxOwn == 0 {
		pr, err := s.projectRow(ctx, projectID)
		if err != nil {
			return 0, err
		}
		maxOwn = pr.fork
	}
	return maxOwn + 1, nil
}

func buildSnapshot(p *models.Project) snapshot {
	snap := make(snapshot, len(p.Stages))
	for kind, a := range p.Stages {
		snap[kind] = stagePointer{
			Version:      a.Revision, // placeholder, replaced below
			UserLocked:   a.Lock.Mode == models.LockUser,
			Inconsistent: a.Inconsistent,
		}
	}
	return snap
}

// Commit appends the artifact as the next snapshot and updates the
// project's stage pointers. Out-of-order commits are rejected with
// SequenceError. The stored artifact row is never mutated afterwards.
func (s *Store) Commit(ctx context.Context, p *models.Project, a *models.StageArtifact, jobID string) (int, error) {
	if !a.Stage.Valid() {
		return 0, fmt.Errorf("unknown stage kind %q", a.Stage)
	}
	for _, up := range a.Stage.Upstream() {
		if p.Artifact(up) == nil && !up.Optional() {
			return 0, &SequenceError{Stage: a.Stage, Missing: up}
		}
	}

	ver, err := s.nextVersion(ctx, p.ID)
	if err != nil {
		return 0, err
	}

	isNew := p.Artifact(a.Stage) == nil

	// Apply to working state first so the stored snapshot reflects the
	// post-commit pointer set.
	committed := a.Clone()
	committed.Inconsistent = false
	if isNew {
		committed.Lock = models.Unlocked()
	} else {
		// Revisions keep the stage's lock flags: dependents still exist.
		committed.Lock = p.Artifact(a.Stage).Lock
	}
	p.Stages[a.Stage] = committed
	if isNew {
		s.tracker.MarkCreated(p, a.Stage)
	}
	p.Head = ver

	// Record the snapshot with explicit version pointers: the committed
	// stage moves to the new version, every other stage keeps its pointer.
	prevSnap, err := s.currentSnapshot(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	snap := buildSnapshot(p)
	for kind, ptr := range snap {
		if kind == a.Stage {
			ptr.Version = ver
		} else {
			prev, ok := prevSnap[kind]
			if !ok {
				return 0, fmt.Errorf("stage %s has no committed pointer", kind)
			}
			ptr.Version = prev.Version
		}
		snap[kind] = ptr
	}

	artifactJSON, err := json.Marshal(committed)
	if err != nil {
		return 0, fmt.Errorf("marshal artifact: %w", err)
	}
	stateJSON, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions(project_id, version, stage, artifact, state, job_id, created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, ver, string(a.Stage), string(artifactJSON), string(stateJSON), jobID, now); err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET head = ?, state = ? WHERE id = ?`,
		ver, string(stateJSON), p.ID); err != nil {
		return 0, fmt.Errorf("update project head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit version: %w", err)
	}

	s.logger.Info("Version committed",
		"project_id", p.ID,
		"version", ver,
		"stage", a.Stage,
		"revision", committed.Revision,
		"new_stage", isNew)
	return ver, nil
}

// currentSnapshot returns the pointer set from the project row's state.
func (s *Store) currentSnapshot(ctx context.Context, projectID string) (snapshot, error) {
	pr, err := s.projectRow(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(pr.state), &snap); err != nil {
		return nil, fmt.Errorf("corrupt project state: %w", err)
	}
	return snap, nil
}

// Rollback restores the project's stage pointers to exactly the given
// version's state. Later versions remain retrievable and the version
// counter is not rewound.
func (s *Store) Rollback(ctx context.Context, p *models.Project, ver int) (*models.Project, error) {
	if ver < 1 {
		return nil, fmt.Errorf("invalid version %d", ver)
	}
	snap, err := s.fetchSnapshot(ctx, p.ID, ver)
	if err != nil {
		return nil, err
	}
	stateJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE projects SET head = ?, state = ? WHERE id = ?`,
		ver, string(stateJSON), p.ID); err != nil {
		return nil, fmt.Errorf("rollback project: %w", err)
	}
	s.logger.Info("Project rolled back", "project_id", p.ID, "version", ver)
	return s.LoadProject(ctx, p.ID)
}

// Branch forks the project at fromVersion under a new branch name. The
// fork shares immutable history with the original up to that version and
// nothing after.
func (s *Store) Branch(ctx context.Context, p *models.Project, fromVersion int, newBranch string) (*models.Project, error) {
	if newBranch == "" {
		return nil, fmt.Errorf("branch name is required")
	}
	snap, err := s.fetchSnapshot(ctx, p.ID, fromVersion)
	if err != nil {
		return nil, err
	}
	stateJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(id, name, branch, parent_id, fork_version, head, state, created_at) VALUES (?,?,?,?,?,?,?,?)`,
		id, p.Name, newBranch, p.ID, fromVersion, fromVersion, string(stateJSON), now); err != nil {
		return nil, fmt.Errorf("insert branch: %w", err)
	}

	s.logger.Info("Branch created",
		"project_id", p.ID,
		"branch_id", id,
		"branch", newBranch,
		"fork_version", fromVersion)
	return s.LoadProject(ctx, id)
}

// SaveFlags persists the project's user-lock and inconsistency flags
// without creating a new version. Pointer values are untouched.
func (s *Store) SaveFlags(ctx context.Context, p *models.Project) error {
	pr, err := s.projectRow(ctx, p.ID)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(pr.state), &snap); err != nil {
		return fmt.Errorf("corrupt project state: %w", err)
	}
	for kind, ptr := range snap {
		if a := p.Artifact(kind); a != nil {
			ptr.UserLocked = a.Lock.Mode == models.LockUser
			ptr.Inconsistent = a.Inconsistent
			snap[kind] = ptr
		}
	}
	stateJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE projects SET state = ? WHERE id = ?`, string(stateJSON), p.ID); err != nil {
		return fmt.Errorf("save flags: %w", err)
	}
	return nil
}

// RecordLockAudit appends one audited lock action.
func (s *Store) RecordLockAudit(projectID string, stage models.StageKind, action string) {
	_, err := s.db.Exec(
		`INSERT INTO lock_audit(project_id, stage, action, at) VALUES (?,?,?,?)`,
		projectID, string(stage), action, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Error("Failed to record lock audit", "project_id", projectID, "stage", stage, "error", err)
	}
}

// ProjectInfo summarizes one project row for listing.
type ProjectInfo struct {
	ID        string
	Name      string
	Branch    string
	Head      int
	CreatedAt time.Time
}

// ListProjects returns all projects, branches included, oldest first.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, branch, head, created_at FROM projects ORDER BY created_at, name, branch`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectInfo
	for rows.Next() {
		var pi ProjectInfo
		var createdAt string
		if err := rows.Scan(&pi.ID, &pi.Name, &pi.Branch, &pi.Head, &createdAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		pi.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, pi)
	}
	return out, rows.Err()
}

// ListVersions returns the project's own committed snapshots in order.
func (s *Store) ListVersions(ctx context.Context, projectID string) ([]VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, stage, COALESCE(job_id, ''), created_at FROM versions WHERE project_id = ? ORDER BY version`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var vi VersionInfo
		var stage, createdAt string
		if err := rows.Scan(&vi.Version, &stage, &vi.JobID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		vi.Stage = models.StageKind(stage)
		vi.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, vi)
	}
	return out, rows.Err()
}
