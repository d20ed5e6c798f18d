package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/events"
	"github.com/storyloom/storyloom/internal/gateway"
	"github.com/storyloom/storyloom/internal/metrics"
	"github.com/storyloom/storyloom/internal/stage"
	"github.com/storyloom/storyloom/internal/version"
	"github.com/storyloom/storyloom/pkg/models"
)

// errPaused signals that an attempt stopped at a unit boundary because a
// pause was requested. It never reaches callers.
var errPaused = errors.New("paused at unit boundary")

// StartOptions configure one job.
type StartOptions struct {
	// Override permits regenerating a locked target stage.
	Override bool
	// Policy selects the edit behavior when regenerating a stage that
	// already has committed downstream work. Empty means a plain run.
	Policy models.EditPolicy
	// BranchName names the fork created under EditBranch.
	BranchName string
}

// execution is the in-memory state of one tracked job. It outlives
// individual run attempts so pause/resume keep the (project, stage)
// slot occupied.
type execution struct {
	rec    *models.JobRecord
	opts   StartOptions
	cancel context.CancelFunc
	pause  atomic.Bool

	// mu guards rec mutation and the per-attempt channels. The run
	// goroutine writes rec while Pause/Resume/Cancel read it.
	mu      sync.Mutex
	done    chan struct{}
	pauseCh chan struct{}
}

func (e *execution) beginAttempt() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = make(chan struct{})
	e.pauseCh = make(chan struct{})
	return e.done
}

func (e *execution) doneCh() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *execution) status() models.JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Status
}

// requestPause sets the pause flag and wakes a feeder blocked offering
// the next unit, so pause latency is bounded by the in-flight units.
func (e *execution) requestPause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pause.CompareAndSwap(false, true) && e.pauseCh != nil {
		close(e.pauseCh)
	}
}

func (e *execution) pauseSignal() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauseCh
}

// Manager owns job lifecycle: single-flight admission per (project, stage),
// the Pending/Running/Paused/terminal state machine, retries, and the
// checkpointed batch loop for unit-generated stages.
type Manager struct {
	cfg         config.JobsConfig
	records     *Records
	checkpoints *Checkpoints
	versions    *version.Store
	runner      *stage.Runner
	bus         *events.Bus
	collector   *metrics.Collector
	logger      *slog.Logger

	mu    sync.Mutex
	execs map[string]*execution // job id -> execution
	slots map[string]string     // project id + stage -> job id
	wg    sync.WaitGroup
}

// NewManager creates a job manager.
func NewManager(cfg config.JobsConfig, records *Records, checkpoints *Checkpoints, versions *version.Store, runner *stage.Runner, bus *events.Bus, collector *metrics.Collector, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		records:     records,
		checkpoints: checkpoints,
		versions:    versions,
		runner:      runner,
		bus:         bus,
		collector:   collector,
		logger:      logger.With("component", "jobs"),
		execs:       make(map[string]*execution),
		slots:       make(map[string]string),
	}
}

func slotKey(projectID string, kind models.StageKind) string {
	return projectID + "/" + string(kind)
}

// Start admits a new job for (project, stage) and begins running it
// asynchronously. A second start for the same pair while the first is
// pending, running, or paused returns ConflictError.
func (m *Manager) Start(ctx context.Context, projectID string, kind models.StageKind, opts StartOptions) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown stage %q", kind)
	}
	if opts.Policy != "" && !opts.Policy.Valid() {
		return "", fmt.Errorf("unknown edit policy %q", opts.Policy)
	}
	if opts.Policy == models.EditBranch && opts.BranchName == "" {
		return "", fmt.Errorf("edit policy %s requires a branch name", opts.Policy)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := slotKey(projectID, kind)
	if existing, ok := m.slots[key]; ok {
		return "", &ConflictError{ProjectID: projectID, Stage: kind, ExistingJobID: existing, ExistingState: m.execs[existing].status()}
	}
	// A paused job from an earlier process still holds the slot.
	if prior, err := m.records.FindActive(ctx, projectID, kind); err != nil {
		return "", err
	} else if prior != nil {
		return "", &ConflictError{ProjectID: projectID, Stage: kind, ExistingJobID: prior.ID, ExistingState: prior.Status}
	}

	now := time.Now().UTC()
	rec := &models.JobRecord{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Stage:     kind,
		Status:    models.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.records.insert(ctx, rec); err != nil {
		return "", fmt.Errorf("record job: %w", err)
	}

	exec := &execution{rec: rec, opts: opts}
	m.execs[rec.ID] = exec
	m.slots[key] = rec.ID
	m.collector.JobStarted()
	m.logger.Info("job admitted", "job_id", rec.ID, "project_id", projectID, "stage", kind)

	m.launch(exec)
	return rec.ID, nil
}

// launch moves the job to Running and spawns the run goroutine.
// Caller holds m.mu.
func (m *Manager) launch(exec *execution) {
	runCtx, cancel := context.WithCancel(context.Background())
	exec.cancel = cancel
	done := exec.beginAttempt()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.run(runCtx, exec)
	}()
}

// run drives one job from Running to a resting state: Completed, Failed,
// Cancelled, or Paused. Failed attempts retry in place up to the budget;
// batched retries keep the durable checkpoint, so completed units are
// never redone.
func (m *Manager) run(ctx context.Context, exec *execution) {
	rec := exec.rec
	// Resume already moved the record to Running before relaunching.
	if exec.status() != models.JobRunning {
		if err := m.setStatus(exec, models.JobRunning); err != nil {
			m.logger.Error("job start rejected", "job_id", rec.ID, "error", err)
			m.release(exec)
			return
		}
	}

	for {
		err := m.attempt(ctx, exec)
		if err == nil {
			m.finish(exec, models.JobCompleted, nil)
			return
		}
		if errors.Is(err, errPaused) {
			if serr := m.setStatus(exec, models.JobPaused); serr != nil {
				m.logger.Error("pause transition failed", "job_id", rec.ID, "error", serr)
			}
			m.publish(models.EventJobPaused, rec, nil)
			m.logger.Info("job paused", "job_id", rec.ID, "stage", rec.Stage, "progress", rec.Progress)
			// Slot stays held; Resume or Cancel picks it back up.
			return
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			m.finish(exec, models.JobCancelled, nil)
			return
		}
		if !retryable(err) || rec.RetryCount >= m.cfg.MaxRetries {
			m.finish(exec, models.JobFailed, err)
			return
		}
		exec.mu.Lock()
		rec.RetryCount++
		retry := rec.RetryCount
		exec.mu.Unlock()
		m.persist(exec)
		m.logger.Warn("job attempt failed, retrying",
			"job_id", rec.ID, "stage", rec.Stage, "retry", retry, "error", err)
	}
}

// retryable reports whether a fresh attempt could plausibly succeed.
// Precondition and admission failures are deterministic and fail fast.
func retryable(err error) bool {
	var dep *stage.DependencyError
	var lock *stage.LockConflictError
	var seq *version.SequenceError
	var budget *gateway.BudgetExceededError
	switch {
	case errors.As(err, &dep), errors.As(err, &lock), errors.As(err, &seq), errors.As(err, &budget):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// finish records the terminal state and frees the slot.
func (m *Manager) finish(exec *execution, status models.JobStatus, cause error) {
	rec := exec.rec
	exec.mu.Lock()
	if cause != nil {
		rec.Error = cause.Error()
	}
	if status == models.JobCompleted {
		rec.Progress = 1
	}
	exec.mu.Unlock()
	if err := m.setStatus(exec, status); err != nil {
		m.logger.Error("terminal transition failed", "job_id", rec.ID, "to", status, "error", err)
	}
	switch status {
	case models.JobCompleted:
		m.publish(models.EventJobCompleted, rec, nil)
		m.logger.Info("job completed", "job_id", rec.ID, "stage", rec.Stage)
	case models.JobFailed:
		m.publish(models.EventJobFailed, rec, cause)
		m.logger.Error("job failed", "job_id", rec.ID, "stage", rec.Stage, "retries", rec.RetryCount, "error", cause)
	case models.JobCancelled:
		m.publish(models.EventJobCancelled, rec, nil)
		m.logger.Info("job cancelled", "job_id", rec.ID, "stage", rec.Stage)
	}
	m.release(exec)
}

func (m *Manager) release(exec *execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.execs, exec.rec.ID)
	delete(m.slots, slotKey(exec.rec.ProjectID, exec.rec.Stage))
	m.collector.JobReleased()
	m.collector.RecordJobOutcome(string(exec.rec.Stage), string(exec.rec.Status))
}

// setStatus validates the transition, persists it, and updates the
// in-memory record. Persistence deliberately ignores the attempt
// context, which may already be cancelled.
func (m *Manager) setStatus(exec *execution, to models.JobStatus) error {
	rec := exec.rec
	exec.mu.Lock()
	if !models.CanTransition(rec.Status, to) {
		from := rec.Status
		exec.mu.Unlock()
		return &TransitionError{JobID: rec.ID, From: from, To: to}
	}
	rec.Status = to
	rec.UpdatedAt = time.Now().UTC()
	exec.mu.Unlock()
	m.persist(exec)
	return nil
}

func (m *Manager) persist(exec *execution) {
	exec.mu.Lock()
	snap := *exec.rec
	exec.mu.Unlock()
	if err := m.records.update(context.Background(), &snap); err != nil {
		m.logger.Error("persist job record", "job_id", snap.ID, "error", err)
	}
}

func (m *Manager) publish(kind models.EventKind, rec *models.JobRecord, cause error) {
	ev := models.Event{
		Kind:      kind,
		ProjectID: rec.ProjectID,
		JobID:     rec.ID,
		Stage:     rec.Stage,
		Progress:  rec.Progress,
		At:        time.Now().UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	m.bus.Publish(ev)
}

// attempt runs the job's work once, according to its edit policy.
func (m *Manager) attempt(ctx context.Context, exec *execution) error {
	rec := exec.rec
	p, err := m.versions.LoadProject(ctx, rec.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	switch exec.opts.Policy {
	case models.EditBranch:
		fork, err := m.versions.Branch(ctx, p, p.Head, exec.opts.BranchName)
		if err != nil {
			return fmt.Errorf("branch %s: %w", exec.opts.BranchName, err)
		}
		m.logger.Info("edit branched", "job_id", rec.ID,
			"branch", exec.opts.BranchName, "branch_project_id", fork.ID, "from_version", p.Head)
		return m.executeStage(ctx, exec, fork, rec.Stage, true)

	case models.EditRegenerateCascade:
		downstream := committedDownstream(p, rec.Stage)
		total := 1 + len(downstream)
		if err := m.executeStage(ctx, exec, p, rec.Stage, true); err != nil {
			return err
		}
		exec.mu.Lock()
		rec.Progress = 1 / float64(total)
		exec.mu.Unlock()
		m.persist(exec)
		for i, down := range downstream {
			if err := m.executeStage(ctx, exec, p, down, true); err != nil {
				return fmt.Errorf("cascade to %s: %w", down, err)
			}
			exec.mu.Lock()
			rec.Progress = float64(i+2) / float64(total)
			exec.mu.Unlock()
			m.persist(exec)
		}
		return nil

	case models.EditMarkInconsistent:
		if err := m.executeStage(ctx, exec, p, rec.Stage, true); err != nil {
			return err
		}
		flagged := m.versions.Tracker().InvalidateDownstream(p, rec.Stage)
		if err := m.versions.SaveFlags(ctx, p); err != nil {
			return fmt.Errorf("save inconsistency flags: %w", err)
		}
		m.logger.Info("downstream flagged inconsistent", "job_id", rec.ID,
			"stage", rec.Stage, "flagged", flagged)
		return nil

	default:
		return m.executeStage(ctx, exec, p, rec.Stage, exec.opts.Override)
	}
}

func committedDownstream(p *models.Project, kind models.StageKind) []models.StageKind {
	var out []models.StageKind
	for _, down := range kind.Downstream() {
		if p.Artifact(down) != nil {
			out = append(out, down)
		}
	}
	return out
}

func (m *Manager) executeStage(ctx context.Context, exec *execution, p *models.Project, kind models.StageKind, override bool) error {
	if kind.Batched() {
		return m.runBatch(ctx, exec, p, kind, override)
	}
	artifact, err := m.runner.Run(ctx, p, kind, stage.RunOptions{Override: override, JobID: exec.rec.ID})
	if err != nil {
		return err
	}
	if _, err := m.versions.Commit(ctx, p, artifact, exec.rec.ID); err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}
	return nil
}

// Wait blocks until the job's current run attempt reaches a resting
// state and returns the recorded error, if any. A paused job returns
// with a nil error.
func (m *Manager) Wait(ctx context.Context, jobID string) error {
	m.mu.Lock()
	exec, ok := m.execs[jobID]
	m.mu.Unlock()
	if !ok {
		rec, err := m.records.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if rec.Status == models.JobFailed {
			return errors.New(rec.Error)
		}
		return nil
	}
	select {
	case <-exec.doneCh():
	case <-ctx.Done():
		return ctx.Err()
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.rec.Status == models.JobFailed {
		return errors.New(exec.rec.Error)
	}
	return nil
}

// Pause asks a running job to stop at its next unit boundary. The
// transition to Paused happens when the boundary is reached; a job
// that finishes its last unit first simply completes.
func (m *Manager) Pause(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[jobID]
	if !ok {
		return fmt.Errorf("job %s is not active", jobID)
	}
	if got := exec.status(); got != models.JobRunning {
		return &TransitionError{JobID: jobID, From: got, To: models.JobPaused}
	}
	exec.requestPause()
	m.logger.Info("pause requested", "job_id", jobID)
	return nil
}

// Resume continues a paused job from its checkpoint. Works across
// process restarts: the execution is rebuilt from the durable record
// when no in-memory state survives.
func (m *Manager) Resume(ctx context.Context, jobID string, opts StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.execs[jobID]
	if !ok {
		rec, err := m.records.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if rec.Status != models.JobPaused {
			return &TransitionError{JobID: jobID, From: rec.Status, To: models.JobRunning}
		}
		key := slotKey(rec.ProjectID, rec.Stage)
		if holder, held := m.slots[key]; held && holder != jobID {
			return &ConflictError{ProjectID: rec.ProjectID, Stage: rec.Stage, ExistingJobID: holder, ExistingState: m.execs[holder].status()}
		}
		exec = &execution{rec: rec, opts: opts}
		m.execs[jobID] = exec
		m.slots[key] = jobID
		m.collector.JobStarted()
	} else if got := exec.status(); got != models.JobPaused {
		return &TransitionError{JobID: jobID, From: got, To: models.JobRunning}
	}

	exec.pause.Store(false)
	if err := m.setStatus(exec, models.JobRunning); err != nil {
		return err
	}
	exec.mu.Lock()
	snap := *exec.rec
	exec.mu.Unlock()
	m.publish(models.EventJobResumed, &snap, nil)
	m.logger.Info("job resumed", "job_id", jobID, "progress", snap.Progress)
	m.launch(exec)
	return nil
}

// Cancel stops a pending, running, or paused job. Already-checkpointed
// units and already-committed versions stay in place.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	exec, ok := m.execs[jobID]
	m.mu.Unlock()
	if !ok {
		rec, err := m.records.Get(context.Background(), jobID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return &TransitionError{JobID: jobID, From: rec.Status, To: models.JobCancelled}
		}
		// Paused in a previous process: no goroutine to unwind.
		if !models.CanTransition(rec.Status, models.JobCancelled) {
			return &TransitionError{JobID: jobID, From: rec.Status, To: models.JobCancelled}
		}
		rec.Status = models.JobCancelled
		rec.UpdatedAt = time.Now().UTC()
		if err := m.records.update(context.Background(), rec); err != nil {
			return err
		}
		m.publish(models.EventJobCancelled, rec, nil)
		return nil
	}

	switch got := exec.status(); got {
	case models.JobRunning:
		// The run goroutine observes the cancellation and finalizes.
		exec.cancel()
		return nil
	case models.JobPending, models.JobPaused:
		m.finish(exec, models.JobCancelled, nil)
		return nil
	default:
		return &TransitionError{JobID: jobID, From: got, To: models.JobCancelled}
	}
}

// Shutdown waits for in-flight run goroutines to unwind. Call after
// cancelling or pausing jobs.
func (m *Manager) Shutdown() {
	m.wg.Wait()
}
