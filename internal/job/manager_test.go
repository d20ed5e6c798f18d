package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/critique"
	"github.com/storyloom/storyloom/internal/deps"
	"github.com/storyloom/storyloom/internal/events"
	"github.com/storyloom/storyloom/internal/metrics"
	"github.com/storyloom/storyloom/internal/stage"
	"github.com/storyloom/storyloom/internal/store"
	"github.com/storyloom/storyloom/internal/version"
	"github.com/storyloom/storyloom/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedCallables drafts canned content. When gate is non-nil every
// build consumes one token from it first, so tests control exactly how
// far a job gets.
type scriptedCallables struct {
	mu       sync.Mutex
	builds   map[string]int
	gate     chan struct{}
	buildErr error
	units    []string
}

func newScripted(units ...string) *scriptedCallables {
	return &scriptedCallables{builds: make(map[string]int), units: units}
}

func (f *scriptedCallables) withGate() *scriptedCallables {
	f.gate = make(chan struct{}, 256)
	return f
}

func (f *scriptedCallables) allow(n int) {
	for i := 0; i < n; i++ {
		f.gate <- struct{}{}
	}
}

func (f *scriptedCallables) buildCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds[key]
}

func (f *scriptedCallables) pass(ctx context.Context) error {
	if f.gate == nil {
		return nil
	}
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *scriptedCallables) record(key string) {
	f.mu.Lock()
	f.builds[key]++
	f.mu.Unlock()
}

func (f *scriptedCallables) Build(kind models.StageKind, upstream stage.Context) critique.BuildFunc {
	return func(ctx context.Context, prev string, feedback *critique.Feedback) (string, error) {
		if err := f.pass(ctx); err != nil {
			return "", err
		}
		if f.buildErr != nil {
			return "", f.buildErr
		}
		f.record(string(kind))
		return string(kind) + " content", nil
	}
}

func (f *scriptedCallables) Critique(kind models.StageKind) critique.CritiqueFunc {
	return func(ctx context.Context, draft string) (*critique.Feedback, error) {
		return &critique.Feedback{Rating: models.RatingGood}, nil
	}
}

func (f *scriptedCallables) Units(kind models.StageKind, upstream stage.Context) ([]string, error) {
	return f.units, nil
}

func (f *scriptedCallables) BuildUnit(kind models.StageKind, upstream stage.Context, unitSpec string) critique.BuildFunc {
	return func(ctx context.Context, prev string, feedback *critique.Feedback) (string, error) {
		f.record("enter:" + unitSpec)
		if err := f.pass(ctx); err != nil {
			return "", err
		}
		if f.buildErr != nil {
			return "", f.buildErr
		}
		f.record("unit:" + unitSpec)
		return "prose:" + unitSpec, nil
	}
}

func (f *scriptedCallables) CritiqueUnit(kind models.StageKind, unitSpec string) critique.CritiqueFunc {
	return func(ctx context.Context, draft string) (*critique.Feedback, error) {
		return &critique.Feedback{Rating: models.RatingGood}, nil
	}
}

type harness struct {
	mgr         *Manager
	versions    *version.Store
	records     *Records
	checkpoints *Checkpoints
	fc          *scriptedCallables
}

func newHarness(t *testing.T, cfg config.JobsConfig, fc *scriptedCallables) *harness {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := testLogger()
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	collector := metrics.NewCollector()
	versions := version.New(db, deps.New(nil, logger), logger)
	loop := critique.New(models.RatingAcceptable, 2, nil, nil, logger)
	runner := stage.New(loop, fc, nil, logger)
	records := NewRecords(db)
	checkpoints := NewCheckpoints(db, logger)
	mgr := NewManager(cfg, records, checkpoints, versions, runner, bus, collector, logger)
	t.Cleanup(mgr.Shutdown)

	return &harness{mgr: mgr, versions: versions, records: records, checkpoints: checkpoints, fc: fc}
}

func defaultJobsConfig() config.JobsConfig {
	return config.JobsConfig{Concurrency: 2, CheckpointInterval: 1, MaxRetries: 0}
}

func (h *harness) project(t *testing.T, through models.StageKind) *models.Project {
	t.Helper()
	ctx := context.Background()
	p, err := h.versions.CreateProject(ctx, "novel")
	if err != nil {
		t.Fatal(err)
	}
	if through == "" {
		return p
	}
	for _, k := range models.StageOrder {
		a := &models.StageArtifact{Stage: k, Revision: 1, Content: string(k) + " v1", Lock: models.Unlocked()}
		if _, err := h.versions.Commit(ctx, p, a, "seed"); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
		if k == through {
			break
		}
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) status(t *testing.T, jobID string) models.JobStatus {
	t.Helper()
	rec, err := h.records.Get(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	return rec.Status
}

func TestSingleStageJobCompletes(t *testing.T) {
	fc := newScripted()
	h := newHarness(t, defaultJobsConfig(), fc)
	p := h.project(t, "")

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageConcept, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if got := h.status(t, jobID); got != models.JobCompleted {
		t.Errorf("status = %s", got)
	}

	loaded, err := h.versions.LoadProject(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	a := loaded.Artifact(models.StageConcept)
	if a == nil || a.Content != "concept content" {
		t.Fatalf("concept = %+v", a)
	}
	if a.JobID != jobID {
		t.Errorf("artifact job id = %q, want %q", a.JobID, jobID)
	}
}

func TestStartConflict(t *testing.T) {
	fc := newScripted().withGate()
	h := newHarness(t, defaultJobsConfig(), fc)
	p := h.project(t, "")

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageConcept, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.mgr.Start(context.Background(), p.ID, models.StageConcept, StartOptions{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ExistingJobID != jobID {
		t.Errorf("conflict job = %q, want %q", conflict.ExistingJobID, jobID)
	}

	fc.allow(8)
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}
}

func TestBatchCompletesInOrder(t *testing.T) {
	units := []string{"a", "b", "c", "d", "e"}
	fc := newScripted(units...)
	cfg := defaultJobsConfig()
	cfg.Concurrency = 3
	cfg.CheckpointInterval = 2
	h := newHarness(t, cfg, fc)
	p := h.project(t, models.StageBreakdown)

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageProse, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if got := h.status(t, jobID); got != models.JobCompleted {
		t.Fatalf("status = %s", got)
	}

	loaded, _ := h.versions.LoadProject(context.Background(), p.ID)
	prose := loaded.Artifact(models.StageProse)
	if prose == nil {
		t.Fatal("prose not committed")
	}
	want := "prose:a\n\nprose:b\n\nprose:c\n\nprose:d\n\nprose:e"
	if prose.Content != want {
		t.Errorf("assembled content out of order:\n%s", prose.Content)
	}

	cp, err := h.checkpoints.Load(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.CompletedCount() != len(units) {
		t.Errorf("checkpoint completed = %d", cp.CompletedCount())
	}
	for _, u := range units {
		if got := fc.buildCount("unit:" + u); got != 1 {
			t.Errorf("unit %s built %d times", u, got)
		}
	}
}

func TestPauseAndResume(t *testing.T) {
	units := []string{"a", "b", "c", "d"}
	fc := newScripted(units...).withGate()
	cfg := config.JobsConfig{Concurrency: 1, CheckpointInterval: 1, MaxRetries: 0}
	h := newHarness(t, cfg, fc)
	p := h.project(t, models.StageBreakdown)

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageProse, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Let the first unit through, then ask for a pause.
	fc.allow(1)
	waitFor(t, "first unit", func() bool { return fc.buildCount("unit:a") == 1 })
	waitFor(t, "pause accepted", func() bool { return h.mgr.Pause(jobID) == nil })

	// Dribble tokens so any units dispatched before the pause flag landed
	// can finish and the pool drains at the boundary.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		paused := func() bool {
			rec, err := h.records.Get(context.Background(), jobID)
			return err == nil && rec.Status == models.JobPaused
		}
		for !paused() {
			select {
			case fc.gate <- struct{}{}:
			default:
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}
	<-pumpDone
	if got := h.status(t, jobID); got != models.JobPaused {
		t.Fatalf("status after pause = %s", got)
	}

	cp, err := h.checkpoints.Load(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	resumeAt := cp.NextUnit()
	if resumeAt < 1 || resumeAt >= len(units) {
		t.Fatalf("checkpoint next unit = %d", resumeAt)
	}

	// A paused job still holds the slot.
	_, err = h.mgr.Start(context.Background(), p.ID, models.StageProse, StartOptions{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError while paused, got %v", err)
	}

	fc.allow(16)
	if err := h.mgr.Resume(context.Background(), jobID, StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}
	if got := h.status(t, jobID); got != models.JobCompleted {
		t.Fatalf("status after resume = %s", got)
	}

	// Completed units were not regenerated across the pause.
	for _, u := range units {
		if got := fc.buildCount("unit:" + u); got != 1 {
			t.Errorf("unit %s built %d times", u, got)
		}
	}
	loaded, _ := h.versions.LoadProject(context.Background(), p.ID)
	if got := loaded.Artifact(models.StageProse).Content; !strings.HasPrefix(got, "prose:a\n\nprose:b") {
		t.Errorf("content = %q", got)
	}
}

func TestPauseWithdrawsQueuedUnit(t *testing.T) {
	fc := newScripted("a", "b", "c").withGate()
	cfg := config.JobsConfig{Concurrency: 1, CheckpointInterval: 1, MaxRetries: 0}
	h := newHarness(t, cfg, fc)
	p := h.project(t, models.StageBreakdown)

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageProse, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// With unit a in flight, the feeder is at most offering unit b.
	waitFor(t, "unit a in flight", func() bool { return fc.buildCount("enter:a") == 1 })
	waitFor(t, "pause accepted", func() bool { return h.mgr.Pause(jobID) == nil })
	// Give the feeder a moment to withdraw the pending offer.
	time.Sleep(50 * time.Millisecond)
	fc.allow(1)

	waitFor(t, "paused", func() bool { return h.status(t, jobID) == models.JobPaused })
	if got := fc.buildCount("unit:b"); got != 0 {
		t.Errorf("queued unit built %d times after pause", got)
	}
	cp, err := h.checkpoints.Load(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.NextUnit() != 1 {
		t.Errorf("checkpoint next unit = %d, want 1", cp.NextUnit())
	}

	if err := h.mgr.Cancel(jobID); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	fc := newScripted("a", "b", "c").withGate()
	h := newHarness(t, defaultJobsConfig(), fc)
	p := h.project(t, models.StageBreakdown)

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageProse, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running", func() bool { return h.status(t, jobID) == models.JobRunning })

	if err := h.mgr.Cancel(jobID); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}
	if got := h.status(t, jobID); got != models.JobCancelled {
		t.Errorf("status = %s", got)
	}

	// The slot is free again.
	restart, err := h.mgr.Start(context.Background(), p.ID, models.StageProse, StartOptions{})
	if err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
	waitFor(t, "restart running", func() bool { return h.status(t, restart) == models.JobRunning })
	if err := h.mgr.Cancel(restart); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), restart); err != nil {
		t.Fatal(err)
	}
}

func TestRetriesThenFails(t *testing.T) {
	fc := newScripted()
	fc.buildErr = errors.New("backend flapping")
	cfg := defaultJobsConfig()
	cfg.MaxRetries = 2
	h := newHarness(t, cfg, fc)
	p := h.project(t, "")

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageConcept, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err == nil {
		t.Fatal("expected failure")
	}

	rec, _ := h.records.Get(context.Background(), jobID)
	if rec.Status != models.JobFailed {
		t.Errorf("status = %s", rec.Status)
	}
	if rec.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", rec.RetryCount)
	}
	if rec.Error == "" {
		t.Error("failure cause not recorded")
	}
}

func TestLockConflictFailsFast(t *testing.T) {
	fc := newScripted()
	cfg := defaultJobsConfig()
	cfg.MaxRetries = 3
	h := newHarness(t, cfg, fc)
	p := h.project(t, models.StageCast)

	if err := h.versions.Tracker().SetUserLock(p, models.StageConcept, true); err != nil {
		t.Fatal(err)
	}
	if err := h.versions.SaveFlags(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageConcept, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err == nil {
		t.Fatal("expected failure")
	}

	rec, _ := h.records.Get(context.Background(), jobID)
	if rec.Status != models.JobFailed {
		t.Errorf("status = %s", rec.Status)
	}
	// Precondition failures are deterministic: no retries burned.
	if rec.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", rec.RetryCount)
	}
	if fc.buildCount(string(models.StageConcept)) != 0 {
		t.Error("locked stage must not be built without override")
	}
}

func TestEditMarkInconsistent(t *testing.T) {
	fc := newScripted()
	h := newHarness(t, defaultJobsConfig(), fc)
	p := h.project(t, models.StageSetting)

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageConcept,
		StartOptions{Policy: models.EditMarkInconsistent})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}

	loaded, _ := h.versions.LoadProject(context.Background(), p.ID)
	if got := loaded.Artifact(models.StageConcept).Revision; got != 2 {
		t.Errorf("concept revision = %d, want 2", got)
	}
	for _, k := range []models.StageKind{models.StageCast, models.StageSetting} {
		if !loaded.Artifact(k).Inconsistent {
			t.Errorf("%s not flagged inconsistent", k)
		}
	}
	if loaded.Artifact(models.StageConcept).Inconsistent {
		t.Error("regenerated stage must not be flagged")
	}
}

func TestEditRegenerateCascade(t *testing.T) {
	fc := newScripted()
	h := newHarness(t, defaultJobsConfig(), fc)
	p := h.project(t, models.StageSetting)

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageCast,
		StartOptions{Policy: models.EditRegenerateCascade})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}

	loaded, _ := h.versions.LoadProject(context.Background(), p.ID)
	// Target and its committed downstream were regenerated, upstream not.
	if got := loaded.Artifact(models.StageCast).Revision; got != 2 {
		t.Errorf("cast revision = %d, want 2", got)
	}
	if got := loaded.Artifact(models.StageSetting).Revision; got != 2 {
		t.Errorf("setting revision = %d, want 2", got)
	}
	if got := loaded.Artifact(models.StageConcept).Revision; got != 1 {
		t.Errorf("concept revision = %d, want 1", got)
	}
	if fc.buildCount(string(models.StageConcept)) != 0 {
		t.Error("upstream stage rebuilt by cascade")
	}
	for _, k := range []models.StageKind{models.StageCast, models.StageSetting} {
		if loaded.Artifact(k).Inconsistent {
			t.Errorf("%s flagged despite cascade regeneration", k)
		}
	}
}

func TestEditBranchLeavesOriginalUntouched(t *testing.T) {
	fc := newScripted()
	h := newHarness(t, defaultJobsConfig(), fc)
	p := h.project(t, models.StageCast)

	jobID, err := h.mgr.Start(context.Background(), p.ID, models.StageConcept,
		StartOptions{Policy: models.EditBranch, BranchName: "darker"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}

	original, _ := h.versions.LoadProject(context.Background(), p.ID)
	if got := original.Artifact(models.StageConcept).Content; got != "concept v1" {
		t.Errorf("original concept changed: %q", got)
	}

	fork, err := h.versions.FindProject(context.Background(), "novel", "darker")
	if err != nil {
		t.Fatal(err)
	}
	if got := fork.Artifact(models.StageConcept).Content; got != "concept content" {
		t.Errorf("fork concept = %q", got)
	}
	if got := fork.Artifact(models.StageCast).Content; got != "cast v1" {
		t.Errorf("fork cast = %q", got)
	}
}

func TestStartValidation(t *testing.T) {
	fc := newScripted()
	h := newHarness(t, defaultJobsConfig(), fc)
	p := h.project(t, "")

	if _, err := h.mgr.Start(context.Background(), p.ID, "chapter", StartOptions{}); err == nil {
		t.Error("expected error for unknown stage")
	}
	if _, err := h.mgr.Start(context.Background(), p.ID, models.StageConcept,
		StartOptions{Policy: "overwrite"}); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := h.mgr.Start(context.Background(), p.ID, models.StageConcept,
		StartOptions{Policy: models.EditBranch}); err == nil {
		t.Error("expected error for branch policy without a name")
	}
}

func TestCancelTerminalJobRejected(t *testing.T) {
	fc := newScripted()
	h := newHarness(t, defaultJobsConfig(), fc)
	p := h.project(t, "")

	jobID, _ := h.mgr.Start(context.Background(), p.ID, models.StageConcept, StartOptions{})
	if err := h.mgr.Wait(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}

	err := h.mgr.Cancel(jobID)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}
