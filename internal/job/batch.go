package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/storyloom/storyloom/internal/critique"
	"github.com/storyloom/storyloom/pkg/models"
)

type unitResult struct {
	idx     int
	outcome *critique.Outcome
	err     error
}

// runBatch drives a unit-generated stage through a bounded worker pool.
// Units are marked complete strictly in index order regardless of which
// worker finishes first, so the checkpoint's completed set is always
// contiguous and resume continues from the first incomplete index.
// Pause requests take effect between units, never mid-unit.
func (m *Manager) runBatch(ctx context.Context, exec *execution, p *models.Project, kind models.StageKind, override bool) error {
	rec := exec.rec

	if err := m.runner.CheckBatchPreconditions(p, kind, override); err != nil {
		return err
	}

	cp, err := m.checkpoints.Load(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		units, err := m.runner.Units(p, kind)
		if err != nil {
			return err
		}
		cp = models.NewCheckpoint(rec.ID, p.ID, kind, units)
		if err := m.checkpoints.Save(ctx, cp); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}

	cursor := cp.NextUnit()
	total := cp.TotalUnits
	if cursor < total {
		m.logger.Info("batch stage running", "job_id", rec.ID, "stage", kind,
			"units", total, "starting_at", cursor)

		workers := m.cfg.Concurrency
		if remaining := total - cursor; workers > remaining {
			workers = remaining
		}

		poolCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		unitsCh := make(chan int)
		resultsCh := make(chan unitResult, workers)
		workersDone := make(chan struct{})

		pauseCh := exec.pauseSignal()
		go func() {
			defer close(unitsCh)
			for idx := cursor; idx < total; idx++ {
				if exec.pause.Load() || poolCtx.Err() != nil {
					return
				}
				select {
				case unitsCh <- idx:
				case <-pauseCh:
					// Withdraw the offer so pause waits only for units
					// already handed to workers.
					return
				case <-poolCtx.Done():
					return
				}
			}
		}()

		var inFlight sync.WaitGroup
		for w := 0; w < workers; w++ {
			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				for idx := range unitsCh {
					started := time.Now()
					outcome, err := m.runner.RunUnit(poolCtx, p, kind, cp.Units[idx])
					if err == nil {
						m.collector.RecordUnitDuration(string(kind), time.Since(started))
					}
					select {
					case resultsCh <- unitResult{idx: idx, outcome: outcome, err: err}:
					case <-poolCtx.Done():
						return
					}
				}
			}()
		}
		go func() {
			inFlight.Wait()
			close(workersDone)
		}()

		pending := make(map[int]*critique.Outcome)
		sinceSave := 0
		var unitErr error

		// promote buffers the result and marks units complete strictly in
		// index order so the checkpoint's completed set stays contiguous.
		promote := func(idx int, out *critique.Outcome) {
			pending[idx] = out
			for out, ok := pending[cursor]; ok; out, ok = pending[cursor] {
				delete(pending, cursor)
				cp.CompletedUnits[cursor] = true
				cp.Partial[cursor] = out.Content
				if out.UnderProtest {
					cp.Protest[cursor] = true
				}
				cursor++
				sinceSave++
				exec.mu.Lock()
				rec.Progress = cp.Progress()
				progress := rec.Progress
				exec.mu.Unlock()
				m.bus.Publish(models.Event{
					Kind:      models.EventUnitCompleted,
					ProjectID: p.ID,
					JobID:     rec.ID,
					Stage:     kind,
					Unit:      cursor,
					Total:     total,
					Progress:  progress,
					At:        time.Now().UTC(),
				})
				if sinceSave >= m.cfg.CheckpointInterval {
					if err := m.checkpoints.Save(context.Background(), cp.Clone()); err != nil {
						m.logger.Error("checkpoint save", "job_id", rec.ID, "error", err)
					}
					m.persist(exec)
					sinceSave = 0
				}
			}
		}

	collect:
		for {
			select {
			case res := <-resultsCh:
				if res.err != nil {
					if unitErr == nil {
						unitErr = res.err
						cancel()
					}
					continue
				}
				promote(res.idx, res.outcome)
			case <-workersDone:
				break collect
			}
		}
		// Workers have exited; drain results that raced the close.
	drain:
		for {
			select {
			case res := <-resultsCh:
				if res.err != nil {
					if unitErr == nil {
						unitErr = res.err
					}
					continue
				}
				promote(res.idx, res.outcome)
			default:
				break drain
			}
		}

		exec.mu.Lock()
		rec.Progress = cp.Progress()
		exec.mu.Unlock()
		if err := m.checkpoints.Save(context.Background(), cp.Clone()); err != nil {
			m.logger.Error("checkpoint save", "job_id", rec.ID, "error", err)
		}
		m.persist(exec)
		if unitErr != nil {
			return unitErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cursor < total {
			if exec.pause.Load() {
				return errPaused
			}
			return fmt.Errorf("batch stopped with %d of %d units complete", cursor, total)
		}
	}

	return m.assembleBatch(ctx, exec, p, kind, cp)
}

// assembleBatch joins the per-unit results in order into one stage
// artifact and commits it.
func (m *Manager) assembleBatch(ctx context.Context, exec *execution, p *models.Project, kind models.StageKind, cp *models.Checkpoint) error {
	parts := make([]string, cp.TotalUnits)
	protest := false
	for i := 0; i < cp.TotalUnits; i++ {
		content, ok := cp.Partial[i]
		if !ok {
			return fmt.Errorf("checkpoint for job %s is missing unit %d", cp.JobID, i)
		}
		parts[i] = content
		if cp.Protest[i] {
			protest = true
		}
	}

	artifact := &models.StageArtifact{
		Stage:        kind,
		Revision:     1,
		Content:      strings.Join(parts, "\n\n"),
		CreatedAt:    time.Now().UTC(),
		JobID:        exec.rec.ID,
		Lock:         models.Unlocked(),
		UnderProtest: protest,
	}
	if prev := p.Artifact(kind); prev != nil {
		artifact.Revision = prev.Revision + 1
		artifact.Lock = prev.Lock
	}

	if _, err := m.versions.Commit(ctx, p, artifact, exec.rec.ID); err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}
	m.logger.Info("batch stage committed", "job_id", exec.rec.ID,
		"stage", kind, "units", cp.TotalUnits, "under_protest", protest)
	return nil
}
