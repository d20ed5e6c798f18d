// Package presenter renders the event stream for an interactive
// terminal: critique round notes and a progress bar for batched units.
package presenter

import (
	"fmt"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/storyloom/storyloom/internal/events"
	"github.com/storyloom/storyloom/pkg/models"
)

// Presenter consumes bus events until Stop is called.
type Presenter struct {
	bus    *events.Bus
	cancel func()
	wg     sync.WaitGroup

	bar *progressbar.ProgressBar
}

// New subscribes to the bus and starts rendering.
func New(bus *events.Bus) *Presenter {
	p := &Presenter{bus: bus}
	ch, cancel := bus.Subscribe()
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range ch {
			p.render(ev)
		}
	}()
	return p
}

func (p *Presenter) render(ev models.Event) {
	switch ev.Kind {
	case models.EventStageStarted:
		fmt.Fprintf(os.Stderr, "▸ %s: generating\n", ev.Stage)
	case models.EventCritiqued:
		fmt.Fprintf(os.Stderr, "  %s round %d rated %s\n", ev.Stage, ev.Round, ev.Rating)
	case models.EventRevising:
		fmt.Fprintf(os.Stderr, "  %s revising (round %d)\n", ev.Stage, ev.Round)
	case models.EventStageCompleted:
		fmt.Fprintf(os.Stderr, "✓ %s complete\n", ev.Stage)
	case models.EventUnitCompleted:
		if p.bar == nil || p.bar.GetMax() != ev.Total {
			p.bar = progressbar.Default(int64(ev.Total), fmt.Sprintf("Writing %s", ev.Stage))
			_ = p.bar.Set(ev.Unit - 1)
		}
		_ = p.bar.Set(ev.Unit)
	case models.EventJobPaused:
		fmt.Fprintf(os.Stderr, "⏸ job %s paused at %.0f%%\n", ev.JobID, ev.Progress*100)
	case models.EventJobResumed:
		fmt.Fprintf(os.Stderr, "▸ job %s resumed from %.0f%%\n", ev.JobID, ev.Progress*100)
	case models.EventJobFailed:
		fmt.Fprintf(os.Stderr, "✗ job %s failed: %s\n", ev.JobID, ev.Error)
	case models.EventJobCancelled:
		fmt.Fprintf(os.Stderr, "✗ job %s cancelled\n", ev.JobID)
	case models.EventJobCompleted:
		fmt.Fprintf(os.Stderr, "✓ job %s completed\n", ev.JobID)
	}
}

// Stop unsubscribes and waits for the render goroutine.
func (p *Presenter) Stop() {
	p.cancel()
	p.wg.Wait()
}
