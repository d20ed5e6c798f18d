// Package critique drives the drafting/revision loop that governs how a
// single stage's content is produced and accepted. A draft is built,
// rated, and revised until it meets the acceptance threshold or the
// revision budget runs out, in which case the best draft seen is accepted
// under protest.
package critique

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyloom/storyloom/internal/events"
	"github.com/storyloom/storyloom/internal/metrics"
	"github.com/storyloom/storyloom/pkg/models"
)

// Feedback is the structured outcome of rating one draft.
type Feedback struct {
	Rating      models.Rating
	Issues      []string
	Suggestions []string
}

// BuildFunc produces a draft. prev and feedback are nil on the first
// round and carry the prior draft plus its critique on revision rounds.
// The prompt wording behind a build is opaque to this package.
type BuildFunc func(ctx context.Context, prev string, feedback *Feedback) (string, error)

// CritiqueFunc rates a draft.
type CritiqueFunc func(ctx context.Context, draft string) (*Feedback, error)

// Outcome is the result of one loop run.
type Outcome struct {
	Content string
	History []models.CritiqueEntry
	// UnderProtest is set when no draft met the threshold and the best
	// one was accepted anyway. Not an error.
	UnderProtest bool
}

// Loop runs the draft/rate/revise cycle for one stage.
type Loop struct {
	threshold models.Rating
	maxCycles int
	bus       *events.Bus
	collector *metrics.Collector
	logger    *slog.Logger
}

// New creates a critique loop. maxCycles is the number of revision rounds
// after the initial draft; zero degrades to a single mandatory round.
func New(threshold models.Rating, maxCycles int, bus *events.Bus, collector *metrics.Collector, logger *slog.Logger) *Loop {
	return &Loop{
		threshold: threshold,
		maxCycles: maxCycles,
		bus:       bus,
		collector: collector,
		logger:    logger.With("component", "critique"),
	}
}

// Run executes at most maxCycles+1 rounds. Build or critique errors abort
// the loop and propagate unchanged: there is no lower-quality fallback
// when no draft exists.
func (l *Loop) Run(ctx context.Context, projectID string, stage models.StageKind, build BuildFunc, rate CritiqueFunc) (*Outcome, error) {
	var (
		history   []models.CritiqueEntry
		bestDraft string
		// bestRating starts below RatingFailure so the first draft always
		// becomes the fallback candidate; ties prefer the most recent.
		bestRating = models.Rating(-1)
		prev       string
		feedback   *Feedback
	)

	for round := 0; round <= l.maxCycles; round++ {
		if round > 0 {
			l.publish(models.Event{
				Kind:      models.EventRevising,
				ProjectID: projectID,
				Stage:     stage,
				Round:     round,
				Issues:    feedback.Issues,
			})
		}

		draft, err := build(ctx, prev, feedback)
		if err != nil {
			return nil, fmt.Errorf("build round %d: %w", round, err)
		}
		l.publish(models.Event{
			Kind:      models.EventDraftProduced,
			ProjectID: projectID,
			Stage:     stage,
			Round:     round,
		})

		feedback, err = rate(ctx, draft)
		if err != nil {
			return nil, fmt.Errorf("critique round %d: %w", round, err)
		}

		history = append(history, models.CritiqueEntry{
			Round:       round,
			Rating:      feedback.Rating,
			Issues:      feedback.Issues,
			Suggestions: feedback.Suggestions,
			CritiquedAt: time.Now().UTC(),
		})
		l.publish(models.Event{
			Kind:      models.EventCritiqued,
			ProjectID: projectID,
			Stage:     stage,
			Round:     round,
			Rating:    feedback.Rating,
			Issues:    feedback.Issues,
		})
		l.logger.Info("Draft critiqued",
			"stage", stage,
			"round", round,
			"rating", feedback.Rating.String(),
			"issues", len(feedback.Issues))

		if feedback.Rating >= bestRating {
			bestDraft = draft
			bestRating = feedback.Rating
		}

		if feedback.Rating.Meets(l.threshold) {
			if l.collector != nil {
				l.collector.RecordCritiqueRounds(string(stage), round+1, false)
			}
			return &Outcome{Content: draft, History: history}, nil
		}

		prev = draft
	}

	// Budget exhausted: accept the highest-rated draft under protest.
	l.logger.Warn("Revision budget exhausted, accepting best draft under protest",
		"stage", stage,
		"rounds", len(history),
		"best_rating", bestRating.String(),
		"threshold", l.threshold.String())
	if l.collector != nil {
		l.collector.RecordCritiqueRounds(string(stage), len(history), true)
	}
	return &Outcome{Content: bestDraft, History: history, UnderProtest: true}, nil
}

func (l *Loop) publish(ev models.Event) {
	if l.bus != nil {
		l.bus.Publish(ev)
	}
}
