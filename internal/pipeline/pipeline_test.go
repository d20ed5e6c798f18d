package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/critique"
	"github.com/storyloom/storyloom/internal/stage"
	"github.com/storyloom/storyloom/pkg/models"
)

// scriptedGateway returns canned responses in order and records prompts.
type scriptedGateway struct {
	responses []string
	prompts   []string
}

func (g *scriptedGateway) Request(ctx context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if len(g.responses) == 0 {
		return "", nil
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp, nil
}

func newTestSet(gw *scriptedGateway) *Set {
	return New(gw, config.TemplatesConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuildRendersUpstream(t *testing.T) {
	gw := &scriptedGateway{responses: []string{"the draft"}}
	s := newTestSet(gw)

	build := s.Build(models.StageCast, stage.Context{models.StageConcept: "a lighthouse mystery"})
	got, err := build(context.Background(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "the draft" {
		t.Errorf("draft = %q", got)
	}
	if len(gw.prompts) != 1 || !strings.Contains(gw.prompts[0], "a lighthouse mystery") {
		t.Errorf("prompt missing upstream content: %q", gw.prompts)
	}
}

func TestBuildSwitchesToReviseTemplate(t *testing.T) {
	gw := &scriptedGateway{responses: []string{"revised"}}
	s := newTestSet(gw)

	build := s.Build(models.StageConcept, stage.Context{})
	fb := &critique.Feedback{
		Rating: models.RatingFailure,
		Issues: []string{"the stakes are unclear"},
	}
	if _, err := build(context.Background(), "first draft", fb); err != nil {
		t.Fatal(err)
	}
	prompt := gw.prompts[0]
	if !strings.Contains(prompt, "first draft") {
		t.Error("revise prompt missing previous draft")
	}
	if !strings.Contains(prompt, "the stakes are unclear") {
		t.Error("revise prompt missing critique issues")
	}
}

func TestBuildUsesConfiguredOverride(t *testing.T) {
	gw := &scriptedGateway{responses: []string{"x"}}
	s := New(gw, config.TemplatesConfig{
		Build: map[string]string{"concept": "custom prompt about {{.Concept}}"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	build := s.Build(models.StageConcept, stage.Context{})
	if _, err := build(context.Background(), "", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(gw.prompts[0], "custom prompt about") {
		t.Errorf("override template not used: %q", gw.prompts[0])
	}
}

func TestCritiqueParsesRating(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		want    models.Rating
		issues  int
		wantErr bool
	}{
		{
			name: "bare json",
			resp: `{"rating": "good", "issues": [], "suggestions": []}`,
			want: models.RatingGood,
		},
		{
			name:   "fenced json",
			resp:   "Here is my assessment:\n```json\n{\"rating\": \"failure\", \"issues\": [\"flat pacing\", \"no hook\"], \"suggestions\": [\"open later\"]}\n```",
			want:   models.RatingFailure,
			issues: 2,
		},
		{
			name: "mixed case rating",
			resp: `{"rating": " Excellent ", "issues": [], "suggestions": []}`,
			want: models.RatingExcellent,
		},
		{
			name: "literal newline inside string",
			resp: "{\"rating\": \"acceptable\", \"issues\": [\"line one\nline two\"], \"suggestions\": []}",
			want: models.RatingAcceptable,
			// The raw newline is repaired, not rejected.
			issues: 1,
		},
		{
			name:    "unknown rating",
			resp:    `{"rating": "stellar", "issues": [], "suggestions": []}`,
			wantErr: true,
		},
		{
			name:    "not json at all",
			resp:    "I would rate this highly.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &scriptedGateway{responses: []string{tt.resp}}
			s := newTestSet(gw)
			fb, err := s.Critique(models.StageConcept)(context.Background(), "draft")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if fb.Rating != tt.want {
				t.Errorf("rating = %s, want %s", fb.Rating, tt.want)
			}
			if len(fb.Issues) != tt.issues {
				t.Errorf("issues = %v", fb.Issues)
			}
		})
	}
}

func TestUnitsFromBreakdown(t *testing.T) {
	s := newTestSet(&scriptedGateway{})

	breakdown := "## Scene 1: The Arrival\nShip docks at night.\n\n## Scene 2: The Letter\nA note under the door."
	units, err := s.Units(models.StageProse, stage.Context{models.StageBreakdown: breakdown})
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Fatalf("units = %v", units)
	}
	if !strings.HasPrefix(units[1], "## Scene 2") {
		t.Errorf("unit 1 = %q", units[1])
	}

	if _, err := s.Units(models.StageProse, stage.Context{}); err == nil {
		t.Error("expected error without breakdown content")
	}
}

func TestBuildUnitIncludesSpec(t *testing.T) {
	gw := &scriptedGateway{responses: []string{"scene prose"}}
	s := newTestSet(gw)

	build := s.BuildUnit(models.StageProse,
		stage.Context{models.StageOutline: "three act structure"},
		"## Scene 4: The Reveal")
	if _, err := build(context.Background(), "", nil); err != nil {
		t.Fatal(err)
	}
	prompt := gw.prompts[0]
	if !strings.Contains(prompt, "## Scene 4: The Reveal") {
		t.Error("unit prompt missing scene brief")
	}
	if !strings.Contains(prompt, "three act structure") {
		t.Error("unit prompt missing outline")
	}
}

func TestSplitScenes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "markdown headings with preamble",
			in:   "Overall notes first.\n\n# Scene 1\nalpha\n\n# Scene 2\nbeta",
			want: []string{"# Scene 1\nalpha", "# Scene 2\nbeta"},
		},
		{
			name: "numbered list",
			in:   "1. open on the harbor\n2) the storm hits\n3. aftermath",
			want: []string{"1. open on the harbor", "2) the storm hits", "3. aftermath"},
		},
		{
			name: "paragraph fallback",
			in:   "first block\n\nsecond block\n\n\nthird block",
			want: []string{"first block", "second block", "third block"},
		},
		{
			name: "single numbered item is one block",
			in:   "1. only one scene here",
			want: []string{"1. only one scene here"},
		},
		{
			name: "empty",
			in:   "   \n\n  ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitScenes(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d units %v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("unit %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
