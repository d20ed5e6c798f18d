// Package pipeline supplies the build and critique callables for each
// stage: prompt rendering, gateway calls, and critique-response parsing.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/critique"
	"github.com/storyloom/storyloom/internal/gateway"
	"github.com/storyloom/storyloom/internal/stage"
	"github.com/storyloom/storyloom/internal/util"
	"github.com/storyloom/storyloom/pkg/models"
)

// dataKeys maps stage kinds to their template data keys.
var dataKeys = map[models.StageKind]string{
	models.StageConcept:   "Concept",
	models.StageCast:      "Cast",
	models.StageSetting:   "Setting",
	models.StageLocations: "Locations",
	models.StageOutline:   "Outline",
	models.StageBreakdown: "Breakdown",
	models.StageProse:     "Prose",
}

// Set implements stage.Callables and stage.BatchCallables over a model
// gateway.
type Set struct {
	gw        gateway.Gateway
	templates config.TemplatesConfig
	logger    *slog.Logger
}

// New creates the callable set.
func New(gw gateway.Gateway, templates config.TemplatesConfig, logger *slog.Logger) *Set {
	return &Set{
		gw:        gw,
		templates: templates,
		logger:    logger.With("component", "pipeline"),
	}
}

func (s *Set) buildTemplate(kind models.StageKind) string {
	if tmpl := s.templates.Build[string(kind)]; tmpl != "" {
		return tmpl
	}
	return defaultBuildTemplates[kind]
}

func (s *Set) reviseTemplate() string {
	if s.templates.Revise != "" {
		return s.templates.Revise
	}
	return defaultReviseTemplate
}

func (s *Set) critiqueTemplate() string {
	if s.templates.Critique != "" {
		return s.templates.Critique
	}
	return defaultCritiqueTemplate
}

func (s *Set) unitBuildTemplate() string {
	if s.templates.UnitBuild != "" {
		return s.templates.UnitBuild
	}
	return defaultUnitBuildTemplate
}

func (s *Set) unitCritiqueTemplate() string {
	if s.templates.UnitCritique != "" {
		return s.templates.UnitCritique
	}
	return defaultUnitCritiqueTemplate
}

// templateData seeds every stage key so templates can reference any
// upstream stage without tripping missingkey=error.
func templateData(upstream stage.Context) map[string]interface{} {
	data := make(map[string]interface{}, len(dataKeys)+4)
	for kind, key := range dataKeys {
		data[key] = upstream[kind]
	}
	return data
}

// Build returns the draft/revise function for a non-batched stage.
func (s *Set) Build(kind models.StageKind, upstream stage.Context) critique.BuildFunc {
	return func(ctx context.Context, prev string, feedback *critique.Feedback) (string, error) {
		data := templateData(upstream)
		tmpl := s.buildTemplate(kind)
		if prev != "" && feedback != nil {
			tmpl = s.reviseTemplate()
			data["Prev"] = prev
			data["Issues"] = feedback.Issues
			data["Suggestions"] = feedback.Suggestions
		}
		prompt, err := util.RenderTemplate(tmpl, data)
		if err != nil {
			return "", fmt.Errorf("render %s prompt: %w", kind, err)
		}
		return s.gw.Request(ctx, prompt)
	}
}

// Critique returns the rating function for a non-batched stage.
func (s *Set) Critique(kind models.StageKind) critique.CritiqueFunc {
	return func(ctx context.Context, draft string) (*critique.Feedback, error) {
		prompt, err := util.RenderTemplate(s.critiqueTemplate(), map[string]interface{}{
			"Draft": draft,
		})
		if err != nil {
			return nil, fmt.Errorf("render %s critique prompt: %w", kind, err)
		}
		resp, err := s.gw.Request(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return s.parseFeedback(resp)
	}
}

// Units splits the breakdown artifact into ordered scene briefs.
func (s *Set) Units(kind models.StageKind, upstream stage.Context) ([]string, error) {
	breakdown := upstream[models.StageBreakdown]
	if breakdown == "" {
		return nil, fmt.Errorf("no breakdown content to derive units from")
	}
	units := SplitScenes(breakdown)
	s.logger.Debug("derived units", "stage", kind, "count", len(units))
	return units, nil
}

// BuildUnit returns the draft/revise function for one batch unit.
func (s *Set) BuildUnit(kind models.StageKind, upstream stage.Context, unitSpec string) critique.BuildFunc {
	return func(ctx context.Context, prev string, feedback *critique.Feedback) (string, error) {
		data := templateData(upstream)
		data["Unit"] = unitSpec
		tmpl := s.unitBuildTemplate()
		if prev != "" && feedback != nil {
			tmpl = s.reviseTemplate()
			data["Prev"] = prev
			data["Issues"] = feedback.Issues
			data["Suggestions"] = feedback.Suggestions
		}
		prompt, err := util.RenderTemplate(tmpl, data)
		if err != nil {
			return "", fmt.Errorf("render %s unit prompt: %w", kind, err)
		}
		return s.gw.Request(ctx, prompt)
	}
}

// CritiqueUnit returns the rating function for one batch unit.
func (s *Set) CritiqueUnit(kind models.StageKind, unitSpec string) critique.CritiqueFunc {
	return func(ctx context.Context, draft string) (*critique.Feedback, error) {
		prompt, err := util.RenderTemplate(s.unitCritiqueTemplate(), map[string]interface{}{
			"Unit":  unitSpec,
			"Draft": draft,
		})
		if err != nil {
			return nil, fmt.Errorf("render %s unit critique prompt: %w", kind, err)
		}
		resp, err := s.gw.Request(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return s.parseFeedback(resp)
	}
}

type feedbackJSON struct {
	Rating      string   `json:"rating"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// parseFeedback decodes a critique response. The model may wrap the JSON
// in markdown fences or leak literal newlines into string values.
func (s *Set) parseFeedback(resp string) (*critique.Feedback, error) {
	jsonStr := util.SanitizeJSON(util.ExtractJSON(resp))

	var raw feedbackJSON
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		s.logger.Error("failed to parse critique response",
			"error", err,
			"response_length", len(resp),
			"extracted", util.TruncateString(jsonStr, 200))
		return nil, fmt.Errorf("parse critique response: %w", err)
	}

	rating, ok := models.ParseRating(strings.ToLower(strings.TrimSpace(raw.Rating)))
	if !ok {
		return nil, fmt.Errorf("critique returned unknown rating %q", raw.Rating)
	}
	return &critique.Feedback{
		Rating:      rating,
		Issues:      raw.Issues,
		Suggestions: raw.Suggestions,
	}, nil
}
