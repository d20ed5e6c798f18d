package pipeline

import "github.com/storyloom/storyloom/pkg/models"

// Built-in prompt templates. Each may be overridden per-stage through
// the [templates] config section. Data keys are the title-cased stage
// names plus Prev/Issues/Suggestions on revision and Unit for batch
// units. Drafts are returned as plain prose; critiques as JSON.
var defaultBuildTemplates = map[models.StageKind]string{
	models.StageConcept: `You are developing a new work of long-form fiction.
Write a one-page story concept: premise, central conflict, tone, and the
emotional core. Be specific and committed; do not offer alternatives.`,

	models.StageCast: `You are developing a work of fiction from this concept:

{{.Concept}}

Write the principal cast: for each character a name, role in the story,
motivation, and the contradiction that makes them interesting. Cover
protagonists, antagonists, and key supporting figures.`,

	models.StageSetting: `You are developing a work of fiction.

Concept:
{{.Concept}}

Cast:
{{.Cast}}

Write the setting bible: the world's rules, history, atmosphere, and the
constraints it places on the characters.`,

	models.StageLocations: `You are developing a work of fiction.

Concept:
{{.Concept}}

Cast:
{{.Cast}}

{{if .Setting}}Setting:
{{.Setting}}

{{end}}Write the key locations: for each, a name, sensory description, and the
scenes it is likely to host.`,

	models.StageOutline: `You are developing a work of fiction.

Concept:
{{.Concept}}

Cast:
{{.Cast}}

{{if .Setting}}Setting:
{{.Setting}}

{{end}}Locations:
{{.Locations}}

Write the chapter-level outline: for each chapter a number, a title, and
two or three sentences covering what happens and what changes.`,

	models.StageBreakdown: `You are developing a work of fiction.

Outline:
{{.Outline}}

Cast:
{{.Cast}}

Expand the outline into a scene-by-scene breakdown. Format each scene as
a markdown section starting with a heading line "## Scene N: title",
followed by the location, the characters present, and a brief of what
must happen in the scene.`,
}

const defaultReviseTemplate = `You previously drafted the following:

{{.Prev}}

A reviewer rated it below the bar and raised these issues:
{{range .Issues}}- {{.}}
{{end}}
Suggestions:
{{range .Suggestions}}- {{.}}
{{end}}
Rewrite the draft in full, addressing every issue. Return only the
revised draft.`

const defaultCritiqueTemplate = `You are a demanding story editor. Rate the
following draft.

Draft:
{{.Draft}}

Respond with JSON only, no prose around it:
{"rating": "failure|acceptable|good|excellent", "issues": ["..."], "suggestions": ["..."]}`

const defaultUnitBuildTemplate = `You are writing the prose of a novel,
one scene at a time.

Outline:
{{.Outline}}

Scene brief:
{{.Unit}}

Write the full prose for this scene. Match the tone of the concept, stay
consistent with the cast and setting, and end where the brief ends.
Return only the scene prose.`

const defaultUnitCritiqueTemplate = `You are a demanding line editor. Rate
the following scene against its brief.

Scene brief:
{{.Unit}}

Scene prose:
{{.Draft}}

Respond with JSON only, no prose around it:
{"rating": "failure|acceptable|good|excellent", "issues": ["..."], "suggestions": ["..."]}`
