package util

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var (
	templateCacheMu sync.RWMutex
	templateCache   = make(map[string]*template.Template)
)

// RenderTemplate renders a template string with the given data.
// Parsed templates are cached by source text; prompt templates repeat
// for every unit of a batch.
// Includes validation to prevent template injection attacks.
func RenderTemplate(tmpl string, data map[string]interface{}) (string, error) {
	templateCacheMu.RLock()
	t, ok := templateCache[tmpl]
	templateCacheMu.RUnlock()

	if !ok {
		// Block: call (function calls), define (template definition), template (template inclusion)
		forbiddenDirectives := []string{"{{call", "{{define", "{{template", "{{block"}
		for _, directive := range forbiddenDirectives {
			if strings.Contains(tmpl, directive) {
				return "", fmt.Errorf("template contains forbidden directive: %s", directive)
			}
		}

		var err error
		t, err = template.New("prompt").
			Option("missingkey=error"). // Fail on missing keys to prevent silent errors
			Parse(tmpl)
		if err != nil {
			return "", fmt.Errorf("failed to parse template: %w", err)
		}

		templateCacheMu.Lock()
		templateCache[tmpl] = t
		templateCacheMu.Unlock()
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// TruncateString truncates a string to maxLen runes (Unicode-safe)
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
