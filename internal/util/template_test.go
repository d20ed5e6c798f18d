package util

import (
	"strings"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		data    map[string]interface{}
		want    string
		wantErr bool
	}{
		{
			name: "simple substitution",
			tmpl: "Concept: {{.Concept}}",
			data: map[string]interface{}{"Concept": "a heist"},
			want: "Concept: a heist",
		},
		{
			name: "range over issues",
			tmpl: "{{range .Issues}}- {{.}}\n{{end}}",
			data: map[string]interface{}{"Issues": []string{"a", "b"}},
			want: "- a\n- b\n",
		},
		{
			name: "conditional section",
			tmpl: "{{if .Setting}}has setting{{else}}no setting{{end}}",
			data: map[string]interface{}{"Setting": ""},
			want: "no setting",
		},
		{
			name:    "missing key fails",
			tmpl:    "{{.Nope}}",
			data:    map[string]interface{}{"Concept": "x"},
			wantErr: true,
		},
		{
			name:    "malformed template",
			tmpl:    "{{.Concept",
			data:    map[string]interface{}{"Concept": "x"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderTemplate(tt.tmpl, tt.data)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderTemplateForbiddenDirectives(t *testing.T) {
	for _, tmpl := range []string{
		`{{call .F}}`,
		`{{define "x"}}y{{end}}`,
		`{{template "x"}}`,
		`{{block "x" .}}y{{end}}`,
	} {
		if _, err := RenderTemplate(tmpl, nil); err == nil {
			t.Errorf("template %q was not rejected", tmpl)
		} else if !strings.Contains(err.Error(), "forbidden directive") {
			t.Errorf("template %q: unexpected error %v", tmpl, err)
		}
	}
}

func TestRenderTemplateCacheReuse(t *testing.T) {
	tmpl := "cached: {{.V}}"
	first, err := RenderTemplate(tmpl, map[string]interface{}{"V": "one"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := RenderTemplate(tmpl, map[string]interface{}{"V": "two"})
	if err != nil {
		t.Fatal(err)
	}
	if first != "cached: one" || second != "cached: two" {
		t.Errorf("got %q then %q", first, second)
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 7, "this is..."},
		{"héllo wörld", 5, "héllo..."},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := TruncateString(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}
