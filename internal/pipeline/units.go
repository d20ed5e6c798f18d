package pipeline

import (
	"regexp"
	"strings"
)

var (
	sceneHeadingRegex = regexp.MustCompile(`(?m)^#{1,3}\s+`)
	numberedItemRegex = regexp.MustCompile(`(?m)^\d+[.)]\s+`)
)

// SplitScenes splits a breakdown document into ordered scene briefs.
// Markdown headings win when present, then numbered list items, then
// blank-line-separated blocks. Each brief keeps its own heading so unit
// prompts stay self-describing.
func SplitScenes(breakdown string) []string {
	text := strings.TrimSpace(breakdown)
	if text == "" {
		return nil
	}

	if locs := sceneHeadingRegex.FindAllStringIndex(text, -1); len(locs) > 0 {
		return splitAt(text, locs)
	}
	if locs := numberedItemRegex.FindAllStringIndex(text, -1); len(locs) > 1 {
		return splitAt(text, locs)
	}

	var units []string
	for _, block := range strings.Split(text, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			units = append(units, block)
		}
	}
	return units
}

// splitAt cuts text at each match start, dropping any preamble before
// the first match.
func splitAt(text string, locs [][]int) []string {
	units := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if unit := strings.TrimSpace(text[loc[0]:end]); unit != "" {
			units = append(units, unit)
		}
	}
	return units
}
