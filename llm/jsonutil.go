package llm

import (
	"regexp"
	"strings"
)

// Stage parsers ask the model for a JSON object but responses rarely arrive
// clean: fenced in markdown, annotated with // comments, or carrying
// trailing commas. ExtractJSON recovers the object so encoding/json can
// take it from there.

var (
	// fencedObject matches a JSON object inside a ``` or ```json fence.
	fencedObject = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// bareObject greedily matches the outermost braces in loose prose.
	bareObject = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingComma matches a comma directly before a closing } or ].
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of a model response and cleans up the
// artifacts models habitually add. It returns "" when no object is present;
// the caller decides whether that means a raw-text fallback.
func ExtractJSON(content string) string {
	var raw string
	if m := fencedObject.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = bareObject.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return cleanJSON(raw)
}

// cleanJSON strips // comments and trailing commas, the two invalid-JSON
// habits the extraction has to tolerate.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingComma.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment drops a // comment from one line unless the slashes sit
// inside a string value, so URLs in item fields survive.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		switch {
		case escaped:
			escaped = false
		case line[i] == '\\' && inString:
			escaped = true
		case line[i] == '"':
			inString = !inString
		case !inString && line[i] == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
