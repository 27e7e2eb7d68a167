package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/caseflow/llm"
	"github.com/c360studio/caseflow/pipeline"
)

// FindingsHandler extracts reviewable findings from the case document and
// its summary. Every finding starts selected; the reviewer then narrows the
// set before dispatching recommendations.
type FindingsHandler struct{}

// BuildPrompt implements pipeline.Handler.
func (h *FindingsHandler) BuildPrompt(in *pipeline.StageInput) (string, string, error) {
	system := `You are a case analyst identifying discrete findings in a case.

## Your Objective

Extract every distinct finding from the case document. A finding is one
reviewable fact or issue: specific, self-contained, and traceable to the
document.

## Output Format

Respond with JSON only:

` + "```json" + `
{
  "findings": [
    {
      "title": "Short unique title",
      "category": "clinical" | "procedural" | "administrative" | "other",
      "priority": "high" | "medium" | "low",
      "detail": "One paragraph describing the finding"
    }
  ]
}
` + "```" + `

## Guidelines

- Titles must be unique; they are used to reference findings later
- One finding per issue, never bundle unrelated facts
- Priority reflects impact on the case outcome`

	var sb strings.Builder
	sb.WriteString("Identify the findings in this case.\n\n")
	for _, up := range in.Upstream {
		if up.Stage == StageSummary {
			sb.WriteString("## Case Summary\n\n")
			sb.WriteString(up.Result.Text)
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString("## Case Document\n\n")
	sb.WriteString(in.Document)
	sb.WriteString("\n")

	return system, sb.String(), nil
}

// findingsPayload is the model's response schema.
type findingsPayload struct {
	Findings []struct {
		Title    string `json:"title"`
		Category string `json:"category"`
		Priority string `json:"priority"`
		Detail   string `json:"detail"`
	} `json:"findings"`
}

// ParseResult implements pipeline.Handler. Each finding becomes a
// SelectableItem with an explicit selected=true, so the result needs no
// reconciliation before its first review.
func (h *FindingsHandler) ParseResult(raw string) (*pipeline.StageResult, error) {
	extracted := llm.ExtractJSON(raw)
	if extracted == "" {
		return nil, fmt.Errorf("no JSON object in findings response")
	}

	var payload findingsPayload
	if err := json.Unmarshal([]byte(extracted), &payload); err != nil {
		return nil, fmt.Errorf("parse findings payload: %w", err)
	}
	if len(payload.Findings) == 0 {
		return nil, fmt.Errorf("findings payload holds no findings")
	}

	items := make([]pipeline.SelectableItem, len(payload.Findings))
	for i, f := range payload.Findings {
		if strings.TrimSpace(f.Title) == "" {
			return nil, fmt.Errorf("finding %d has no title", i)
		}
		items[i] = pipeline.SelectableItem{
			Title:    f.Title,
			Category: f.Category,
			Priority: f.Priority,
			Detail:   f.Detail,
			Selected: true,
		}
	}

	return &pipeline.StageResult{
		Kind:  KindFindings,
		Items: items,
		Data:  json.RawMessage(extracted),
	}, nil
}
