package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/caseflow/llm"
	"github.com/c360studio/caseflow/pipeline"
)

// RecommendationsHandler generates recommendations for the findings the
// reviewer selected. Excluded findings never reach the prompt; reviewer
// annotations on selected findings do.
type RecommendationsHandler struct{}

// BuildPrompt implements pipeline.Handler.
func (h *RecommendationsHandler) BuildPrompt(in *pipeline.StageInput) (string, string, error) {
	if len(in.Included) == 0 {
		return "", "", fmt.Errorf("no findings selected for recommendations")
	}

	system := `You are a case analyst producing recommendations for reviewed findings.

## Your Objective

For each finding listed, produce one actionable recommendation. Where the
reviewer added a note to a finding, treat that note as binding guidance.

## Output Format

Respond with JSON only:

` + "```json" + `
{
  "recommendations": [
    {
      "finding": "Title of the finding this addresses",
      "title": "Short recommendation title",
      "priority": "high" | "medium" | "low",
      "detail": "One paragraph describing the recommended action"
    }
  ]
}
` + "```" + `

## Guidelines

- Exactly one recommendation per listed finding
- The finding field must match the finding title verbatim
- Recommendations must be concrete actions, not restatements of the finding`

	var sb strings.Builder
	sb.WriteString("Produce recommendations for these reviewed findings.\n\n")
	sb.WriteString("## Selected Findings\n\n")
	for _, item := range in.Included {
		sb.WriteString(fmt.Sprintf("### %s\n\n", item.Title))
		if item.Priority != "" {
			sb.WriteString(fmt.Sprintf("**Priority:** %s\n\n", item.Priority))
		}
		if item.Detail != "" {
			sb.WriteString(item.Detail)
			sb.WriteString("\n\n")
		}
		if item.Annotation != "" {
			sb.WriteString(fmt.Sprintf("**Reviewer note:** %s\n\n", item.Annotation))
		}
	}

	return system, sb.String(), nil
}

// Recommendation is one entry in the recommendations result payload.
type Recommendation struct {
	Finding  string `json:"finding"`
	Title    string `json:"title"`
	Priority string `json:"priority"`
	Detail   string `json:"detail"`
}

type recommendationsPayload struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// ParseResult implements pipeline.Handler.
func (h *RecommendationsHandler) ParseResult(raw string) (*pipeline.StageResult, error) {
	extracted := llm.ExtractJSON(raw)
	if extracted == "" {
		return nil, fmt.Errorf("no JSON object in recommendations response")
	}

	var payload recommendationsPayload
	if err := json.Unmarshal([]byte(extracted), &payload); err != nil {
		return nil, fmt.Errorf("parse recommendations payload: %w", err)
	}
	if len(payload.Recommendations) == 0 {
		return nil, fmt.Errorf("recommendations payload holds no recommendations")
	}

	return &pipeline.StageResult{
		Kind: KindRecommendations,
		Data: json.RawMessage(extracted),
	}, nil
}

// RecommendationsFromResult decodes the recommendations payload from a
// stage result. It tolerates the raw-text fallback by extracting JSON from
// the stored text.
func RecommendationsFromResult(r *pipeline.StageResult) ([]Recommendation, error) {
	if r == nil {
		return nil, fmt.Errorf("no recommendations result")
	}

	data := r.Data
	if len(data) == 0 && r.Text != "" {
		if extracted := llm.ExtractJSON(r.Text); extracted != "" {
			data = json.RawMessage(extracted)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("recommendations result holds no payload")
	}

	var payload recommendationsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode recommendations payload: %w", err)
	}
	return payload.Recommendations, nil
}
