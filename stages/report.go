package stages

import (
	"fmt"
	"strings"

	"github.com/c360studio/caseflow/pipeline"
)

// ReportHandler assembles the final case report from the recommendations
// result. Its output is the pipeline's terminal payload.
type ReportHandler struct{}

// BuildPrompt implements pipeline.Handler.
func (h *ReportHandler) BuildPrompt(in *pipeline.StageInput) (string, string, error) {
	var recs *pipeline.StageResult
	for _, up := range in.Upstream {
		if up.Stage == StageRecommendations {
			recs = up.Result
		}
	}
	if recs == nil {
		return "", "", fmt.Errorf("recommendations result missing from stage input")
	}

	system := `You are a case analyst writing the final case report.

## Your Objective

Assemble a complete, professionally structured case report in markdown with
these sections: Overview, Recommendations, Next Steps.

## Guidelines

- Draw only on the material provided; introduce no new facts
- Order recommendations by priority, highest first
- Keep the tone factual and free of hedging
- Respond with the markdown report only, no preamble`

	var sb strings.Builder
	sb.WriteString("Write the final report for this case.\n\n")
	sb.WriteString("## Recommendations\n\n")
	if recsList, err := RecommendationsFromResult(recs); err == nil {
		for _, rec := range recsList {
			sb.WriteString(fmt.Sprintf("- **%s** (%s, for finding %q): %s\n",
				rec.Title, rec.Priority, rec.Finding, rec.Detail))
		}
		sb.WriteString("\n")
	} else {
		// Raw fallback payloads still carry usable text.
		sb.WriteString(recs.Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Case Document\n\n")
	sb.WriteString(in.Document)
	sb.WriteString("\n")

	return system, sb.String(), nil
}

// ParseResult implements pipeline.Handler. The report is markdown prose.
func (h *ReportHandler) ParseResult(raw string) (*pipeline.StageResult, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty report")
	}
	return &pipeline.StageResult{Kind: KindReport, Text: text}, nil
}
