package stages

import (
	"fmt"
	"strings"

	"github.com/c360studio/caseflow/pipeline"
)

// SummaryHandler condenses the case document into a structured summary.
// It is the pipeline's entry stage and takes no upstream context.
type SummaryHandler struct{}

// BuildPrompt implements pipeline.Handler.
func (h *SummaryHandler) BuildPrompt(in *pipeline.StageInput) (string, string, error) {
	if strings.TrimSpace(in.Document) == "" {
		return "", "", fmt.Errorf("case %s has no document to summarize", in.CaseID)
	}

	system := `You are a case analyst. Summarize case documents accurately and concisely.

## Your Objective

Condense the case document into a summary a reviewer can absorb in under a
minute, preserving every materially relevant fact.

## Guidelines

- State facts from the document only; never speculate or fill gaps
- Keep chronology where the document provides one
- Note explicitly when key information is missing
- Respond in plain prose, no preamble`

	var sb strings.Builder
	sb.WriteString("Summarize the following case document.\n\n")
	sb.WriteString("## Case Document\n\n")
	sb.WriteString(in.Document)
	sb.WriteString("\n")

	return system, sb.String(), nil
}

// ParseResult implements pipeline.Handler. The summary is prose; any
// non-empty response is a valid result.
func (h *SummaryHandler) ParseResult(raw string) (*pipeline.StageResult, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty summary")
	}
	return &pipeline.StageResult{Kind: KindSummary, Text: text}, nil
}
