// Package stages defines the four-stage case-analysis pipeline: summary,
// findings, recommendations, and report. Each stage supplies a prompt
// builder and a response parser; ordering and selection flow are declared
// through the pipeline registry.
package stages

import "github.com/c360studio/caseflow/pipeline"

// Stage names, in pipeline order.
const (
	StageSummary         = "summary"
	StageFindings        = "findings"
	StageRecommendations = "recommendations"
	StageReport          = "report"
)

// Result kinds produced by the stage parsers.
const (
	KindSummary         = "summary"
	KindFindings        = "findings"
	KindRecommendations = "recommendations"
	KindReport          = "report"
)

// DefaultRegistry builds the standard case-analysis pipeline.
//
// Findings names itself as selection source so a findings re-run reconciles
// the reviewer's selection against its own previous result; recommendations
// reads the same selection to pick its generation targets.
func DefaultRegistry() (*pipeline.Registry, error) {
	return pipeline.NewRegistry(
		pipeline.StageDef{
			Name:    StageSummary,
			Handler: &SummaryHandler{},
		},
		pipeline.StageDef{
			Name:            StageFindings,
			Requires:        []string{StageSummary},
			SelectionSource: StageFindings,
			Handler:         &FindingsHandler{},
		},
		pipeline.StageDef{
			Name:            StageRecommendations,
			Requires:        []string{StageFindings},
			SelectionSource: StageFindings,
			Handler:         &RecommendationsHandler{},
		},
		pipeline.StageDef{
			Name:     StageReport,
			Requires: []string{StageRecommendations},
			Handler:  &ReportHandler{},
		},
	)
}
