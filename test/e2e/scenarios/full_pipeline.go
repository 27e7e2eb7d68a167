package scenarios

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/c360studio/caseflow/api"
	"github.com/c360studio/caseflow/pipeline"
	"github.com/c360studio/caseflow/stages"
)

// Options configures how scenarios reach the server under test.
type Options struct {
	// APIBaseURL is the server's API root, e.g. "http://localhost:8080/api".
	APIBaseURL string

	// PollInterval is the status poll interval. Zero uses 500ms.
	PollInterval time.Duration

	// StageTimeout bounds each stage's completion wait. Zero uses 2 minutes.
	StageTimeout time.Duration
}

func (o Options) client() *api.Client {
	return api.NewClient(o.APIBaseURL, &http.Client{Timeout: 30 * time.Second})
}

func (o Options) poller(client *api.Client) *pipeline.Poller {
	interval := o.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	timeout := o.StageTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return pipeline.NewPoller(client, pipeline.PollConfig{Interval: interval, MaxWait: timeout}, nil)
}

const testDocument = `# Case 2026-0142

Patient admitted 2026-01-12 with acute symptoms. Initial assessment was
completed the same day, but the signed consent form is missing from the
record. Follow-up was scheduled outside the mandated 30-day window and the
discharge summary lacks a medication reconciliation section.`

// FullPipeline drives a case through all four stages, narrowing the
// findings selection between findings and recommendations.
type FullPipeline struct {
	Opts Options
}

// Name implements Scenario.
func (s *FullPipeline) Name() string { return "full-pipeline" }

// Description implements Scenario.
func (s *FullPipeline) Description() string {
	return "Runs summary, findings, selection review, recommendations, and report end to end"
}

// Execute implements Scenario.
func (s *FullPipeline) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.Name())
	defer result.Complete()

	client := s.Opts.client()
	poller := s.Opts.poller(client)

	var caseID string
	if err := step(result, "create case", func() error {
		var err error
		caseID, err = client.CreateCase(ctx, api.CreateCaseRequest{
			Title:    "E2E full pipeline",
			Document: testDocument,
		})
		return err
	}); err != nil {
		return result, nil
	}
	result.SetDetail("case_id", caseID)

	runStage := func(stage string, req api.StartStageRequest) error {
		return step(result, "run "+stage, func() error {
			resp, err := client.StartStage(ctx, caseID, stage, req)
			if err != nil {
				return err
			}
			if resp.Status != string(pipeline.DecisionAccepted) {
				return fmt.Errorf("dispatch not accepted: status=%s reason=%s", resp.Status, resp.Reason)
			}
			_, err = poller.AwaitCompletion(ctx, caseID, stage)
			return err
		})
	}

	if err := runStage(stages.StageSummary, api.StartStageRequest{}); err != nil {
		return result, nil
	}
	if err := runStage(stages.StageFindings, api.StartStageRequest{}); err != nil {
		return result, nil
	}

	// Review step: keep only the first finding, annotate it.
	var selection []pipeline.SelectionUpdate
	if err := step(result, "narrow selection", func() error {
		st, err := client.StageStatus(ctx, caseID, stages.StageFindings)
		if err != nil {
			return err
		}
		if st.Result == nil || len(st.Result.Items) == 0 {
			return fmt.Errorf("findings produced no selectable items")
		}
		result.SetDetail("findings_count", len(st.Result.Items))
		selection = []pipeline.SelectionUpdate{{
			Title:      st.Result.Items[0].Title,
			Selected:   true,
			Annotation: "e2e: prioritize this",
		}}
		return nil
	}); err != nil {
		return result, nil
	}

	if err := runStage(stages.StageRecommendations, api.StartStageRequest{Selection: selection}); err != nil {
		return result, nil
	}

	// The selection write must have excluded everything absent from it.
	if err := step(result, "verify selection persisted", func() error {
		st, err := client.StageStatus(ctx, caseID, stages.StageFindings)
		if err != nil {
			return err
		}
		for _, item := range st.Result.Items {
			if item.Title == selection[0].Title {
				if !item.Selected || item.Annotation != selection[0].Annotation {
					return fmt.Errorf("selected finding %q lost its review state", item.Title)
				}
				continue
			}
			if item.Selected {
				return fmt.Errorf("finding %q absent from the selection is still selected", item.Title)
			}
		}
		return nil
	}); err != nil {
		return result, nil
	}

	if err := runStage(stages.StageReport, api.StartStageRequest{}); err != nil {
		return result, nil
	}

	if err := step(result, "verify report", func() error {
		st, err := client.StageStatus(ctx, caseID, stages.StageReport)
		if err != nil {
			return err
		}
		if st.Result == nil || st.Result.Text == "" {
			return fmt.Errorf("report stage completed without text")
		}
		result.SetDetail("report_length", len(st.Result.Text))
		return nil
	}); err != nil {
		return result, nil
	}

	result.Success = true
	return result, nil
}
