package scenarios

import (
	"context"
	"fmt"

	"github.com/c360studio/caseflow/api"
	"github.com/c360studio/caseflow/pipeline"
	"github.com/c360studio/caseflow/stages"
)

// Rerun exercises the dispatcher's idempotency contract: a completed stage
// answers from cache, an explicit rerun dispatches again, and a stage with
// unmet prerequisites is rejected.
type Rerun struct {
	Opts Options
}

// Name implements Scenario.
func (s *Rerun) Name() string { return "rerun" }

// Description implements Scenario.
func (s *Rerun) Description() string {
	return "Verifies cached results, explicit re-runs, and prerequisite rejections"
}

// Execute implements Scenario.
func (s *Rerun) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.Name())
	defer result.Complete()

	client := s.Opts.client()
	poller := s.Opts.poller(client)

	var caseID string
	if err := step(result, "create case", func() error {
		var err error
		caseID, err = client.CreateCase(ctx, api.CreateCaseRequest{
			Title:    "E2E rerun",
			Document: testDocument,
		})
		return err
	}); err != nil {
		return result, nil
	}
	result.SetDetail("case_id", caseID)

	// Prerequisite gate: the report needs recommendations first.
	if err := step(result, "premature report rejected", func() error {
		resp, err := client.StartStage(ctx, caseID, stages.StageReport, api.StartStageRequest{})
		if err != nil {
			return err
		}
		if resp.Status != string(pipeline.DecisionRejected) || resp.Reason != pipeline.ReasonPrerequisiteMissing {
			return fmt.Errorf("expected prerequisite rejection, got status=%s reason=%s", resp.Status, resp.Reason)
		}
		return nil
	}); err != nil {
		return result, nil
	}

	if err := step(result, "run summary", func() error {
		resp, err := client.StartStage(ctx, caseID, stages.StageSummary, api.StartStageRequest{})
		if err != nil {
			return err
		}
		if resp.Status != string(pipeline.DecisionAccepted) {
			return fmt.Errorf("dispatch not accepted: status=%s reason=%s", resp.Status, resp.Reason)
		}
		_, err = poller.AwaitCompletion(ctx, caseID, stages.StageSummary)
		return err
	}); err != nil {
		return result, nil
	}

	// Without rerun, a completed stage must answer from cache.
	if err := step(result, "repeat start served from cache", func() error {
		resp, err := client.StartStage(ctx, caseID, stages.StageSummary, api.StartStageRequest{})
		if err != nil {
			return err
		}
		if resp.Status != string(pipeline.DecisionCached) {
			return fmt.Errorf("expected cached verdict, got status=%s reason=%s", resp.Status, resp.Reason)
		}
		if resp.CachedResult == nil || resp.CachedResult.Text == "" {
			return fmt.Errorf("cached verdict carried no result")
		}
		return nil
	}); err != nil {
		return result, nil
	}

	if err := step(result, "explicit rerun dispatches", func() error {
		resp, err := client.StartStage(ctx, caseID, stages.StageSummary, api.StartStageRequest{Rerun: true})
		if err != nil {
			return err
		}
		if resp.Status != string(pipeline.DecisionAccepted) {
			return fmt.Errorf("rerun not accepted: status=%s reason=%s", resp.Status, resp.Reason)
		}
		rerunResult, err := poller.AwaitCompletion(ctx, caseID, stages.StageSummary)
		if err != nil {
			return err
		}
		if rerunResult.Text == "" {
			return fmt.Errorf("rerun completed without a result")
		}
		return nil
	}); err != nil {
		return result, nil
	}

	result.Success = true
	return result, nil
}
