// Package scenarios defines end-to-end test scenarios that drive a running
// caseflow server (usually backed by the mock-llm fixture server) through
// the full case pipeline over HTTP.
package scenarios

import (
	"context"
	"sync"
	"time"
)

// Scenario is one end-to-end test. Scenarios talk to the server under test
// through the public HTTP API only.
type Scenario interface {
	// Name returns the scenario name for identification and reporting.
	Name() string

	// Description provides a human-readable description of what the scenario tests.
	Description() string

	// Execute runs the scenario against the server and returns detailed
	// results including pass/fail status and diagnostics.
	Execute(ctx context.Context) (*Result, error)
}

// Result contains the outcome of a scenario execution.
// All methods are thread-safe for concurrent access.
type Result struct {
	mu sync.Mutex `json:"-"`

	ScenarioName string        `json:"scenario_name"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Details contains scenario-specific output data.
	Details map[string]any `json:"details,omitempty"`

	// Errors contains all errors encountered during execution.
	Errors []string `json:"errors,omitempty"`

	// Steps tracks completion of each step in the scenario.
	Steps []StepResult `json:"steps,omitempty"`
}

// StepResult represents the outcome of a single step in a scenario.
type StepResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// NewResult creates a new Result initialized for the given scenario.
func NewResult(scenarioName string) *Result {
	return &Result{
		ScenarioName: scenarioName,
		StartTime:    time.Now(),
		Details:      make(map[string]any),
	}
}

// Complete marks the result as complete, setting end time and duration.
func (r *Result) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// AddError adds an error to the result.
func (r *Result) AddError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err)
}

// AddStep adds a completed step to the result.
func (r *Result) AddStep(name string, success bool, duration time.Duration, err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Steps = append(r.Steps, StepResult{
		Name:     name,
		Success:  success,
		Duration: duration,
		Error:    err,
	})
}

// SetDetail sets a detail value.
func (r *Result) SetDetail(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Details[key] = value
}

// step runs fn, records the outcome on result, and returns fn's error.
func step(result *Result, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		result.AddStep(name, false, time.Since(start), err.Error())
		result.AddError(name + ": " + err.Error())
		return err
	}
	result.AddStep(name, true, time.Since(start), "")
	return nil
}
