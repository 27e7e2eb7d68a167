// Package pipeline implements the asynchronous stage-orchestration core of
// Caseflow: dispatching, executing, and polling long-running LLM-backed
// analysis stages against a single case record.
package pipeline

import (
	"encoding/json"
	"time"
)

// Status represents the execution state of a single stage within a case.
type Status string

const (
	// StatusNotStarted indicates the stage has never been dispatched.
	StatusNotStarted Status = "not_started"

	// StatusProcessing indicates the stage is currently executing in the background.
	StatusProcessing Status = "processing"

	// StatusCompleted indicates the stage finished successfully and has a result.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the stage terminated with an error.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known stage status.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status ends a run. Terminal stages may only
// leave their state through an explicit caller-initiated re-run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo returns true if the status can transition to the target.
// The stage status workflow is:
//
//	not_started → processing (dispatch)
//	processing  → completed  (success)
//	processing  → failed     (error)
//	completed   → processing (explicit re-run)
//	failed      → processing (explicit re-run)
//
// No other transitions are valid. A stage that is already processing is
// rejected on dispatch, not queued.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusNotStarted:
		return target == StatusProcessing
	case StatusProcessing:
		return target == StatusCompleted || target == StatusFailed
	case StatusCompleted, StatusFailed:
		return target == StatusProcessing
	default:
		return false
	}
}

// SelectableItem is a reviewable unit within a stage result that a human may
// include in or exclude from downstream generation. Selected is always an
// explicit boolean: reconciliation never leaves an item with an inherited or
// implicit selection (see ReconcileSelection).
type SelectableItem struct {
	// Title identifies the item and is the reconciliation key.
	Title string `json:"title"`

	// Category groups the item (e.g., "clinical", "procedural").
	Category string `json:"category,omitempty"`

	// Priority is the stage-assigned priority ("high", "medium", "low").
	Priority string `json:"priority,omitempty"`

	// Detail is the item's body text as produced by the stage.
	Detail string `json:"detail,omitempty"`

	// Selected marks the item for inclusion in downstream stages.
	Selected bool `json:"selected"`

	// Annotation is optional reviewer guidance carried into the next
	// stage's prompt when the item is selected.
	Annotation string `json:"annotation,omitempty"`
}

// SelectionUpdate is one caller-supplied selection decision, matched against
// stored items by title.
type SelectionUpdate struct {
	Title      string `json:"title"`
	Selected   bool   `json:"selected"`
	Annotation string `json:"annotation,omitempty"`
}

// Result kinds. Every StageResult carries exactly one kind; ResultKindRaw is
// the fallback when a response could not be parsed into the stage's schema.
const (
	ResultKindRaw = "raw"
)

// StageResult is a stage's terminal payload. The Kind tag makes the payload
// shape explicit instead of relying on runtime unwrap-and-guess logic:
// structured stages populate Data (and Items where reviewable), text stages
// populate Text, and the raw fallback stores the verbatim model output.
type StageResult struct {
	// Kind tags the payload shape. Stage handlers define their own kinds;
	// ResultKindRaw marks the fallback payload.
	Kind string `json:"kind"`

	// Text is the textual payload for prose results and the raw fallback.
	Text string `json:"text,omitempty"`

	// Items are the reviewable units for stages that produce them.
	Items []SelectableItem `json:"items,omitempty"`

	// Data is the structured payload as returned by the stage parser.
	Data json.RawMessage `json:"data,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *StageResult) Clone() *StageResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Items != nil {
		cp.Items = make([]SelectableItem, len(r.Items))
		copy(cp.Items, r.Items)
	}
	if r.Data != nil {
		cp.Data = make(json.RawMessage, len(r.Data))
		copy(cp.Data, r.Data)
	}
	return &cp
}

// RetryProgress surfaces the retry controller's state to pollers so a UI can
// render "retrying, attempt N of M".
type RetryProgress struct {
	// Attempt is the attempt that just failed (1-based).
	Attempt int `json:"attempt"`

	// MaxAttempts is the configured attempt budget.
	MaxAttempts int `json:"max_attempts"`

	// NextAttemptAt is when the next attempt is scheduled.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// Cause is the transient error that triggered the retry.
	Cause string `json:"cause,omitempty"`
}

// StageStatus is the per-stage status record. Exactly one StageStatus exists
// per (case, stage); it is mutated in place across runs, never duplicated.
type StageStatus struct {
	// Name is the stage name.
	Name string `json:"name"`

	// Status is the current state machine position.
	Status Status `json:"status"`

	// StartedAt is when the current (or last) run was dispatched.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the current run terminated (success or failure).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error is the human-readable failure message when Status is failed.
	Error string `json:"error,omitempty"`

	// Result is the stage's payload when Status is completed. A re-run
	// keeps the previous result visible until the new terminal write
	// replaces it.
	Result *StageResult `json:"result,omitempty"`

	// Progress is the retry controller's live state while processing.
	Progress *RetryProgress `json:"progress,omitempty"`

	// RunID identifies the run that currently owns this record. The
	// executor only finalizes a run whose RunID it observed at load time.
	RunID string `json:"run_id,omitempty"`
}

// Clone returns a deep copy of the stage status.
func (s *StageStatus) Clone() *StageStatus {
	if s == nil {
		return nil
	}
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.Progress != nil {
		p := *s.Progress
		cp.Progress = &p
	}
	cp.Result = s.Result.Clone()
	return &cp
}

// Case is the aggregate root: one logical document plus the status record of
// every stage that has touched it. The status store owns the persistent copy;
// the executor holds a transient working copy for the duration of one run.
type Case struct {
	// ID is the case identifier.
	ID string `json:"case_id"`

	// Title is the human-readable case title.
	Title string `json:"title,omitempty"`

	// Document is the normalized case document the stages analyze.
	Document string `json:"document,omitempty"`

	// Stages maps stage name to its status record.
	Stages map[string]*StageStatus `json:"stages"`

	// CreatedAt is when the case record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCase creates a case record with no stage history.
func NewCase(id, title, document string) *Case {
	now := time.Now().UTC()
	return &Case{
		ID:        id,
		Title:     title,
		Document:  document,
		Stages:    make(map[string]*StageStatus),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Stage returns the status record for the named stage. Stages that were
// never dispatched report not_started without creating a record.
func (c *Case) Stage(name string) *StageStatus {
	if st, ok := c.Stages[name]; ok {
		return st
	}
	return &StageStatus{Name: name, Status: StatusNotStarted}
}

// EnsureStage returns the stored status record for the named stage, creating
// a not_started record if none exists. Use inside store mutations only.
func (c *Case) EnsureStage(name string) *StageStatus {
	if c.Stages == nil {
		c.Stages = make(map[string]*StageStatus)
	}
	if st, ok := c.Stages[name]; ok {
		return st
	}
	st := &StageStatus{Name: name, Status: StatusNotStarted}
	c.Stages[name] = st
	return st
}

// Clone returns a deep copy of the case record.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Stages = make(map[string]*StageStatus, len(c.Stages))
	for name, st := range c.Stages {
		cp.Stages[name] = st.Clone()
	}
	return &cp
}
