package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Decision is the dispatcher's synchronous verdict on a start request. The
// string values are the wire contract: accepted and cached dispatches report
// the stage status the caller will observe, so a client can branch on
// "processing", "completed", or "rejected" without a separate vocabulary.
type Decision string

const (
	// DecisionAccepted means the stage was marked processing and handed to
	// the executor.
	DecisionAccepted Decision = "processing"

	// DecisionCached means the stage is already completed and its stored
	// result is returned without a new run.
	DecisionCached Decision = "completed"

	// DecisionRejected means the request was refused; Reason says why.
	DecisionRejected Decision = "rejected"
)

// Rejection reasons returned in StartResponse.Reason.
const (
	ReasonPrerequisiteMissing = "prerequisite_missing"
	ReasonAlreadyRunning      = "already_running"
	ReasonExecutorUnavailable = "executor_unavailable"
)

// StartRequest asks the dispatcher to run one stage of a case.
type StartRequest struct {
	CaseID string

	// Stage is the registry name of the stage to run.
	Stage string

	// Selection is the caller's reviewed item set for the stage's selection
	// source. Nil means leave the stored selection untouched; non-nil
	// replaces it in full, with unnamed items excluded.
	Selection []SelectionUpdate

	// Rerun allows dispatch of a completed stage. Without it a completed
	// stage returns its cached result.
	Rerun bool
}

// StartResponse is the dispatcher's synchronous reply. Accepted runs carry
// the run ID; cached replies carry the stored result.
type StartResponse struct {
	Decision Decision
	Reason   string
	RunID    string

	// CachedResult is set when Decision is DecisionCached.
	CachedResult *StageResult
}

// Enqueuer hands accepted stage runs to the background executor. Enqueue
// must not block: when no queue slot is free it returns ErrQueueFull.
type Enqueuer interface {
	Enqueue(job StageJob) error
}

// StageJob identifies one accepted stage run.
type StageJob struct {
	CaseID string
	Stage  string
	RunID  string
}

// Dispatcher validates start requests and transitions stages into processing
// before handing them to the executor. The processing write always lands in
// the store before Enqueue is called, so a poller can never observe a stale
// status for an accepted run.
type Dispatcher struct {
	store    Store
	registry *Registry
	executor Enqueuer
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given store, registry, and
// executor.
func NewDispatcher(store Store, registry *Registry, executor Enqueuer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, registry: registry, executor: executor, logger: logger}
}

// errStageCompleted aborts the Update mutation when the stage is already
// completed and the caller did not ask for a re-run.
var errStageCompleted = errors.New("stage already completed")

// Start validates the request, persists the caller's selection and the
// processing status in one atomic store update, and enqueues the run.
//
// Validation failures are returned synchronously: unknown stage or case as
// errors, missing prerequisites and duplicate dispatch as rejected
// responses. A full executor queue rolls the status write back and rejects.
func (d *Dispatcher) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	def, ok := d.registry.Get(req.Stage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, req.Stage)
	}

	runID := uuid.New().String()

	var rejection *StartResponse
	var prev *StageStatus
	_, err := d.store.Update(ctx, req.CaseID, func(c *Case) error {
		rejection = nil
		prev = c.Stage(req.Stage).Clone()

		// Prerequisites must be completed at dispatch time. The executor
		// re-checks before the inference call.
		var missing []string
		for _, reqStage := range def.Requires {
			if c.Stage(reqStage).Status != StatusCompleted {
				missing = append(missing, reqStage)
			}
		}
		if len(missing) > 0 {
			rejection = &StartResponse{Decision: DecisionRejected, Reason: ReasonPrerequisiteMissing}
			return &PrerequisiteError{Stage: req.Stage, Missing: missing}
		}

		st := c.EnsureStage(req.Stage)
		switch st.Status {
		case StatusProcessing:
			rejection = &StartResponse{Decision: DecisionRejected, Reason: ReasonAlreadyRunning}
			return &AlreadyRunningError{Stage: req.Stage}
		case StatusCompleted:
			if !req.Rerun {
				rejection = &StartResponse{Decision: DecisionCached, CachedResult: st.Result.Clone()}
				return errStageCompleted
			}
		}

		if req.Selection != nil {
			if err := applySelection(c, def, req.Selection); err != nil {
				return err
			}
		}

		if !st.Status.CanTransitionTo(StatusProcessing) {
			return &IllegalTransitionError{Stage: req.Stage, From: st.Status, To: StatusProcessing}
		}

		// The previous result stays visible through a re-run until the new
		// terminal write replaces it.
		now := time.Now().UTC()
		st.Status = StatusProcessing
		st.StartedAt = &now
		st.CompletedAt = nil
		st.Error = ""
		st.Progress = nil
		st.RunID = runID
		return nil
	})

	if err != nil {
		if rejection != nil {
			d.logger.Info("stage dispatch not accepted",
				"case_id", req.CaseID,
				"stage", req.Stage,
				"decision", rejection.Decision,
				"reason", rejection.Reason)
			return rejection, nil
		}
		return nil, err
	}

	if err := d.executor.Enqueue(StageJob{CaseID: req.CaseID, Stage: req.Stage, RunID: runID}); err != nil {
		d.revertDispatch(ctx, req.CaseID, req.Stage, runID, prev)
		if errors.Is(err, ErrQueueFull) {
			d.logger.Warn("executor queue full, dispatch rejected",
				"case_id", req.CaseID, "stage", req.Stage)
			return &StartResponse{Decision: DecisionRejected, Reason: ReasonExecutorUnavailable}, nil
		}
		return nil, fmt.Errorf("enqueue stage run: %w", err)
	}

	d.logger.Info("stage dispatched",
		"case_id", req.CaseID,
		"stage", req.Stage,
		"run_id", runID)
	return &StartResponse{Decision: DecisionAccepted, RunID: runID}, nil
}

// applySelection reconciles the caller's selection into the selection
// source's stored items. Items the caller does not name are excluded.
func applySelection(c *Case, def StageDef, updates []SelectionUpdate) error {
	if def.SelectionSource == "" {
		return fmt.Errorf("stage %q accepts no selection", def.Name)
	}

	src := c.EnsureStage(def.SelectionSource)
	if src.Result == nil {
		return fmt.Errorf("selection source %q has no result to select from", def.SelectionSource)
	}

	items := ItemsFromResult(src.Result)
	if items == nil {
		return fmt.Errorf("selection source %q result holds no selectable items", def.SelectionSource)
	}

	src.Result.Items = ReconcileSelection(items, updates)
	return nil
}

// revertDispatch restores the pre-dispatch status record after a failed
// handoff. The run ID guard keeps a concurrent re-dispatch's write intact.
func (d *Dispatcher) revertDispatch(ctx context.Context, caseID, stage, runID string, prev *StageStatus) {
	_, err := d.store.Update(ctx, caseID, func(c *Case) error {
		if c.Stage(stage).RunID != runID {
			return nil
		}
		c.Stages[stage] = prev.Clone()
		return nil
	})
	if err != nil {
		d.logger.Error("failed to revert dispatch after enqueue failure",
			"case_id", caseID, "stage", stage, "run_id", runID, "error", err)
	}
}
