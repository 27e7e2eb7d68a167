package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Inference is the single-call surface the executor needs from the LLM
// client. Invoke performs one complete request (the retry controller sits
// above it) and returns the model's text output.
type Inference interface {
	Invoke(ctx context.Context, system, user string) (string, error)
}

// finalizeWriteAttempts bounds the persistence retry for terminal status
// writes. A terminal result that cannot be stored is downgraded to a logged
// failure rather than lost silently.
const finalizeWriteAttempts = 3

// Executor runs accepted stage jobs on a fixed worker pool. Jobs arrive on a
// bounded channel; Enqueue never blocks the dispatcher, it fails fast with
// ErrQueueFull when every slot is taken.
type Executor struct {
	store     Store
	registry  *Registry
	assembler *Assembler
	inference Inference
	retry     *RetryController
	metrics   *Metrics
	logger    *slog.Logger

	workers int
	jobs    chan StageJob

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueDepth sets the job queue capacity.
func WithQueueDepth(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.jobs = make(chan StageJob, n)
		}
	}
}

// WithMetrics attaches pipeline metrics to the executor.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor with four workers and a queue depth of 64
// unless overridden.
func NewExecutor(store Store, registry *Registry, inference Inference, retry *RetryController, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:     store,
		registry:  registry,
		assembler: NewAssembler(registry),
		inference: inference,
		retry:     retry,
		logger:    slog.Default(),
		workers:   4,
		jobs:      make(chan StageJob, 64),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool. Workers drain the queue until Stop is
// called; ctx bounds the inference calls of every run.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.worker(ctx, i)
		}
		e.logger.Info("executor started", "workers", e.workers, "queue_depth", cap(e.jobs))
	})
}

// Stop closes the queue and waits up to timeout for in-flight runs to
// finish. Runs still going after the timeout are abandoned to their context.
func (e *Executor) Stop(timeout time.Duration) {
	e.stopOnce.Do(func() {
		close(e.done)

		finished := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			e.logger.Info("executor stopped")
		case <-time.After(timeout):
			e.logger.Warn("executor stop timed out with runs in flight")
		}
	})
}

// Enqueue implements Enqueuer. It never blocks.
func (e *Executor) Enqueue(job StageJob) error {
	select {
	case <-e.done:
		return fmt.Errorf("executor stopped")
	default:
	}

	select {
	case e.jobs <- job:
		if e.metrics != nil {
			e.metrics.QueueDepth.Set(float64(len(e.jobs)))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			// Drain what was accepted before shutdown began.
			select {
			case job := <-e.jobs:
				e.runStage(ctx, job)
			default:
				return
			}
		case job := <-e.jobs:
			if e.metrics != nil {
				e.metrics.QueueDepth.Set(float64(len(e.jobs)))
			}
			e.runStage(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

// runStage executes one accepted stage run end to end: load, assemble,
// prompt, infer with retry, parse, and write the terminal status.
func (e *Executor) runStage(ctx context.Context, job StageJob) {
	logger := e.logger.With("case_id", job.CaseID, "stage", job.Stage, "run_id", job.RunID)
	start := time.Now()

	result, runErr := e.execute(ctx, job, logger)

	outcome := "completed"
	if runErr != nil {
		outcome = "failed"
	}
	if e.metrics != nil {
		e.metrics.StageRuns.WithLabelValues(job.Stage, outcome).Inc()
		e.metrics.StageDuration.WithLabelValues(job.Stage).Observe(time.Since(start).Seconds())
	}

	e.finalize(ctx, job, result, runErr, logger)
}

func (e *Executor) execute(ctx context.Context, job StageJob, logger *slog.Logger) (*StageResult, error) {
	def, ok := e.registry.Get(job.Stage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, job.Stage)
	}

	c, err := e.store.Get(ctx, job.CaseID)
	if err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}

	// The record may have moved between dispatch and pickup. A run whose
	// ID no longer owns the stage has been superseded; do nothing.
	if st := c.Stage(job.Stage); st.RunID != job.RunID {
		logger.Warn("stage run superseded before start", "current_run_id", st.RunID)
		return nil, nil
	}

	in, err := e.assembler.Build(c, job.Stage)
	if err != nil {
		return nil, err
	}

	system, user, err := def.Handler.BuildPrompt(in)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	raw, err := e.retry.Execute(ctx, func(ctx context.Context) (string, error) {
		return e.inference.Invoke(ctx, system, user)
	}, func(attempt, maxAttempts int, nextAt time.Time, cause error) {
		e.recordProgress(ctx, job, attempt, maxAttempts, nextAt, cause)
	})
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, &MalformedResponseError{Stage: job.Stage, Err: fmt.Errorf("empty response")}
	}

	result, parseErr := def.Handler.ParseResult(raw)
	if parseErr != nil {
		// The model produced text, just not the stage's schema. Surface it
		// raw instead of discarding a paid-for response.
		logger.Warn("stage result parse failed, storing raw text", "error", parseErr)
		if e.metrics != nil {
			e.metrics.ParseFallbacks.WithLabelValues(job.Stage).Inc()
		}
		return &StageResult{Kind: ResultKindRaw, Text: raw}, nil
	}
	return result, nil
}

// recordProgress persists the retry controller's state so pollers can see
// that the run is waiting out a backoff. Best effort: a write failure never
// interrupts the run.
func (e *Executor) recordProgress(ctx context.Context, job StageJob, attempt, maxAttempts int, nextAt time.Time, cause error) {
	if e.metrics != nil {
		e.metrics.RetryAttempts.WithLabelValues(job.Stage).Inc()
	}
	_, err := e.store.Update(ctx, job.CaseID, func(c *Case) error {
		st := c.EnsureStage(job.Stage)
		if st.RunID != job.RunID || st.Status != StatusProcessing {
			return nil
		}
		st.Progress = &RetryProgress{
			Attempt:       attempt,
			MaxAttempts:   maxAttempts,
			NextAttemptAt: nextAt,
			Cause:         cause.Error(),
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("failed to record retry progress",
			"case_id", job.CaseID, "stage", job.Stage, "error", err)
	}
}

// finalize writes the terminal status. The run ID guard makes the write
// idempotent against superseding runs; the short retry loop covers transient
// store failures, since losing a terminal write strands the stage in
// processing forever.
func (e *Executor) finalize(ctx context.Context, job StageJob, result *StageResult, runErr error, logger *slog.Logger) {
	if result == nil && runErr == nil {
		return // superseded run, nothing to write
	}

	mutate := func(c *Case) error {
		st := c.EnsureStage(job.Stage)
		if st.RunID != job.RunID {
			return nil
		}
		if st.Status != StatusProcessing {
			return nil
		}

		now := time.Now().UTC()
		st.CompletedAt = &now
		st.Progress = nil
		if runErr != nil {
			st.Status = StatusFailed
			st.Error = runErr.Error()
			st.Result = nil
		} else {
			st.Status = StatusCompleted
			st.Error = ""
			st.Result = result
		}
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= finalizeWriteAttempts; attempt++ {
		if _, lastErr = e.store.Update(ctx, job.CaseID, mutate); lastErr == nil {
			if runErr != nil {
				logger.Info("stage run failed", "error", runErr)
			} else {
				logger.Info("stage run completed")
			}
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	logger.Error("failed to persist terminal stage status",
		"error", lastErr, "run_error", runErr)
}
