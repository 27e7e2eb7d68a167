package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// StatusSource is where the poller reads stage status from: the store
// directly for in-process callers, or the HTTP API client for remote ones.
type StatusSource interface {
	StageStatus(ctx context.Context, caseID, stage string) (*StageStatus, error)
}

// StoreStatusSource adapts a Store to the StatusSource interface.
type StoreStatusSource struct {
	Store Store
}

// StageStatus implements StatusSource.
func (s *StoreStatusSource) StageStatus(ctx context.Context, caseID, stage string) (*StageStatus, error) {
	c, err := s.Store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Stage(stage), nil
}

// PollConfig bounds one polling session.
type PollConfig struct {
	// Interval is the delay between status reads.
	Interval time.Duration

	// MaxWait is the polling budget. Zero means poll until ctx ends.
	MaxWait time.Duration
}

// DefaultPollConfig returns the polling defaults: a 2s interval with a
// 10-minute budget, enough to sit out a full retry schedule.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval: 2 * time.Second,
		MaxWait:  10 * time.Minute,
	}
}

// Poller waits for stages to reach a terminal state. All callers share this
// one implementation so interval and budget handling live in a single place.
type Poller struct {
	source StatusSource
	cfg    PollConfig
	logger *slog.Logger
}

// NewPoller creates a poller over the given status source.
func NewPoller(source StatusSource, cfg PollConfig, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollConfig().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{source: source, cfg: cfg, logger: logger}
}

// AwaitCompletion polls until the stage completes, fails, the budget
// elapses, or ctx ends. A completed stage returns its result; a failed
// stage returns a StageFailedError carrying the stored error message; an
// exhausted budget returns ErrPollTimeout, which means unknown, not failed:
// the run may still finish server-side.
func (p *Poller) AwaitCompletion(ctx context.Context, caseID, stage string) (*StageResult, error) {
	// The budget timeout carries ErrPollTimeout as its cause, so it stays
	// distinguishable from a deadline the caller's own context brought in.
	if p.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.cfg.MaxWait, ErrPollTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		st, err := p.source.StageStatus(ctx, caseID, stage)
		if err != nil {
			return nil, err
		}

		switch st.Status {
		case StatusCompleted:
			return st.Result.Clone(), nil
		case StatusFailed:
			return nil, &StageFailedError{Stage: stage, Message: st.Error}
		}

		if st.Progress != nil {
			p.logger.Debug("stage retrying",
				"case_id", caseID,
				"stage", stage,
				"attempt", st.Progress.Attempt,
				"max_attempts", st.Progress.MaxAttempts)
		}

		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), ErrPollTimeout) {
				return nil, ErrPollTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
