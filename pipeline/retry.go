package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/caseflow/llm"
)

// RetryConfig holds retry configuration for stage inference calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of inference attempts per stage run.
	MaxAttempts int

	// BackoffBase is the delay after the first transient failure.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to the delay after each further failure.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the stage-run retry defaults: three attempts
// with 30s, 60s, and 120s delays.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ProgressFunc is called before each backoff sleep so retry progress can be
// surfaced to pollers. Errors from the callback are the caller's concern;
// the controller ignores them.
type ProgressFunc func(attempt, maxAttempts int, nextAttemptAt time.Time, cause error)

// Sleeper abstracts the backoff wait so tests can run without wall-clock
// delays. The sleep must return early when ctx is cancelled.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// RetryController runs an operation with bounded retry on transient errors.
// Fatal errors and context cancellation end the run immediately. After every
// transient failure, including the last, the controller waits out the
// backoff delay before giving up the slot, so a run that exhausts all
// attempts has slept the full 30+60+120s schedule.
type RetryController struct {
	cfg    RetryConfig
	sleep  Sleeper
	logger *slog.Logger
}

// NewRetryController creates a retry controller. A nil sleeper uses real
// wall-clock delays.
func NewRetryController(cfg RetryConfig, sleep Sleeper, logger *slog.Logger) *RetryController {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	if sleep == nil {
		sleep = defaultSleeper
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryController{cfg: cfg, sleep: sleep, logger: logger}
}

// Execute runs op up to MaxAttempts times. Transient errors trigger a
// backoff and retry; fatal errors return immediately. The last error is
// returned when all attempts are exhausted. progress may be nil.
func (r *RetryController) Execute(ctx context.Context, op func(ctx context.Context) (string, error), progress ProgressFunc) (string, error) {
	var lastErr error
	backoff := r.cfg.BackoffBase

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if llm.IsFatal(err) {
			r.logger.Warn("fatal inference error, not retrying",
				"attempt", attempt, "error", err)
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		nextAt := time.Now().Add(backoff)
		if progress != nil {
			progress(attempt, r.cfg.MaxAttempts, nextAt, err)
		}

		r.logger.Debug("inference attempt failed, backing off",
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"backoff", backoff,
			"error", err)

		if sleepErr := r.sleep(ctx, backoff); sleepErr != nil {
			return "", sleepErr
		}
		backoff = time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
	}

	return "", lastErr
}
