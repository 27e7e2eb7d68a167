package pipeline

import "context"

// Store is the status store: one record per case, holding every stage's
// status, timestamps, error, and result. Implementations carry no business
// logic; the state machine lives in the dispatcher and executor mutations.
type Store interface {
	// Get returns the case record, or ErrCaseNotFound.
	Get(ctx context.Context, caseID string) (*Case, error)

	// Put writes the full case record unconditionally.
	Put(ctx context.Context, c *Case) error

	// Update applies mutate to the current record atomically with respect
	// to concurrent Updates (compare-and-set or equivalent). If mutate
	// returns an error, the update is aborted and that error is returned
	// unchanged. The updated record is returned on success.
	//
	// Update is the mechanism that closes the duplicate-dispatch race:
	// two concurrent dispatches for the same stage serialize here, and
	// the second observes the first's processing write inside mutate.
	Update(ctx context.Context, caseID string, mutate func(*Case) error) (*Case, error)
}
