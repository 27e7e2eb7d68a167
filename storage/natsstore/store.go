// Package natsstore implements the case status store on a NATS JetStream
// KeyValue bucket. Atomic updates use the bucket's revision check, so
// concurrent dispatchers serialize on the server without local locking.
package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/caseflow/pipeline"
)

// CasesBucket is the KV bucket name for case records.
const CasesBucket = "CASES"

// maxCASRetries bounds the optimistic-concurrency retry loop in Update.
// Contention on a single case is rare (one dispatcher, few stages), so
// a handful of retries is plenty.
const maxCASRetries = 5

// Store is a pipeline.Store backed by a JetStream KV bucket. Keys are case
// IDs; values are the JSON-encoded case record.
type Store struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates the store, creating or updating the cases bucket. The context
// bounds the bucket setup call only.
func New(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context required")
	}

	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      CasesBucket,
		Description: "Case records with per-stage pipeline status",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	s.bucket = bucket
	return s, nil
}

// Get implements pipeline.Store.
func (s *Store) Get(ctx context.Context, caseID string) (*pipeline.Case, error) {
	entry, err := s.bucket.Get(ctx, caseID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, pipeline.ErrCaseNotFound
		}
		return nil, fmt.Errorf("get case %s: %w", caseID, err)
	}
	return decodeCase(entry.Value())
}

// Put implements pipeline.Store.
func (s *Store) Put(ctx context.Context, c *pipeline.Case) error {
	cp := c.Clone()
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal case %s: %w", cp.ID, err)
	}
	if _, err := s.bucket.Put(ctx, cp.ID, data); err != nil {
		return fmt.Errorf("put case %s: %w", cp.ID, err)
	}
	return nil
}

// Update implements pipeline.Store. The revision observed at read time gates
// the write; a concurrent writer bumps the revision and this writer re-reads
// and re-applies mutate against the fresh record.
func (s *Store) Update(ctx context.Context, caseID string, mutate func(*pipeline.Case) error) (*pipeline.Case, error) {
	for attempt := 1; attempt <= maxCASRetries; attempt++ {
		entry, err := s.bucket.Get(ctx, caseID)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return nil, pipeline.ErrCaseNotFound
			}
			return nil, fmt.Errorf("get case %s: %w", caseID, err)
		}

		working, err := decodeCase(entry.Value())
		if err != nil {
			return nil, err
		}
		if err := mutate(working); err != nil {
			return nil, err
		}
		working.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(working)
		if err != nil {
			return nil, fmt.Errorf("marshal case %s: %w", caseID, err)
		}

		_, err = s.bucket.Update(ctx, caseID, data, entry.Revision())
		if err == nil {
			return working, nil
		}
		if !isRevisionConflict(err) {
			return nil, fmt.Errorf("update case %s: %w", caseID, err)
		}

		s.logger.Debug("case update revision conflict, retrying",
			"case_id", caseID, "attempt", attempt)
	}

	return nil, fmt.Errorf("update case %s: revision conflict persisted after %d attempts", caseID, maxCASRetries)
}

// isRevisionConflict reports whether err is the KV wrong-last-sequence
// rejection raised when the revision check fails.
func isRevisionConflict(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

func decodeCase(data []byte) (*pipeline.Case, error) {
	var c pipeline.Case
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal case record: %w", err)
	}
	return &c, nil
}
