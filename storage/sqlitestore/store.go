// Package sqlitestore implements the case status store on a local SQLite
// database for single-node deployments without a NATS server. Atomic
// updates use an optimistic version column checked inside a transaction.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360studio/caseflow/pipeline"
)

// maxCASRetries bounds the optimistic-concurrency retry loop in Update.
const maxCASRetries = 5

// Store is a pipeline.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath, creating parent
// directories as needed, and runs the schema migration.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("sqlitestore: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}

	// SQLite performance pragmas
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cases (
			id         TEXT PRIMARY KEY,
			record     TEXT NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`
	_, err := s.db.Exec(schema)
	return err
}

// Get implements pipeline.Store.
func (s *Store) Get(ctx context.Context, caseID string) (*pipeline.Case, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM cases WHERE id = ?`, caseID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get case %s: %w", caseID, err)
	}
	return decodeCase(record)
}

// Put implements pipeline.Store.
func (s *Store) Put(ctx context.Context, c *pipeline.Case) error {
	cp := c.Clone()
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal case %s: %w", cp.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (id, record, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			record = excluded.record,
			version = cases.version + 1,
			updated_at = excluded.updated_at`,
		cp.ID, string(data), cp.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlitestore: put case %s: %w", cp.ID, err)
	}
	return nil
}

// Update implements pipeline.Store. The version observed at read time gates
// the write; a lost race re-reads and re-applies mutate.
func (s *Store) Update(ctx context.Context, caseID string, mutate func(*pipeline.Case) error) (*pipeline.Case, error) {
	for attempt := 1; attempt <= maxCASRetries; attempt++ {
		var record string
		var version int64
		err := s.db.QueryRowContext(ctx,
			`SELECT record, version FROM cases WHERE id = ?`, caseID).Scan(&record, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pipeline.ErrCaseNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: get case %s: %w", caseID, err)
		}

		working, err := decodeCase(record)
		if err != nil {
			return nil, err
		}
		if err := mutate(working); err != nil {
			return nil, err
		}
		working.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(working)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: marshal case %s: %w", caseID, err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE cases SET record = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(data), working.UpdatedAt.Format(time.RFC3339Nano), caseID, version)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: update case %s: %w", caseID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: update case %s: %w", caseID, err)
		}
		if affected == 1 {
			return working, nil
		}
		// Version moved under us; retry against the fresh record.
	}

	return nil, fmt.Errorf("sqlitestore: update case %s: version conflict persisted after %d attempts", caseID, maxCASRetries)
}

func decodeCase(record string) (*pipeline.Case, error) {
	var c pipeline.Case
	if err := json.Unmarshal([]byte(record), &c); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal case record: %w", err)
	}
	return &c, nil
}
