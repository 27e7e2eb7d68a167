package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/caseflow/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "caseflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, pipeline.ErrCaseNotFound)
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	c := pipeline.NewCase("case-1", "Round trip", "document body")
	st := c.EnsureStage("summary")
	st.Status = pipeline.StatusCompleted
	st.Result = &pipeline.StageResult{
		Kind:  "summary",
		Text:  "the summary",
		Items: []pipeline.SelectableItem{{Title: "a", Selected: true, Annotation: "note"}},
	}

	require.NoError(t, s.Put(context.Background(), c))

	got, err := s.Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, "Round trip", got.Title)
	assert.Equal(t, "document body", got.Document)
	loaded := got.Stage("summary")
	assert.Equal(t, pipeline.StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.Result)
	assert.Equal(t, "the summary", loaded.Result.Text)
	require.Len(t, loaded.Result.Items, 1)
	assert.Equal(t, "note", loaded.Result.Items[0].Annotation)
}

func TestStore_PutOverwrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(context.Background(), pipeline.NewCase("case-1", "v1", "doc")))
	require.NoError(t, s.Put(context.Background(), pipeline.NewCase("case-1", "v2", "doc")))

	got, err := s.Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)
}

func TestStore_Update(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(context.Background(), pipeline.NewCase("case-1", "Test", "doc")))

	updated, err := s.Update(context.Background(), "case-1", func(c *pipeline.Case) error {
		c.EnsureStage("summary").Status = pipeline.StatusProcessing
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusProcessing, updated.Stage("summary").Status)

	stored, err := s.Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusProcessing, stored.Stage("summary").Status)
}

func TestStore_UpdateNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Update(context.Background(), "missing", func(*pipeline.Case) error { return nil })
	assert.ErrorIs(t, err, pipeline.ErrCaseNotFound)
}

func TestStore_UpdateMutateErrorAborts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(context.Background(), pipeline.NewCase("case-1", "Test", "doc")))

	wantErr := fmt.Errorf("rejected")
	_, err := s.Update(context.Background(), "case-1", func(c *pipeline.Case) error {
		c.EnsureStage("summary").Status = pipeline.StatusProcessing
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	stored, err := s.Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Empty(t, stored.Stages)
}

func TestStore_ConcurrentUpdatesAllApply(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(context.Background(), pipeline.NewCase("case-1", "Test", "doc")))

	// Each writer appends one marker; the version check plus re-apply loop
	// must keep every one of them.
	const writers = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), "case-1", func(c *pipeline.Case) error {
				c.EnsureStage("summary").Error += "x"
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := s.Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Len(t, stored.Stage("summary").Error, writers)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caseflow.db")

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), pipeline.NewCase("case-1", "Durable", "doc")))
	require.NoError(t, s.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, "Durable", got.Title)
}

func TestNew_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "caseflow.db")

	s, err := New(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(context.Background(), pipeline.NewCase("case-1", "Test", "doc")))
}
