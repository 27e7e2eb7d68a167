package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEnqueuer captures jobs and can observe store state at handoff
// time or refuse the job entirely.
type recordingEnqueuer struct {
	jobs      []StageJob
	err       error
	onEnqueue func(StageJob)
}

func (e *recordingEnqueuer) Enqueue(job StageJob) error {
	if e.err != nil {
		return e.err
	}
	if e.onEnqueue != nil {
		e.onEnqueue(job)
	}
	e.jobs = append(e.jobs, job)
	return nil
}

func newDispatchFixture(t *testing.T) (*Dispatcher, *MemoryStore, *recordingEnqueuer) {
	t.Helper()
	store := NewMemoryStore()
	enq := &recordingEnqueuer{}
	d := NewDispatcher(store, testRegistry(t), enq, nil)
	require.NoError(t, store.Put(context.Background(), NewCase("case-1", "Test", "doc")))
	return d, store, enq
}

func completeStage(t *testing.T, store *MemoryStore, caseID, stage string, result *StageResult) {
	t.Helper()
	_, err := store.Update(context.Background(), caseID, func(c *Case) error {
		st := c.EnsureStage(stage)
		st.Status = StatusCompleted
		st.Result = result
		return nil
	})
	require.NoError(t, err)
}

func TestDispatcher_AcceptsAndWritesProcessingBeforeHandoff(t *testing.T) {
	d, store, enq := newDispatchFixture(t)

	// Observe the persisted status at the moment of handoff: the
	// processing write must already be visible to pollers.
	enq.onEnqueue = func(job StageJob) {
		c, err := store.Get(context.Background(), job.CaseID)
		require.NoError(t, err)
		st := c.Stage(job.Stage)
		assert.Equal(t, StatusProcessing, st.Status)
		assert.NotNil(t, st.StartedAt)
		assert.Equal(t, job.RunID, st.RunID)
	}

	resp, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "first"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccepted, resp.Decision)
	assert.NotEmpty(t, resp.RunID)
	require.Len(t, enq.jobs, 1)
	assert.Equal(t, resp.RunID, enq.jobs[0].RunID)
}

func TestDispatcher_DuplicateDispatchRejected(t *testing.T) {
	d, _, enq := newDispatchFixture(t)

	first, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "first"})
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, first.Decision)

	second, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "first"})
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, second.Decision)
	assert.Equal(t, ReasonAlreadyRunning, second.Reason)
	assert.Len(t, enq.jobs, 1, "duplicate must not be queued")
}

func TestDispatcher_PrerequisiteMissing(t *testing.T) {
	d, _, enq := newDispatchFixture(t)

	resp, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "second"})
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, resp.Decision)
	assert.Equal(t, ReasonPrerequisiteMissing, resp.Reason)
	assert.Empty(t, enq.jobs)
}

func TestDispatcher_CompletedReturnsCachedResult(t *testing.T) {
	d, store, enq := newDispatchFixture(t)
	completeStage(t, store, "case-1", "first", &StageResult{Kind: "stub", Text: "done"})

	resp, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "first"})
	require.NoError(t, err)
	assert.Equal(t, DecisionCached, resp.Decision)
	require.NotNil(t, resp.CachedResult)
	assert.Equal(t, "done", resp.CachedResult.Text)
	assert.Empty(t, enq.jobs, "cached hit must not trigger a run")
}

func TestDispatcher_RerunDispatchesCompletedStage(t *testing.T) {
	d, store, enq := newDispatchFixture(t)
	completeStage(t, store, "case-1", "first", &StageResult{Kind: "stub", Text: "v1"})

	resp, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "first", Rerun: true})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccepted, resp.Decision)
	require.Len(t, enq.jobs, 1)

	// The previous result stays visible while the re-run processes.
	c, err := store.Get(context.Background(), "case-1")
	require.NoError(t, err)
	st := c.Stage("first")
	assert.Equal(t, StatusProcessing, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, "v1", st.Result.Text)
	assert.Empty(t, st.Error)
}

func TestDispatcher_SelectionPersistedOnDispatch(t *testing.T) {
	d, store, _ := newDispatchFixture(t)
	completeStage(t, store, "case-1", "first", &StageResult{
		Kind: "stub",
		Items: []SelectableItem{
			{Title: "a", Selected: true},
			{Title: "b", Selected: true},
		},
	})

	resp, err := d.Start(context.Background(), StartRequest{
		CaseID:    "case-1",
		Stage:     "second",
		Selection: []SelectionUpdate{{Title: "a", Selected: true, Annotation: "keep"}},
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, resp.Decision)

	c, err := store.Get(context.Background(), "case-1")
	require.NoError(t, err)
	items := c.Stage("first").Result.Items
	require.Len(t, items, 2)
	assert.True(t, items[0].Selected)
	assert.Equal(t, "keep", items[0].Annotation)
	assert.False(t, items[1].Selected, "item absent from selection must persist as excluded")
}

func TestDispatcher_NilSelectionLeavesStoredSelection(t *testing.T) {
	d, store, _ := newDispatchFixture(t)
	completeStage(t, store, "case-1", "first", &StageResult{
		Kind:  "stub",
		Items: []SelectableItem{{Title: "a", Selected: true}},
	})

	_, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "second"})
	require.NoError(t, err)

	c, err := store.Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.True(t, c.Stage("first").Result.Items[0].Selected)
}

func TestDispatcher_QueueFullRevertsAndRejects(t *testing.T) {
	d, store, enq := newDispatchFixture(t)
	enq.err = ErrQueueFull

	resp, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "first"})
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, resp.Decision)
	assert.Equal(t, ReasonExecutorUnavailable, resp.Reason)

	c, err := store.Get(context.Background(), "case-1")
	require.NoError(t, err)
	st := c.Stage("first")
	assert.Equal(t, StatusNotStarted, st.Status, "failed handoff must not leave the stage processing")
	assert.Empty(t, st.RunID)
}

func TestDispatcher_QueueFullRevertRestoresCompletedState(t *testing.T) {
	d, store, enq := newDispatchFixture(t)
	completeStage(t, store, "case-1", "first", &StageResult{Kind: "stub", Text: "v1"})
	enq.err = ErrQueueFull

	resp, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "first", Rerun: true})
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, resp.Decision)

	c, err := store.Get(context.Background(), "case-1")
	require.NoError(t, err)
	st := c.Stage("first")
	assert.Equal(t, StatusCompleted, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, "v1", st.Result.Text)
}

func TestDispatcher_UnknownStage(t *testing.T) {
	d, _, _ := newDispatchFixture(t)

	_, err := d.Start(context.Background(), StartRequest{CaseID: "case-1", Stage: "nope"})
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestDispatcher_UnknownCase(t *testing.T) {
	d, _, _ := newDispatchFixture(t)

	_, err := d.Start(context.Background(), StartRequest{CaseID: "missing", Stage: "first"})
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestDispatcher_SelectionOnStageWithoutSource(t *testing.T) {
	d, _, _ := newDispatchFixture(t)

	_, err := d.Start(context.Background(), StartRequest{
		CaseID:    "case-1",
		Stage:     "first",
		Selection: []SelectionUpdate{{Title: "a", Selected: true}},
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCaseNotFound))
}
