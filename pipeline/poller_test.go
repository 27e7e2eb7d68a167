package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource returns a fixed sequence of statuses, repeating the last.
type scriptedSource struct {
	statuses []*StageStatus
	calls    atomic.Int64
}

func (s *scriptedSource) StageStatus(context.Context, string, string) (*StageStatus, error) {
	idx := int(s.calls.Add(1)) - 1
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	return s.statuses[idx], nil
}

func fastPoll(maxWait time.Duration) PollConfig {
	return PollConfig{Interval: time.Millisecond, MaxWait: maxWait}
}

func TestPoller_ReturnsCompletedResult(t *testing.T) {
	source := &scriptedSource{statuses: []*StageStatus{
		{Status: StatusProcessing},
		{Status: StatusCompleted, Result: &StageResult{Kind: "stub", Text: "done"}},
	}}
	p := NewPoller(source, fastPoll(time.Second), nil)

	result, err := p.AwaitCompletion(context.Background(), "case-1", "first")
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)
	assert.GreaterOrEqual(t, source.calls.Load(), int64(2))
}

func TestPoller_FailedStageSurfacesStoredError(t *testing.T) {
	source := &scriptedSource{statuses: []*StageStatus{
		{Status: StatusFailed, Error: "endpoint down"},
	}}
	p := NewPoller(source, fastPoll(time.Second), nil)

	_, err := p.AwaitCompletion(context.Background(), "case-1", "first")

	var failed *StageFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "first", failed.Stage)
	assert.Contains(t, failed.Message, "endpoint down")
}

func TestPoller_BudgetExhaustedMeansUnknown(t *testing.T) {
	source := &scriptedSource{statuses: []*StageStatus{
		{Status: StatusProcessing},
	}}
	p := NewPoller(source, fastPoll(20*time.Millisecond), nil)

	_, err := p.AwaitCompletion(context.Background(), "case-1", "first")
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestPoller_CallerDeadlineIsNotABudgetTimeout(t *testing.T) {
	source := &scriptedSource{statuses: []*StageStatus{
		{Status: StatusProcessing},
	}}
	p := NewPoller(source, fastPoll(time.Minute), nil)

	// The caller's own deadline fires long before the poll budget does.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.AwaitCompletion(ctx, "case-1", "first")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrPollTimeout)
}

func TestPoller_CallerCancellation(t *testing.T) {
	source := &scriptedSource{statuses: []*StageStatus{
		{Status: StatusProcessing},
	}}
	p := NewPoller(source, fastPoll(time.Minute), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.AwaitCompletion(ctx, "case-1", "first")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoller_StoreSourceReadsStageStatus(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), NewCase("case-1", "Test", "doc")))
	_, err := store.Update(context.Background(), "case-1", func(c *Case) error {
		st := c.EnsureStage("first")
		st.Status = StatusCompleted
		st.Result = &StageResult{Kind: "stub", Text: "stored"}
		return nil
	})
	require.NoError(t, err)

	p := NewPoller(&StoreStatusSource{Store: store}, fastPoll(time.Second), nil)

	result, err := p.AwaitCompletion(context.Background(), "case-1", "first")
	require.NoError(t, err)
	assert.Equal(t, "stored", result.Text)
}

func TestPoller_ResultIsACopy(t *testing.T) {
	stored := &StageResult{Kind: "stub", Items: []SelectableItem{{Title: "a", Selected: true}}}
	source := &scriptedSource{statuses: []*StageStatus{
		{Status: StatusCompleted, Result: stored},
	}}
	p := NewPoller(source, fastPoll(time.Second), nil)

	result, err := p.AwaitCompletion(context.Background(), "case-1", "first")
	require.NoError(t, err)

	result.Items[0].Title = "mutated"
	assert.Equal(t, "a", stored.Items[0].Title)
}
