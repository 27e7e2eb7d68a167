package pipeline

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct{}

func (stubHandler) BuildPrompt(_ *StageInput) (string, string, error) { return "sys", "user", nil }
func (stubHandler) ParseResult(raw string) (*StageResult, error) {
	return &StageResult{Kind: "stub", Text: raw}, nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(
		StageDef{Name: "first", Handler: stubHandler{}},
		StageDef{Name: "second", Requires: []string{"first"}, SelectionSource: "first", Handler: stubHandler{}},
	)
	require.NoError(t, err)
	return reg
}

func TestReconcileSelection_AbsentMeansExcluded(t *testing.T) {
	items := []SelectableItem{
		{Title: "a", Selected: true},
		{Title: "b", Selected: true},
		{Title: "c", Selected: false},
	}

	out := ReconcileSelection(items, []SelectionUpdate{
		{Title: "b", Selected: true, Annotation: "focus here"},
	})

	require.Len(t, out, 3)
	assert.False(t, out[0].Selected, "item absent from updates must be excluded")
	assert.True(t, out[1].Selected)
	assert.Equal(t, "focus here", out[1].Annotation)
	assert.False(t, out[2].Selected)
}

func TestReconcileSelection_ExplicitExclude(t *testing.T) {
	items := []SelectableItem{{Title: "a", Selected: true}}

	out := ReconcileSelection(items, []SelectionUpdate{{Title: "a", Selected: false}})

	assert.False(t, out[0].Selected)
}

func TestReconcileSelection_DoesNotMutateInput(t *testing.T) {
	items := []SelectableItem{{Title: "a", Selected: true}}

	_ = ReconcileSelection(items, nil)

	assert.True(t, items[0].Selected)
}

func TestReconcileSelection_UnknownTitlesIgnored(t *testing.T) {
	items := []SelectableItem{{Title: "a", Selected: false}}

	out := ReconcileSelection(items, []SelectionUpdate{
		{Title: "a", Selected: true},
		{Title: "ghost", Selected: true},
	})

	require.Len(t, out, 1)
	assert.True(t, out[0].Selected)
}

func TestAssembler_Build_Deterministic(t *testing.T) {
	reg := testRegistry(t)
	c := NewCase("case-1", "Test", "doc text")
	first := c.EnsureStage("first")
	first.Status = StatusCompleted
	first.Result = &StageResult{
		Kind: "stub",
		Items: []SelectableItem{
			{Title: "a", Selected: true, Annotation: "note"},
			{Title: "b", Selected: false},
		},
	}

	a := NewAssembler(reg)
	in1, err := a.Build(c, "second")
	require.NoError(t, err)
	in2, err := a.Build(c, "second")
	require.NoError(t, err)

	assert.Equal(t, in1, in2, "same record must assemble identical input")
	assert.Equal(t, "doc text", in1.Document)
	require.Len(t, in1.Upstream, 1)
	assert.Equal(t, "first", in1.Upstream[0].Stage)
	require.Len(t, in1.Included, 1)
	assert.Equal(t, "a", in1.Included[0].Title)
	assert.Len(t, in1.AllItems, 2)
}

func TestAssembler_Build_DoesNotMutateCase(t *testing.T) {
	reg := testRegistry(t)
	c := NewCase("case-1", "Test", "doc")
	first := c.EnsureStage("first")
	first.Status = StatusCompleted
	first.Result = &StageResult{Kind: "stub", Items: []SelectableItem{{Title: "a", Selected: true}}}

	in, err := NewAssembler(reg).Build(c, "second")
	require.NoError(t, err)

	in.Upstream[0].Result.Items[0].Title = "mutated"
	in.Included[0].Selected = false

	assert.Equal(t, "a", first.Result.Items[0].Title)
	assert.True(t, first.Result.Items[0].Selected)
}

func TestAssembler_Build_MissingPrerequisite(t *testing.T) {
	reg := testRegistry(t)
	c := NewCase("case-1", "Test", "doc")

	_, err := NewAssembler(reg).Build(c, "second")

	var prereqErr *PrerequisiteError
	require.ErrorAs(t, err, &prereqErr)
	assert.Equal(t, []string{"first"}, prereqErr.Missing)
}

func TestAssembler_Build_UnknownStage(t *testing.T) {
	reg := testRegistry(t)
	c := NewCase("case-1", "Test", "doc")

	_, err := NewAssembler(reg).Build(c, "nope")
	assert.True(t, errors.Is(err, ErrUnknownStage))
}

func TestItemsFromResult_UnwrapsBoundedDepth(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantItems int
	}{
		{
			name:      "direct items",
			data:      `{"items":[{"title":"a","selected":true}]}`,
			wantItems: 1,
		},
		{
			name:      "one wrapper",
			data:      `{"result":{"items":[{"title":"a","selected":true}]}}`,
			wantItems: 1,
		},
		{
			name:      "two wrappers",
			data:      `{"result":{"data":{"items":[{"title":"a","selected":true}]}}}`,
			wantItems: 1,
		},
		{
			name:      "three wrappers exceeds depth",
			data:      `{"result":{"data":{"output":{"items":[{"title":"a","selected":true}]}}}}`,
			wantItems: 0,
		},
		{
			name:      "multi-key object is not a wrapper",
			data:      `{"result":{"items":[]},"other":1}`,
			wantItems: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &StageResult{Kind: "stub", Data: json.RawMessage(tt.data)}
			items := ItemsFromResult(r)
			assert.Len(t, items, tt.wantItems)
		})
	}
}

func TestItemsFromResult_PrefersTypedItems(t *testing.T) {
	r := &StageResult{
		Kind:  "stub",
		Items: []SelectableItem{{Title: "typed"}},
		Data:  json.RawMessage(`{"items":[{"title":"embedded"}]}`),
	}

	items := ItemsFromResult(r)
	require.Len(t, items, 1)
	assert.Equal(t, "typed", items[0].Title)
}

func TestItemsFromResult_Nil(t *testing.T) {
	assert.Nil(t, ItemsFromResult(nil))
	assert.Nil(t, ItemsFromResult(&StageResult{Kind: "raw", Text: "free text"}))
}
