package pipeline

import (
	"encoding/json"
	"fmt"
)

// maxUnwrapDepth bounds how many single-key wrapper objects the assembler
// peels off a structured payload. Unbounded unwrapping would mask malformed
// data as a no-op.
const maxUnwrapDepth = 2

// wrapperKeys are the container keys a provider or stage parser may wrap a
// payload in. Only an object with exactly one of these keys is unwrapped.
var wrapperKeys = []string{"result", "data", "output", "response"}

// UpstreamResult pairs a completed prerequisite stage with its result.
type UpstreamResult struct {
	Stage  string
	Result *StageResult
}

// StageInput is the assembled input for one stage's inference call: the case
// document, every completed prerequisite result for grounding, and the
// reviewer's selection partitioned into included items.
type StageInput struct {
	CaseID   string
	Stage    string
	Document string

	// Upstream holds the prerequisite results in pipeline order.
	Upstream []UpstreamResult

	// AllItems is the full annotated item set from the selection source,
	// included and excluded alike.
	AllItems []SelectableItem

	// Included is the subset of AllItems with Selected set, in stored
	// order. These are the explicit generation targets.
	Included []SelectableItem
}

// Assembler builds stage inputs from a case record. It is a pure function of
// its arguments: the same record and stage always produce identical output,
// and nothing is mutated.
type Assembler struct {
	registry *Registry
}

// NewAssembler creates an assembler over the given stage registry.
func NewAssembler(registry *Registry) *Assembler {
	return &Assembler{registry: registry}
}

// Build assembles the inference input for the named stage.
func (a *Assembler) Build(c *Case, stage string) (*StageInput, error) {
	def, ok := a.registry.Get(stage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	in := &StageInput{
		CaseID:   c.ID,
		Stage:    stage,
		Document: c.Document,
	}

	for _, req := range def.Requires {
		st := c.Stage(req)
		if st.Status != StatusCompleted || st.Result == nil {
			return nil, &PrerequisiteError{Stage: stage, Missing: []string{req}}
		}
		in.Upstream = append(in.Upstream, UpstreamResult{Stage: req, Result: st.Result.Clone()})
	}

	if def.SelectionSource != "" {
		src := c.Stage(def.SelectionSource)
		if src.Result != nil {
			items := ItemsFromResult(src.Result)
			in.AllItems = items
			for _, item := range items {
				if item.Selected {
					in.Included = append(in.Included, item)
				}
			}
		}
	}

	return in, nil
}

// ReconcileSelection applies caller selection updates to a stored item set
// and returns the reconciled copy. Every item in the output has an explicit
// Selected value: items named in updates take the caller's boolean and
// annotation, and items absent from updates are set to false. Leaving a
// prior value in place on partial re-submission silently over-includes, so
// absence always means exclusion.
func ReconcileSelection(items []SelectableItem, updates []SelectionUpdate) []SelectableItem {
	byTitle := make(map[string]SelectionUpdate, len(updates))
	for _, u := range updates {
		byTitle[u.Title] = u
	}

	out := make([]SelectableItem, len(items))
	for i, item := range items {
		reconciled := item
		if u, ok := byTitle[item.Title]; ok {
			reconciled.Selected = u.Selected
			if u.Annotation != "" {
				reconciled.Annotation = u.Annotation
			}
		} else {
			reconciled.Selected = false
		}
		out[i] = reconciled
	}
	return out
}

// ItemsFromResult extracts the selectable items from a stage result. Results
// parsed by a stage handler carry them directly; raw payloads may hold an
// "items" array inside up to maxUnwrapDepth single-key wrapper objects.
func ItemsFromResult(r *StageResult) []SelectableItem {
	if r == nil {
		return nil
	}
	if r.Items != nil {
		out := make([]SelectableItem, len(r.Items))
		copy(out, r.Items)
		return out
	}
	if len(r.Data) == 0 {
		return nil
	}

	payload := unwrapPayload(r.Data, maxUnwrapDepth)

	var embedded struct {
		Items []SelectableItem `json:"items"`
	}
	if err := json.Unmarshal(payload, &embedded); err != nil {
		return nil
	}
	return embedded.Items
}

// unwrapPayload peels single-key wrapper objects off a JSON payload, at most
// depth levels deep. Objects with more than one key, non-wrapper keys, or
// non-object values are returned as-is.
func unwrapPayload(data json.RawMessage, depth int) json.RawMessage {
	current := data
	for i := 0; i < depth; i++ {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil || len(obj) != 1 {
			return current
		}

		unwrapped := false
		for _, key := range wrapperKeys {
			if inner, ok := obj[key]; ok {
				current = inner
				unwrapped = true
				break
			}
		}
		if !unwrapped {
			return current
		}
	}
	return current
}
