package pipeline

import "fmt"

// Handler implements a stage's inference contract: building the prompt from
// assembled context and parsing the model's response into a typed result.
type Handler interface {
	// BuildPrompt produces the system and user context for the inference
	// call from the assembled stage input.
	BuildPrompt(in *StageInput) (system, user string, err error)

	// ParseResult converts the raw model output into the stage's typed
	// result. A parse error triggers the executor's raw-text fallback.
	ParseResult(raw string) (*StageResult, error)
}

// StageDef declares one stage: its name, the stages that must be completed
// before it may start, where its reviewable items come from, and the handler
// that drives its inference call.
type StageDef struct {
	// Name is the stage name used in status records and the API.
	Name string

	// Requires lists stages that must be completed before this stage may
	// start, in pipeline order.
	Requires []string

	// SelectionSource names the stage whose result holds the selectable
	// items this stage consumes as generation targets. A stage may name
	// itself: a re-run then reconciles the caller's selection against its
	// own previous result. Empty means the stage takes no selection.
	SelectionSource string

	// Handler drives the stage's inference call.
	Handler Handler
}

// Registry holds the ordered stage definitions for one pipeline.
type Registry struct {
	defs   []StageDef
	byName map[string]StageDef
}

// NewRegistry builds a registry from ordered stage definitions. Every
// Requires and SelectionSource entry must name a stage defined at or before
// the referencing stage.
func NewRegistry(defs ...StageDef) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("at least one stage definition is required")
	}

	byName := make(map[string]StageDef, len(defs))
	for i, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("stage %d: name is required", i)
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("stage %q: handler is required", def.Name)
		}
		if _, dup := byName[def.Name]; dup {
			return nil, fmt.Errorf("stage %q: duplicate definition", def.Name)
		}
		for _, req := range def.Requires {
			if _, ok := byName[req]; !ok {
				return nil, fmt.Errorf("stage %q: requires undefined or later stage %q", def.Name, req)
			}
		}
		if def.SelectionSource != "" && def.SelectionSource != def.Name {
			if _, ok := byName[def.SelectionSource]; !ok {
				return nil, fmt.Errorf("stage %q: selection source %q is not an earlier stage", def.Name, def.SelectionSource)
			}
		}
		byName[def.Name] = def
	}

	return &Registry{defs: defs, byName: byName}, nil
}

// Get returns the definition for the named stage.
func (r *Registry) Get(name string) (StageDef, bool) {
	def, ok := r.byName[name]
	return def, ok
}

// Names returns the stage names in pipeline order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.defs))
	for i, def := range r.defs {
		names[i] = def.Name
	}
	return names
}
