// Package testutil provides mock inference implementations for testing
// stage execution without a live LLM endpoint.
package testutil

import (
	"context"
	"sync"
)

// Call records one Invoke invocation.
type Call struct {
	System string
	User   string
}

// MockInference is a thread-safe scripted inference backend. Each Invoke
// consumes the next entry from Outputs and Errs (a nil error slot means
// success); when the script runs out, the last entry repeats.
//
// Usage:
//
//	// Always succeed
//	mock := &MockInference{Outputs: []string{`{"summary": "ok"}`}}
//
//	// Transient failure, then success (for retry testing)
//	mock := &MockInference{
//	    Outputs: []string{"", `{"summary": "ok"}`},
//	    Errs:    []error{llm.NewTransientError(errors.New("503")), nil},
//	}
type MockInference struct {
	mu    sync.Mutex
	calls []Call

	Outputs []string
	Errs    []error
}

// Invoke returns the next scripted output or error and records the call.
func (m *MockInference) Invoke(_ context.Context, system, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.calls)
	m.calls = append(m.calls, Call{System: system, User: user})

	if err := m.scriptErr(idx); err != nil {
		return "", err
	}
	return m.scriptOutput(idx), nil
}

func (m *MockInference) scriptErr(idx int) error {
	if len(m.Errs) == 0 {
		return nil
	}
	if idx >= len(m.Errs) {
		return m.Errs[len(m.Errs)-1]
	}
	return m.Errs[idx]
}

func (m *MockInference) scriptOutput(idx int) string {
	if len(m.Outputs) == 0 {
		return ""
	}
	if idx >= len(m.Outputs) {
		return m.Outputs[len(m.Outputs)-1]
	}
	return m.Outputs[idx]
}

// Calls returns a copy of the recorded invocations.
func (m *MockInference) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Invoke calls so far.
func (m *MockInference) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears the recorded calls so the script replays from the start.
func (m *MockInference) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
