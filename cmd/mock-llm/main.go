// Package main implements a mock LLM server for offline pipeline runs.
// It serves OpenAI-compatible /v1/chat/completions responses from JSON or
// markdown fixture files, routing by the pipeline stage inferred from the
// request prompt. This eliminates the need for a real LLM during wiring
// tests, making them fast, deterministic, and offline-capable.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are named by stage (e.g., "findings.json" answers the
// findings stage). The file content is returned as the assistant message.
//
// Sequential fixtures: if numbered files exist (e.g., "findings.1.json",
// "findings.2.json"), the Nth call for that stage returns the Nth fixture;
// after the numbered files run out, the base "findings.json" repeats. This
// enables testing re-run and retry flows.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// stageMarkers maps the opening line of each stage's user prompt to its
// fixture name. The pipeline sends one model for every stage, so routing
// has to read the prompt, not the model field.
var stageMarkers = []struct {
	prefix string
	stage  string
}{
	{"Summarize the following case document", "summary"},
	{"Identify the findings in this case", "findings"},
	{"Produce recommendations for these reviewed findings", "recommendations"},
	{"Write the final report for this case", "report"},
}

// --- Server ---

type server struct {
	fixtures map[string][]string // stage name → ordered fixture contents
	calls    atomic.Int64        // total calls served

	// Per-stage call counters for sequential fixture selection.
	stageCalls   map[string]*atomic.Int64
	stageCallsMu sync.Mutex // protects lazy init of stageCalls entries
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures:   fixtures,
		stageCalls: make(map[string]*atomic.Int64),
	}
}

// getStageCounter returns the call counter for a stage, creating it lazily.
func (s *server) getStageCounter(stage string) *atomic.Int64 {
	s.stageCallsMu.Lock()
	defer s.stageCallsMu.Unlock()
	if c, ok := s.stageCalls[stage]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.stageCalls[stage] = c
	return c
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	// Allow env var override
	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d stage(s) from %s", len(fixtures), *fixtureDir)
	for stage, seq := range fixtures {
		log.Printf("  stage: %s (%d fixture(s))", stage, len(seq))
	}

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	stage := detectStage(req.Messages)
	log.Printf("[call %d] model=%s stage=%s messages=%d", callNum, req.Model, stage, len(req.Messages))

	seq, ok := s.fixtures[stage]
	if !ok {
		log.Printf("[call %d] WARNING: no fixture for stage=%q, returning error", callNum, stage)
		http.Error(w, fmt.Sprintf("no fixture for stage %q", stage), http.StatusNotFound)
		return
	}

	// Select fixture from sequence based on per-stage call count
	counter := s.getStageCounter(stage)
	callIndex := int(counter.Add(1) - 1) // 0-indexed

	var content string
	if callIndex < len(seq) {
		content = seq[callIndex]
	} else {
		content = seq[len(seq)-1] // repeat last fixture
	}

	log.Printf("[call %d] stage=%s call_index=%d/%d", callNum, stage, callIndex+1, len(seq))

	// Wrap in OpenAI response envelope
	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// detectStage infers the pipeline stage from the user message's opening
// instruction. Unknown prompts map to "unknown" so the caller gets a clear
// 404 rather than a wrong fixture.
func detectStage(messages []chatMessage) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		for _, marker := range stageMarkers {
			if strings.HasPrefix(msg.Content, marker.prefix) {
				return marker.stage
			}
		}
	}
	return "unknown"
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.stageCallsMu.Lock()
	callsByStage := make(map[string]int64, len(s.stageCalls))
	for stage, counter := range s.stageCalls {
		callsByStage[stage] = counter.Load()
	}
	s.stageCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_stage": callsByStage,
	})
}

// numberedFileRe matches files like "findings.1.json", "findings.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.(json|md|txt)$`)

// baseFileRe matches unnumbered fixture files.
var baseFileRe = regexp.MustCompile(`^(.+)\.(json|md|txt)$`)

// loadFixtures reads fixture files from dir and returns a map of
// stage → content sequence.
//
// For each stage, fixtures are ordered:
//  1. Numbered files (stage.1.json, stage.2.json, ...) in numeric order
//  2. Base file (stage.json) appended as the final fallback
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	baseFiles := make(map[string]string)             // stage → content
	numberedFiles := make(map[string]map[int]string) // stage → {index → content}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			idx, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			if numberedFiles[m[1]] == nil {
				numberedFiles[m[1]] = make(map[int]string)
			}
			numberedFiles[m[1]][idx] = string(data)
			continue
		}
		if m := baseFileRe.FindStringSubmatch(name); m != nil {
			baseFiles[m[1]] = string(data)
		}
	}

	fixtures := make(map[string][]string)
	for stage, indexed := range numberedFiles {
		indices := make([]int, 0, len(indexed))
		for idx := range indexed {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[stage] = append(fixtures[stage], indexed[idx])
		}
	}
	for stage, content := range baseFiles {
		fixtures[stage] = append(fixtures[stage], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files in %s", dir)
	}
	return fixtures, nil
}
