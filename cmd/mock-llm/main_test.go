package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "summary.md", "A case summary.")
	writeFixture(t, dir, "findings.json", `{"findings":[]}`)

	fixtures, err := loadFixtures(dir)
	require.NoError(t, err)

	require.Len(t, fixtures, 2)
	assert.Equal(t, []string{"A case summary."}, fixtures["summary"])
	assert.Equal(t, []string{`{"findings":[]}`}, fixtures["findings"])
}

func TestLoadFixtures_NumberedBeforeBase(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "findings.2.json", "second")
	writeFixture(t, dir, "findings.1.json", "first")
	writeFixture(t, dir, "findings.json", "fallback")

	fixtures, err := loadFixtures(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "fallback"}, fixtures["findings"])
}

func TestLoadFixtures_EmptyDir(t *testing.T) {
	_, err := loadFixtures(t.TempDir())
	assert.Error(t, err)
}

func TestDetectStage(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"Summarize the following case document.\n\n## Case Document\n\n...", "summary"},
		{"Identify the findings in this case.\n\n...", "findings"},
		{"Produce recommendations for these reviewed findings.\n\n...", "recommendations"},
		{"Write the final report for this case.\n\n...", "report"},
		{"Tell me a joke", "unknown"},
	}

	for _, tt := range tests {
		got := detectStage([]chatMessage{
			{Role: "system", Content: "You are a case analyst."},
			{Role: "user", Content: tt.prompt},
		})
		assert.Equal(t, tt.want, got, "prompt %q", tt.prompt)
	}
}

func completionCall(t *testing.T, srv *server, userPrompt string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	body := `{"model":"mock","messages":[{"role":"user","content":` + mustJSON(t, userPrompt) + `}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		return rec, ""
	}
	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	return rec, resp.Choices[0].Message.Content
}

func mustJSON(t *testing.T, s string) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func TestServer_RoutesByPromptStage(t *testing.T) {
	srv := newServer(map[string][]string{
		"summary":  {"summary fixture"},
		"findings": {`{"findings":[{"title":"t"}]}`},
	})

	_, content := completionCall(t, srv, "Summarize the following case document.\n\ndoc")
	assert.Equal(t, "summary fixture", content)

	_, content = completionCall(t, srv, "Identify the findings in this case.\n\ndoc")
	assert.Contains(t, content, `"findings"`)
}

func TestServer_SequentialFixturesThenRepeat(t *testing.T) {
	srv := newServer(map[string][]string{
		"summary": {"first", "second"},
	})

	prompt := "Summarize the following case document.\n\ndoc"
	for _, want := range []string{"first", "second", "second", "second"} {
		_, content := completionCall(t, srv, prompt)
		assert.Equal(t, want, content)
	}
}

func TestServer_UnknownStageIs404(t *testing.T) {
	srv := newServer(map[string][]string{"summary": {"s"}})

	rec, _ := completionCall(t, srv, "Recite a poem")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StatsCountsByStage(t *testing.T) {
	srv := newServer(map[string][]string{
		"summary":  {"s"},
		"findings": {"f"},
	})

	prompt := "Summarize the following case document.\n\ndoc"
	completionCall(t, srv, prompt)
	completionCall(t, srv, prompt)
	completionCall(t, srv, "Identify the findings in this case.\n\ndoc")

	rec := httptest.NewRecorder()
	srv.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		TotalCalls   int64            `json:"total_calls"`
		CallsByStage map[string]int64 `json:"calls_by_stage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.TotalCalls)
	assert.Equal(t, int64(2), stats.CallsByStage["summary"])
	assert.Equal(t, int64(1), stats.CallsByStage["findings"])
}
