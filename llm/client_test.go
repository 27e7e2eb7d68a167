package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/caseflow/llm"
	_ "github.com/c360studio/caseflow/llm/providers"
)

func newTestClient(t *testing.T, baseURL string) *llm.Client {
	t.Helper()
	client, err := llm.NewClient(llm.Config{
		Provider: "ollama",
		BaseURL:  baseURL,
		Model:    "test-model",
	})
	require.NoError(t, err)
	return client
}

func completionResponse(content string) string {
	return `{
		"model": "test-model",
		"choices": [{"message": {"role": "assistant", "content": ` + jsonString(content) + `}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestClient_InvokeSendsSystemAndUserMessages(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse("the answer")))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	out, err := client.Invoke(context.Background(), "you are a summarizer", "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "the answer", out)

	assert.Equal(t, "test-model", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "you are a summarizer", captured.Messages[0].Content)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, "summarize this", captured.Messages[1].Content)
}

func TestClient_CompleteReportsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(completionResponse("ok")))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"forbidden", http.StatusForbidden, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "upstream says no", tt.status)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			_, err := client.Invoke(context.Background(), "", "hello")

			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, llm.IsTransient(err))
			assert.Equal(t, !tt.wantTransient, llm.IsFatal(err))
		})
	}
}

func TestClient_TransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // connection refused from here on

	client := newTestClient(t, server.URL)
	_, err := client.Invoke(context.Background(), "", "hello")

	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}

func TestClient_UnparseableSuccessBodyIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>gateway smashed the body</html>"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Invoke(context.Background(), "", "hello")

	require.Error(t, err)
	assert.True(t, llm.IsTransient(err), "a 200 with a broken body is worth retrying")
}

func TestClient_EmptyMessagesIsFatal(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")

	_, err := client.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}

func TestNewClient_RejectsUnknownProvider(t *testing.T) {
	_, err := llm.NewClient(llm.Config{Provider: "carrier-pigeon", Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestNewClient_RequiresModel(t *testing.T) {
	_, err := llm.NewClient(llm.Config{Provider: "ollama"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}
