package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/caseflow/llm"
)

func TestOllamaProvider_BuildURL(t *testing.T) {
	p := &OllamaProvider{}

	assert.Equal(t, "http://localhost:11434/v1/chat/completions", p.BuildURL(""))
	assert.Equal(t, "http://gpu-box:8000/v1/chat/completions", p.BuildURL("http://gpu-box:8000/v1"))
	assert.Equal(t, "http://gpu-box:8000/v1/chat/completions", p.BuildURL("http://gpu-box:8000/v1/"))
	// A fully-specified endpoint is used as-is.
	assert.Equal(t, "http://gpu-box:8000/v1/chat/completions", p.BuildURL("http://gpu-box:8000/v1/chat/completions"))
}

func TestOllamaProvider_BuildRequestBody(t *testing.T) {
	p := &OllamaProvider{}
	temp := 0.0

	body, err := p.BuildRequestBody("qwen2.5:32b", []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
	}, &temp, 2048)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))

	assert.Equal(t, "qwen2.5:32b", req["model"])
	msgs := req["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, 0.0, req["temperature"], "zero temperature is explicit, not omitted")
	assert.Equal(t, float64(2048), req["max_tokens"])
}

func TestOllamaProvider_BuildRequestBody_Defaults(t *testing.T) {
	p := &OllamaProvider{}

	body, err := p.BuildRequestBody("qwen2.5:32b", []llm.Message{
		{Role: "user", Content: "hello"},
	}, nil, 0)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	_, hasTemp := req["temperature"]
	assert.False(t, hasTemp)
	_, hasMax := req["max_tokens"]
	assert.False(t, hasMax)
}

func TestOllamaProvider_SetHeaders(t *testing.T) {
	p := &OllamaProvider{}

	t.Setenv("OPENAI_API_KEY", "")
	req, err := http.NewRequest(http.MethodPost, "http://localhost:11434/v1/chat/completions", nil)
	require.NoError(t, err)
	p.SetHeaders(req)
	assert.Empty(t, req.Header.Get("Authorization"), "local endpoints need no auth")

	t.Setenv("OPENAI_API_KEY", "router-key")
	p.SetHeaders(req)
	assert.Equal(t, "Bearer router-key", req.Header.Get("Authorization"))
}

func TestOllamaProvider_ParseResponse(t *testing.T) {
	p := &OllamaProvider{}

	resp, err := p.ParseResponse([]byte(`{
		"id": "chatcmpl-1",
		"model": "qwen2.5:32b",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "the answer"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
	}`), "qwen2.5:32b")
	require.NoError(t, err)

	assert.Equal(t, "the answer", resp.Content)
	assert.Equal(t, "qwen2.5:32b", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestOllamaProvider_ParseResponse_NoChoices(t *testing.T) {
	_, err := (&OllamaProvider{}).ParseResponse([]byte(`{"choices": []}`), "m")
	assert.Error(t, err)
}
