package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/caseflow/pipeline"
)

// Client is the caller-side HTTP client for a caseflow server. It implements
// pipeline.StatusSource, so a pipeline.Poller can await stage completion
// across the wire.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL (e.g.,
// "http://localhost:8080/api").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// CreateCase creates a case record and returns its ID.
func (c *Client) CreateCase(ctx context.Context, req CreateCaseRequest) (string, error) {
	var resp CreateCaseResponse
	if err := c.doJSON(ctx, http.MethodPost, "/cases", req, &resp); err != nil {
		return "", err
	}
	return resp.CaseID, nil
}

// GetCase fetches the full case record.
func (c *Client) GetCase(ctx context.Context, caseID string) (*pipeline.Case, error) {
	var out pipeline.Case
	path := "/cases/" + url.PathEscape(caseID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartStage dispatches a stage run and returns the server's synchronous
// verdict.
func (c *Client) StartStage(ctx context.Context, caseID, stage string, req StartStageRequest) (*StartStageResponse, error) {
	var out StartStageResponse
	path := fmt.Sprintf("/cases/%s/stages/%s/start", url.PathEscape(caseID), url.PathEscape(stage))
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StageStatus implements pipeline.StatusSource.
func (c *Client) StageStatus(ctx context.Context, caseID, stage string) (*pipeline.StageStatus, error) {
	var out pipeline.StageStatus
	path := fmt.Sprintf("/cases/%s/stages/%s", url.PathEscape(caseID), url.PathEscape(stage))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		// fall through to decode
	case http.StatusNotFound:
		if strings.Contains(string(respBody), "Case not found") {
			return pipeline.ErrCaseNotFound
		}
		return fmt.Errorf("%s %s: %w", method, path, pipeline.ErrUnknownStage)
	default:
		return fmt.Errorf("%s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
