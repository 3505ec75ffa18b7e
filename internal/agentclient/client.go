// Package agentclient is a thin REST client for the external autonomous
// coding agent consumed by the dispatcher and status reconciler: create a
// session from a bundle prompt, poll a session's status, and push follow-up
// wave-context messages into a still-active session.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// AuthError wraps a non-retryable 401/403 response from the agent API.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("agent API authentication error (status %d)", e.StatusCode)
}

// Session is the agent's session resource, as returned by both create and
// get-session calls.
type Session struct {
	SessionID       string          `json:"session_id"`
	StatusEnum      string          `json:"status_enum"`
	Prompt          string          `json:"prompt"`
	StructuredOutput StructuredOutput `json:"structured_output"`
}

// StructuredOutput is the session's self-reported progress payload.
type StructuredOutput struct {
	PullRequest  *PullRequestRef `json:"pull_request,omitempty"`
	CIStatus     string          `json:"ci_status,omitempty"`
	ChangedFiles []string        `json:"changed_files,omitempty"`
}

// PullRequestRef is the PR URL the agent believes it opened.
type PullRequestRef struct {
	URL string `json:"url"`
}

// Agent-reported session status values.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusWorking   = "working"
	StatusBlocked   = "blocked"
	StatusStopped   = "stopped"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// WaveContext is the structured follow-up payload the wave-context
// propagator pushes into the next wave's active sessions.
type WaveContext struct {
	Type                 string   `json:"type"` // always "wave-context"
	WaveIndex            int      `json:"wave_index"`
	SourceWaveIndex      int      `json:"source_wave_index"`
	UpstreamFixSummaries []string `json:"upstream_fix_summaries"`
	NotablePatterns      []string `json:"notable_patterns"`
	TestFixturesChanged  []string `json:"test_fixtures_changed"`
	CIGreenPRs           []string `json:"ci_green_prs"`
}

// Client talks to the agent's REST API. One Client is shared process-wide
// (it wraps a single pooled retryablehttp client), per the "shared resources"
// concurrency contract.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
}

// New builds a Client against baseURL, authenticating with apiKey via a
// bearer token. Requests get a 60s per-attempt timeout and retry with
// exponential backoff (base 1s, doubling, up to 3 retries) on 429/502/503/504 and
// connection/timeout errors; 401/403 are never retried.
func New(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 8 * time.Second
	rc.HTTPClient.Timeout = 60 * time.Second
	rc.Logger = nil
	rc.CheckRetry = checkRetry

	return &Client{baseURL: baseURL, apiKey: apiKey, http: rc}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	if resp != nil && resp.StatusCode >= 500 {
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true, nil
		}
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// CreateSession opens a new agent session with prompt, tagged with an
// idempotency key the server is expected to collapse duplicate creates on,
// and an optional wave-context envelope.
func (c *Client) CreateSession(ctx context.Context, prompt, idempotencyKey string, waveCtx *WaveContext) (*Session, error) {
	body := map[string]interface{}{
		"prompt":          prompt,
		"idempotency_key": idempotencyKey,
	}
	if waveCtx != nil {
		body["wave_context"] = waveCtx
	}
	var session Session
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession polls the current state of a previously created session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SendMessage posts a follow-up message (optionally carrying wave context)
// to an already-active session.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string, waveCtx *WaveContext) error {
	body := map[string]interface{}{"message": message}
	if waveCtx != nil {
		body["wave_context"] = waveCtx
	}
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/messages", body, nil)
}

// ListSessions returns up to limit sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, limit int, status string) ([]Session, error) {
	path := fmt.Sprintf("/sessions?limit=%d", limit)
	if status != "" {
		path += "&status=" + status
	}
	var envelope struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Sessions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent API returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding agent API response: %w", err)
	}
	return nil
}
