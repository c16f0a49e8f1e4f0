// Package httpstore implements store.Store against the external relational
// store's authenticated REST-like API (§3, §6): base URL plus an anon key
// (and optional service key) sent as headers, table-scoped resource paths.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/common/tracing"
	"github.com/mcpbuild/orchestrator/internal/store"
	"go.uber.org/zap"
)

// Client is an httpstore.Store backed by an authenticated REST API.
type Client struct {
	baseURL     string
	anonKey     string
	serviceKey  string
	accessToken string
	http        *http.Client
	logger      *logger.Logger
}

var _ store.Store = (*Client)(nil)

// Config configures a Client.
type Config struct {
	URL            string
	AnonKey        string
	ServiceKey     string
	AccessToken    string
	RequestTimeout time.Duration
}

// New creates a Client for the given store configuration.
func New(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     cfg.URL,
		anonKey:     cfg.AnonKey,
		serviceKey:  cfg.ServiceKey,
		accessToken: cfg.AccessToken,
		http:        &http.Client{Timeout: timeout},
		logger:      log,
	}
}

// Close is a no-op; the underlying http.Client owns no long-lived resources.
func (c *Client) Close() error { return nil }

// authHeader picks the most specific credential available: a caller's own
// access token (acting as that user, subject to row-level security) takes
// priority over the service key, which in turn takes priority over the bare
// anon key (§6 start-build request: "accessToken?, serviceKey?").
func (c *Client) authHeader() string {
	if c.accessToken != "" {
		return c.accessToken
	}
	if c.serviceKey != "" {
		return c.serviceKey
	}
	return c.anonKey
}

// do issues an HTTP request against path and decodes a JSON response into out
// (skipped when out is nil, e.g. for 204 responses). Transport failures and
// timeouts are wrapped so callers can classify them as transient (§7).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	ctx, span := tracing.Tracer("httpstore").Start(ctx, method+" "+path)
	defer span.End()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpstore: encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("httpstore: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.authHeader())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpstore: transport error calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict {
		return store.ErrConflict
	}
	if resp.StatusCode == http.StatusNotFound {
		return store.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("httpstore: %s %s returned %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpstore: decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) CreateBuild(ctx context.Context, b *store.Build) error {
	return c.do(ctx, http.MethodPost, "/builds", nil, b, b)
}

func (c *Client) GetBuild(ctx context.Context, id string) (*store.Build, error) {
	var b store.Build
	if err := c.do(ctx, http.MethodGet, "/builds/"+id, nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) ListActiveBuilds(ctx context.Context) ([]*store.Build, error) {
	q := url.Values{"status": []string{"running,retrying"}}
	var builds []*store.Build
	if err := c.do(ctx, http.MethodGet, "/builds", q, nil, &builds); err != nil {
		return nil, err
	}
	return builds, nil
}

func (c *Client) UpdateBuildHeartbeat(ctx context.Context, id string, at time.Time) error {
	payload := map[string]interface{}{"last_heartbeat": at}
	return c.do(ctx, http.MethodPatch, "/builds/"+id, nil, payload, nil)
}

func (c *Client) UpdateBuildWorkspace(ctx context.Context, id, workspacePath string) error {
	payload := map[string]interface{}{"workspace_path": workspacePath}
	return c.do(ctx, http.MethodPatch, "/builds/"+id, nil, payload, nil)
}

func (c *Client) UpdateBuildWorkerPID(ctx context.Context, id string, pid int) error {
	payload := map[string]interface{}{"worker_pid": pid}
	return c.do(ctx, http.MethodPatch, "/builds/"+id, nil, payload, nil)
}

// TransitionBuildStatus performs the conditional update described in §5 by
// sending the terminal statuses as an exclusion filter the store applies
// server-side; a precondition failure surfaces as store.ErrConflict.
func (c *Client) TransitionBuildStatus(ctx context.Context, id string, to store.BuildStatus, failureReason string) error {
	q := url.Values{"status_not_in": []string{"completed,failed,cancelled"}}
	payload := map[string]interface{}{"status": to}
	if failureReason != "" {
		payload["failure_reason"] = failureReason
	}
	c.logger.Debug("transitioning build status",
		zap.String("build_id", id), zap.String("to", string(to)))
	return c.do(ctx, http.MethodPatch, "/builds/"+id, q, payload, nil)
}

func (c *Client) CreateStep(ctx context.Context, s *store.Step) error {
	return c.do(ctx, http.MethodPost, "/steps", nil, s, s)
}

func (c *Client) UpdateStep(ctx context.Context, s *store.Step) error {
	return c.do(ctx, http.MethodPatch, "/steps/"+s.ID, nil, s, nil)
}

func (c *Client) ListSteps(ctx context.Context, buildID string) ([]*store.Step, error) {
	q := url.Values{"build_id": []string{buildID}, "order": []string{"ordinal.asc"}}
	var steps []*store.Step
	if err := c.do(ctx, http.MethodGet, "/steps", q, nil, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func (c *Client) CreateCustomPrompt(ctx context.Context, cp *store.CustomPrompt) error {
	return c.do(ctx, http.MethodPost, "/custom_prompts", nil, cp, cp)
}

func (c *Client) ListPendingCustomPrompts(ctx context.Context, buildID string) ([]*store.CustomPrompt, error) {
	q := url.Values{
		"build_id": []string{buildID},
		"status":   []string{"pending"},
		"order":    []string{"created_at.asc,id.asc"},
	}
	var prompts []*store.CustomPrompt
	if err := c.do(ctx, http.MethodGet, "/custom_prompts", q, nil, &prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}

func (c *Client) ListCustomPrompts(ctx context.Context, buildID string) ([]*store.CustomPrompt, error) {
	q := url.Values{"build_id": []string{buildID}, "order": []string{"created_at.asc"}}
	var prompts []*store.CustomPrompt
	if err := c.do(ctx, http.MethodGet, "/custom_prompts", q, nil, &prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}

func (c *Client) TransitionCustomPromptStatus(ctx context.Context, id string, to store.CustomPromptStatus) error {
	payload := map[string]interface{}{"status": to}
	return c.do(ctx, http.MethodPatch, "/custom_prompts/"+id, nil, payload, nil)
}

func (c *Client) AppendLog(ctx context.Context, entry *store.LogEntry) error {
	return c.do(ctx, http.MethodPost, "/logs", nil, entry, nil)
}

func (c *Client) ListLogs(ctx context.Context, buildID, stepID string) ([]*store.LogEntry, error) {
	q := url.Values{"build_id": []string{buildID}}
	if stepID != "" {
		q.Set("step_id", stepID)
	}
	q.Set("order", "created_at.asc")
	var logs []*store.LogEntry
	if err := c.do(ctx, http.MethodGet, "/logs", q, nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
