// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pitr is an HTTP client for a point-in-time-recovery snapshot
// service.
package pitr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/bartekus/skillflow/internal/rollback"
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"

	// DefaultRestoreTimeout bounds how long a restore job is polled.
	DefaultRestoreTimeout = 10 * time.Minute
)

// Client talks to the snapshot service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      oauth2.TokenSource
	poll       time.Duration
	restore    time.Duration
	logger     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient sets the base HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithToken authenticates requests with a static bearer token.
func WithToken(token string) Option {
	return func(cl *Client) {
		if token != "" {
			cl.token = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		}
	}
}

// WithTokenSource authenticates requests with ts.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(cl *Client) { cl.token = ts }
}

// WithPollInterval sets how often restore jobs are polled.
func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.poll = d
		}
	}
}

// WithRestoreTimeout bounds the background polling of a restore job.
func WithRestoreTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.restore = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New creates a client for the service at endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid snapshot endpoint %q", endpoint)
	}
	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		poll:       2 * time.Second,
		restore:    DefaultRestoreTimeout,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.token != nil {
		base := c.httpClient
		c.httpClient = &http.Client{
			Timeout:   base.Timeout,
			Transport: &oauth2.Transport{Source: c.token, Base: base.Transport},
		}
	}
	return c, nil
}

type snapshotResponse struct {
	ID string `json:"id"`
}

type restoreResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CreateSnapshot asks the service for a new snapshot and returns its id.
func (c *Client) CreateSnapshot(ctx context.Context, label string) (string, error) {
	body, err := json.Marshal(map[string]string{"label": label})
	if err != nil {
		return "", err
	}
	var out snapshotResponse
	if err := c.do(ctx, http.MethodPost, "/snapshots", body, &out, http.StatusOK, http.StatusCreated); err != nil {
		return "", fmt.Errorf("creating snapshot: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("creating snapshot: empty id in response")
	}
	return out.ID, nil
}

// Restore starts a restore of snapshotID and polls the job in the
// background. Polling outlives ctx but stops after the restore timeout. The
// channel yields the final result and closes.
func (c *Client) Restore(ctx context.Context, snapshotID string) (<-chan rollback.RestoreResult, error) {
	var job restoreResponse
	path := "/snapshots/" + url.PathEscape(snapshotID) + "/restore"
	if err := c.do(ctx, http.MethodPost, path, nil, &job, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, fmt.Errorf("starting restore of %s: %w", snapshotID, err)
	}

	out := make(chan rollback.RestoreResult, 1)
	go func() {
		defer close(out)
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.restore)
		defer cancel()
		out <- c.await(pctx, snapshotID, job)
	}()
	return out, nil
}

func (c *Client) await(ctx context.Context, snapshotID string, job restoreResponse) rollback.RestoreResult {
	res := rollback.RestoreResult{SnapshotID: snapshotID, JobID: job.JobID, Status: job.Status}
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		switch job.Status {
		case statusSucceeded:
			return res
		case statusFailed:
			res.Err = fmt.Errorf("restore job %s failed: %s", job.JobID, job.Error)
			return res
		}
		select {
		case <-ctx.Done():
			res.Err = fmt.Errorf("restore job %s still %q after %s: %w", res.JobID, res.Status, c.restore, ctx.Err())
			return res
		case <-ticker.C:
		}
		if err := c.do(ctx, http.MethodGet, "/restores/"+url.PathEscape(job.JobID), nil, &job, http.StatusOK); err != nil {
			res.Err = fmt.Errorf("polling restore job %s: %w", res.JobID, err)
			return res
		}
		res.Status = job.Status
		c.logger.DebugContext(ctx, "restore job status", "job", res.JobID, "status", job.Status)
	}
}

// Ping checks the service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, http.StatusOK, http.StatusNoContent)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any, want ...int) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if !statusIn(resp.StatusCode, want) {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func statusIn(code int, want []int) bool {
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}
