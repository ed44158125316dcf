// Package client talks to a popper-badge server from a CI job.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethgrid/pester"
)

// Report is a build result to submit.
type Report struct {
	CommitID  string
	Timestamp int64
	Status    string
	Branch    string
}

// Result is the server's answer to a report.
type Result struct {
	StatusCode int
	Message    string
	Saved      bool // false when the server accepted but did not store it
}

// HistoryEntry mirrors one item of GET /{org}/{repo}/list.
type HistoryEntry struct {
	CommitID  string `json:"commit_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Client is a badge server client. Submissions are upserts, so retrying
// them is safe.
type Client struct {
	baseURL string
	http    *pester.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string, maxRetries int, timeout time.Duration) *Client {
	c := pester.New()
	c.Concurrency = 1
	c.MaxRetries = maxRetries
	c.Backoff = pester.ExponentialJitterBackoff
	c.KeepLog = true
	c.Timeout = timeout

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    c,
	}
}

func (c *Client) repoURL(org, repo string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(org), url.PathEscape(repo))
}

// Report posts a build result for org/repo.
func (c *Client) Report(ctx context.Context, org, repo string, r Report) (*Result, error) {
	form := url.Values{}
	form.Set("commit_id", r.CommitID)
	form.Set("timestamp", strconv.FormatInt(r.Timestamp, 10))
	form.Set("status", r.Status)
	if r.Branch != "" {
		form.Set("branch", r.Branch)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.repoURL(org, repo), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w (%s)", err, c.http.LogString())
	}
	defer resp.Body.Close()

	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &body); err != nil {
		body.Message = strings.TrimSpace(string(data))
	}

	res := &Result{StatusCode: resp.StatusCode, Message: body.Message}
	switch resp.StatusCode {
	case http.StatusCreated:
		res.Saved = true
		return res, nil
	case http.StatusOK:
		return res, nil
	default:
		return res, fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Message)
	}
}

// History fetches the record list for org/repo.
func (c *Client) History(ctx context.Context, org, repo string) ([]HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.repoURL(org, repo)+"/list", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entries []HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return entries, nil
}
