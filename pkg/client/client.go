package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrRebuildInProgress is returned by Rebuild when the daemon answers 409.
var ErrRebuildInProgress = errors.New("rebuild already in progress")

// Client is the matlens SDK client.
type Client struct {
	endpoint   string
	token      string
	http       *http.Client
	backoff    BackoffStrategy
	maxRetries int
}

// NewClient creates a new matlens client.
// endpoint defaults to "http://127.0.0.1:8095" if empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8095"
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
		backoff:    DefaultBackoff(),
		maxRetries: 3,
	}
}

// WithToken sets the bearer token sent on rebuild requests.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// WithRetries sets how many times idempotent reads are retried and how long to
// wait between attempts.
func (c *Client) WithRetries(n int, b BackoffStrategy) *Client {
	c.maxRetries = max(n, 0)
	if b != nil {
		c.backoff = b
	}
	return c
}

// Rebuild asks the daemon to start a rebuild of the given stages (all when
// none) and returns the run id.
func (c *Client) Rebuild(ctx context.Context, stages ...string) (string, error) {
	body, err := json.Marshal(rebuildRequest{Stages: stages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal rebuild request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/rebuild", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Never retried: a lost response could mean the rebuild already started.
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", ErrRebuildInProgress
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", readAPIError(resp)
	}
	var out rebuildResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode rebuild response: %w", err)
	}
	return out.RunID, nil
}

// Status returns the latest run, or the run with runID when it is not empty.
func (c *Client) Status(ctx context.Context, runID string) (RebuildRun, error) {
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	var run RebuildRun
	err := c.get(ctx, "/v1/rebuild/status", q, &run)
	return run, err
}

// WaitForRun polls Status every interval until the run finishes or ctx ends.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (RebuildRun, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.Status(ctx, runID)
		if err != nil {
			return RebuildRun{}, err
		}
		if run.Done() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Usage looks up materials by id. Unknown ids are absent from the result.
func (c *Client) Usage(ctx context.Context, ids []int64) (map[int64]MaterialUsage, error) {
	if len(ids) == 0 {
		return map[int64]MaterialUsage{}, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	var out usageResponse
	if err := c.get(ctx, "/v1/usage", url.Values{"ids": {strings.Join(parts, ",")}}, &out); err != nil {
		return nil, err
	}
	if out.Usage == nil {
		out.Usage = map[int64]MaterialUsage{}
	}
	return out.Usage, nil
}

// Unused fetches a page of the unused snapshot.
func (c *Client) Unused(ctx context.Context, page Page) (UnusedPage, error) {
	var out UnusedPage
	err := c.get(ctx, "/v1/unused", page.values(), &out)
	return out, err
}

// DuplicateKeyTypes lists the key types present in the last duplicate scan.
func (c *Client) DuplicateKeyTypes(ctx context.Context) ([]string, error) {
	var out duplicateTypesResponse
	err := c.get(ctx, "/v1/duplicates/types", nil, &out)
	return out.KeyTypes, err
}

// Duplicates fetches a page of groups for keyType ("title" when empty).
func (c *Client) Duplicates(ctx context.Context, keyType string, page Page) (DuplicatePage, error) {
	q := page.values()
	if keyType != "" {
		q.Set("key_type", keyType)
	}
	var out DuplicatePage
	err := c.get(ctx, "/v1/duplicates", q, &out)
	return out, err
}

// Report streams a CSV report (usage, unused or duplicates) into w.
func (c *Client) Report(ctx context.Context, reportType string, w io.Writer) error {
	resp, err := c.do(ctx, "/v1/reports", url.Values{"type": {reportType}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}
	return nil
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/v1/health", nil, &status); err != nil {
		return err
	}
	if status.Status != "ok" {
		return fmt.Errorf("daemon reports status %q", status.Status)
	}
	return nil
}

func (p Page) values() url.Values {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// do issues a GET, retrying network errors and 5xx answers with backoff. The
// caller owns the body of a 200 response.
func (c *Client) do(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	target := c.endpoint + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff.Next(attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("daemon unreachable: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		apiErr := readAPIError(resp)
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return nil, apiErr
		}
		lastErr = apiErr
	}
	return nil, lastErr
}

func readAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &body)
	return &APIError{StatusCode: resp.StatusCode, Code: body.Error}
}
