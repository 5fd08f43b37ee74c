package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/stemdeck/internal/cancel"
	"github.com/mattjoyce/stemdeck/internal/engine"
	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/joblog"
	"github.com/mattjoyce/stemdeck/internal/protocol"
)

// Client talks to a running stemdeck server.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL. Engine calls can run for minutes,
// so the HTTP client carries no overall timeout; use contexts instead.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func (c *Client) Health(ctx context.Context) (HealthzResponse, error) {
	var out HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

func (c *Client) Validate(ctx context.Context, rawURL string) (protocol.BoundaryResult, error) {
	var out protocol.BoundaryResult
	err := c.do(ctx, http.MethodPost, "/v1/validate", ValidateRequest{URL: rawURL}, &out)
	return out, err
}

func (c *Client) Settings(ctx context.Context) (protocol.BoundaryResult, error) {
	var out protocol.BoundaryResult
	err := c.do(ctx, http.MethodGet, "/v1/settings", nil, &out)
	return out, err
}

func (c *Client) SaveSettings(ctx context.Context, path string) (protocol.BoundaryResult, error) {
	var out protocol.BoundaryResult
	err := c.do(ctx, http.MethodPut, "/v1/settings", SettingsRequest{DownloadPath: path}, &out)
	return out, err
}

func (c *Client) Download(ctx context.Context, req engine.DownloadRequest) (protocol.BoundaryResult, error) {
	var out protocol.BoundaryResult
	err := c.do(ctx, http.MethodPost, "/v1/download", req, &out)
	return out, err
}

func (c *Client) Separate(ctx context.Context, req engine.SeparateRequest) (protocol.BoundaryResult, error) {
	var out protocol.BoundaryResult
	err := c.do(ctx, http.MethodPost, "/v1/separate", req, &out)
	return out, err
}

// Cancel asks the server to stop the running separation.
func (c *Client) Cancel(ctx context.Context) (cancel.Result, error) {
	var out cancel.Result
	err := c.do(ctx, http.MethodPost, "/v1/separate/cancel", nil, &out)
	return out, err
}

func (c *Client) Jobs(ctx context.Context, f joblog.Filter) ([]*joblog.Entry, error) {
	q := url.Values{}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Command != "" {
		q.Set("command", f.Command)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out JobsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) Job(ctx context.Context, id string) (*joblog.Entry, error) {
	var out joblog.Entry
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream reads the event stream, calling fn for every event until ctx is
// done, the server closes the stream, or fn returns an error. It returns
// the id of the last event seen so callers can resume.
func (c *Client) Stream(ctx context.Context, lastID int64, fn func(events.Event) error) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/events", nil)
	if err != nil {
		return lastID, err
	}
	c.authorize(req)
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return lastID, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return lastID, readStatusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxBodyBytes)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Data != nil {
				current.At = time.Now()
				if err := fn(current); err != nil {
					return lastID, err
				}
				lastID = current.ID
			}
			current = events.Event{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = []byte(line[6:])
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return lastID, err
	}
	return lastID, ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	c.authorize(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

func readStatusError(resp *http.Response) error {
	var e ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(b))
	}
	return &StatusError{Code: resp.StatusCode, Message: e.Error}
}
