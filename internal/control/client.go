package control

import (
	"bufio"
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

	"cadence/internal/workflow"
)

// APIError is a non-2xx response from the control API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control api: HTTP %d", e.Code)
	}
	return fmt.Sprintf("control api: %s (HTTP %d)", e.Message, e.Code)
}

// Client talks to a running daemon.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(addr, token string, hc *http.Client) *Client {
	base := strings.TrimSpace(addr)
	if base == "" {
		base = DefaultAddr
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), token: strings.TrimSpace(token), http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &APIError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Trigger(ctx context.Context, jobID string) (string, error) {
	var out TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/trigger", &out); err != nil {
		return "", err
	}
	return out.ExecutionID, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (workflow.JobStatus, error) {
	var out workflow.JobStatus
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/status", &out)
	return out, err
}

func (c *Client) Jobs(ctx context.Context) ([]workflow.Job, error) {
	var out []workflow.Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs", &out)
	return out, err
}

func (c *Client) History(ctx context.Context, limit int) ([]workflow.Execution, error) {
	path := "/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []workflow.Execution
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

// StreamEvent is one decoded SSE message. Data is left raw because event
// payload types differ.
type StreamEvent struct {
	Seq  uint64          `json:"seq"`
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Events follows the SSE stream until ctx ends or fn returns an error.
func (c *Client) Events(ctx context.Context, types []string, fn func(StreamEvent) error) error {
	path := "/v1/events"
	if len(types) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(types, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	// The stream is long-lived; only ctx bounds it.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Code: resp.StatusCode}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev StreamEvent
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return ctx.Err()
}

// Decode unmarshals an event payload.
func (e StreamEvent) Decode(v any) error { return json.Unmarshal(e.Data, v) }
