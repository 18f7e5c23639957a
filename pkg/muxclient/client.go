// Package muxclient talks to a running muxd gateway.
//
// Example:
//
//	c, err := muxclient.New("127.0.0.1:8787", muxclient.WithToken(tok))
//	...
//	if _, err := c.Switch(ctx, "spi"); err != nil {
//	    var apiErr *muxclient.APIError
//	    if errors.As(err, &apiErr) && apiErr.Code == "UNKNOWN_STATE" { ... }
//	}
package muxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// State is the active state as reported by the gateway.
type State struct {
	State  string `json:"state"`
	Active bool   `json:"active"`
}

// States lists every registered state.
type States struct {
	States  []string `json:"states"`
	Current string   `json:"current,omitempty"`
}

// Record is one switch journal entry.
type Record struct {
	ID        string        `json:"id"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to"`
	Active    string        `json:"active,omitempty"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Status is the gateway status summary.
type Status struct {
	Instance      string `json:"instance"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Mux           struct {
		Current     string   `json:"current"`
		Active      bool     `json:"active"`
		States      []string `json:"states"`
		Initialized bool     `json:"initialized"`
		Closed      bool     `json:"closed"`
	} `json:"mux"`
	Breaker  string `json:"breaker,omitempty"`
	Overlays *int   `json:"overlays,omitempty"`
	Clients  int    `json:"clients"`
	Switches struct {
		Total     int64 `json:"total"`
		Failed    int64 `json:"failed"`
		Unchanged int64 `json:"unchanged"`
	} `json:"switches"`
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: %d: %s", e.StatusCode, e.Message)
}

// Client calls the gateway JSON API.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

// New creates a client for the gateway at baseURL. A bare host:port is
// treated as http://host:port.
func New(baseURL string, opts ...Option) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 2 * time.Minute},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the active state.
func (c *Client) State(ctx context.Context) (State, error) {
	var out State
	err := c.do(ctx, http.MethodGet, "/api/v1/state", nil, nil, &out)
	return out, err
}

// States lists the registered states in registration order.
func (c *Client) States(ctx context.Context) (States, error) {
	var out States
	err := c.do(ctx, http.MethodGet, "/api/v1/states", nil, nil, &out)
	return out, err
}

// Switch asks the gateway to make name the active state. It returns once
// the switch, including its settle delays, has finished.
func (c *Client) Switch(ctx context.Context, name string) (State, error) {
	var out State
	err := c.do(ctx, http.MethodPut, "/api/v1/state", nil, map[string]string{"state": name}, &out)
	return out, err
}

// History returns up to limit journal records, newest first. limit <= 0
// uses the gateway default.
func (c *Client) History(ctx context.Context, limit int) ([]Record, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Records []Record `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/history", q, nil, &out)
	return out.Records, err
}

// Status returns the gateway status summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out)
	return out, err
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Code = e.Error, e.Code
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		c.logger.Debug("gateway error", "method", method, "path", path, "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
