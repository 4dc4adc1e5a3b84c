// Package revclawsdk is a small typed client for the RevClaw API,
// intended for agent runtimes that execute plans on a user's behalf.
package revclawsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// IntentHeader carries the single-use intent on execute calls.
const IntentHeader = "X-RevClaw-Intent-Id"

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a client for the given API base URL (including the base
// path, e.g. "https://api.example.com/v1") and bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx API response, decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("revclaw: %s (%s, HTTP %d)", e.Message, e.Code, e.Status)
}

type Plan struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Hash       string          `json:"hash"`
	Plan       json.RawMessage `json:"plan"`
	ExecutedAt *string         `json:"executed_at,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

// ExecuteResult mirrors the execute response envelope. Data is left as
// raw JSON; callers that want the step detail can decode the shape they
// expect for their plan kind. Error and Execution are set when the plan
// had already executed and the stored record was replayed.
type ExecuteResult struct {
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
	Execution json.RawMessage `json:"execution,omitempty"`
}

// NextAction is set inside a launch plan's data payload when the
// execution is blocked on an out-of-band step, such as the founder
// connecting a payout account.
type NextAction struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

func (c *Client) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var out Plan
	if err := c.do(ctx, http.MethodGet, "/plans/"+planID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPlans(ctx context.Context) ([]Plan, error) {
	var out []Plan
	if err := c.do(ctx, http.MethodGet, "/plans", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExecutePlan runs one execution attempt under the given intent. The
// call is safe to retry with the same intent until the plan executes.
func (c *Client) ExecutePlan(ctx context.Context, planID, intentID string) (*ExecuteResult, error) {
	var out ExecuteResult
	if err := c.do(ctx, http.MethodPost, "/plans/"+planID+"/execute", map[string]string{IntentHeader: intentID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
