// Package worktallysdk is a minimal Go client for the Worktally HTTP API.
package worktallysdk

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

// Client is a minimal Worktally HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Payment is the wire form of payment terms.
type Payment struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

// Project represents the API project model.
type Project struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	SliceIDs    []int64 `json:"slice_ids"`
}

// Slice represents the API work slice model.
type Slice struct {
	ID       int64      `json:"id"`
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	Complete bool       `json:"complete"`
	Payment  Payment    `json:"payment"`
}

// Owed is a computed amount with its display form.
type Owed struct {
	Amount    int64  `json:"amount"`
	Formatted string `json:"formatted"`
}

// Change is one drained change-log record.
type Change struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	At        time.Time `json:"at"`
	ProjectID int64     `json:"project_id,omitempty"`
	SliceID   int64     `json:"slice_id,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{
		"name": name, "description": description,
	}, &out)
	return out, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &out)
	return out, err
}

func (c *Client) GetProject(ctx context.Context, id int64) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d", id), nil, &out)
	return out, err
}

func (c *Client) DeleteProject(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("projects/%d", id), nil, nil)
}

func (c *Client) ProjectSlices(ctx context.Context, id int64) ([]Slice, error) {
	var out []Slice
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d/slices", id), nil, &out)
	return out, err
}

func (c *Client) AmountOwed(ctx context.Context, id int64) (Owed, error) {
	var out Owed
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d/owed", id), nil, &out)
	return out, err
}

func (c *Client) StartWork(ctx context.Context, projectID int64, payment Payment) (Slice, error) {
	var out Slice
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%d/work/start", projectID),
		map[string]any{"payment": payment}, &out)
	return out, err
}

func (c *Client) CompleteWork(ctx context.Context, sliceID int64) (Slice, error) {
	var out Slice
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("slices/%d/complete", sliceID),
		map[string]any{}, &out)
	return out, err
}

func (c *Client) SetPayment(ctx context.Context, sliceID int64, payment Payment) (Slice, error) {
	var out Slice
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("slices/%d/payment", sliceID), payment, &out)
	return out, err
}

func (c *Client) Link(ctx context.Context, projectID, sliceID int64) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("projects/%d/slices/%d", projectID, sliceID), nil, nil)
}

func (c *Client) Unlink(ctx context.Context, projectID, sliceID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("projects/%d/slices/%d", projectID, sliceID), nil, nil)
}

func (c *Client) DeleteSlice(ctx context.Context, sliceID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("slices/%d", sliceID), nil, nil)
}

func (c *Client) SliceProjects(ctx context.Context, sliceID int64) ([]int64, error) {
	var out []int64
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("slices/%d/projects", sliceID), nil, &out)
	return out, err
}

func (c *Client) DrainChanges(ctx context.Context) ([]Change, error) {
	var out struct {
		Changes []Change `json:"changes"`
	}
	err := c.do(ctx, http.MethodPost, "changes/drain", nil, &out)
	return out.Changes, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(base, "/api/v1") {
		base += "/api/v1"
	}
	return base
}
