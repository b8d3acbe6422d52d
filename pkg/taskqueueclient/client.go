// Package taskqueueclient is a thin HTTP client for the task queue service,
// mirroring the original implementation's client library: Push, Pop (which
// retries transparently on client-side transport timeouts instead of
// surfacing them), and Complete.
package taskqueueclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/taskgrid/taskqueue/internal/platform/resilience"
)

// InsertTask mirrors the wire schema of a push request.
type InsertTask struct {
	Name      string   `json:"name"`
	Payload   any      `json:"payload,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Duration  *int64   `json:"duration,omitempty"`
}

// Task mirrors the wire schema of a task.
type Task struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Payload   any      `json:"payload,omitempty"`
	DependsOn []string `json:"depends_on"`
	Duration  int64    `json:"duration"`
}

// Execution mirrors the wire schema of a pop response.
type Execution struct {
	Task     Task      `json:"task"`
	Deadline time.Time `json:"deadline"`
}

type completeTask struct {
	ID string `json:"id"`
}

type wireError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// UnsuccessfulError wraps a non-2xx response from the service.
type UnsuccessfulError struct {
	StatusCode int
	Message    string
}

func (e *UnsuccessfulError) Error() string {
	return fmt.Sprintf("taskqueueclient: request failed with status %d: %s", e.StatusCode, e.Message)
}

// Client is a small wrapper around net/http talking to the service's
// HTTP/JSON API.
type Client struct {
	host       *url.URL
	httpClient *http.Client
	popRetry   resilience.RetryConfig
}

// New builds a Client against host (e.g. "http://localhost:3000").
func New(host string) (*Client, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("taskqueueclient: parse host: %w", err)
	}
	return &Client{
		host:       u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		popRetry:   resilience.RetryConfig{MaxAttempts: 1000000, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second},
	}, nil
}

// Push submits one task for admission.
func (c *Client) Push(ctx context.Context, task InsertTask) (Task, error) {
	u := c.join("/v1/push")
	body, err := json.Marshal(task)
	if err != nil {
		return Task{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(body))
	if err != nil {
		return Task{}, err
	}
	var out Task
	if err := c.doJSON(req, &out); err != nil {
		return Task{}, err
	}
	return out, nil
}

// Pop long-polls for the next ready task. Transport-level timeouts are
// retried transparently, mirroring the original client's pop() loop; any
// other error (including a non-2xx response) is returned immediately.
func (c *Client) Pop(ctx context.Context) (Execution, error) {
	return resilience.Retry(ctx, c.popRetry, func(ctx context.Context) (Execution, error) {
		u := c.join("/v1/pop")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return Execution{}, resilience.Permanent(err)
		}
		var out Execution
		err = c.doJSON(req, &out)
		if err == nil {
			return out, nil
		}
		if isTimeout(err) {
			return Execution{}, err
		}
		return Execution{}, resilience.Permanent(err)
	})
}

// Complete marks taskID done.
func (c *Client) Complete(ctx context.Context, taskID string) error {
	u := c.join("/v1/complete")
	body, err := json.Marshal(completeTask{ID: taskID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

func (c *Client) join(p string) *url.URL {
	u := *c.host
	u.Path = p
	return &u
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var we wireError
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &we)
		return &UnsuccessfulError{StatusCode: resp.StatusCode, Message: we.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
