package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/upscaler/internal/compute"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// Call records one StartTask invocation.
type Call struct {
	Account models.Account
	Request compute.StartRequest
}

// Client satisfies compute.Client for testing. Without overrides StartTask
// returns sequential task ids "task-1", "task-2", ... and CancelTask succeeds.
type Client struct {
	StartFunc  func(ctx context.Context, account models.Account, req compute.StartRequest) (string, error)
	CancelFunc func(ctx context.Context, account models.Account, taskID string) error

	mu        sync.Mutex
	starts    []Call
	cancelled []string
	seq       atomic.Int64
}

func NewClient() *Client {
	return &Client{}
}

// NewFailingClient returns a Client whose StartTask always returns err.
func NewFailingClient(err error) *Client {
	return &Client{
		StartFunc: func(context.Context, models.Account, compute.StartRequest) (string, error) {
			return "", err
		},
	}
}

func (c *Client) StartTask(ctx context.Context, account models.Account, req compute.StartRequest) (string, error) {
	c.mu.Lock()
	c.starts = append(c.starts, Call{Account: account, Request: req})
	c.mu.Unlock()

	if c.StartFunc != nil {
		return c.StartFunc(ctx, account, req)
	}
	return fmt.Sprintf("task-%d", c.seq.Add(1)), nil
}

func (c *Client) CancelTask(ctx context.Context, account models.Account, taskID string) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, taskID)
	c.mu.Unlock()

	if c.CancelFunc != nil {
		return c.CancelFunc(ctx, account, taskID)
	}
	return nil
}

// Starts returns a copy of all StartTask calls so far.
func (c *Client) Starts() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.starts...)
}

// Cancelled returns the task ids passed to CancelTask so far.
func (c *Client) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

var _ compute.Client = (*Client)(nil)
