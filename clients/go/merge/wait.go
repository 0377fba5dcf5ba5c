package merge

import (
	"context"
	"errors"
	"time"

	"github.com/antonstjernquist/merge/internal/models"
)

// Polling defaults for WaitForTask.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultWaitTimeout  = 300 * time.Second
)

// ErrTimeout is returned when a task does not finish before the deadline.
var ErrTimeout = errors.New("merge: timed out waiting for task")

// WaitOptions bounds WaitForTask. Zero values take the defaults.
type WaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// WaitForTask polls a task until it completes or fails. It returns
// ErrTimeout once opts.Timeout passes, and the context error if ctx ends
// first. Request errors other than a missing task are retried.
func (c *Client) WaitForTask(ctx context.Context, taskID string, opts WaitOptions) (*models.Task, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWaitTimeout
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		task, err := c.GetTask(ctx, taskID)
		if err == nil && task.Status.Terminal() {
			return task, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "not_found" {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}
