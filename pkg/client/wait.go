package client

import (
	"batch/pkg/backoff"
	"context"
	"time"
)

// wait runs the backoff poller for one entity and records the outcome.
func wait[T any](ctx context.Context, c *Client, kind, id string, fetch func(context.Context) (T, error), done func(T) bool) (T, error) {
	logger := c.logger.With(kind+"Id", id)
	start := time.Now()

	// A caller's observer runs alongside ours rather than replacing it.
	var user backoff.PollOptions
	for _, o := range c.pollOpts {
		o(&user)
	}
	opts := make([]backoff.PollOption, 0, len(c.pollOpts)+1)
	opts = append(opts, c.pollOpts...)
	opts = append(opts, backoff.WithObserver(func(attempt int, delay time.Duration) {
		c.metrics.recordAttempt(ctx, kind)
		logger.Debug("Not finished, backing off", "attempt", attempt, "delay", delay)
		if user.Observer != nil {
			user.Observer(attempt, delay)
		}
	}))

	v, err := backoff.Poll(ctx, fetch, done, opts...)
	c.metrics.recordWait(ctx, kind, err == nil, time.Since(start).Seconds())
	if err != nil {
		logger.Debug("Wait failed", "error", err)
		return v, err
	}
	logger.Debug("Wait finished", "duration", time.Since(start))
	return v, nil
}
