package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "prospect:jobs:done"

// Redis publishes completion events as JSON over Redis PUBLISH, sharing
// the coordination store's connection.
type Redis struct {
	coord   *coord.Store
	channel string
	timeout time.Duration
	retries int
}

// NewRedis builds a redis notifier over the coordination store.
func NewRedis(c *coord.Store, settings config.NotifySettings) *Redis {
	channel := settings.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	timeout := time.Duration(settings.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := settings.Retries
	if retries < 0 {
		retries = 0
	}
	return &Redis{coord: c, channel: channel, timeout: timeout, retries: retries}
}

// Publish sends the event as a JSON PUBLISH to the configured channel.
// Retries with exponential backoff on failures.
func (r *Redis) Publish(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	var lastErr error
	attempts := 1 + r.retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("notify: context canceled: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("notify: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, r.timeout)
		lastErr = r.coord.Publish(publishCtx, r.channel, body)
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("notify: redis failed after %d attempts: %w", attempts, lastErr)
}

// Close is a no-op: the coordination store owns the connection.
func (r *Redis) Close() error { return nil }

var _ Notifier = (*Redis)(nil)
