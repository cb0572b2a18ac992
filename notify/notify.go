// Package notify publishes job completion events to downstream systems.
//
// Notifiers fire once per terminal job state. Delivery is best-effort:
// the worker logs a failed publish and moves on, it never blocks or
// retries the job itself.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/types"
)

// Event is the payload published when a job reaches a terminal state.
type Event struct {
	JobID     string `json:"job_id"`
	State     string `json:"state"`
	Engine    string `json:"engine,omitempty"`
	Error     string `json:"error,omitempty"`
	Tenant    string `json:"tenant,omitempty"`
	Timestamp string `json:"timestamp"` // ISO 8601
}

// NewEvent builds an event for a finished job.
func NewEvent(job *types.Job, engine types.Engine, state types.JobState, errCode string) *Event {
	return &Event{
		JobID:     job.ID.String(),
		State:     string(state),
		Engine:    string(engine),
		Error:     errCode,
		Tenant:    job.Tenant,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Notifier publishes completion events to a downstream system.
type Notifier interface {
	// Publish sends a completion event. Must respect context
	// cancellation and deadlines.
	Publish(ctx context.Context, event *Event) error

	// Close releases notifier resources.
	Close() error
}

// Fanout publishes to every configured notifier and returns the first
// error after trying all of them.
type Fanout struct {
	notifiers []Notifier
}

// New builds the notifier fan-out the settings describe: always the
// redis channel, plus a webhook when a URL is configured.
func New(settings config.NotifySettings, c *coord.Store, logger *log.Logger) *Fanout {
	f := &Fanout{}
	if settings.Channel != "" && c != nil {
		f.notifiers = append(f.notifiers, NewRedis(c, settings))
	}
	if settings.WebhookURL != "" {
		f.notifiers = append(f.notifiers, NewWebhook(settings))
	}
	if len(f.notifiers) == 0 {
		logger.Warn("no notification channels configured",
			zap.String("channel", settings.Channel))
	}
	return f
}

// Publish fans the event out to every channel.
func (f *Fanout) Publish(ctx context.Context, event *Event) error {
	var firstErr error
	for _, n := range f.notifiers {
		if err := n.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every channel.
func (f *Fanout) Close() error {
	var firstErr error
	for _, n := range f.notifiers {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
