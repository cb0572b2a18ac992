// Package dispatch moves submitted jobs from the priority queues onto
// the per-engine queues. The dispatcher is the single place an engine
// assignment is stamped; workers consume the engine queues blind.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/metrics"
	"github.com/pithecene-io/prospect/policy"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

// Dispatcher routes queued jobs to engine queues.
type Dispatcher struct {
	coord    *coord.Store
	store    *store.Store
	settings *config.Settings
	metrics  *metrics.Collector
	logger   *log.Logger
}

// New builds a dispatcher. The metrics collector may be nil.
func New(c *coord.Store, s *store.Store, settings *config.Settings, collector *metrics.Collector, logger *log.Logger) *Dispatcher {
	return &Dispatcher{coord: c, store: s, settings: settings, metrics: collector, logger: logger}
}

// DispatchOnce pops at most one job id off the priority queues, assigns
// its engine, and pushes it onto that engine's queue. Returns false when
// every priority queue was empty.
//
// A popped id whose job row is gone is dropped: the queues carry ids
// only, and the row is the source of truth.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (bool, error) {
	d.recordQueueDepths(ctx)

	raw, err := d.coord.PopPriority(ctx)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		d.logger.Warn("dropping malformed job id", zap.String("job_id", raw))
		return true, nil
	}

	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("dropping queued id with no job row", zap.String("job_id", raw))
			return true, nil
		}
		return true, err
	}

	engine := job.Engine
	if engine == "" {
		engine = policy.SelectEngine(d.settings, job.URL)
	}
	engine = policy.NormalizeEngine(d.settings, engine, job.URL)

	if err := d.store.SetJobEngine(ctx, id, engine, types.JobStateQueued); err != nil {
		return true, err
	}
	if err := d.coord.PushEngine(ctx, engine, raw); err != nil {
		return true, err
	}

	d.metrics.RecordJobState(string(types.JobStateQueued))
	d.logger.Info("dispatched",
		zap.String("job_id", raw),
		zap.String("engine", string(engine)),
		zap.String("priority", string(job.Priority)))
	return true, nil
}

// Run drains the priority queues, then sleeps for interval between empty
// polls. Returns when ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		dispatched, err := d.DispatchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("dispatch", zap.Error(err))
		}
		if dispatched {
			continue
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) recordQueueDepths(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	depths, err := d.coord.QueueDepths(ctx)
	if err != nil {
		d.logger.Warn("queue depths", zap.Error(err))
		return
	}
	for queue, depth := range depths {
		d.metrics.RecordQueueDepth(queue, depth)
	}
}
