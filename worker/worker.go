// Package worker consumes an engine queue and runs job attempts,
// requeueing escalations onto the next tier and finalizing jobs whose
// ladder is exhausted.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/metrics"
	"github.com/pithecene-io/prospect/notify"
	"github.com/pithecene-io/prospect/policy"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

// Runner executes one job attempt on one engine tier. Terminal outcomes
// finalize the job row themselves; escalations leave it untouched so
// the worker owns the requeue.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID, tier types.Engine) types.Outcome
}

// Worker drains one engine queue with a pool of goroutines.
type Worker struct {
	coord    *coord.Store
	store    *store.Store
	runner   Runner
	notifier notify.Notifier
	settings *config.Settings
	metrics  *metrics.Collector
	logger   *log.Logger
	engine   types.Engine
}

// New builds a worker bound to one engine tier. notifier may be nil.
func New(engine types.Engine, c *coord.Store, s *store.Store, runner Runner,
	notifier notify.Notifier, settings *config.Settings,
	collector *metrics.Collector, logger *log.Logger) *Worker {
	return &Worker{
		coord:    c,
		store:    s,
		runner:   runner,
		notifier: notifier,
		settings: settings,
		metrics:  collector,
		logger:   logger,
		engine:   engine,
	}
}

// Run blocks until ctx is canceled, consuming the engine queue with
// settings.Worker.Concurrency goroutines.
func (w *Worker) Run(ctx context.Context) error {
	concurrency := w.settings.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	w.logger.Info("worker starting",
		zap.String("engine", string(w.engine)),
		zap.Int("concurrency", concurrency))

	group, ctx := errgroup.WithContext(ctx)
	for range concurrency {
		group.Go(func() error { return w.loop(ctx) })
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	popTimeout := time.Duration(w.settings.Worker.PopTimeoutMs) * time.Millisecond
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := w.coord.PopEngine(ctx, w.engine, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("pop engine queue", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if raw == "" {
			continue
		}
		w.ProcessOne(ctx, raw)
	}
}

// ProcessOne runs a single popped queue entry through one attempt.
// Malformed or orphaned ids are dropped; the priority dispatcher already
// validated them once, so a miss here means the row was deleted.
func (w *Worker) ProcessOne(ctx context.Context, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		w.logger.Warn("dropping malformed job id", zap.String("id", rawID))
		return
	}
	job, err := w.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("dropping orphaned job id", zap.String("job_id", rawID))
		return
	}
	if err != nil {
		w.logger.Error("load job", zap.String("job_id", rawID), zap.Error(err))
		return
	}

	engine := job.Engine
	if engine == "" {
		engine = w.engine
	}
	engine = policy.NormalizeEngine(w.settings, engine, job.URL)

	if err := w.store.SetJobEngine(ctx, id, engine, types.JobStateRunning); err != nil {
		w.logger.Error("mark job running", zap.String("job_id", rawID), zap.Error(err))
		return
	}
	w.metrics.RecordJobState(string(types.JobStateRunning))
	w.metrics.RecordAttempt(string(engine))

	attempt := &types.JobAttempt{JobID: id, Engine: engine, Status: types.AttemptRunning}
	if err := w.store.CreateAttempt(ctx, attempt); err != nil {
		w.logger.Error("create attempt", zap.String("job_id", rawID), zap.Error(err))
	}

	logger := w.logger.With(
		zap.String("job_id", rawID),
		zap.String("engine", string(engine)),
		zap.String("url", job.URL))

	started := time.Now()
	outcome := w.runner.Run(ctx, id, engine)
	w.metrics.RecordDuration(string(engine), time.Since(started).Seconds())

	switch {
	case outcome.Success:
		w.finishAttempt(ctx, attempt.ID, types.AttemptSucceeded, "")
		w.metrics.RecordJobState(string(types.JobStateSucceeded))
		logger.Info("job succeeded")
		w.publish(ctx, job, engine, types.JobStateSucceeded, "")

	case outcome.Escalate:
		w.escalate(ctx, job, engine, outcome.Error, attempt.ID, logger)

	default:
		// The runner already finalized the job row on terminal failure.
		w.finishAttempt(ctx, attempt.ID, types.AttemptFailed, outcome.Error)
		w.metrics.RecordJobState(string(types.JobStateFailed))
		w.metrics.RecordFailure(outcome.Error)
		logger.Info("job failed", zap.String("error", outcome.Error))
		w.publish(ctx, job, engine, types.JobStateFailed, outcome.Error)
	}
}

// escalate requeues the job onto the next allowed tier, or finalizes it
// as failed when the ladder is exhausted.
func (w *Worker) escalate(ctx context.Context, job *types.Job, engine types.Engine,
	reason string, attemptID uuid.UUID, logger *log.Logger) {
	if reason == "" {
		reason = types.CodeEmptyParse
	}
	w.metrics.RecordDetectorSignal(reason)

	next, ok := policy.NextEngine(w.settings, engine, job.URL)
	if !ok {
		w.finishAttempt(ctx, attemptID, types.AttemptFailed, reason)
		if err := w.store.FinalizeJobFailure(ctx, job.ID, reason); err != nil {
			logger.Error("finalize job", zap.Error(err))
		}
		w.metrics.RecordJobState(string(types.JobStateFailed))
		w.metrics.RecordFailure(reason)
		logger.Info("escalation ladder exhausted", zap.String("error", reason))
		w.publish(ctx, job, engine, types.JobStateFailed, reason)
		return
	}

	w.finishAttempt(ctx, attemptID, types.AttemptEscalated, reason)
	if err := w.store.SetJobEngine(ctx, job.ID, next, types.JobStateQueued); err != nil {
		logger.Error("requeue job", zap.Error(err))
		return
	}
	if err := w.coord.PushEngine(ctx, next, job.ID.String()); err != nil {
		logger.Error("push engine queue", zap.Error(err))
		return
	}
	w.metrics.RecordEscalation(string(engine), string(next))
	w.metrics.RecordJobState(string(types.JobStateEscalated))
	logger.Info("job escalated",
		zap.String("next_engine", string(next)),
		zap.String("reason", reason))
}

func (w *Worker) finishAttempt(ctx context.Context, id uuid.UUID, status types.AttemptStatus, errCode string) {
	if id == uuid.Nil {
		return
	}
	if err := w.store.FinishAttempt(ctx, id, status, errCode); err != nil {
		w.logger.Error("finish attempt", zap.Error(err))
	}
}

// publish delivers a terminal-state event. Delivery is best-effort: a
// failed publish never affects the job.
func (w *Worker) publish(ctx context.Context, job *types.Job, engine types.Engine,
	state types.JobState, errCode string) {
	if w.notifier == nil {
		return
	}
	event := notify.NewEvent(job, engine, state, errCode)
	if err := w.notifier.Publish(ctx, event); err != nil {
		w.logger.Warn("publish completion event",
			zap.String("job_id", event.JobID), zap.Error(err))
	}
}
