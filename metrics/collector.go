// Package metrics provides process-wide pipeline counters.
//
// The Collector accumulates counters for one dispatcher or worker process.
// It is a leaf package with no internal dependencies; callers surface the
// Snapshot through logs or the stats dashboard.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of the pipeline counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Job lifecycle, keyed by state.
	JobStates map[string]int64

	// Engine attempts, keyed by engine tier.
	Attempts map[string]int64

	// Terminal failures, keyed by error code.
	Failures map[string]int64

	// Escalations, keyed by "from:to" tier pair.
	Escalations map[string]int64

	// Detector signals, keyed by signal code.
	DetectorSignals map[string]int64

	// Last observed queue depth, keyed by queue name.
	QueueDepths map[string]int64

	// Attempt duration, keyed by engine tier.
	DurationSumSec map[string]float64
	DurationCount  map[string]int64

	// Dimensions (informational, set at construction)
	Component string
}

// Collector accumulates counters for one process.
// Thread-safe via sync.Mutex. All record methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	jobStates       map[string]int64
	attempts        map[string]int64
	failures        map[string]int64
	escalations     map[string]int64
	detectorSignals map[string]int64
	queueDepths     map[string]int64
	durationSumSec  map[string]float64
	durationCount   map[string]int64

	component string
}

// NewCollector creates a Collector labeled with the owning component
// (dispatcher, worker, api).
func NewCollector(component string) *Collector {
	return &Collector{
		jobStates:       make(map[string]int64),
		attempts:        make(map[string]int64),
		failures:        make(map[string]int64),
		escalations:     make(map[string]int64),
		detectorSignals: make(map[string]int64),
		queueDepths:     make(map[string]int64),
		durationSumSec:  make(map[string]float64),
		durationCount:   make(map[string]int64),
		component:       component,
	}
}

func label(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// RecordJobState records a job lifecycle transition.
func (c *Collector) RecordJobState(state string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobStates[label(state, "unknown")]++
	c.mu.Unlock()
}

// RecordAttempt records one engine attempt.
func (c *Collector) RecordAttempt(engine string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.attempts[label(engine, "unknown")]++
	c.mu.Unlock()
}

// RecordFailure records a terminal failure by error code.
func (c *Collector) RecordFailure(code string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.failures[label(code, "unknown")]++
	c.mu.Unlock()
}

// RecordEscalation records a tier escalation.
func (c *Collector) RecordEscalation(from, to string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.escalations[label(from, "unknown")+":"+label(to, "unknown")]++
	c.mu.Unlock()
}

// RecordDetectorSignal records an anti-bot detection signal.
func (c *Collector) RecordDetectorSignal(code string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.detectorSignals[label(code, "unknown")]++
	c.mu.Unlock()
}

// RecordQueueDepth records the last observed depth of a queue. Gauge
// semantics: a later observation replaces the earlier one.
func (c *Collector) RecordQueueDepth(queue string, depth int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queueDepths[label(queue, "unknown")] = depth
	c.mu.Unlock()
}

// RecordDuration records one attempt's wall-clock duration.
func (c *Collector) RecordDuration(engine string, seconds float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	key := label(engine, "unknown")
	c.durationSumSec[key] += seconds
	c.durationCount[key]++
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		JobStates:       copyCounts(c.jobStates),
		Attempts:        copyCounts(c.attempts),
		Failures:        copyCounts(c.failures),
		Escalations:     copyCounts(c.escalations),
		DetectorSignals: copyCounts(c.detectorSignals),
		QueueDepths:     copyCounts(c.queueDepths),
		DurationSumSec:  copyFloats(c.durationSumSec),
		DurationCount:   copyCounts(c.durationCount),
		Component:       c.component,
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyFloats(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
