package metrics

import (
	"sync"
	"testing"
)

func TestCollector_RecordMethods(t *testing.T) {
	c := NewCollector("worker")

	c.RecordJobState("queued")
	c.RecordJobState("running")
	c.RecordJobState("running")
	c.RecordAttempt("fast")
	c.RecordAttempt("fast")
	c.RecordAttempt("browser")
	c.RecordFailure("timeout")
	c.RecordEscalation("fast", "stealth")
	c.RecordEscalation("fast", "stealth")
	c.RecordDetectorSignal("captcha_detected")
	c.RecordQueueDepth("prospect:queue:fast", 7)
	c.RecordDuration("fast", 0.5)
	c.RecordDuration("fast", 1.5)

	s := c.Snapshot()

	if s.JobStates["running"] != 2 || s.JobStates["queued"] != 1 {
		t.Errorf("JobStates = %v", s.JobStates)
	}
	if s.Attempts["fast"] != 2 || s.Attempts["browser"] != 1 {
		t.Errorf("Attempts = %v", s.Attempts)
	}
	if s.Failures["timeout"] != 1 {
		t.Errorf("Failures = %v", s.Failures)
	}
	if s.Escalations["fast:stealth"] != 2 {
		t.Errorf("Escalations = %v", s.Escalations)
	}
	if s.DetectorSignals["captcha_detected"] != 1 {
		t.Errorf("DetectorSignals = %v", s.DetectorSignals)
	}
	if s.QueueDepths["prospect:queue:fast"] != 7 {
		t.Errorf("QueueDepths = %v", s.QueueDepths)
	}
	if s.DurationSumSec["fast"] != 2.0 || s.DurationCount["fast"] != 2 {
		t.Errorf("Duration = %v / %v", s.DurationSumSec, s.DurationCount)
	}
	if s.Component != "worker" {
		t.Errorf("Component = %q", s.Component)
	}
}

func TestCollector_QueueDepthIsGauge(t *testing.T) {
	c := NewCollector("dispatcher")

	c.RecordQueueDepth("q", 10)
	c.RecordQueueDepth("q", 3)

	if s := c.Snapshot(); s.QueueDepths["q"] != 3 {
		t.Errorf("QueueDepths[q] = %d, want 3 (last observation wins)", s.QueueDepths["q"])
	}
}

func TestCollector_EmptyLabelsFallBack(t *testing.T) {
	c := NewCollector("worker")

	c.RecordJobState("")
	c.RecordAttempt("")
	c.RecordFailure("")

	s := c.Snapshot()
	if s.JobStates["unknown"] != 1 || s.Attempts["unknown"] != 1 || s.Failures["unknown"] != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestCollector_SnapshotImmutability(t *testing.T) {
	c := NewCollector("worker")
	c.RecordAttempt("fast")

	s1 := c.Snapshot()

	// Mutate collector after snapshot
	c.RecordAttempt("fast")
	c.RecordAttempt("fast")

	if s1.Attempts["fast"] != 1 {
		t.Errorf("s1.Attempts[fast] = %d, want 1 (snapshot should be frozen)", s1.Attempts["fast"])
	}

	s2 := c.Snapshot()
	if s2.Attempts["fast"] != 3 {
		t.Errorf("s2.Attempts[fast] = %d, want 3", s2.Attempts["fast"])
	}
}

func TestCollector_SnapshotMapIsolation(t *testing.T) {
	c := NewCollector("worker")
	c.RecordFailure("timeout")

	s := c.Snapshot()
	s.Failures["timeout"] = 999
	s.Failures["injected"] = 1

	s2 := c.Snapshot()
	if s2.Failures["timeout"] != 1 {
		t.Errorf("Failures[timeout] = %d, want 1 (collector should be isolated from snapshot mutation)", s2.Failures["timeout"])
	}
	if _, exists := s2.Failures["injected"]; exists {
		t.Error("Failures should not contain injected key from snapshot mutation")
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	// None of these should panic
	c.RecordJobState("queued")
	c.RecordAttempt("fast")
	c.RecordFailure("timeout")
	c.RecordEscalation("fast", "stealth")
	c.RecordDetectorSignal("captcha_detected")
	c.RecordQueueDepth("q", 1)
	c.RecordDuration("fast", 1.0)

	s := c.Snapshot()
	if s.Attempts != nil {
		t.Errorf("nil collector snapshot Attempts should be nil, got %v", s.Attempts)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("worker")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.RecordAttempt("fast")
				c.RecordJobState("running")
				c.RecordEscalation("fast", "stealth")
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.Attempts["fast"] != want {
		t.Errorf("Attempts[fast] = %d, want %d", s.Attempts["fast"], want)
	}
	if s.JobStates["running"] != want {
		t.Errorf("JobStates[running] = %d, want %d", s.JobStates["running"], want)
	}
	if s.Escalations["fast:stealth"] != want {
		t.Errorf("Escalations[fast:stealth] = %d, want %d", s.Escalations["fast:stealth"], want)
	}
}
