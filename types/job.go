// Package types defines core domain types for the Prospect pipeline.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateRunning    JobState = "running"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
	JobStateEscalated  JobState = "escalated"
	JobStateDeadLetter JobState = "dead_letter"
)

// Terminal reports whether the state ends the job lifecycle.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateDeadLetter
}

// Priority is the submission priority class.
type Priority string

const (
	PriorityHigh     Priority = "high"
	PriorityStandard Priority = "standard"
	PriorityLow      Priority = "low"
)

// PriorityOrder is the strict dispatch order, highest first.
var PriorityOrder = []Priority{PriorityHigh, PriorityStandard, PriorityLow}

// Validate checks that p is a known priority class.
func (p Priority) Validate() error {
	switch p {
	case PriorityHigh, PriorityStandard, PriorityLow:
		return nil
	}
	return fmt.Errorf("invalid priority %q: must be high, standard, or low", p)
}

// Engine is a fetch engine tier, ordered cheapest to heaviest.
type Engine string

const (
	EngineFast     Engine = "fast"
	EngineStealth  Engine = "stealth"
	EngineBrowser  Engine = "browser"
	EngineExternal Engine = "external"
)

// EngineOrder is the escalation ladder.
var EngineOrder = []Engine{EngineFast, EngineStealth, EngineBrowser, EngineExternal}

// EngineIndex returns the position of e on the escalation ladder, or -1.
func EngineIndex(e Engine) int {
	for i, candidate := range EngineOrder {
		if candidate == e {
			return i
		}
	}
	return -1
}

// Job is the persistent unit of work. Created by submit, mutated by the
// dispatcher (engine assignment) and the worker (state, result, error).
type Job struct {
	ID        uuid.UUID
	URL       string
	State     JobState
	Priority  Priority
	SchemaID  string
	Tenant    string
	Engine    Engine
	Result    map[string]any
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AttemptStatus is the status of a single engine attempt.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptEscalated AttemptStatus = "escalated"
)

// JobAttempt is an append-only record of one (job, engine, try).
type JobAttempt struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	Engine    Engine
	Status    AttemptStatus
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// ArtifactType classifies a stored blob.
type ArtifactType string

const (
	ArtifactHTML       ArtifactType = "html"
	ArtifactScreenshot ArtifactType = "screenshot"
	ArtifactHAR        ArtifactType = "har"
	ArtifactOCR        ArtifactType = "ocr"
)

// Artifact references a stored blob. At most one artifact exists per
// (job, type); a retry replaces the previous one.
type Artifact struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	Type      ArtifactType
	Location  string
	Checksum  string
	CreatedAt time.Time
}

// Schema is a named extraction contract. Plugins, when set, are appended to
// the tenant and default plugin chains.
type Schema struct {
	ID          string
	Name        string
	Description string
	Plugins     []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TenantPluginConfig is the per-tenant plugin list.
type TenantPluginConfig struct {
	Tenant  string
	Plugins []string
}
