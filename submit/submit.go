// Package submit is the job submission contract the admin surface and
// the CLI consume: validate a URL, persist the job, push it onto its
// priority queue, and read status and results back.
package submit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/guard"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/ssrf"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

// Service validates and persists submissions. All methods are safe for
// concurrent use.
type Service struct {
	store    *store.Store
	coord    *coord.Store
	checker  *ssrf.Checker
	guard    *guard.Guard
	settings *config.Settings
	logger   *log.Logger
}

// New builds a submission service. guard may be nil to skip actor rate
// limiting.
func New(s *store.Store, c *coord.Store, checker *ssrf.Checker, g *guard.Guard,
	settings *config.Settings, logger *log.Logger) *Service {
	return &Service{store: s, coord: c, checker: checker, guard: g, settings: settings, logger: logger}
}

// Request is one submission. Priority defaults to standard; SchemaID,
// Tenant, and Engine are optional. Actor identifies the caller for UI
// rate limiting and may be empty.
type Request struct {
	URL      string
	SchemaID string
	Priority types.Priority
	Tenant   string
	Engine   types.Engine
	Actor    string
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	JobID uuid.UUID
	State types.JobState
}

// Results is the read-back payload for a finished or in-flight job.
type Results struct {
	State     types.JobState
	Data      map[string]any
	Error     string
	Artifacts []types.Artifact
}

// Submit validates the request, persists the job, and pushes it onto
// its priority queue. The returned error carries a user-visible code
// via types.ErrorCode.
func (s *Service) Submit(ctx context.Context, req Request) (*Receipt, error) {
	if err := s.allowAction(ctx, "submit", req.Actor,
		s.settings.UIRate.SubmitMaxPerWindow, s.settings.UIRate.SubmitWindowSec); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = types.PriorityStandard
	}
	if err := priority.Validate(); err != nil {
		return nil, err
	}
	if req.Engine != "" && types.EngineIndex(req.Engine) < 0 {
		return nil, fmt.Errorf("unknown engine %q", req.Engine)
	}

	if err := s.checker.EnsureURLAllowed(ctx, req.URL); err != nil {
		return nil, err
	}

	if req.SchemaID != "" {
		if _, err := s.store.GetSchema(ctx, req.SchemaID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, types.NewCodedError(types.CodeSchemaMissing, err)
			}
			return nil, err
		}
	}

	job := &types.Job{
		URL:      req.URL,
		Priority: priority,
		SchemaID: req.SchemaID,
		Tenant:   req.Tenant,
		Engine:   req.Engine,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.coord.PushPriority(ctx, priority, job.ID.String()); err != nil {
		return nil, err
	}

	s.logger.Info("job submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("url", req.URL),
		zap.String("priority", string(priority)),
		zap.String("tenant", req.Tenant))
	return &Receipt{JobID: job.ID, State: job.State}, nil
}

// Status returns the job row for a read-only status view.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID, actor string) (*types.Job, error) {
	if err := s.allowAction(ctx, "read", actor,
		s.settings.UIRate.ReadMaxPerWindow, s.settings.UIRate.ReadWindowSec); err != nil {
		return nil, err
	}
	return s.store.GetJob(ctx, jobID)
}

// Results returns the job's extracted data plus its stored artifacts.
func (s *Service) Results(ctx context.Context, jobID uuid.UUID, actor string) (*Results, error) {
	if err := s.allowAction(ctx, "read", actor,
		s.settings.UIRate.ReadMaxPerWindow, s.settings.UIRate.ReadWindowSec); err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.store.ArtifactsForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Results{
		State:     job.State,
		Data:      job.Result,
		Error:     job.Error,
		Artifacts: artifacts,
	}, nil
}

func (s *Service) allowAction(ctx context.Context, scope, actor string, maxPerWindow, windowSec int) error {
	if s.guard == nil {
		return nil
	}
	allowed, err := s.guard.AllowUIAction(ctx, scope, actor, maxPerWindow, windowSec)
	if err != nil {
		return err
	}
	if !allowed {
		return types.NewCodedError(types.CodeRateLimited,
			fmt.Errorf("%s rate limit exceeded for %q", scope, actor))
	}
	return nil
}
