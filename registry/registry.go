// Package registry hardens oracle-rescued selectors into first-class
// active selectors. Each rescue confirms a candidate; candidates that keep
// working get promoted, so repeated LLM saves of the same field converge
// onto a plain selector and stop costing oracle calls.
package registry

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

// Registry records and promotes selector candidates.
type Registry struct {
	store     *store.Store
	threshold int
	logger    *log.Logger
}

// New builds a Registry with the configured promotion threshold.
func New(s *store.Store, settings config.RegistrySettings, logger *log.Logger) *Registry {
	threshold := settings.PromotionThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Registry{store: s, threshold: threshold, logger: logger}
}

// RecordCandidates folds one oracle rescue into the candidate table. The
// rescued map is keyed "<field>" for flat selectors and "<group>.<field>"
// for grouped ones; entries without a matching active selector spec are
// ignored. Candidates reaching the threshold are promoted in place.
func (r *Registry) RecordCandidates(ctx context.Context, schemaID string, selectors []types.SelectorSpec, rescued map[string]string) error {
	if len(rescued) == 0 {
		return nil
	}

	specByKey := make(map[string]types.SelectorSpec, len(selectors))
	for _, spec := range selectors {
		specByKey[spec.Key()] = spec
	}

	for key, selector := range rescued {
		selector = strings.TrimSpace(selector)
		if selector == "" {
			continue
		}
		spec, ok := specByKey[key]
		if !ok {
			continue
		}

		candidate := &types.SelectorCandidate{
			SchemaID:     schemaID,
			GroupName:    spec.GroupName,
			Field:        spec.Field,
			Selector:     selector,
			ItemSelector: spec.ItemSelector,
			Attribute:    spec.Attribute,
			DataType:     spec.DataType,
			Required:     spec.Required,
		}

		existing, err := r.store.FindCandidate(ctx, candidate)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := r.store.CreateCandidate(ctx, candidate); err != nil {
				return err
			}
			existing = candidate
		} else {
			count, err := r.store.BumpCandidate(ctx, existing.ID)
			if err != nil {
				return err
			}
			existing.SuccessCount = count
		}

		if existing.SuccessCount >= r.threshold {
			if err := r.promote(ctx, existing); err != nil {
				return err
			}
		}
	}
	return nil
}

// promote materializes a candidate as an active selector, unless the
// (schema, group, field) is already covered, and stamps promoted_at either
// way so the candidate stops accumulating.
func (r *Registry) promote(ctx context.Context, c *types.SelectorCandidate) error {
	covered, err := r.store.HasActiveSelector(ctx, c.SchemaID, c.GroupName, c.Field)
	if err != nil {
		return err
	}
	if !covered {
		spec := &types.SelectorSpec{
			SchemaID:     c.SchemaID,
			GroupName:    c.GroupName,
			Field:        c.Field,
			Selector:     c.Selector,
			ItemSelector: c.ItemSelector,
			Attribute:    c.Attribute,
			DataType:     c.DataType,
			Required:     c.Required,
			Active:       true,
		}
		if err := r.store.CreateSelector(ctx, spec); err != nil {
			return err
		}
		r.logger.Info("selector candidate promoted",
			zap.String("schema_id", c.SchemaID),
			zap.String("field", c.Key()),
			zap.String("selector", c.Selector),
			zap.Int("confirmations", c.SuccessCount),
		)
	}
	return r.store.MarkCandidatePromoted(ctx, c.ID)
}
