package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/prospect/types"
)

// UpsertSchema creates or updates a named extraction schema.
func (s *Store) UpsertSchema(ctx context.Context, schema *types.Schema) error {
	now := time.Now().UTC()
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = now
	}
	schema.UpdatedAt = now

	var plugins any
	if len(schema.Plugins) > 0 {
		body, err := json.Marshal(schema.Plugins)
		if err != nil {
			return fmt.Errorf("store: marshal schema plugins: %w", err)
		}
		plugins = string(body)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schemas (id, name, description, plugins, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   plugins = excluded.plugins,
		   updated_at = excluded.updated_at`,
		schema.ID, schema.Name, nullStr(schema.Description), plugins,
		unixMilli(schema.CreatedAt), unixMilli(schema.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: upsert schema: %w", err)
	}
	return nil
}

// GetSchema loads a schema by id. Returns ErrNotFound when absent.
func (s *Store) GetSchema(ctx context.Context, id string) (*types.Schema, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, plugins, created_at, updated_at FROM schemas WHERE id = ?`, id)

	var (
		schema               types.Schema
		description, plugins sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&schema.ID, &schema.Name, &description, &plugins, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get schema: %w", err)
	}
	schema.Description = description.String
	schema.CreatedAt = fromUnixMilli(createdAt)
	schema.UpdatedAt = fromUnixMilli(updatedAt)
	if plugins.Valid && plugins.String != "" {
		if err := json.Unmarshal([]byte(plugins.String), &schema.Plugins); err != nil {
			return nil, fmt.Errorf("store: decode schema plugins: %w", err)
		}
	}
	return &schema, nil
}

// CreateSelector persists an active selector.
func (s *Store) CreateSelector(ctx context.Context, spec *types.SelectorSpec) error {
	if spec.ID == uuid.Nil {
		spec.ID = uuid.New()
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	if spec.DataType == "" {
		spec.DataType = types.DataTypeString
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selectors (id, schema_id, group_name, field, selector, item_selector, attribute, data_type, required, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.ID.String(), spec.SchemaID, nullStr(spec.GroupName), spec.Field,
		spec.Selector, nullStr(spec.ItemSelector), nullStr(spec.Attribute),
		string(spec.DataType), boolInt(spec.Required), boolInt(spec.Active),
		unixMilli(spec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create selector: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ActiveSelectors returns the active selectors for a schema in creation
// order.
func (s *Store) ActiveSelectors(ctx context.Context, schemaID string) ([]types.SelectorSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schema_id, group_name, field, selector, item_selector, attribute, data_type, required, active, created_at
		 FROM selectors WHERE schema_id = ? AND active = 1 ORDER BY created_at ASC, id ASC`, schemaID)
	if err != nil {
		return nil, fmt.Errorf("store: active selectors: %w", err)
	}
	defer rows.Close()
	return scanSelectors(rows)
}

func scanSelectors(rows *sql.Rows) ([]types.SelectorSpec, error) {
	var specs []types.SelectorSpec
	for rows.Next() {
		var (
			spec                          types.SelectorSpec
			idRaw                         string
			groupName, itemSelector, attr sql.NullString
			required, active              int
			createdAt                     int64
		)
		if err := rows.Scan(&idRaw, &spec.SchemaID, &groupName, &spec.Field, &spec.Selector,
			&itemSelector, &attr, (*string)(&spec.DataType), &required, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan selector: %w", err)
		}
		spec.ID, _ = uuid.Parse(idRaw)
		spec.GroupName = groupName.String
		spec.ItemSelector = itemSelector.String
		spec.Attribute = attr.String
		spec.Required = required == 1
		spec.Active = active == 1
		spec.CreatedAt = fromUnixMilli(createdAt)
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// HasActiveSelector reports whether an active selector already covers
// (schema, group, field).
func (s *Store) HasActiveSelector(ctx context.Context, schemaID, groupName, field string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM selectors
		 WHERE schema_id = ? AND COALESCE(group_name, '') = ? AND field = ? AND active = 1`,
		schemaID, groupName, field).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has active selector: %w", err)
	}
	return n > 0, nil
}

// FindCandidate loads the un-promoted candidate matching the full selector
// identity, or nil when none exists. Promoted candidates are historical
// records and never accumulate further confirmations.
func (s *Store) FindCandidate(ctx context.Context, c *types.SelectorCandidate) (*types.SelectorCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, schema_id, group_name, field, selector, item_selector, attribute, data_type, required, success_count, promoted_at, created_at, updated_at
		 FROM selector_candidates
		 WHERE schema_id = ? AND COALESCE(group_name, '') = ? AND field = ?
		   AND selector = ? AND COALESCE(item_selector, '') = ? AND COALESCE(attribute, '') = ?
		   AND promoted_at IS NULL`,
		c.SchemaID, c.GroupName, c.Field, c.Selector, c.ItemSelector, c.Attribute)
	found, err := scanCandidate(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return found, err
}

// CandidateByID loads a candidate regardless of promotion state. Returns
// ErrNotFound for an unknown id.
func (s *Store) CandidateByID(ctx context.Context, id uuid.UUID) (*types.SelectorCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, schema_id, group_name, field, selector, item_selector, attribute, data_type, required, success_count, promoted_at, created_at, updated_at
		 FROM selector_candidates WHERE id = ?`, id.String())
	return scanCandidate(row)
}

func scanCandidate(row *sql.Row) (*types.SelectorCandidate, error) {
	var (
		c                             types.SelectorCandidate
		idRaw                         string
		groupName, itemSelector, attr sql.NullString
		required                      int
		promotedAt                    sql.NullInt64
		createdAt, updatedAt          int64
	)
	err := row.Scan(&idRaw, &c.SchemaID, &groupName, &c.Field, &c.Selector, &itemSelector,
		&attr, (*string)(&c.DataType), &required, &c.SuccessCount, &promotedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan candidate: %w", err)
	}
	c.ID, _ = uuid.Parse(idRaw)
	c.GroupName = groupName.String
	c.ItemSelector = itemSelector.String
	c.Attribute = attr.String
	c.Required = required == 1
	c.PromotedAt = fromUnixMilli(promotedAt.Int64)
	c.CreatedAt = fromUnixMilli(createdAt)
	c.UpdatedAt = fromUnixMilli(updatedAt)
	return &c, nil
}

// CreateCandidate inserts a new candidate with success_count = 1.
func (s *Store) CreateCandidate(ctx context.Context, c *types.SelectorCandidate) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.SuccessCount == 0 {
		c.SuccessCount = 1
	}
	if c.DataType == "" {
		c.DataType = types.DataTypeString
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selector_candidates (id, schema_id, group_name, field, selector, item_selector, attribute, data_type, required, success_count, promoted_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		c.ID.String(), c.SchemaID, nullStr(c.GroupName), c.Field, c.Selector,
		nullStr(c.ItemSelector), nullStr(c.Attribute), string(c.DataType),
		boolInt(c.Required), c.SuccessCount, unixMilli(c.CreatedAt), unixMilli(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create candidate: %w", err)
	}
	return nil
}

// BumpCandidate increments a candidate's success count, returning the new
// count.
func (s *Store) BumpCandidate(ctx context.Context, id uuid.UUID) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE selector_candidates SET success_count = success_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id.String())
	if err != nil {
		return 0, fmt.Errorf("store: bump candidate: %w", err)
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT success_count FROM selector_candidates WHERE id = ?`, id.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: read candidate count: %w", err)
	}
	return n, nil
}

// MarkCandidatePromoted stamps promoted_at.
func (s *Store) MarkCandidatePromoted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE selector_candidates SET promoted_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), time.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("store: mark promoted: %w", err)
	}
	return nil
}

// TenantPlugins returns the per-tenant plugin list, or nil when the tenant
// has no configuration.
func (s *Store) TenantPlugins(ctx context.Context, tenant string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT plugins FROM tenant_plugins WHERE tenant = ?`, tenant).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: tenant plugins: %w", err)
	}

	var plugins []string
	if err := json.Unmarshal([]byte(raw), &plugins); err != nil {
		return nil, fmt.Errorf("store: decode tenant plugins: %w", err)
	}
	return plugins, nil
}

// SetTenantPlugins stores the per-tenant plugin list.
func (s *Store) SetTenantPlugins(ctx context.Context, tenant string, plugins []string) error {
	body, err := json.Marshal(plugins)
	if err != nil {
		return fmt.Errorf("store: marshal tenant plugins: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_plugins (tenant, plugins) VALUES (?, ?)
		 ON CONFLICT(tenant) DO UPDATE SET plugins = excluded.plugins`,
		tenant, string(body))
	if err != nil {
		return fmt.Errorf("store: set tenant plugins: %w", err)
	}
	return nil
}
