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

// CreateIdentity persists a new identity.
func (s *Store) CreateIdentity(ctx context.Context, identity *types.Identity) error {
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	if identity.Tenant == "" {
		identity.Tenant = "default"
	}
	now := time.Now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = now

	fingerprint, err := json.Marshal(identity.Fingerprint)
	if err != nil {
		return fmt.Errorf("store: marshal fingerprint: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identities (id, tenant, label, fingerprint, cookies_encrypted, storage_state_encrypted, active, use_count, failure_count, last_used_at, last_failed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		identity.ID.String(), identity.Tenant, nullStr(identity.Label), string(fingerprint),
		nullStr(identity.CookiesEncrypted), nullStr(identity.StorageStateEncrypted),
		boolInt(identity.Active), identity.UseCount, identity.FailureCount,
		unixMilli(identity.LastUsedAt), unixMilli(identity.LastFailedAt),
		unixMilli(identity.CreatedAt), unixMilli(identity.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create identity: %w", err)
	}
	return nil
}

// GetIdentity loads an identity by id.
func (s *Store) GetIdentity(ctx context.Context, id uuid.UUID) (*types.Identity, error) {
	row := s.db.QueryRowContext(ctx, identitySelect+` WHERE id = ?`, id.String())
	return scanIdentity(row)
}

const identitySelect = `SELECT id, tenant, label, fingerprint, cookies_encrypted, storage_state_encrypted, active, use_count, failure_count, last_used_at, last_failed_at, created_at, updated_at FROM identities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(scanner rowScanner) (*types.Identity, error) {
	var (
		identity                 types.Identity
		idRaw                    string
		label, fingerprint       sql.NullString
		cookiesEnc, storageEnc   sql.NullString
		active                   int
		lastUsedAt, lastFailedAt sql.NullInt64
		createdAt, updatedAt     int64
	)
	err := scanner.Scan(&idRaw, &identity.Tenant, &label, &fingerprint, &cookiesEnc, &storageEnc,
		&active, &identity.UseCount, &identity.FailureCount, &lastUsedAt, &lastFailedAt,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan identity: %w", err)
	}

	identity.ID, err = uuid.Parse(idRaw)
	if err != nil {
		return nil, fmt.Errorf("store: bad identity id %q: %w", idRaw, err)
	}
	identity.Label = label.String
	identity.CookiesEncrypted = cookiesEnc.String
	identity.StorageStateEncrypted = storageEnc.String
	identity.Active = active == 1
	identity.LastUsedAt = fromUnixMilli(lastUsedAt.Int64)
	identity.LastFailedAt = fromUnixMilli(lastFailedAt.Int64)
	identity.CreatedAt = fromUnixMilli(createdAt)
	identity.UpdatedAt = fromUnixMilli(updatedAt)
	if fingerprint.Valid && fingerprint.String != "" {
		if err := json.Unmarshal([]byte(fingerprint.String), &identity.Fingerprint); err != nil {
			return nil, fmt.Errorf("store: decode fingerprint: %w", err)
		}
	}
	return &identity, nil
}

// ActiveIdentityCandidates returns up to limit active identities for a
// tenant, pre-ordered by (failure_count, last_used_at nulls-first,
// use_count). The identity manager applies the decayed-failure tiebreak
// in memory.
func (s *Store) ActiveIdentityCandidates(ctx context.Context, tenant string, limit int) ([]types.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		identitySelect+` WHERE tenant = ? AND active = 1
		 ORDER BY failure_count ASC, COALESCE(last_used_at, 0) ASC, use_count ASC
		 LIMIT ?`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("store: identity candidates: %w", err)
	}
	defer rows.Close()

	var identities []types.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, *identity)
	}
	return identities, rows.Err()
}

// MarkIdentityUsed increments use_count and stamps last_used_at.
func (s *Store) MarkIdentityUsed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET use_count = use_count + 1, last_used_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id.String())
	if err != nil {
		return fmt.Errorf("store: mark used: %w", err)
	}
	return nil
}

// RecordIdentityFailure increments failure_count, stamps last_failed_at,
// and deactivates the identity when the threshold is reached. Returns the
// post-increment failure count.
func (s *Store) RecordIdentityFailure(ctx context.Context, id uuid.UUID, threshold int) (int, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET failure_count = failure_count + 1, last_failed_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id.String())
	if err != nil {
		return 0, fmt.Errorf("store: record failure: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT failure_count FROM identities WHERE id = ?`, id.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: read failure count: %w", err)
	}

	if threshold > 0 && count >= threshold {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE identities SET active = 0, updated_at = ? WHERE id = ?`, now, id.String()); err != nil {
			return count, fmt.Errorf("store: deactivate identity: %w", err)
		}
	}
	return count, nil
}

// SetIdentityActive toggles an identity's active flag.
func (s *Store) SetIdentityActive(ctx context.Context, id uuid.UUID, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("store: set active: %w", err)
	}
	return nil
}

// SetIdentityCookies replaces the encrypted cookie payload.
func (s *Store) SetIdentityCookies(ctx context.Context, id uuid.UUID, encrypted string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET cookies_encrypted = ?, updated_at = ? WHERE id = ?`,
		encrypted, time.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("store: set cookies: %w", err)
	}
	return nil
}

// SetIdentityStorageState replaces the encrypted storage-state payload.
func (s *Store) SetIdentityStorageState(ctx context.Context, id uuid.UUID, encrypted string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET storage_state_encrypted = ?, updated_at = ? WHERE id = ?`,
		encrypted, time.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("store: set storage state: %w", err)
	}
	return nil
}

// UpsertProxyPolicy stores a per-domain proxy policy.
func (s *Store) UpsertProxyPolicy(ctx context.Context, policy *types.ProxyPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proxy_policies (domain, mode, proxy_url, enabled) VALUES (?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
		   mode = excluded.mode,
		   proxy_url = excluded.proxy_url,
		   enabled = excluded.enabled`,
		policy.Domain, string(policy.Mode), nullStr(policy.ProxyURL), boolInt(policy.Enabled))
	if err != nil {
		return fmt.Errorf("store: upsert proxy policy: %w", err)
	}
	return nil
}

// ProxyPolicyByDomain loads the enabled policy for an exact domain, or nil
// when none exists. Satisfies proxy.PolicyLookup.
func (s *Store) ProxyPolicyByDomain(ctx context.Context, domain string) (*types.ProxyPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT domain, mode, proxy_url, enabled FROM proxy_policies WHERE domain = ? AND enabled = 1`, domain)

	var (
		policy   types.ProxyPolicy
		proxyURL sql.NullString
		enabled  int
	)
	err := row.Scan(&policy.Domain, (*string)(&policy.Mode), &proxyURL, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: proxy policy: %w", err)
	}
	policy.ProxyURL = proxyURL.String
	policy.Enabled = enabled == 1
	return &policy, nil
}
