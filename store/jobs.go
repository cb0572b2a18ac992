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

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// CreateJob persists a new job. ID and timestamps are assigned here when
// unset.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.State == "" {
		job.State = types.JobStateQueued
	}

	var result any
	if job.Result != nil {
		body, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("store: marshal result: %w", err)
		}
		result = string(body)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, url, state, priority, schema_id, tenant, engine, result, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.URL, string(job.State), string(job.Priority),
		nullStr(job.SchemaID), nullStr(job.Tenant), nullStr(string(job.Engine)),
		result, nullStr(job.Error), unixMilli(job.CreatedAt), unixMilli(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, state, priority, schema_id, tenant, engine, result, error, created_at, updated_at
		 FROM jobs WHERE id = ?`, id.String())
	return scanJob(row)
}

func scanJob(row *sql.Row) (*types.Job, error) {
	var (
		job                              types.Job
		idRaw                            string
		schemaID, tenant, engine, result sql.NullString
		errText                          sql.NullString
		createdAt, updatedAt             int64
	)
	err := row.Scan(&idRaw, &job.URL, (*string)(&job.State), (*string)(&job.Priority),
		&schemaID, &tenant, &engine, &result, &errText, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}

	job.ID, err = uuid.Parse(idRaw)
	if err != nil {
		return nil, fmt.Errorf("store: bad job id %q: %w", idRaw, err)
	}
	job.SchemaID = schemaID.String
	job.Tenant = tenant.String
	job.Engine = types.Engine(engine.String)
	job.Error = errText.String
	job.CreatedAt = fromUnixMilli(createdAt)
	job.UpdatedAt = fromUnixMilli(updatedAt)

	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &job.Result); err != nil {
			return nil, fmt.Errorf("store: decode job result: %w", err)
		}
	}
	return &job, nil
}

// SetJobEngine stamps the engine assignment made by the dispatcher.
func (s *Store) SetJobEngine(ctx context.Context, id uuid.UUID, engine types.Engine, state types.JobState) error {
	return s.touchJob(ctx, id,
		`UPDATE jobs SET engine = ?, state = ?, updated_at = ? WHERE id = ?`,
		string(engine), string(state), time.Now().UnixMilli(), id.String())
}

// SetJobState transitions a job's lifecycle state.
func (s *Store) SetJobState(ctx context.Context, id uuid.UUID, state types.JobState) error {
	return s.touchJob(ctx, id,
		`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UnixMilli(), id.String())
}

// FinalizeJobSuccess records terminal success with extracted data and
// clears any previous error.
func (s *Store) FinalizeJobSuccess(ctx context.Context, id uuid.UUID, data map[string]any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}
	return s.touchJob(ctx, id,
		`UPDATE jobs SET state = ?, result = ?, error = NULL, updated_at = ? WHERE id = ?`,
		string(types.JobStateSucceeded), string(body), time.Now().UnixMilli(), id.String())
}

// FinalizeJobFailure records terminal failure with an error code and
// clears any partial result.
func (s *Store) FinalizeJobFailure(ctx context.Context, id uuid.UUID, code string) error {
	return s.touchJob(ctx, id,
		`UPDATE jobs SET state = ?, error = ?, result = NULL, updated_at = ? WHERE id = ?`,
		string(types.JobStateFailed), code, time.Now().UnixMilli(), id.String())
}

func (s *Store) touchJob(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: update job %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateAttempt appends a job attempt row.
func (s *Store) CreateAttempt(ctx context.Context, attempt *types.JobAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_attempts (id, job_id, engine, status, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID.String(), attempt.JobID.String(), string(attempt.Engine),
		string(attempt.Status), nullStr(attempt.Error),
		unixMilli(attempt.StartedAt), unixMilli(attempt.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create attempt: %w", err)
	}
	return nil
}

// FinishAttempt stamps an attempt's terminal status.
func (s *Store) FinishAttempt(ctx context.Context, id uuid.UUID, status types.AttemptStatus, errCode string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_attempts SET status = ?, error = ?, ended_at = ? WHERE id = ?`,
		string(status), nullStr(errCode), time.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("store: finish attempt: %w", err)
	}
	return nil
}

// AttemptsForJob returns attempts in creation order. Insertion order is
// the tie-break for attempts that start within the same millisecond.
func (s *Store) AttemptsForJob(ctx context.Context, jobID uuid.UUID) ([]types.JobAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, engine, status, error, started_at, ended_at
		 FROM job_attempts WHERE job_id = ? ORDER BY rowid ASC`, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("store: attempts: %w", err)
	}
	defer rows.Close()

	var attempts []types.JobAttempt
	for rows.Next() {
		var (
			attempt            types.JobAttempt
			idRaw, jobRaw      string
			errText            sql.NullString
			startedAt, endedAt sql.NullInt64
		)
		if err := rows.Scan(&idRaw, &jobRaw, (*string)(&attempt.Engine), (*string)(&attempt.Status),
			&errText, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("store: scan attempt: %w", err)
		}
		attempt.ID, _ = uuid.Parse(idRaw)
		attempt.JobID, _ = uuid.Parse(jobRaw)
		attempt.Error = errText.String
		attempt.StartedAt = fromUnixMilli(startedAt.Int64)
		attempt.EndedAt = fromUnixMilli(endedAt.Int64)
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// CountAttempts returns the number of attempts recorded for a job.
func (s *Store) CountAttempts(ctx context.Context, jobID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_attempts WHERE job_id = ?`, jobID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count attempts: %w", err)
	}
	return n, nil
}

// UpsertArtifact stores an artifact reference, replacing any previous one
// of the same type for the job.
func (s *Store) UpsertArtifact(ctx context.Context, artifact *types.Artifact) error {
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, job_id, type, location, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, type) DO UPDATE SET
		   location = excluded.location,
		   checksum = excluded.checksum,
		   created_at = excluded.created_at`,
		artifact.ID.String(), artifact.JobID.String(), string(artifact.Type),
		artifact.Location, nullStr(artifact.Checksum), unixMilli(artifact.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: upsert artifact: %w", err)
	}
	return nil
}

// ArtifactsForJob lists a job's stored artifacts.
func (s *Store) ArtifactsForJob(ctx context.Context, jobID uuid.UUID) ([]types.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, type, location, checksum, created_at
		 FROM artifacts WHERE job_id = ? ORDER BY type ASC`, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("store: artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []types.Artifact
	for rows.Next() {
		var (
			artifact      types.Artifact
			idRaw, jobRaw string
			checksum      sql.NullString
			createdAt     int64
		)
		if err := rows.Scan(&idRaw, &jobRaw, (*string)(&artifact.Type),
			&artifact.Location, &checksum, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		artifact.ID, _ = uuid.Parse(idRaw)
		artifact.JobID, _ = uuid.Parse(jobRaw)
		artifact.Checksum = checksum.String
		artifact.CreatedAt = fromUnixMilli(createdAt)
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// JobStateCounts aggregates jobs by state for the stats view.
func (s *Store) JobStateCounts(ctx context.Context) (map[types.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("store: state counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("store: scan count: %w", err)
		}
		counts[types.JobState(state)] = n
	}
	return counts, rows.Err()
}
