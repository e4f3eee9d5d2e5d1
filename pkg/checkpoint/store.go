// Package checkpoint is the durable record of shard and job execution state.
//
// Every shard status transition goes through an atomic per-shard write guarded
// by a monotonically increasing sequence number; a write carrying a sequence
// at or below the stored value is stale and rejected. After a process restart
// this store is the sole source of truth.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/shardloom/pkg/certify"
	"github.com/loomworks/shardloom/pkg/shard"
)

const schemaVersion = 2

var (
	// ErrNotFound indicates a missing job or shard record.
	ErrNotFound = errors.New("checkpoint: record not found")

	// ErrStaleWrite indicates a write with a sequence number at or below the
	// stored one. Callers swallow it: the newer write already represents the
	// correct state.
	ErrStaleWrite = errors.New("checkpoint: stale write rejected")

	// ErrClaimConflict indicates a claim attempt on a shard that is no longer
	// pending. The claim simply went to another worker.
	ErrClaimConflict = errors.New("checkpoint: shard is not claimable")
)

// Config configures the store location.
type Config struct {
	// Path is a local filesystem path to the checkpoint database,
	// or ":memory:" for tests.
	Path string
}

// Store is a SQLite-backed checkpoint store.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the checkpoint database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO checkpoint_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			name TEXT,
			status TEXT NOT NULL,
			spec_json TEXT NOT NULL,
			failed_shards_json TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS shards (
			shard_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			executor TEXT NOT NULL,
			inputs_json TEXT,
			deps_json TEXT,
			status TEXT NOT NULL,
			output_digest TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			claim_owner TEXT,
			claimed_at TEXT,
			fail_reason TEXT,
			seq INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shards_job ON shards(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_shards_stage_status ON shards(job_id, stage_id, status);`,
		`CREATE TABLE IF NOT EXISTS shard_jobs (
			job_id TEXT NOT NULL,
			shard_id TEXT NOT NULL,
			PRIMARY KEY (job_id, shard_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shard_jobs_shard ON shard_jobs(shard_id);`,
		`INSERT OR IGNORE INTO shard_jobs (job_id, shard_id) SELECT job_id, shard_id FROM shards;`,
		`CREATE TABLE IF NOT EXISTS certificates (
			job_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			merkle_root TEXT NOT NULL,
			certificate_id TEXT,
			certified INTEGER NOT NULL,
			reason TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (job_id, stage_id)
		);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// PutJob upserts the full job record.
func (s *Store) PutJob(ctx context.Context, job *shard.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job with id is required")
	}
	spec, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job spec: %w", err)
	}
	failed, err := json.Marshal(job.FailedShards)
	if err != nil {
		return fmt.Errorf("marshal failed shard list: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, name, status, spec_json, failed_shards_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			name=excluded.name,
			status=excluded.status,
			spec_json=excluded.spec_json,
			failed_shards_json=excluded.failed_shards_json,
			updated_at=excluded.updated_at
	`, job.ID, job.Name, string(job.Status), string(spec), string(failed),
		job.CreatedAt.UTC().Format(time.RFC3339Nano), now)
	return err
}

// GetJob loads one job record.
func (s *Store) GetJob(ctx context.Context, jobID string) (*shard.Job, error) {
	var specJSON, status string
	var failedJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT spec_json, status, failed_shards_json FROM jobs WHERE job_id = ?`, jobID).
		Scan(&specJSON, &status, &failedJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var job shard.Job
	if err := json.Unmarshal([]byte(specJSON), &job); err != nil {
		return nil, fmt.Errorf("parse job spec: %w", err)
	}
	// Status and failure list columns win over the serialized snapshot.
	job.Status = shard.JobStatus(status)
	if failedJSON.Valid && failedJSON.String != "" {
		var failed []string
		if err := json.Unmarshal([]byte(failedJSON.String), &failed); err == nil {
			job.FailedShards = failed
		}
	}
	return &job, nil
}

// ListJobs returns every job record, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]shard.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]shard.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

// SetJobStatus updates a job's status and, for failures, the responsible
// shard ids.
func (s *Store) SetJobStatus(ctx context.Context, jobID string, status shard.JobStatus, failedShards []string) error {
	failed, err := json.Marshal(failedShards)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, failed_shards_json = ?, updated_at = ? WHERE job_id = ?`,
		string(status), string(failed), now, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RegisterShard inserts a shard as pending and links it to the registering
// job. Registration deduplicates on the content address: if the shard id
// already exists (any status, including done from a previous job) the insert
// is a no-op and created is false, but the job link still lands, so the
// existing record and its output digest show up in the new job's scans.
func (s *Store) RegisterShard(ctx context.Context, spec shard.Spec) (created bool, err error) {
	inputs, err := json.Marshal(spec.Inputs)
	if err != nil {
		return false, fmt.Errorf("marshal shard inputs: %w", err)
	}
	deps, err := json.Marshal(spec.Dependencies)
	if err != nil {
		return false, fmt.Errorf("marshal shard deps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO shards
			(shard_id, job_id, stage_id, executor, inputs_json, deps_json, status, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, spec.ID, spec.JobID, spec.StageID, spec.Executor, string(inputs), string(deps),
		string(shard.StatusPending), now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO shard_jobs (job_id, shard_id) VALUES (?, ?)`,
		spec.JobID, spec.ID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetShard loads one shard.
func (s *Store) GetShard(ctx context.Context, shardID string) (*shard.Shard, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT shard_id, job_id, stage_id, executor, inputs_json, deps_json,
		       status, output_digest, attempt, claim_owner, claimed_at, fail_reason,
		       seq, created_at, updated_at
		FROM shards WHERE shard_id = ?`, shardID)
	sh, err := scanShard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sh, nil
}

// ScanByJob returns every shard linked to a job, including shards adopted by
// dedup from earlier jobs, ordered by shard id so callers see a deterministic
// sequence.
func (s *Store) ScanByJob(ctx context.Context, jobID string) ([]shard.Shard, error) {
	return s.scan(ctx, `
		SELECT s.shard_id, s.job_id, s.stage_id, s.executor, s.inputs_json, s.deps_json,
		       s.status, s.output_digest, s.attempt, s.claim_owner, s.claimed_at, s.fail_reason,
		       s.seq, s.created_at, s.updated_at
		FROM shards s JOIN shard_jobs m ON m.shard_id = s.shard_id
		WHERE m.job_id = ? ORDER BY s.shard_id`, jobID)
}

// ScanByStage returns every shard of one stage, ordered by shard id.
func (s *Store) ScanByStage(ctx context.Context, jobID, stageID string) ([]shard.Shard, error) {
	return s.scan(ctx, `
		SELECT s.shard_id, s.job_id, s.stage_id, s.executor, s.inputs_json, s.deps_json,
		       s.status, s.output_digest, s.attempt, s.claim_owner, s.claimed_at, s.fail_reason,
		       s.seq, s.created_at, s.updated_at
		FROM shards s JOIN shard_jobs m ON m.shard_id = s.shard_id
		WHERE m.job_id = ? AND s.stage_id = ? ORDER BY s.shard_id`, jobID, stageID)
}

// CountByStatus returns how many shards are currently in the given status
// across all jobs.
func (s *Store) CountByStatus(ctx context.Context, status shard.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shards WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

// Claim transitions a shard pending→claimed with compare-and-swap semantics:
// the claim succeeds only if the stored status is pending. On success the
// attempt count and sequence are incremented and the updated shard returned.
func (s *Store) Claim(ctx context.Context, shardID, owner string) (*shard.Shard, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET
			status = ?, claim_owner = ?, claimed_at = ?,
			attempt = attempt + 1, seq = seq + 1, updated_at = ?
		WHERE shard_id = ? AND status = ?
	`, string(shard.StatusClaimed), owner, now, now, shardID, string(shard.StatusPending))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrClaimConflict
	}
	return s.GetShard(ctx, shardID)
}

// Put writes a shard status transition guarded by the sequence number: the
// write lands only if seq is strictly greater than the stored value. This is
// what discards an execution report that arrives after the scheduler already
// reclaimed and re-issued the claim.
func (s *Store) Put(ctx context.Context, shardID string, status shard.Status, outputDigest, failReason string, seq int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET
			status = ?, output_digest = ?, fail_reason = ?, seq = ?,
			claim_owner = NULL, claimed_at = NULL, updated_at = ?
		WHERE shard_id = ? AND seq < ?
	`, string(status), nullable(outputDigest), nullable(failReason), seq, now, shardID, seq)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetShard(ctx, shardID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleWrite
	}
	return nil
}

// Release returns a claimed shard to pending without recording an outcome.
// Used for stale-claim reclamation; the attempt already counted at claim time
// stands.
func (s *Store) Release(ctx context.Context, shardID string, seq int64) error {
	return s.Put(ctx, shardID, shard.StatusPending, "", "", seq)
}

// Supersede marks a shard as replaced by finer-grained children. Idempotent:
// superseding an already-superseded shard is a no-op.
func (s *Store) Supersede(ctx context.Context, shardID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET status = ?, seq = seq + 1, updated_at = ?
		WHERE shard_id = ? AND status != ?
	`, string(shard.StatusSuperseded), now, shardID, string(shard.StatusSuperseded))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM shards WHERE shard_id = ?`, shardID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
	}
	return nil
}

// ResetForReplay returns a terminal shard to pending with a cleared outcome
// and attempt count. Used by bisection replay and operator-driven replay.
func (s *Store) ResetForReplay(ctx context.Context, shardID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET
			status = ?, output_digest = NULL, fail_reason = NULL,
			attempt = 0, seq = seq + 1, claim_owner = NULL, claimed_at = NULL, updated_at = ?
		WHERE shard_id = ?
	`, string(shard.StatusPending), now, shardID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AbortJob transitions every non-terminal shard of a job to aborted and
// returns how many were affected.
func (s *Store) AbortJob(ctx context.Context, jobID string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET status = ?, seq = seq + 1, claim_owner = NULL, claimed_at = NULL, updated_at = ?
		WHERE shard_id IN (SELECT shard_id FROM shard_jobs WHERE job_id = ?) AND status IN (?, ?)
	`, string(shard.StatusAborted), now, jobID,
		string(shard.StatusPending), string(shard.StatusClaimed))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PutCertificate stores (or replaces) the certification verdict for a stage.
func (s *Store) PutCertificate(ctx context.Context, jobID, stageID string, cert *certify.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	certified := 0
	if cert.Certified {
		certified = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO certificates (job_id, stage_id, merkle_root, certificate_id, certified, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, stage_id) DO UPDATE SET
			merkle_root=excluded.merkle_root,
			certificate_id=excluded.certificate_id,
			certified=excluded.certified,
			reason=excluded.reason,
			created_at=excluded.created_at
	`, jobID, stageID, cert.MerkleRoot, cert.CertificateID, certified, cert.Reason, now)
	return err
}

// GetCertificate loads the stored verdict for a stage, or ErrNotFound.
func (s *Store) GetCertificate(ctx context.Context, jobID, stageID string) (*certify.Certificate, error) {
	var root, reason string
	var certID sql.NullString
	var certified int
	err := s.db.QueryRowContext(ctx, `
		SELECT merkle_root, certificate_id, certified, reason
		FROM certificates WHERE job_id = ? AND stage_id = ?`, jobID, stageID).
		Scan(&root, &certID, &certified, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &certify.Certificate{
		SubjectID:     stageID,
		MerkleRoot:    root,
		Certified:     certified == 1,
		CertificateID: certID.String,
		Reason:        reason,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShard(row rowScanner) (*shard.Shard, error) {
	var (
		sh                    shard.Shard
		inputsJSON, depsJSON  sql.NullString
		digest, owner, reason sql.NullString
		claimedAt             sql.NullString
		status                string
		createdAt, updatedAt  string
	)
	err := row.Scan(&sh.ID, &sh.JobID, &sh.StageID, &sh.Executor, &inputsJSON, &depsJSON,
		&status, &digest, &sh.Attempt, &owner, &claimedAt, &reason,
		&sh.Seq, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sh.Status = shard.Status(status)
	sh.OutputDigest = digest.String
	sh.ClaimOwner = owner.String
	sh.FailReason = reason.String

	if inputsJSON.Valid && inputsJSON.String != "" {
		if err := json.Unmarshal([]byte(inputsJSON.String), &sh.Inputs); err != nil {
			return nil, fmt.Errorf("parse shard inputs: %w", err)
		}
	}
	if depsJSON.Valid && depsJSON.String != "" {
		if err := json.Unmarshal([]byte(depsJSON.String), &sh.Dependencies); err != nil {
			return nil, fmt.Errorf("parse shard deps: %w", err)
		}
	}
	if claimedAt.Valid && claimedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, claimedAt.String); err == nil {
			sh.ClaimedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sh.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sh.UpdatedAt = t
	}
	return &sh, nil
}

func (s *Store) scan(ctx context.Context, query string, args ...any) ([]shard.Shard, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []shard.Shard
	for rows.Next() {
		sh, err := scanShard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
