// Package shard defines the core data model for sharded work: content-addressed
// shard specifications, shard execution state, and job/stage descriptors.
//
// A shard is the atomic unit of execution. Its identifier is a pure function of
// its content (stage, executor kind, inputs, dependencies), which is what makes
// deduplication and safe replay possible.
package shard

import "time"

// Status is the lifecycle state of a shard.
//
// NOTE: These values are persisted in the checkpoint store and are part of the
// stable on-disk contract.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusSuperseded Status = "superseded"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether the status excludes a shard from further scheduling.
// Superseded shards are terminal but never count toward stage completion.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSuperseded, StatusAborted:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobFinalizing JobStatus = "finalizing"
	JobFinalized  JobStatus = "finalized"
	JobFailed     JobStatus = "failed"
	JobAborted    JobStatus = "aborted"
)

// Terminal reports whether a job will receive no further processing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobFinalized, JobFailed, JobAborted:
		return true
	default:
		return false
	}
}

// Spec is a content-addressed shard specification produced by a partitioner.
//
// ID must equal Addresser output for (StageID, Executor, Inputs, Dependencies);
// the checkpoint store enforces it as the primary key.
type Spec struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	StageID      string         `json:"stage_id"`
	Executor     string         `json:"executor"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// Shard is a Spec plus its execution state as tracked by the checkpoint store.
type Shard struct {
	Spec

	Status       Status     `json:"status"`
	OutputDigest string     `json:"output_digest,omitempty"`
	Attempt      int        `json:"attempt"`
	ClaimOwner   string     `json:"claim_owner,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	FailReason   string     `json:"fail_reason,omitempty"`

	// Seq is a per-shard monotonic sequence number. Writes carrying a lower
	// seq than the stored value are stale and rejected.
	Seq int64 `json:"seq"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageSpec describes one named phase of a job. Immutable once its shards are
// generated, except that re-partitioning may grow the shard set.
type StageSpec struct {
	ID       string `json:"id" yaml:"id"`
	Executor string `json:"executor" yaml:"executor"`
	Strategy string `json:"strategy" yaml:"strategy"`

	// SLO is the target max duration for the whole stage.
	SLO time.Duration `json:"slo,omitempty" yaml:"slo,omitempty"`

	// ClaimTimeout bounds how long a claim may sit without a completion report
	// before the scheduler reclaims it. ExecTimeout bounds a single execution.
	ClaimTimeout time.Duration `json:"claim_timeout,omitempty" yaml:"claim_timeout,omitempty"`
	ExecTimeout  time.Duration `json:"exec_timeout,omitempty" yaml:"exec_timeout,omitempty"`

	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// HotspotP95 is the latency threshold above which the autotune emitter
	// flags shards of this stage for re-partitioning.
	HotspotP95 time.Duration `json:"hotspot_p95,omitempty" yaml:"hotspot_p95,omitempty"`

	// AllowNonIdempotent must be set explicitly for executors whose work is
	// not safely replayable. Such stages are excluded from automatic replay.
	AllowNonIdempotent bool `json:"allow_non_idempotent,omitempty" yaml:"allow_non_idempotent,omitempty"`

	// Inputs carries the strategy-specific partition input (payload size and
	// chunking for by-size, item list for by-count, DAG for by-depth).
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Defaults applied to a StageSpec when the job spec leaves them unset.
const (
	DefaultClaimTimeout = 60 * time.Second
	DefaultExecTimeout  = 15 * time.Second
	DefaultMaxAttempts  = 3
	DefaultHotspotP95   = 30 * time.Second
)

// ApplyDefaults fills unset stage knobs.
func (s *StageSpec) ApplyDefaults() {
	if s.ClaimTimeout <= 0 {
		s.ClaimTimeout = DefaultClaimTimeout
	}
	if s.ExecTimeout <= 0 {
		s.ExecTimeout = DefaultExecTimeout
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.HotspotP95 <= 0 {
		s.HotspotP95 = DefaultHotspotP95
	}
}

// Constraints are job-wide caps carried by the job spec.
type Constraints struct {
	// MaxShards caps the total shard count a partitioner may register.
	MaxShards int `json:"max_shards,omitempty" yaml:"max_shards,omitempty"`

	// Timebox bounds the whole job's wall-clock run time across restarts.
	Timebox time.Duration `json:"timebox,omitempty" yaml:"timebox,omitempty"`
}

// Job is the orchestrator-owned record for one submitted job.
type Job struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Status      JobStatus   `json:"status"`
	Stages      []StageSpec `json:"stages"`
	Constraints Constraints `json:"constraints,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`

	// FailedShards lists the shard ids that drove the job to JobFailed.
	// A failed job always carries this list, never a bare error.
	FailedShards []string `json:"failed_shards,omitempty"`
}

// Stage returns the stage spec with the given id, or nil.
func (j *Job) Stage(stageID string) *StageSpec {
	for i := range j.Stages {
		if j.Stages[i].ID == stageID {
			return &j.Stages[i]
		}
	}
	return nil
}

// Result is the outcome of one shard execution attempt. Failures are also
// persisted as the shard's fail reason; Err here is for the caller.
type Result struct {
	ShardID      string        `json:"shard_id"`
	OutputDigest string        `json:"output_digest,omitempty"`
	Attempt      int           `json:"attempt"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
}
