// Package events provides structured orchestrator event notifications.
//
// Events are typed record envelopes emitted at every shard and stage
// transition. Emission is fire-and-forget: the bus never blocks shard
// execution on a slow or failing subscriber.
package events

import (
	"encoding/json"
	"time"
)

// Record type constants define the envelope types for emitted events.
// These follow the pattern: shardloom.<type>.v<version>
const (
	TypeShardCreated   = "shardloom.shard.created.v1"
	TypeShardClaimed   = "shardloom.shard.claimed.v1"
	TypeShardDone      = "shardloom.shard.done.v1"
	TypeShardFailed    = "shardloom.shard.failed.v1"
	TypeStageReady     = "shardloom.stage.aggregate.ready.v1"
	TypeStageCertified = "shardloom.stage.aggregate.certified.v1"
	TypeStageFailed    = "shardloom.stage.aggregate.failed.v1"
	TypeAutotuneSignal = "shardloom.autotune.signal.v1"
)

// Record is the envelope for all emitted events.
//
// The type field determines how to interpret the Data payload. Each record is
// self-contained and can be serialized independently as a JSONL line.
type Record struct {
	// Type identifies the record type (e.g., "shardloom.shard.done.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created.
	TS time.Time `json:"ts"`

	// JobID is the correlation id for the owning job.
	JobID string `json:"job_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ShardEvent is the payload for shard transition records.
type ShardEvent struct {
	ShardID      string `json:"shard_id"`
	StageID      string `json:"stage_id"`
	Executor     string `json:"executor,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	OutputDigest string `json:"output_digest,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ClaimOwner   string `json:"claim_owner,omitempty"`
}

// StageEvent is the payload for stage aggregate records.
type StageEvent struct {
	StageID       string   `json:"stage_id"`
	MerkleRoot    string   `json:"merkle_root,omitempty"`
	CertificateID string   `json:"certificate_id,omitempty"`
	ShardCount    int      `json:"shard_count,omitempty"`
	FailedShards  []string `json:"failed_shards,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// AutotuneEvent is the payload for autotune signal records. It is an
// observation, never a command: acting on it is an external decision.
type AutotuneEvent struct {
	StageID         string  `json:"stage_id"`
	SignalType      string  `json:"signal_type"`
	MetricValue     float64 `json:"metric_value"`
	SuggestedAction string  `json:"suggested_action,omitempty"`
	ShardID         string  `json:"shard_id,omitempty"`
	SplitFactor     int     `json:"split_factor,omitempty"`
}
