package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// IDLength is the hex length of a shard id (64 bits of the content hash).
const IDLength = 16

// ID computes the deterministic content address for a shard.
//
// The address is the truncated SHA-256 of a canonical JSON serialization of
// (stage id, executor kind, inputs, sorted dependency ids). encoding/json
// emits map keys in sorted order at every nesting level, so two semantically
// identical input maps serialize to byte-identical output regardless of
// insertion order. The dependency list is sorted here; element order in input
// arrays is semantic and preserved.
//
// Two calls with equal arguments return the same id across processes and
// restarts. No side effects.
func ID(stageID, executor string, inputs map[string]any, deps []string) (string, error) {
	if stageID == "" {
		return "", fmt.Errorf("shard address requires a stage id")
	}
	if executor == "" {
		return "", fmt.Errorf("shard address requires an executor kind")
	}

	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	if sorted == nil {
		sorted = []string{}
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	payload := struct {
		Dependencies []string       `json:"dependencies"`
		Executor     string         `json:"executor"`
		Inputs       map[string]any `json:"inputs"`
		StageID      string         `json:"stage_id"`
	}{sorted, executor, inputs, stageID}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("serialize shard address payload: %w", err)
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:IDLength], nil
}

// InputHash returns the full content hash of a shard's inputs. Used as the
// input component of Merkle leaf hashes, where truncation would weaken proofs.
func InputHash(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	b, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("serialize shard inputs: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Digest returns the hex SHA-256 of raw executor output. Executors that
// produce structured output should serialize deterministically before
// digesting.
func Digest(output []byte) string {
	sum := sha256.Sum256(output)
	return hex.EncodeToString(sum[:])
}

// NewSpec builds a Spec with its content address filled in.
func NewSpec(jobID, stageID, executor string, inputs map[string]any, deps []string) (Spec, error) {
	id, err := ID(stageID, executor, inputs, deps)
	if err != nil {
		return Spec{}, err
	}
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	return Spec{
		ID:           id,
		JobID:        jobID,
		StageID:      stageID,
		Executor:     executor,
		Inputs:       inputs,
		Dependencies: sorted,
	}, nil
}
