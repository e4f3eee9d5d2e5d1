// Package jobspec loads and validates YAML job specifications.
package jobspec

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/shardloom/pkg/partition"
	"github.com/loomworks/shardloom/pkg/shard"
)

// Spec is the operator-facing job description. Durations are given as Go
// duration strings ("45s", "5m").
type Spec struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`

	MaxShards int    `yaml:"max_shards,omitempty"`
	Timebox   string `yaml:"timebox,omitempty"`
}

type Stage struct {
	ID       string `yaml:"id"`
	Executor string `yaml:"executor"`
	Strategy string `yaml:"strategy"`

	SLO          string `yaml:"slo,omitempty"`
	ClaimTimeout string `yaml:"claim_timeout,omitempty"`
	ExecTimeout  string `yaml:"exec_timeout,omitempty"`
	HotspotP95   string `yaml:"hotspot_p95,omitempty"`

	MaxAttempts        int  `yaml:"max_attempts,omitempty"`
	AllowNonIdempotent bool `yaml:"allow_non_idempotent,omitempty"`

	Inputs map[string]any `yaml:"inputs,omitempty"`
}

// Parse decodes and validates a YAML job spec.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse job spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Load reads and parses a job spec file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job spec: %w", err)
	}
	return Parse(data)
}

func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("job spec needs a name")
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("job spec needs at least one stage")
	}
	if _, err := parseDuration(s.Timebox); err != nil {
		return fmt.Errorf("timebox: %w", err)
	}
	if s.MaxShards < 0 {
		return fmt.Errorf("max_shards must not be negative")
	}

	seen := make(map[string]bool, len(s.Stages))
	for i, st := range s.Stages {
		if st.ID == "" {
			return fmt.Errorf("stage %d needs an id", i)
		}
		if seen[st.ID] {
			return fmt.Errorf("duplicate stage id %s", st.ID)
		}
		seen[st.ID] = true
		if st.Executor == "" {
			return fmt.Errorf("stage %s needs an executor", st.ID)
		}
		switch st.Strategy {
		case partition.StrategyBySize, partition.StrategyByCount, partition.StrategyByDepth:
		default:
			return fmt.Errorf("stage %s: unknown strategy %q", st.ID, st.Strategy)
		}
		for name, raw := range map[string]string{
			"slo":           st.SLO,
			"claim_timeout": st.ClaimTimeout,
			"exec_timeout":  st.ExecTimeout,
			"hotspot_p95":   st.HotspotP95,
		} {
			if _, err := parseDuration(raw); err != nil {
				return fmt.Errorf("stage %s: %s: %w", st.ID, name, err)
			}
		}
		if st.MaxAttempts < 0 {
			return fmt.Errorf("stage %s: max_attempts must not be negative", st.ID)
		}
	}
	return nil
}

// StageSpecs converts the parsed stages to runtime stage specs with defaults
// applied. Validate must have passed.
func (s *Spec) StageSpecs() []shard.StageSpec {
	out := make([]shard.StageSpec, 0, len(s.Stages))
	for _, st := range s.Stages {
		spec := shard.StageSpec{
			ID:                 st.ID,
			Executor:           st.Executor,
			Strategy:           st.Strategy,
			SLO:                mustDuration(st.SLO),
			ClaimTimeout:       mustDuration(st.ClaimTimeout),
			ExecTimeout:        mustDuration(st.ExecTimeout),
			HotspotP95:         mustDuration(st.HotspotP95),
			MaxAttempts:        st.MaxAttempts,
			AllowNonIdempotent: st.AllowNonIdempotent,
			Inputs:             st.Inputs,
		}
		spec.ApplyDefaults()
		out = append(out, spec)
	}
	return out
}

// Constraints converts the job-wide caps. Validate must have passed.
func (s *Spec) Constraints() shard.Constraints {
	return shard.Constraints{
		MaxShards: s.MaxShards,
		Timebox:   mustDuration(s.Timebox),
	}
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s must not be negative", raw)
	}
	return d, nil
}

func mustDuration(raw string) time.Duration {
	d, _ := parseDuration(raw)
	return d
}
