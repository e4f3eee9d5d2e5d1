package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/shardloom/pkg/executor"
	"github.com/loomworks/shardloom/pkg/shard"
)

// registerBuiltins installs the executors every shardloom binary ships with.
// Real deployments register their own kinds through the library API; these
// cover smoke tests and latency probes.
func registerBuiltins(reg *executor.Registry) error {
	builtins := map[string]executor.Func{
		"noop":     noopExecutor,
		"sleep":    sleepExecutor,
		"checksum": checksumExecutor,
	}
	for kind, fn := range builtins {
		if err := reg.Register(kind, fn); err != nil {
			return err
		}
	}
	return nil
}

// noopExecutor completes immediately with the shard id as output.
func noopExecutor(ctx context.Context, inv executor.Invocation) ([]byte, error) {
	return []byte(inv.ShardID), nil
}

// sleepExecutor sleeps for the duration named in the inputs, defaulting to
// 10ms. Useful for exercising hotspot detection and reclaim paths.
func sleepExecutor(ctx context.Context, inv executor.Invocation) ([]byte, error) {
	d := 10 * time.Millisecond
	if raw, ok := inv.Inputs["duration"].(string); ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("sleep executor: %w", err)
		}
		d = parsed
	}
	select {
	case <-time.After(d):
		return []byte(d.String()), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// checksumExecutor hashes the shard's inputs, making outputs deterministic
// per shard and replay-stable.
func checksumExecutor(ctx context.Context, inv executor.Invocation) ([]byte, error) {
	sum, err := shard.InputHash(inv.Inputs)
	if err != nil {
		return nil, fmt.Errorf("checksum executor: %w", err)
	}
	return []byte(sum), nil
}
