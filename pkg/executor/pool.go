package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/loomworks/shardloom/pkg/autotune"
	"github.com/loomworks/shardloom/pkg/checkpoint"
	"github.com/loomworks/shardloom/pkg/events"
	"github.com/loomworks/shardloom/pkg/shard"
)

// DefaultConcurrency bounds simultaneous shard executions when no explicit
// limit is configured.
const DefaultConcurrency = 8

// Pool executes claimed shards with bounded concurrency. It owns the outcome
// write: done and failed transitions flow through the pool so every outcome
// carries the claim's sequence guard.
type Pool struct {
	registry *Registry
	store    *checkpoint.Store
	bus      *events.Bus
	monitor  *autotune.Monitor
	log      *zap.Logger

	sem      *semaphore.Weighted
	queued   atomic.Int64
	inflight atomic.Int64
}

func NewPool(registry *Registry, store *checkpoint.Store, bus *events.Bus, monitor *autotune.Monitor, concurrency int, log *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		registry: registry,
		store:    store,
		bus:      bus,
		monitor:  monitor,
		log:      log,
		sem:      semaphore.NewWeighted(int64(concurrency)),
	}
}

// QueueDepth reports shards waiting for an execution slot. The scheduler
// throttles claims when this grows.
func (p *Pool) QueueDepth() int64 { return p.queued.Load() }

// InFlight reports shards currently executing.
func (p *Pool) InFlight() int64 { return p.inflight.Load() }

// Execute runs one claimed shard to an outcome and records it. The returned
// result reflects what was persisted; a non-nil Err with a done status never
// happens.
func (p *Pool) Execute(ctx context.Context, stage shard.StageSpec, sh *shard.Shard) shard.Result {
	res := shard.Result{ShardID: sh.ID, Attempt: sh.Attempt}

	fn, err := p.registry.Get(sh.Executor)
	if err != nil {
		res.Err = err
		p.recordFailure(ctx, stage, sh, err.Error(), false)
		return res
	}

	deps, err := p.resolveDeps(ctx, sh)
	if err != nil {
		// A claimed shard with unfinished dependencies means the claim
		// raced a replay reset; put it back rather than burn an attempt.
		res.Err = err
		if relErr := p.store.Release(ctx, sh.ID, sh.Seq+1); relErr != nil {
			p.log.Warn("release after dependency miss failed",
				zap.String("shard_id", sh.ID), zap.Error(relErr))
		}
		return res
	}

	p.queued.Add(1)
	err = p.sem.Acquire(ctx, 1)
	p.queued.Add(-1)
	if err != nil {
		res.Err = err
		return res
	}
	defer p.sem.Release(1)

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	inv := Invocation{
		ShardID:    sh.ID,
		JobID:      sh.JobID,
		StageID:    sh.StageID,
		Attempt:    sh.Attempt,
		Inputs:     sh.Inputs,
		DepOutputs: deps,
	}

	start := time.Now()
	output, execErr := p.invoke(ctx, fn, inv, stage.ExecTimeout)
	res.Duration = time.Since(start)

	if p.monitor != nil {
		p.monitor.Record(sh.JobID, stage, sh.ID, res.Duration)
	}

	if execErr != nil {
		res.Err = execErr
		retryable := sh.Attempt < stage.MaxAttempts && !stage.AllowNonIdempotent
		p.recordFailure(ctx, stage, sh, execErr.Error(), retryable)
		return res
	}

	digest := shard.Digest(output)
	if err := p.store.Put(ctx, sh.ID, shard.StatusDone, digest, "", sh.Seq+1); err != nil {
		// A stale write means the claim was lost while executing. The
		// output is discarded; whoever holds the shard now owns the
		// outcome.
		if errors.Is(err, checkpoint.ErrStaleWrite) {
			p.log.Info("discarding output of lost claim",
				zap.String("shard_id", sh.ID),
				zap.Int("attempt", sh.Attempt))
		}
		res.Err = err
		return res
	}
	res.OutputDigest = digest

	p.log.Debug("shard done",
		zap.String("shard_id", sh.ID),
		zap.String("stage_id", sh.StageID),
		zap.Int("attempt", sh.Attempt),
		zap.Duration("duration", res.Duration))
	if p.bus != nil {
		p.bus.Publish(sh.JobID, events.TypeShardDone, events.ShardEvent{
			ShardID:      sh.ID,
			StageID:      sh.StageID,
			Executor:     sh.Executor,
			Attempt:      sh.Attempt,
			OutputDigest: digest,
		})
	}
	return res
}

// invoke runs fn under the stage's execution timeout. The deadline is
// enforced even when fn ignores its context; an abandoned invocation's
// result is discarded when it eventually returns.
func (p *Pool) invoke(ctx context.Context, fn Func, inv Invocation, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		output []byte
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		output, err := fn(ctx, inv)
		ch <- outcome{output: output, err: err}
	}()

	select {
	case out := <-ch:
		return out.output, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("execution timed out after %s", timeout)
		}
		return nil, ctx.Err()
	}
}

// resolveDeps loads dependency output digests; every dependency must be done.
func (p *Pool) resolveDeps(ctx context.Context, sh *shard.Shard) (map[string]string, error) {
	if len(sh.Dependencies) == 0 {
		return nil, nil
	}
	deps := make(map[string]string, len(sh.Dependencies))
	for _, depID := range sh.Dependencies {
		dep, err := p.store.GetShard(ctx, depID)
		if err != nil {
			return nil, fmt.Errorf("resolve dependency %s: %w", depID, err)
		}
		if dep.Status != shard.StatusDone {
			return nil, fmt.Errorf("dependency %s is %s, not done", depID, dep.Status)
		}
		deps[depID] = dep.OutputDigest
	}
	return deps, nil
}

// recordFailure persists either a retry release or a terminal failure.
// Non-idempotent stages never retry: a partial execution may have leaked
// side effects, so a second invocation is unsafe.
func (p *Pool) recordFailure(ctx context.Context, stage shard.StageSpec, sh *shard.Shard, reason string, retryable bool) {
	if retryable {
		p.log.Debug("shard failed, releasing for retry",
			zap.String("shard_id", sh.ID),
			zap.Int("attempt", sh.Attempt),
			zap.Int("max_attempts", stage.MaxAttempts),
			zap.String("reason", reason))
		if err := p.store.Release(ctx, sh.ID, sh.Seq+1); err != nil && !errors.Is(err, checkpoint.ErrStaleWrite) {
			p.log.Warn("release for retry failed", zap.String("shard_id", sh.ID), zap.Error(err))
		}
		return
	}

	p.log.Warn("shard failed terminally",
		zap.String("shard_id", sh.ID),
		zap.String("stage_id", sh.StageID),
		zap.Int("attempt", sh.Attempt),
		zap.String("reason", reason))
	if err := p.store.Put(ctx, sh.ID, shard.StatusFailed, "", reason, sh.Seq+1); err != nil && !errors.Is(err, checkpoint.ErrStaleWrite) {
		p.log.Warn("failure write failed", zap.String("shard_id", sh.ID), zap.Error(err))
	}
	if p.bus != nil {
		p.bus.Publish(sh.JobID, events.TypeShardFailed, events.ShardEvent{
			ShardID:  sh.ID,
			StageID:  sh.StageID,
			Executor: sh.Executor,
			Attempt:  sh.Attempt,
			Reason:   reason,
		})
	}
}
