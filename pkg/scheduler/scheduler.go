// Package scheduler drives shards from pending to a terminal state: it picks
// eligible shards fairly across stages, claims them under a global ceiling,
// hands them to the executor pool, and reclaims claims that go stale.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/shardloom/pkg/checkpoint"
	"github.com/loomworks/shardloom/pkg/events"
	"github.com/loomworks/shardloom/pkg/executor"
	"github.com/loomworks/shardloom/pkg/shard"
)

const (
	// DefaultCeiling caps claimed shards across all jobs.
	DefaultCeiling = 16

	// DefaultTick is the scheduling loop interval.
	DefaultTick = 100 * time.Millisecond

	// DefaultMaxQueue is the executor queue depth above which the
	// scheduler stops claiming until the pool drains.
	DefaultMaxQueue = 64

	// DefaultClaimRate bounds claims per second.
	DefaultClaimRate rate.Limit = 500
)

// Config tunes the scheduling loop. Zero values take the defaults above.
type Config struct {
	Ceiling   int
	Tick      time.Duration
	MaxQueue  int64
	ClaimRate rate.Limit

	// Owner identifies this scheduler in claim records. Defaults to a
	// fresh uuid per scheduler.
	Owner string
}

type Scheduler struct {
	store   *checkpoint.Store
	pool    *executor.Pool
	bus     *events.Bus
	log     *zap.Logger
	owner   string
	ceiling int
	tick    time.Duration
	maxQ    int64
	limiter *rate.Limiter
}

func New(store *checkpoint.Store, pool *executor.Pool, bus *events.Bus, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if cfg.ClaimRate <= 0 {
		cfg.ClaimRate = DefaultClaimRate
	}
	if cfg.Owner == "" {
		cfg.Owner = "scheduler-" + uuid.NewString()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:   store,
		pool:    pool,
		bus:     bus,
		log:     log,
		owner:   cfg.Owner,
		ceiling: cfg.Ceiling,
		tick:    cfg.Tick,
		maxQ:    cfg.MaxQueue,
		limiter: rate.NewLimiter(cfg.ClaimRate, 1),
	}
}

// Owner returns the claim owner id this scheduler stamps on claims.
func (s *Scheduler) Owner() string { return s.owner }

// Eligible returns up to max pending shards of the job whose dependencies
// are all done, ordered by stage fairness: stages take turns in spec order,
// each yielding its oldest pending shard first.
func (s *Scheduler) Eligible(ctx context.Context, job *shard.Job, max int) ([]shard.Shard, error) {
	shards, err := s.store.ScanByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return pickFair(job, shards, max), nil
}

// pickFair interleaves eligible shards across stages round-robin, ordering
// each stage's queue by creation time with the shard id as tie-break.
func pickFair(job *shard.Job, shards []shard.Shard, max int) []shard.Shard {
	if max <= 0 {
		return nil
	}

	status := make(map[string]shard.Status, len(shards))
	for _, sh := range shards {
		status[sh.ID] = sh.Status
	}

	byStage := make(map[string][]shard.Shard)
	for _, sh := range shards {
		if sh.Status != shard.StatusPending {
			continue
		}
		if !depsDone(sh.Dependencies, status) {
			continue
		}
		byStage[sh.StageID] = append(byStage[sh.StageID], sh)
	}
	for stageID := range byStage {
		queue := byStage[stageID]
		sort.Slice(queue, func(i, j int) bool {
			if !queue[i].CreatedAt.Equal(queue[j].CreatedAt) {
				return queue[i].CreatedAt.Before(queue[j].CreatedAt)
			}
			return queue[i].ID < queue[j].ID
		})
	}

	// Stages take turns in spec order. Stages unknown to the job spec
	// (should not happen) go last in lexical order.
	var order []string
	for _, st := range job.Stages {
		if len(byStage[st.ID]) > 0 {
			order = append(order, st.ID)
		}
	}
	var extra []string
	for stageID := range byStage {
		if job.Stage(stageID) == nil {
			extra = append(extra, stageID)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	var picks []shard.Shard
	for len(picks) < max {
		advanced := false
		for _, stageID := range order {
			queue := byStage[stageID]
			if len(queue) == 0 {
				continue
			}
			picks = append(picks, queue[0])
			byStage[stageID] = queue[1:]
			advanced = true
			if len(picks) == max {
				break
			}
		}
		if !advanced {
			break
		}
	}
	return picks
}

func depsDone(deps []string, status map[string]shard.Status) bool {
	for _, dep := range deps {
		if status[dep] != shard.StatusDone {
			return false
		}
	}
	return true
}

// RunJob schedules the job's shards until every one is terminal or the
// context is canceled. It returns the final shard set.
func (s *Scheduler) RunJob(ctx context.Context, job *shard.Job) ([]shard.Shard, error) {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		shards, err := s.store.ScanByJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if allTerminal(shards) {
			return shards, nil
		}

		if err := s.reclaimStale(ctx, job, shards); err != nil {
			return nil, err
		}

		budget, err := s.claimBudget(ctx)
		if err != nil {
			return nil, err
		}
		if budget > 0 {
			picks := pickFair(job, shards, budget)
			for _, pick := range picks {
				if err := s.limiter.Wait(ctx); err != nil {
					return nil, err
				}
				s.claimAndRun(ctx, &wg, job, pick.ID)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// claimBudget is how many more shards may be claimed right now, honoring
// the global claimed ceiling and the executor queue backpressure.
func (s *Scheduler) claimBudget(ctx context.Context) (int, error) {
	if s.pool.QueueDepth() >= s.maxQ {
		return 0, nil
	}
	claimed, err := s.store.CountByStatus(ctx, shard.StatusClaimed)
	if err != nil {
		return 0, err
	}
	return s.ceiling - claimed, nil
}

// claimAndRun claims one shard and dispatches it to the pool. A claim lost
// to a concurrent scheduler is skipped silently.
func (s *Scheduler) claimAndRun(ctx context.Context, wg *sync.WaitGroup, job *shard.Job, shardID string) {
	claimed, err := s.store.Claim(ctx, shardID, s.owner)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrClaimConflict) {
			s.log.Warn("claim failed", zap.String("shard_id", shardID), zap.Error(err))
		}
		return
	}

	stageSpec := job.Stage(claimed.StageID)
	if stageSpec == nil {
		// Shard references a stage the job spec no longer carries.
		reason := fmt.Sprintf("unknown stage %s", claimed.StageID)
		if err := s.store.Put(ctx, claimed.ID, shard.StatusFailed, "", reason, claimed.Seq+1); err != nil {
			s.log.Warn("orphan shard failure write failed", zap.String("shard_id", claimed.ID), zap.Error(err))
		}
		return
	}
	stage := *stageSpec
	stage.ApplyDefaults()

	if s.bus != nil {
		s.bus.Publish(job.ID, events.TypeShardClaimed, events.ShardEvent{
			ShardID:    claimed.ID,
			StageID:    claimed.StageID,
			Executor:   claimed.Executor,
			Attempt:    claimed.Attempt,
			ClaimOwner: s.owner,
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pool.Execute(ctx, stage, claimed)
	}()
}

// reclaimStale returns timed-out claims to pending, or fails them when the
// attempt budget is exhausted or the stage cannot be safely re-invoked.
func (s *Scheduler) reclaimStale(ctx context.Context, job *shard.Job, shards []shard.Shard) error {
	now := time.Now()
	for i := range shards {
		sh := &shards[i]
		if sh.Status != shard.StatusClaimed || sh.ClaimedAt == nil {
			continue
		}
		stageSpec := job.Stage(sh.StageID)
		if stageSpec == nil {
			continue
		}
		stage := *stageSpec
		stage.ApplyDefaults()

		if now.Sub(*sh.ClaimedAt) < stage.ClaimTimeout {
			continue
		}

		if sh.Attempt >= stage.MaxAttempts || stage.AllowNonIdempotent {
			reason := fmt.Sprintf("claim timed out on attempt %d of %d", sh.Attempt, stage.MaxAttempts)
			s.log.Warn("failing stale claim",
				zap.String("shard_id", sh.ID),
				zap.String("claim_owner", sh.ClaimOwner),
				zap.String("reason", reason))
			err := s.store.Put(ctx, sh.ID, shard.StatusFailed, "", reason, sh.Seq+1)
			if err != nil && !errors.Is(err, checkpoint.ErrStaleWrite) {
				return err
			}
			if err == nil && s.bus != nil {
				s.bus.Publish(job.ID, events.TypeShardFailed, events.ShardEvent{
					ShardID:  sh.ID,
					StageID:  sh.StageID,
					Executor: sh.Executor,
					Attempt:  sh.Attempt,
					Reason:   reason,
				})
			}
			continue
		}

		s.log.Info("reclaiming stale claim",
			zap.String("shard_id", sh.ID),
			zap.String("claim_owner", sh.ClaimOwner),
			zap.Int("attempt", sh.Attempt))
		// The original claimant may still report through its own seq
		// window; a stale write here just means it beat us to it.
		if err := s.store.Release(ctx, sh.ID, sh.Seq+1); err != nil && !errors.Is(err, checkpoint.ErrStaleWrite) {
			return err
		}
	}
	return nil
}

func allTerminal(shards []shard.Shard) bool {
	for _, sh := range shards {
		if !sh.Status.Terminal() {
			return false
		}
	}
	return len(shards) > 0
}
