// Package orchestrator owns the job lifecycle: partitioning stages into
// shards, driving them through the scheduler, aggregating stage results into
// Merkle roots, and gating finalization on external certification.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/shardloom/pkg/certify"
	"github.com/loomworks/shardloom/pkg/checkpoint"
	"github.com/loomworks/shardloom/pkg/events"
	"github.com/loomworks/shardloom/pkg/merkle"
	"github.com/loomworks/shardloom/pkg/partition"
	"github.com/loomworks/shardloom/pkg/scheduler"
	"github.com/loomworks/shardloom/pkg/shard"
)

const (
	// DefaultReplayRounds bounds how many bisect-and-replay cycles a stage
	// gets before a failed certification becomes terminal.
	DefaultReplayRounds = 2
)

// Archiver persists the finalized job record to long-term storage.
type Archiver interface {
	ArchiveJob(ctx context.Context, job *shard.Job, certs map[string]*certify.Certificate) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store       *checkpoint.Store
	Scheduler   *scheduler.Scheduler
	Partitioner *partition.Partitioner
	Certifier   certify.Certifier
	Bus         *events.Bus
	Archiver    Archiver
	Log         *zap.Logger

	// Signals receives autotune records; when set, the orchestrator splits
	// flagged hotspot shards while a stage runs.
	Signals *events.ChanSink

	SampleSize   int
	SplitFactor  int
	ReplayRounds int
}

type Orchestrator struct {
	store        *checkpoint.Store
	sched        *scheduler.Scheduler
	part         *partition.Partitioner
	certifier    certify.Certifier
	bus          *events.Bus
	archiver     Archiver
	signals      *events.ChanSink
	log          *zap.Logger
	sampleSize   int
	splitFactor  int
	replayRounds int
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Scheduler == nil || cfg.Partitioner == nil {
		return nil, fmt.Errorf("orchestrator requires a store, scheduler, and partitioner")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = merkle.DefaultSampleSize
	}
	if cfg.SplitFactor <= 1 {
		cfg.SplitFactor = partition.DefaultSplitFactor
	}
	if cfg.ReplayRounds <= 0 {
		cfg.ReplayRounds = DefaultReplayRounds
	}
	return &Orchestrator{
		store:        cfg.Store,
		sched:        cfg.Scheduler,
		part:         cfg.Partitioner,
		certifier:    cfg.Certifier,
		bus:          cfg.Bus,
		archiver:     cfg.Archiver,
		signals:      cfg.Signals,
		log:          cfg.Log,
		sampleSize:   cfg.SampleSize,
		splitFactor:  cfg.SplitFactor,
		replayRounds: cfg.ReplayRounds,
	}, nil
}

// Submit registers a new job in the checkpoint store and returns it. The job
// is not started; call Run.
func (o *Orchestrator) Submit(ctx context.Context, name string, stages []shard.StageSpec, cons shard.Constraints) (*shard.Job, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("job %s has no stages", name)
	}
	for i := range stages {
		stages[i].ApplyDefaults()
	}
	job := &shard.Job{
		ID:          uuid.NewString(),
		Name:        name,
		Status:      shard.JobPending,
		Stages:      stages,
		Constraints: cons,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.PutJob(ctx, job); err != nil {
		return nil, err
	}
	o.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("name", name),
		zap.Int("stages", len(stages)))
	return job, nil
}

// Run drives the job to a terminal status. It is safe to call again after a
// crash: registered shards deduplicate, done shards are never re-run, and
// certified stages are skipped.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if job.Constraints.Timebox > 0 {
		deadline := job.CreatedAt.Add(job.Constraints.Timebox)
		if !time.Now().Before(deadline) {
			return o.abortTimeboxed(ctx, job)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if err := o.store.SetJobStatus(ctx, job.ID, shard.JobRunning, nil); err != nil {
		return err
	}
	job.Status = shard.JobRunning

	for i := range job.Stages {
		stage := job.Stages[i]
		done, err := o.runStage(ctx, job, stage)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && job.Constraints.Timebox > 0 {
				return o.abortTimeboxed(context.WithoutCancel(ctx), job)
			}
			return err
		}
		if !done {
			// Stage failed or the job was aborted underneath us; the
			// job status already reflects it.
			return nil
		}
	}

	return o.finalize(ctx, job)
}

// runStage takes one stage from partitioning to a certified aggregate.
// Returns false when the stage could not complete and the job is already in
// its terminal status.
func (o *Orchestrator) runStage(ctx context.Context, job *shard.Job, stage shard.StageSpec) (bool, error) {
	log := o.log.With(zap.String("job_id", job.ID), zap.String("stage_id", stage.ID))

	if cert, err := o.store.GetCertificate(ctx, job.ID, stage.ID); err == nil && cert.Certified {
		log.Info("stage already certified, skipping")
		return true, nil
	} else if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return false, err
	}

	if err := o.registerStage(ctx, job, stage); err != nil {
		var perr *partition.Error
		if errors.As(err, &perr) {
			log.Error("stage partitioning failed", zap.String("reason", perr.Reason))
			o.publishStageFailed(job.ID, stage.ID, nil, perr.Reason)
			return false, o.failJob(ctx, job, nil)
		}
		return false, err
	}

	for round := 0; ; round++ {
		stopSplits := o.watchSignals(ctx, job)
		final, err := o.sched.RunJob(ctx, job)
		stopSplits()
		if err != nil {
			return false, err
		}

		// Abort may have raced the scheduling loop.
		current, err := o.store.GetJob(ctx, job.ID)
		if err != nil {
			return false, err
		}
		if current.Status == shard.JobAborted {
			log.Info("job aborted during stage run")
			return false, nil
		}

		var failed []string
		var leaves []merkle.Leaf
		for _, sh := range final {
			if sh.StageID != stage.ID {
				continue
			}
			switch sh.Status {
			case shard.StatusFailed:
				failed = append(failed, sh.ID)
			case shard.StatusDone:
				leaf, err := toLeaf(sh)
				if err != nil {
					return false, err
				}
				leaves = append(leaves, leaf)
			}
		}
		if len(failed) > 0 {
			log.Warn("stage has terminally failed shards", zap.Int("failed", len(failed)))
			o.publishStageFailed(job.ID, stage.ID, failed, "shards exhausted their attempts")
			return false, o.failJob(ctx, job, failed)
		}

		tree := merkle.Build(leaves)
		if o.bus != nil {
			o.bus.Publish(job.ID, events.TypeStageReady, events.StageEvent{
				StageID:    stage.ID,
				MerkleRoot: tree.Root(),
				ShardCount: tree.Len(),
			})
		}
		log.Info("stage aggregate ready",
			zap.String("merkle_root", tree.Root()),
			zap.Int("shards", tree.Len()))

		if o.certifier == nil {
			// No certifier configured: the aggregate stands on its own.
			return true, o.store.PutCertificate(ctx, job.ID, stage.ID, &certify.Certificate{
				SubjectID:  subjectID(job.ID, stage.ID),
				MerkleRoot: tree.Root(),
				Certified:  true,
				Reason:     "certification disabled",
			})
		}

		cert, retry, err := o.certifyStage(ctx, job, stage, tree, round, log)
		if err != nil {
			return false, err
		}
		if cert != nil {
			return true, nil
		}
		if !retry {
			return false, nil
		}
	}
}

// certifyStage requests certification and, on a negative verdict, bisects to
// the failing shards and resets them for replay. Returns (cert, false, nil)
// on success, (nil, true, nil) when a replay round was prepared, and
// (nil, false, nil) when the stage is terminally failed.
func (o *Orchestrator) certifyStage(ctx context.Context, job *shard.Job, stage shard.StageSpec, tree *merkle.Tree, round int, log *zap.Logger) (*certify.Certificate, bool, error) {
	subject := subjectID(job.ID, stage.ID)
	req, err := tree.Request(subject, o.sampleSize)
	if err != nil {
		return nil, false, err
	}
	cert, err := o.certifier.Certify(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("certify stage %s: %w", stage.ID, err)
	}

	if cert.Certified {
		if err := o.store.PutCertificate(ctx, job.ID, stage.ID, cert); err != nil {
			return nil, false, err
		}
		if o.bus != nil {
			o.bus.Publish(job.ID, events.TypeStageCertified, events.StageEvent{
				StageID:       stage.ID,
				MerkleRoot:    cert.MerkleRoot,
				CertificateID: cert.CertificateID,
				ShardCount:    tree.Len(),
			})
		}
		log.Info("stage certified", zap.String("certificate_id", cert.CertificateID))
		return cert, false, nil
	}

	log.Warn("certification rejected",
		zap.String("reason", cert.Reason),
		zap.Int("round", round))

	// Localize the culprits even when no replay round is left: a failed job
	// must name the shard ids it failed on. Bisection only re-certifies, it
	// never re-executes, so this is safe for non-idempotent stages too.
	bisector := merkle.NewBisector(o.certifier, o.sampleSize, o.log)
	failing, rounds, err := bisector.Localize(ctx, subject, tree.Leaves())
	if err != nil {
		return nil, false, fmt.Errorf("bisect stage %s: %w", stage.ID, err)
	}
	log.Info("bisection localized failing shards",
		zap.Int("failing", len(failing)),
		zap.Int("rounds", rounds))

	if round >= o.replayRounds {
		o.publishStageFailed(job.ID, stage.ID, failing, "certification rejected after replay rounds")
		return nil, false, o.failJob(ctx, job, failing)
	}
	if stage.AllowNonIdempotent {
		o.publishStageFailed(job.ID, stage.ID, failing, "certification rejected and stage is not replayable")
		return nil, false, o.failJob(ctx, job, failing)
	}

	for _, shardID := range failing {
		if err := o.store.ResetForReplay(ctx, shardID); err != nil {
			return nil, false, err
		}
	}
	return nil, true, nil
}

// registerStage partitions the stage and registers its shards, enforcing the
// job-wide shard cap. Registration deduplicates, so re-running after a crash
// leaves completed shards untouched.
func (o *Orchestrator) registerStage(ctx context.Context, job *shard.Job, stage shard.StageSpec) error {
	specs, err := o.part.Partition(job.ID, stage)
	if err != nil {
		return err
	}

	if max := job.Constraints.MaxShards; max > 0 {
		existing, err := o.store.ScanByJob(ctx, job.ID)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(existing))
		for _, sh := range existing {
			known[sh.ID] = true
		}
		total := len(existing)
		for _, spec := range specs {
			if !known[spec.ID] {
				total++
			}
		}
		if total > max {
			return &partition.Error{StageID: stage.ID, Reason: fmt.Sprintf("job would have %d shards, cap is %d", total, max)}
		}
	}

	for _, spec := range specs {
		created, err := o.store.RegisterShard(ctx, spec)
		if err != nil {
			return err
		}
		if created {
			if o.bus != nil {
				o.bus.Publish(job.ID, events.TypeShardCreated, events.ShardEvent{
					ShardID:  spec.ID,
					StageID:  spec.StageID,
					Executor: spec.Executor,
				})
			}
			continue
		}

		// Dedup hit: the shard already exists, possibly from another job.
		// A done shard is reused as is. A shard that failed or was aborted
		// under a different job gets a fresh attempt budget here; within
		// the same job the earlier outcome stands.
		existing, err := o.store.GetShard(ctx, spec.ID)
		if err != nil {
			return err
		}
		if existing.JobID != job.ID &&
			(existing.Status == shard.StatusFailed || existing.Status == shard.StatusAborted) {
			if err := o.store.ResetForReplay(ctx, spec.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// watchSignals consumes autotune records while a stage runs and splits
// flagged hotspot shards. Returns a stop function.
func (o *Orchestrator) watchSignals(ctx context.Context, job *shard.Job) func() {
	if o.signals == nil {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case rec := <-o.signals.C:
				o.handleSignal(ctx, job, rec)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (o *Orchestrator) handleSignal(ctx context.Context, job *shard.Job, rec events.Record) {
	if rec.Type != events.TypeAutotuneSignal || rec.JobID != job.ID {
		return
	}
	var sig events.AutotuneEvent
	if err := unmarshalData(rec, &sig); err != nil || sig.SuggestedAction != "split" || sig.ShardID == "" {
		return
	}
	if err := o.SplitShard(ctx, sig.ShardID, sig.SplitFactor); err != nil {
		o.log.Debug("hotspot split skipped",
			zap.String("shard_id", sig.ShardID),
			zap.Error(err))
	}
}

// SplitShard replaces a shard with finer-grained children: the children are
// registered first, then the parent is superseded, which also invalidates
// any in-flight execution's pending report. Splitting an already-superseded
// or otherwise terminal shard is a no-op.
func (o *Orchestrator) SplitShard(ctx context.Context, shardID string, factor int) error {
	parent, err := o.store.GetShard(ctx, shardID)
	if err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}
	if factor <= 1 {
		factor = o.splitFactor
	}

	children, err := o.part.Split(parent, factor)
	if err != nil {
		return err
	}
	for _, spec := range children {
		created, err := o.store.RegisterShard(ctx, spec)
		if err != nil {
			return err
		}
		if created && o.bus != nil {
			o.bus.Publish(parent.JobID, events.TypeShardCreated, events.ShardEvent{
				ShardID:  spec.ID,
				StageID:  spec.StageID,
				Executor: spec.Executor,
			})
		}
	}
	if err := o.store.Supersede(ctx, parent.ID); err != nil {
		return err
	}
	o.log.Info("shard split",
		zap.String("shard_id", parent.ID),
		zap.Int("children", len(children)))
	return nil
}

// Abort stops a job: every pending or claimed shard becomes aborted and the
// job status follows. In-flight execution reports go stale and are dropped.
func (o *Orchestrator) Abort(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}
	n, err := o.store.AbortJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := o.store.SetJobStatus(ctx, jobID, shard.JobAborted, nil); err != nil {
		return err
	}
	o.log.Info("job aborted", zap.String("job_id", jobID), zap.Int64("shards_aborted", n))
	return nil
}

// Replay returns a failed job's failed shards to pending so Run can retry
// them. Stages marked non-idempotent are excluded. Returns the number of
// shards reset.
func (o *Orchestrator) Replay(ctx context.Context, jobID string) (int, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != shard.JobFailed {
		return 0, fmt.Errorf("job %s is %s, only failed jobs can be replayed", jobID, job.Status)
	}

	shards, err := o.store.ScanByJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, sh := range shards {
		if sh.Status != shard.StatusFailed {
			continue
		}
		stage := job.Stage(sh.StageID)
		if stage == nil || stage.AllowNonIdempotent {
			continue
		}
		if err := o.store.ResetForReplay(ctx, sh.ID); err != nil {
			return reset, err
		}
		reset++
	}
	if reset == 0 {
		return 0, fmt.Errorf("job %s has no replayable failed shards", jobID)
	}
	if err := o.store.SetJobStatus(ctx, jobID, shard.JobPending, nil); err != nil {
		return reset, err
	}
	o.log.Info("job prepared for replay", zap.String("job_id", jobID), zap.Int("shards_reset", reset))
	return reset, nil
}

// ResumeIncomplete rehydrates after a restart: claims held by dead workers
// are released and every non-terminal job is returned for re-running.
func (o *Orchestrator) ResumeIncomplete(ctx context.Context) ([]shard.Job, error) {
	jobs, err := o.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	var incomplete []shard.Job
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		shards, err := o.store.ScanByJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		released := 0
		for _, sh := range shards {
			if sh.Status != shard.StatusClaimed {
				continue
			}
			if err := o.store.Release(ctx, sh.ID, sh.Seq+1); err != nil && !errors.Is(err, checkpoint.ErrStaleWrite) {
				return nil, err
			}
			released++
		}
		o.log.Info("resuming incomplete job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("claims_released", released))
		incomplete = append(incomplete, job)
	}
	return incomplete, nil
}

// finalize archives the job record and marks it finalized.
func (o *Orchestrator) finalize(ctx context.Context, job *shard.Job) error {
	if err := o.store.SetJobStatus(ctx, job.ID, shard.JobFinalizing, nil); err != nil {
		return err
	}

	if o.archiver != nil {
		certs := make(map[string]*certify.Certificate, len(job.Stages))
		for _, stage := range job.Stages {
			cert, err := o.store.GetCertificate(ctx, job.ID, stage.ID)
			if err != nil {
				return fmt.Errorf("load certificate for stage %s: %w", stage.ID, err)
			}
			certs[stage.ID] = cert
		}
		if err := o.archiver.ArchiveJob(ctx, job, certs); err != nil {
			return fmt.Errorf("archive job %s: %w", job.ID, err)
		}
	}

	if err := o.store.SetJobStatus(ctx, job.ID, shard.JobFinalized, nil); err != nil {
		return err
	}
	o.log.Info("job finalized", zap.String("job_id", job.ID))
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, job *shard.Job, failedShards []string) error {
	return o.store.SetJobStatus(ctx, job.ID, shard.JobFailed, failedShards)
}

func (o *Orchestrator) abortTimeboxed(ctx context.Context, job *shard.Job) error {
	o.log.Warn("job exceeded its timebox",
		zap.String("job_id", job.ID),
		zap.Duration("timebox", job.Constraints.Timebox))
	if _, err := o.store.AbortJob(ctx, job.ID); err != nil {
		return err
	}
	return o.store.SetJobStatus(ctx, job.ID, shard.JobAborted, nil)
}

func (o *Orchestrator) publishStageFailed(jobID, stageID string, failed []string, reason string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(jobID, events.TypeStageFailed, events.StageEvent{
		StageID:      stageID,
		FailedShards: failed,
		Reason:       reason,
	})
}

func subjectID(jobID, stageID string) string {
	return jobID + "/" + stageID
}

func toLeaf(sh shard.Shard) (merkle.Leaf, error) {
	inputHash, err := shard.InputHash(sh.Inputs)
	if err != nil {
		return merkle.Leaf{}, fmt.Errorf("hash inputs of shard %s: %w", sh.ID, err)
	}
	return merkle.Leaf{
		ShardID:      sh.ID,
		Executor:     sh.Executor,
		InputHash:    inputHash,
		OutputDigest: sh.OutputDigest,
		Attempt:      sh.Attempt,
	}, nil
}

func unmarshalData(rec events.Record, v any) error {
	if len(rec.Data) == 0 {
		return fmt.Errorf("record has no payload")
	}
	return json.Unmarshal(rec.Data, v)
}
