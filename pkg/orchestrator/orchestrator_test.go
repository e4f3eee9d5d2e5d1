package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/loomworks/shardloom/pkg/certify"
	"github.com/loomworks/shardloom/pkg/checkpoint"
	"github.com/loomworks/shardloom/pkg/events"
	"github.com/loomworks/shardloom/pkg/executor"
	"github.com/loomworks/shardloom/pkg/partition"
	"github.com/loomworks/shardloom/pkg/scheduler"
	"github.com/loomworks/shardloom/pkg/shard"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func alwaysCertify(ctx context.Context, req certify.Request) (*certify.Certificate, error) {
	return &certify.Certificate{
		SubjectID:     req.SubjectID,
		MerkleRoot:    req.MerkleRoot,
		Certified:     true,
		CertificateID: "cert-" + req.MerkleRoot[:8],
	}, nil
}

type env struct {
	store *checkpoint.Store
	reg   *executor.Registry
	bus   *events.Bus
	sink  *events.ChanSink
	orch  *Orchestrator
}

// newEnv assembles a full pipeline on the given checkpoint path. The sink
// receives every published record.
func newEnv(t *testing.T, path string, certifier certify.Certifier) *env {
	t.Helper()
	ctx := context.Background()

	store, err := checkpoint.Open(ctx, checkpoint.Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sink := events.NewChanSink(4096)
	bus := events.NewBus(4096, nil, sink)
	t.Cleanup(func() { _ = bus.Close() })

	reg := executor.NewRegistry()
	pool := executor.NewPool(reg, store, bus, nil, 8, nil)
	sched := scheduler.New(store, pool, bus, scheduler.Config{
		Ceiling:   16,
		Tick:      2 * time.Millisecond,
		ClaimRate: rate.Inf,
	}, nil)

	orch, err := New(Config{
		Store:       store,
		Scheduler:   sched,
		Partitioner: partition.New(nil),
		Certifier:   certifier,
		Bus:         bus,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return &env{store: store, reg: reg, bus: bus, sink: sink, orch: orch}
}

// stageRoots drains the sink and returns the aggregate-ready root per stage.
func (e *env) stageRoots() map[string]string {
	_ = e.bus.Close()
	roots := make(map[string]string)
	for {
		select {
		case rec := <-e.sink.C:
			if rec.Type != events.TypeStageReady {
				continue
			}
			var ev events.StageEvent
			if json.Unmarshal(rec.Data, &ev) == nil {
				roots[ev.StageID] = ev.MerkleRoot
			}
		default:
			return roots
		}
	}
}

func countStage(stages ...shard.StageSpec) []shard.StageSpec { return stages }

func itemsStage(id, exec string, n int) shard.StageSpec {
	items := make([]any, n)
	for i := range items {
		items[i] = fmt.Sprintf("item-%03d", i)
	}
	return shard.StageSpec{
		ID:       id,
		Executor: exec,
		Strategy: partition.StrategyByCount,
		Inputs:   map[string]any{"groups": n, "items": items},
	}
}

func TestRunJobHappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	var packs, indexes atomic.Int64
	_ = e.reg.Register("pack", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
		packs.Add(1)
		return []byte(fmt.Sprintf("packed:%v", inv.Inputs["items"])), nil
	})
	_ = e.reg.Register("index", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
		indexes.Add(1)
		return []byte("indexed"), nil
	})

	job, err := e.orch.Submit(ctx, "nightly", countStage(
		itemsStage("pack", "pack", 4),
		itemsStage("index", "index", 2),
	), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	final, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if final.Status != shard.JobFinalized {
		t.Fatalf("status = %s, want finalized", final.Status)
	}
	if packs.Load() != 4 || indexes.Load() != 2 {
		t.Fatalf("executions = %d/%d, want 4/2", packs.Load(), indexes.Load())
	}

	for _, stageID := range []string{"pack", "index"} {
		cert, err := e.store.GetCertificate(ctx, job.ID, stageID)
		if err != nil {
			t.Fatalf("GetCertificate(%s) error: %v", stageID, err)
		}
		if !cert.Certified {
			t.Fatalf("stage %s certificate not certified", stageID)
		}
	}

	roots := e.stageRoots()
	if len(roots) != 2 {
		t.Fatalf("aggregate-ready roots = %v", roots)
	}
}

func TestRunResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cp.db")

	executions := func(reg *executor.Registry, counter *atomic.Int64) {
		_ = reg.Register("pack", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
			counter.Add(1)
			return []byte(fmt.Sprintf("out:%v", inv.Inputs["items"])), nil
		})
	}

	// First run: every shard completes, then certification crashes.
	crash := certify.Func(func(ctx context.Context, req certify.Request) (*certify.Certificate, error) {
		return nil, errors.New("certifier unreachable")
	})
	e1 := newEnv(t, path, crash)
	var firstRuns atomic.Int64
	executions(e1.reg, &firstRuns)

	job, err := e1.orch.Submit(ctx, "resumable", countStage(itemsStage("pack", "pack", 6)), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e1.orch.Run(ctx, job.ID); err == nil {
		t.Fatal("expected the first run to fail at certification")
	}
	if firstRuns.Load() != 6 {
		t.Fatalf("first run executed %d shards, want 6", firstRuns.Load())
	}
	firstRoots := e1.stageRoots()
	_ = e1.store.Close()

	// Restart with a healthy certifier.
	e2 := newEnv(t, path, certify.Func(alwaysCertify))
	var secondRuns atomic.Int64
	executions(e2.reg, &secondRuns)

	incomplete, err := e2.orch.ResumeIncomplete(ctx)
	if err != nil {
		t.Fatalf("ResumeIncomplete() error: %v", err)
	}
	if len(incomplete) != 1 || incomplete[0].ID != job.ID {
		t.Fatalf("incomplete = %v, want the crashed job", incomplete)
	}
	if err := e2.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("resumed Run() error: %v", err)
	}

	// Done shards are never re-executed.
	if secondRuns.Load() != 0 {
		t.Fatalf("resume re-executed %d shards", secondRuns.Load())
	}

	final, err := e2.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if final.Status != shard.JobFinalized {
		t.Fatalf("status = %s, want finalized", final.Status)
	}

	secondRoots := e2.stageRoots()
	if firstRoots["pack"] == "" || firstRoots["pack"] != secondRoots["pack"] {
		t.Fatalf("roots differ across restart: %q vs %q", firstRoots["pack"], secondRoots["pack"])
	}
}

func TestResubmittedStageReusesDoneShards(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	var runs atomic.Int64
	_ = e.reg.Register("pack", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
		runs.Add(1)
		return []byte(fmt.Sprintf("out:%v", inv.Inputs["items"])), nil
	})

	first, err := e.orch.Submit(ctx, "nightly", countStage(itemsStage("pack", "pack", 3)), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, first.ID); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("first run executed %d shards, want 3", runs.Load())
	}

	// The identical stage under a new job adopts the done shards.
	second, err := e.orch.Submit(ctx, "nightly-again", countStage(itemsStage("pack", "pack", 3)), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.orch.Run(runCtx, second.ID); err != nil {
		t.Fatalf("resubmitted Run() error: %v", err)
	}

	if runs.Load() != 3 {
		t.Fatalf("resubmission re-executed shards: %d runs, want 3", runs.Load())
	}
	final, err := e.store.GetJob(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if final.Status != shard.JobFinalized {
		t.Fatalf("status = %s, want finalized", final.Status)
	}

	shards, err := e.store.ScanByJob(ctx, second.ID)
	if err != nil {
		t.Fatalf("ScanByJob() error: %v", err)
	}
	if len(shards) != 3 {
		t.Fatalf("second job sees %d shards, want 3", len(shards))
	}
	for _, sh := range shards {
		if sh.Status != shard.StatusDone {
			t.Fatalf("shard %s = %s, want done", sh.ID, sh.Status)
		}
	}

	// Both jobs aggregate to the identical root.
	c1, err := e.store.GetCertificate(ctx, first.ID, "pack")
	if err != nil {
		t.Fatalf("GetCertificate(first) error: %v", err)
	}
	c2, err := e.store.GetCertificate(ctx, second.ID, "pack")
	if err != nil {
		t.Fatalf("GetCertificate(second) error: %v", err)
	}
	if c1.MerkleRoot == "" || c1.MerkleRoot != c2.MerkleRoot {
		t.Fatalf("roots differ across submissions: %q vs %q", c1.MerkleRoot, c2.MerkleRoot)
	}
}

func TestResubmissionRetriesShardsFailedElsewhere(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	var healed atomic.Bool
	_ = e.reg.Register("flaky", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
		if !healed.Load() {
			return nil, errors.New("dependency down")
		}
		return []byte("recovered"), nil
	})

	stage := itemsStage("only", "flaky", 2)
	stage.MaxAttempts = 1
	first, err := e.orch.Submit(ctx, "broken", countStage(stage), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, first.ID); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if j, _ := e.store.GetJob(ctx, first.ID); j.Status != shard.JobFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}

	// A fresh submission of the same stage gets a fresh attempt budget.
	healed.Store(true)
	second, err := e.orch.Submit(ctx, "broken-again", countStage(stage), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, second.ID); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if j, _ := e.store.GetJob(ctx, second.ID); j.Status != shard.JobFinalized {
		t.Fatalf("status = %s, want finalized on resubmission", j.Status)
	}
}

func TestCertificationRejectionBisectsAndReplays(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cp.db")

	var fixed atomic.Bool
	var badShard atomic.Value // string
	badShard.Store("")

	// Rejects any sample set that includes the corrupt shard.
	picky := certify.Func(func(ctx context.Context, req certify.Request) (*certify.Certificate, error) {
		bad := badShard.Load().(string)
		if bad != "" && !fixed.Load() {
			for _, p := range req.Proofs {
				if p.LeafShardID == bad {
					return &certify.Certificate{
						SubjectID:  req.SubjectID,
						MerkleRoot: req.MerkleRoot,
						Certified:  false,
						Reason:     "sample mismatch",
					}, nil
				}
			}
		}
		return alwaysCertify(ctx, req)
	})

	e := newEnv(t, path, picky)
	// Sample every leaf so the corrupt shard is always caught.
	e.orch.sampleSize = 16

	// The first execution of the item-002 shard produces corrupt output;
	// the replay after bisection produces the fixed output.
	var corruptServed atomic.Bool
	_ = e.reg.Register("pack", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
		if inv.Inputs["items"].([]any)[0] == "item-002" {
			if !corruptServed.Swap(true) {
				badShard.Store(inv.ShardID)
				return []byte("corrupt"), nil
			}
			fixed.Store(true)
		}
		return []byte(fmt.Sprintf("good:%v", inv.Inputs["items"])), nil
	})

	job, err := e.orch.Submit(ctx, "bisected", countStage(itemsStage("pack", "pack", 8)), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	final, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if final.Status != shard.JobFinalized {
		t.Fatalf("status = %s, want finalized after replay", final.Status)
	}

	// Only the corrupt shard was replayed: its attempt counter restarted.
	sh, err := e.store.GetShard(ctx, badShard.Load().(string))
	if err != nil {
		t.Fatalf("GetShard() error: %v", err)
	}
	if sh.Status != shard.StatusDone || sh.Attempt != 1 {
		t.Fatalf("replayed shard = %s attempt %d, want done attempt 1", sh.Status, sh.Attempt)
	}
}

func TestCertificationExhaustionNamesFailingShards(t *testing.T) {
	ctx := context.Background()

	var badShard atomic.Value // string
	badShard.Store("")

	// Rejects any sample set that includes the corrupt shard, forever.
	picky := certify.Func(func(ctx context.Context, req certify.Request) (*certify.Certificate, error) {
		bad := badShard.Load().(string)
		if bad != "" {
			for _, p := range req.Proofs {
				if p.LeafShardID == bad {
					return &certify.Certificate{
						SubjectID:  req.SubjectID,
						MerkleRoot: req.MerkleRoot,
						Certified:  false,
						Reason:     "sample mismatch",
					}, nil
				}
			}
		}
		return alwaysCertify(ctx, req)
	})

	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), picky)
	e.orch.sampleSize = 8
	e.orch.replayRounds = 1

	// The item-001 shard's output never verifies, replayed or not.
	_ = e.reg.Register("pack", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
		if inv.Inputs["items"].([]any)[0] == "item-001" {
			badShard.Store(inv.ShardID)
			return []byte("corrupt"), nil
		}
		return []byte(fmt.Sprintf("good:%v", inv.Inputs["items"])), nil
	})

	job, err := e.orch.Submit(ctx, "uncertifiable", countStage(itemsStage("pack", "pack", 4)), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	final, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if final.Status != shard.JobFailed {
		t.Fatalf("status = %s, want failed once replay rounds are spent", final.Status)
	}
	want := badShard.Load().(string)
	if len(final.FailedShards) != 1 || final.FailedShards[0] != want {
		t.Fatalf("failed shards = %v, want [%s]", final.FailedShards, want)
	}
}

func TestFailedShardsFailTheJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	_ = e.reg.Register("doomed", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
		return nil, errors.New("broken input")
	})

	stage := itemsStage("only", "doomed", 2)
	stage.MaxAttempts = 2
	job, err := e.orch.Submit(ctx, "doomed-job", countStage(stage), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	final, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if final.Status != shard.JobFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if len(final.FailedShards) != 2 {
		t.Fatalf("failed shards = %v, want both", final.FailedShards)
	}
}

func TestReplayFailedJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	var healed atomic.Bool
	_ = e.reg.Register("flaky", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
		if !healed.Load() {
			return nil, errors.New("dependency down")
		}
		return []byte("recovered"), nil
	})

	stage := itemsStage("only", "flaky", 2)
	stage.MaxAttempts = 1
	job, err := e.orch.Submit(ctx, "replayable", countStage(stage), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if j, _ := e.store.GetJob(ctx, job.ID); j.Status != shard.JobFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}

	healed.Store(true)
	reset, err := e.orch.Replay(ctx, job.ID)
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if reset != 2 {
		t.Fatalf("reset = %d, want 2", reset)
	}
	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("replayed Run() error: %v", err)
	}
	if j, _ := e.store.GetJob(ctx, job.ID); j.Status != shard.JobFinalized {
		t.Fatalf("status = %s, want finalized after replay", j.Status)
	}
}

func TestMaxShardsConstraint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	job, err := e.orch.Submit(ctx, "capped", countStage(itemsStage("only", "pack", 8)), shard.Constraints{MaxShards: 3})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	final, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if final.Status != shard.JobFailed {
		t.Fatalf("status = %s, want failed on the shard cap", final.Status)
	}

	// The cap is enforced before registration: nothing partial lands.
	shards, err := e.store.ScanByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ScanByJob() error: %v", err)
	}
	if len(shards) != 0 {
		t.Fatalf("registered %d shards despite the cap", len(shards))
	}
}

func TestTimeboxAbortsJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	job, err := e.orch.Submit(ctx, "timeboxed", countStage(itemsStage("only", "pack", 2)), shard.Constraints{Timebox: time.Millisecond})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	final, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if final.Status != shard.JobAborted {
		t.Fatalf("status = %s, want aborted on timebox", final.Status)
	}
}

func TestAbortedJobRunsNoFurther(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	var runs atomic.Int64
	_ = e.reg.Register("pack", func(ctx context.Context, inv executor.Invocation) ([]byte, error) {
		runs.Add(1)
		return []byte("x"), nil
	})

	job, err := e.orch.Submit(ctx, "aborted", countStage(itemsStage("only", "pack", 4)), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Abort(ctx, job.ID); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}
	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() after abort error: %v", err)
	}
	if runs.Load() != 0 {
		t.Fatalf("aborted job executed %d shards", runs.Load())
	}
	if err := e.orch.Abort(ctx, job.ID); err == nil {
		t.Fatal("aborting a terminal job should error")
	}
}

func TestSplitShard(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	spec, err := shard.NewSpec("job-1", "pack", "pack", map[string]any{
		"offset": int64(0), "length": int64(4096),
	}, nil)
	if err != nil {
		t.Fatalf("NewSpec() error: %v", err)
	}
	if _, err := e.store.RegisterShard(ctx, spec); err != nil {
		t.Fatalf("RegisterShard() error: %v", err)
	}

	if err := e.orch.SplitShard(ctx, spec.ID, 4); err != nil {
		t.Fatalf("SplitShard() error: %v", err)
	}

	shards, err := e.store.ScanByJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("ScanByJob() error: %v", err)
	}
	var children, superseded int
	for _, sh := range shards {
		switch sh.Status {
		case shard.StatusPending:
			children++
		case shard.StatusSuperseded:
			superseded++
		}
	}
	if superseded != 1 || children != 4 {
		t.Fatalf("superseded=%d children=%d, want 1/4", superseded, children)
	}

	// Splitting again is a no-op: the parent is terminal.
	if err := e.orch.SplitShard(ctx, spec.ID, 4); err != nil {
		t.Fatalf("second SplitShard() error: %v", err)
	}
	after, err := e.store.ScanByJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("ScanByJob() error: %v", err)
	}
	if len(after) != len(shards) {
		t.Fatalf("idempotent split grew the shard set: %d -> %d", len(shards), len(after))
	}
}

func TestPartitionErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, filepath.Join(t.TempDir(), "cp.db"), certify.Func(alwaysCertify))

	bad := shard.StageSpec{
		ID:       "broken",
		Executor: "pack",
		Strategy: partition.StrategyBySize,
		// Missing max_chunk_bytes.
		Inputs: map[string]any{"payload_bytes": int64(100)},
	}
	job, err := e.orch.Submit(ctx, "misconfigured", countStage(bad), shard.Constraints{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := e.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if j, _ := e.store.GetJob(ctx, job.ID); j.Status != shard.JobFailed {
		t.Fatalf("status = %s, want failed on partition error", j.Status)
	}
}
