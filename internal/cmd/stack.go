package cmd

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/shardloom/internal/config"
	"github.com/loomworks/shardloom/pkg/archive"
	"github.com/loomworks/shardloom/pkg/autotune"
	"github.com/loomworks/shardloom/pkg/certify"
	"github.com/loomworks/shardloom/pkg/checkpoint"
	"github.com/loomworks/shardloom/pkg/events"
	"github.com/loomworks/shardloom/pkg/executor"
	"github.com/loomworks/shardloom/pkg/orchestrator"
	"github.com/loomworks/shardloom/pkg/partition"
	"github.com/loomworks/shardloom/pkg/scheduler"
)

// stack holds the assembled pipeline for one process.
type stack struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *checkpoint.Store
	bus      *events.Bus
	monitor  *autotune.Monitor
	registry *executor.Registry
	orch     *orchestrator.Orchestrator
	signals  *events.ChanSink

	eventsFile  *os.File
	monitorDone chan struct{}
}

// buildStack assembles the full pipeline from configuration: checkpoint
// store, event bus with optional JSONL sink, autotune monitor, executor
// pool, scheduler, certifier client, archiver, and the orchestrator on top.
func buildStack(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stack, error) {
	store, err := checkpoint.Open(ctx, checkpoint.Config{Path: cfg.Checkpoint.Path})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	s := &stack{cfg: cfg, log: log, store: store}

	var sinks []events.Sink
	if cfg.Events.Path != "" {
		f, err := os.OpenFile(cfg.Events.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open event log: %w", err)
		}
		s.eventsFile = f
		sinks = append(sinks, events.NewJSONLSink(f, log))
	}
	s.signals = events.NewChanSink(1024)
	sinks = append(sinks, s.signals)

	s.bus = events.NewBus(cfg.Events.Buffer, log, sinks...)
	s.monitor = autotune.NewMonitor(s.bus, log)
	s.monitorDone = make(chan struct{})
	go s.monitor.Run(s.monitorDone, autotune.DefaultRotateInterval)

	s.registry = executor.NewRegistry()
	if err := registerBuiltins(s.registry); err != nil {
		s.Close()
		return nil, err
	}

	pool := executor.NewPool(s.registry, store, s.bus, s.monitor, cfg.Executor.Concurrency, log)
	sched := scheduler.New(store, pool, s.bus, scheduler.Config{
		Ceiling:   cfg.Scheduler.Ceiling,
		Tick:      cfg.Scheduler.Tick,
		MaxQueue:  cfg.Scheduler.MaxQueue,
		ClaimRate: rate.Limit(cfg.Scheduler.ClaimRate),
	}, log)

	var certifier certify.Certifier
	if cfg.Certifier.URL != "" {
		client, err := certify.NewClient(certify.ClientConfig{
			BaseURL: cfg.Certifier.URL,
			Timeout: cfg.Certifier.Timeout,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		certifier = client
	}

	var archiver orchestrator.Archiver
	if cfg.Archive.Enabled {
		a, err := archive.New(ctx, cfg.Archive.Config, log)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("build archiver: %w", err)
		}
		archiver = a
	}

	s.orch, err = orchestrator.New(orchestrator.Config{
		Store:       store,
		Scheduler:   sched,
		Partitioner: partition.New(log),
		Certifier:   certifier,
		Bus:         s.bus,
		Archiver:    archiver,
		Log:         log,
		Signals:     s.signals,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *stack) Close() {
	if s.monitorDone != nil {
		close(s.monitorDone)
	}
	if s.bus != nil {
		_ = s.bus.Close()
	}
	if s.eventsFile != nil {
		_ = s.eventsFile.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}
