package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomworks/shardloom/internal/config"
	"github.com/loomworks/shardloom/internal/observability"
	"github.com/loomworks/shardloom/internal/server"
	"github.com/loomworks/shardloom/internal/server/handlers"
	"github.com/loomworks/shardloom/pkg/checkpoint"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator service",
	Long: `Run the orchestrator as a long-lived service with the HTTP API.

Incomplete jobs found in the checkpoint store are resumed on startup:
orphaned claims are released and each job continues from its first
uncertified stage.

Example:
  shardloom serve
  shardloom serve --config /etc/shardloom/shardloom.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// checkpointChecker verifies the store still answers queries.
type checkpointChecker struct {
	store *checkpoint.Store
}

func (c checkpointChecker) CheckHealth(ctx context.Context) error {
	_, err := c.store.ListJobs(ctx)
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	log, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildStack(ctx, cfg, log)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to build pipeline", err)
	}
	defer s.Close()

	handlers.InitHealthManager(versionInfo.Version)
	handlers.GetHealthManager().RegisterChecker("checkpoint", checkpointChecker{store: s.store})

	// Resume jobs interrupted by the previous process.
	resumed, err := s.orch.ResumeIncomplete(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to resume jobs", err)
	}
	for _, job := range resumed {
		log.Info("resuming job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)))
		go func() {
			if err := s.orch.Run(ctx, job.ID); err != nil {
				log.Error("resumed job failed",
					zap.String("job_id", job.ID),
					zap.Error(err))
			}
		}()
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Deps{
		Store:        s.store,
		Orchestrator: s.orch,
		Monitor:      s.monitor,
		Log:          log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "Shutdown did not complete cleanly", err)
	}
	return nil
}
