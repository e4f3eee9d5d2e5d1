package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomworks/shardloom/internal/config"
	"github.com/loomworks/shardloom/internal/observability"
	"github.com/loomworks/shardloom/pkg/jobspec"
	"github.com/loomworks/shardloom/pkg/shard"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a job from a spec file to completion",
	Long: `Submit the job described in a YAML or JSON spec file and run it to
completion in this process. The summary is written to stdout as JSON.

Example:
  shardloom run --job job.yaml
  shardloom run --job job.yaml --checkpoint ./state.db`,
	RunE: runRun,
}

var (
	runJobPath    string
	runCheckpoint string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to job spec (required)")
	runCmd.Flags().StringVar(&runCheckpoint, "checkpoint", "", "Override checkpoint database path")

	_ = runCmd.MarkFlagRequired("job")
}

// runSummary is the machine-readable result written to stdout.
type runSummary struct {
	JobID        string         `json:"job_id"`
	Name         string         `json:"name"`
	Status       shard.JobStatus `json:"status"`
	Shards       map[string]int `json:"shards"`
	FailedShards []string       `json:"failed_shards,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	spec, err := jobspec.Load(runJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load job spec",
			zap.String("path", runJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid job spec", err)
	}
	if err := spec.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job spec", err)
	}

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if runCheckpoint != "" {
		cfg.Checkpoint.Path = runCheckpoint
	}

	s, err := buildStack(ctx, cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to build pipeline", err)
	}
	defer s.Close()

	job, err := s.orch.Submit(ctx, spec.Name, spec.StageSpecs(), spec.Constraints())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to submit job", err)
	}

	observability.CLILogger.Info("Running job",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Int("stages", len(job.Stages)))

	if err := s.orch.Run(ctx, job.ID); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job run failed", err)
	}

	final, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read final job state", err)
	}
	shards, err := s.store.ScanByJob(ctx, job.ID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read shard state", err)
	}

	summary := runSummary{
		JobID:        final.ID,
		Name:         final.Name,
		Status:       final.Status,
		Shards:       make(map[string]int),
		FailedShards: final.FailedShards,
	}
	for _, sh := range shards {
		summary.Shards[string(sh.Status)]++
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write summary", err)
	}

	if final.Status != shard.JobFinalized {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job did not finalize",
			fmt.Errorf("job %s ended %s", final.ID, final.Status))
	}
	return nil
}
