package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/loomworks/shardloom/internal/config"
	"github.com/loomworks/shardloom/internal/observability"
	"github.com/loomworks/shardloom/pkg/shard"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs in the checkpoint store",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job with per-stage shard counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <job-id>",
	Short: "Abort a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAbort,
}

var jobsReplayCmd = &cobra.Command{
	Use:   "replay <job-id>",
	Short: "Reset a failed job's failed shards and run it again",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsReplay,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsAbortCmd)
	jobsCmd.AddCommand(jobsReplayCmd)
}

// withStack loads config, builds the pipeline, and hands it to fn.
func withStack(cmd *cobra.Command, fn func(*stack) error) error {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	s, err := buildStack(cmd.Context(), cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to build pipeline", err)
	}
	defer s.Close()
	return fn(s)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	return withStack(cmd, func(s *stack) error {
		jobs, err := s.store.ListJobs(cmd.Context())
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
		}
		return printJSON(map[string]any{"jobs": jobs})
	})
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	return withStack(cmd, func(s *stack) error {
		ctx := cmd.Context()
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
		}
		shards, err := s.store.ScanByJob(ctx, jobID)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to scan shards", err)
		}

		counts := make(map[string]map[string]int)
		for _, sh := range shards {
			if counts[sh.StageID] == nil {
				counts[sh.StageID] = make(map[string]int)
			}
			counts[sh.StageID][string(sh.Status)]++
		}
		return printJSON(map[string]any{"job": job, "stages": counts})
	})
}

func runJobsAbort(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	return withStack(cmd, func(s *stack) error {
		if err := s.orch.Abort(cmd.Context(), jobID); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to abort job", err)
		}
		fmt.Printf("job %s aborted\n", jobID)
		return nil
	})
}

func runJobsReplay(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	return withStack(cmd, func(s *stack) error {
		ctx := cmd.Context()
		reset, err := s.orch.Replay(ctx, jobID)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to replay job", err)
		}
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read job", err)
		}
		if job.Status != shard.JobFinalized {
			return exitError(foundry.ExitExternalServiceUnavailable, "Replay did not finalize",
				fmt.Errorf("job %s ended %s after resetting %d shards", jobID, job.Status, reset))
		}
		fmt.Printf("job %s finalized after replaying %d shards\n", jobID, reset)
		return nil
	})
}
