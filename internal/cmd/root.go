// Package cmd implements the shardloom CLI.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/shardloom/internal/observability"
	"github.com/loomworks/shardloom/internal/server/handlers"
)

var rootCmd = &cobra.Command{
	Use:   "shardloom",
	Short: "Sharded work orchestrator",
	Long: `Shardloom splits jobs into content-addressed shards, executes them with
checkpointed retries, and certifies stage aggregates against an external
authority before finalizing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger("shardloom", rootVerbose)
	},
}

var (
	rootConfigPath string
	rootVerbose    bool
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug output")
}

// exitError wraps a command failure with its process exit code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// Execute runs the CLI.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}
