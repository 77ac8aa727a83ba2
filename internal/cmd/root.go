// Package cmd implements the runnerhub command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/internal/config"
	"github.com/3leaps/runnerhub/internal/observability"
	"github.com/3leaps/runnerhub/internal/server/handlers"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	appIdentity *config.Identity

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "runnerhub",
	Short: "Pull-based job dispatch for remote test runners",
	Long: `runnerhub queues test jobs, hands each one to exactly one polling runner,
and imports the result documents runners send back (JUnit, xUnit,
Cobertura, CTRF) into one canonical result model.

Examples:
  runnerhub serve                        # Run the runner API server
  runnerhub jobs enqueue --file jobs.yaml
  runnerhub agent                        # Run a reference runner
  runnerhub results decode report.xml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		observability.InitCLILogger(rootIdentity().BinaryName, verbose)
		config.SetConfigFile(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./runnerhub.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")
}

// SetVersionInfo records build metadata for `version` and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = buildInfo{Version: version, Commit: commit, BuildDate: buildDate}
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set by Execute, or nil before that.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func rootIdentity() config.Identity {
	if appIdentity != nil {
		return *appIdentity
	}
	return config.DefaultIdentity
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	if id := config.GetIdentity(); id != nil {
		appIdentity = id
	} else {
		id := config.DefaultIdentity
		appIdentity = &id
	}
	rootCmd.SetContext(ctx)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	code := ExitCode(err)
	observability.CLILogger.Error(err.Error(), zap.Int("exit_code", code))
	observability.Sync()
	return code
}

// loadConfig loads configuration, failing with ExitConfig.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return nil, exitError(ExitConfig, "Invalid configuration", err)
	}
	return cfg, nil
}
