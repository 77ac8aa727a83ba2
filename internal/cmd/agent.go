package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/3leaps/runnerhub/internal/config"
	"github.com/3leaps/runnerhub/internal/observability"
	"github.com/3leaps/runnerhub/pkg/agent"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a reference runner",
	Long: `Register with a runnerhub server as a runner, poll for jobs and run
their scripts locally. Job output is kept under agent.data_dir.

Supported languages: ` + strings.Join(agent.SupportedLanguages(), ", ") + `

Examples:
  RUNNERHUB_AGENT_TOKEN=... runnerhub agent --server http://hub:8080 --id build-01
  runnerhub agent --languages sh,python --tags linux,x64`,
	RunE: runAgent,
}

var agentJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs this runner executed",
	RunE:  runAgentJobs,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentJobsCmd)

	agentCmd.Flags().String("server", "", "Server URL (overrides agent.server_url)")
	agentCmd.Flags().String("id", "", "Runner id (overrides agent.runner_id; default: hostname)")
	agentCmd.Flags().String("name", "", "Runner display name")
	agentCmd.Flags().StringSlice("languages", nil, "Languages to advertise")
	agentCmd.Flags().StringSlice("tags", nil, "Runner tags")
	agentCmd.Flags().Int64("project", 0, "Only take jobs of this test project")
	agentCmd.Flags().Bool("once", false, "Poll once, run at most one job, then exit")
	agentJobsCmd.Flags().Bool("json", false, "Output as JSON")
}

func agentOverrides(cmd *cobra.Command) map[string]any {
	o := map[string]any{}
	set := func(flag, key string) {
		if !cmd.Flags().Changed(flag) {
			return
		}
		switch f := cmd.Flags().Lookup(flag); f.Value.Type() {
		case "stringSlice":
			v, _ := cmd.Flags().GetStringSlice(flag)
			o[key] = v
		case "int64":
			v, _ := cmd.Flags().GetInt64(flag)
			o[key] = v
		default:
			o[key] = f.Value.String()
		}
	}
	set("server", "agent.server_url")
	set("id", "agent.runner_id")
	set("name", "agent.name")
	set("languages", "agent.languages")
	set("tags", "agent.tags")
	set("project", "agent.project_id")
	return o
}

func agentConfig(ac config.AgentConfig) agent.Config {
	id := strings.TrimSpace(ac.RunnerID)
	if id == "" {
		if h, err := os.Hostname(); err == nil {
			id = h
		}
	}
	c := agent.Config{
		RunnerID:          id,
		Name:              ac.Name,
		Languages:         ac.Languages,
		Tags:              ac.Tags,
		PollInterval:      ac.PollInterval,
		HeartbeatInterval: ac.HeartbeatInterval,
		JobTimeout:        ac.JobTimeout,
	}
	if ac.ProjectID > 0 {
		p := ac.ProjectID
		c.ProjectID = &p
	}
	return c
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, agentOverrides(cmd))
	if err != nil {
		return err
	}
	if err := observability.InitServerLogger(rootIdentity().BinaryName+"-agent", cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(ExitConfig, "Invalid logging configuration", err)
	}
	defer observability.Sync()
	log := observability.ServerLogger

	client, err := agent.NewClient(cfg.Agent.ServerURL, cfg.Agent.Token)
	if err != nil {
		return exitError(ExitConfig, "Invalid agent server settings", err)
	}
	exec, err := agent.NewExecutor(agent.ExecutorConfig{
		DataDir:     cfg.Agent.DataDir,
		OutputDir:   cfg.Agent.OutputDir,
		MaxLogBytes: cfg.Jobs.MaxLogBytes,
		Logger:      log.Named("executor"),
	})
	if err != nil {
		return exitError(ExitConfig, "Invalid agent data settings", err)
	}
	a, err := agent.New(client, exec, agentConfig(cfg.Agent), log.Named("agent"))
	if err != nil {
		return exitError(ExitConfig, "Invalid agent settings", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once, _ := cmd.Flags().GetBool("once"); once {
		if _, err := a.Register(ctx); err != nil {
			return exitError(ExitUnavailable, "Registration failed", err)
		}
		handled, err := a.RunOnce(ctx)
		if err != nil {
			return exitError(ExitUnavailable, "Poll failed", err)
		}
		if !handled {
			observability.CLILogger.Info("No job available")
		}
		return nil
	}

	if err := a.Run(ctx); err != nil {
		return exitError(ExitUnavailable, "Agent stopped", err)
	}
	return nil
}

func runAgentJobs(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	records, err := agent.NewRecordStore(cfg.Agent.DataDir).List()
	if err != nil {
		return exitError(ExitReadErr, "Failed to read agent jobs", err)
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	t := newTable(out, table.Row{"GUID", "Language", "State", "Exit", "Started", "Ended", "Error"})
	for _, r := range records {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		t.AppendRow(table.Row{r.GUID, orDash(r.Language), string(r.State), exit, formatOptionalTime(r.StartedAt), formatOptionalTime(r.EndedAt), orDash(r.Error)})
	}
	t.Render()
	return nil
}
