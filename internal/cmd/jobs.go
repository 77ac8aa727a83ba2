package cmd

import (
	"errors"
	"fmt"
	"io"
	"os/user"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	schemasassets "github.com/3leaps/runnerhub/internal/assets/schemas"
	"github.com/3leaps/runnerhub/internal/observability"
	"github.com/3leaps/runnerhub/pkg/jobs"
	"github.com/3leaps/runnerhub/pkg/jobspec"
	"github.com/3leaps/runnerhub/pkg/output"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Queue and inspect pipeline jobs",
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue the jobs of a manifest file",
	Long: `Queue every job in a YAML or JSON job manifest.

Example manifest:

  version: "1.0"
  defaults:
    tenant: acme
    language: sh
    artifact_patterns: ["reports/**/*.xml"]
  jobs:
    - test_run_id: 42
      script: make test

Run 'runnerhub jobs schema' for the manifest JSON schema.`,
	RunE: runJobsEnqueue,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <guid>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the job manifest JSON schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := cmd.OutOrStdout().Write(schemasassets.JobManifestSchema)
		return err
	},
}

var jobsCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Count jobs by status",
	RunE:  runJobsCounts,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsEnqueueCmd, jobsListCmd, jobsShowCmd, jobsCountsCmd, jobsSchemaCmd)

	jobsEnqueueCmd.Flags().StringP("file", "f", "", "Job manifest (YAML or JSON); - reads stdin")
	_ = jobsEnqueueCmd.MarkFlagRequired("file")

	jobsListCmd.Flags().String("tenant", "", "Only jobs of this tenant")
	jobsListCmd.Flags().String("status", "", "Only jobs in this status")
	jobsListCmd.Flags().Int("limit", 50, "Maximum jobs to list (0 = no limit)")
	jobsListCmd.Flags().Bool("json", false, "Output JSONL job records")

	jobsShowCmd.Flags().String("tenant", "", "Tenant owning the job (required)")
	_ = jobsShowCmd.MarkFlagRequired("tenant")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsShowCmd.Flags().Bool("logs", false, "Print captured stdout and stderr")

	jobsCountsCmd.Flags().String("tenant", "", "Only jobs of this tenant")
}

func cliActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func loadManifest(path string, stdin io.Reader) (*jobspec.Manifest, error) {
	if path == "-" {
		return jobspec.LoadFromReader(stdin, "stdin.yaml")
	}
	return jobspec.Load(path)
}

func runJobsEnqueue(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	m, err := loadManifest(path, cmd.InOrStdin())
	if err != nil {
		return exitError(ExitDataErr, "Invalid job manifest", err)
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	queue := newQueue(db, cfg, observability.CLILogger)

	actor := cliActor()
	t := newTable(cmd.OutOrStdout(), table.Row{"GUID", "Tenant", "Language", "Test Run", "Patterns"})
	for i, spec := range m.Jobs {
		j := spec.Job()
		if err := queue.Enqueue(ctx, j, actor); err != nil {
			return exitError(ExitSoftware, fmt.Sprintf("Failed to enqueue job %d", i+1), err)
		}
		observability.CLILogger.Debug("Queued job", zap.String("guid", j.GUID), zap.String("tenant", j.TenantID))
		t.AppendRow(table.Row{j.GUID, j.TenantID, j.Language, formatOptionalInt(j.TestRunID), strings.Join(j.ArtifactPatterns, ",")})
	}
	t.Render()
	observability.CLILogger.Info(fmt.Sprintf("Queued %d job(s)", len(m.Jobs)))
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	statusName, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	f := jobs.Filter{TenantID: strings.TrimSpace(tenant), Limit: limit}
	if statusName != "" {
		s, err := jobs.ParseStatus(statusName)
		if err != nil {
			return exitError(ExitUsage, "Invalid --status", err)
		}
		f.Status = &s
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	list, err := newQueue(db, cfg, observability.CLILogger).List(ctx, f)
	if err != nil {
		return exitError(ExitSoftware, "Failed to list jobs", err)
	}

	if asJSON {
		jw := output.NewJSONLWriter(cmd.OutOrStdout(), f.TenantID, "")
		for i := range list {
			j := &list[i]
			if err := jw.WithRun(j.TenantID, j.GUID).WriteJob(ctx, jobRecord(j)); err != nil {
				return err
			}
		}
		return nil
	}

	if len(list) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
		return nil
	}
	t := newTable(cmd.OutOrStdout(), table.Row{"GUID", "Tenant", "Status", "Language", "Attempt", "Claimed By", "Created", "Modified"})
	t.SetColumnConfigs(rightAligned("Attempt"))
	for _, j := range list {
		t.AppendRow(table.Row{j.GUID, j.TenantID, j.Status.String(), orDash(j.Language), j.Attempt, orDash(j.ClaimedBy), formatTime(j.CreatedAt), formatTime(j.ModifiedAt)})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(list)})
	t.Render()
	return nil
}

func jobRecord(j *jobs.Job) *output.JobRecord {
	return &output.JobRecord{
		GUID:         j.GUID,
		Status:       j.Status.String(),
		Language:     j.Language,
		ProjectID:    j.TestProjectID,
		Attempt:      j.Attempt,
		ClaimedBy:    j.ClaimedBy,
		ErrorMessage: j.ErrorMessage,
		Created:      j.CreatedAt,
		Modified:     j.ModifiedAt,
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	asJSON, _ := cmd.Flags().GetBool("json")
	showLogs, _ := cmd.Flags().GetBool("logs")

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	j, err := newQueue(db, cfg, observability.CLILogger).Get(ctx, strings.TrimSpace(tenant), args[0])
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrForbidden):
		return exitError(ExitNoInput, "Job not found", err)
	case err != nil:
		return exitError(ExitSoftware, "Failed to load job", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, jobRecord(j))
	}

	t := newTable(out, table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"GUID", j.GUID},
		{"Tenant", j.TenantID},
		{"Status", j.Status.String()},
		{"Language", orDash(j.Language)},
		{"Test run", formatOptionalInt(j.TestRunID)},
		{"Test project", formatOptionalInt(j.TestProjectID)},
		{"Attempt", j.Attempt},
		{"Claimed by", orDash(j.ClaimedBy)},
		{"Claimed at", formatOptionalTime(j.ClaimedAt)},
		{"Result format", formatName(j)},
		{"Artifact", orDash(j.ArtifactHandle)},
		{"Artifact patterns", orDash(strings.Join(j.ArtifactPatterns, ", "))},
		{"Error", orDash(j.ErrorMessage)},
		{"Created", formatTime(j.CreatedAt) + " by " + orDash(j.CreatedBy)},
		{"Modified", formatTime(j.ModifiedAt) + " by " + orDash(j.ModifiedBy)},
	})
	t.Render()

	if showLogs {
		_, _ = fmt.Fprintf(out, "\n--- stdout ---\n%s\n--- stderr ---\n%s\n", j.StdOut, j.StdErr)
	}
	return nil
}

func formatName(j *jobs.Job) string {
	if !j.Format.Known() {
		return "-"
	}
	return j.Format.String()
}

func runJobsCounts(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	counts, err := newQueue(db, cfg, observability.CLILogger).Counts(ctx, strings.TrimSpace(tenant))
	if err != nil {
		return exitError(ExitSoftware, "Failed to count jobs", err)
	}
	t := newTable(cmd.OutOrStdout(), table.Row{"Status", "Jobs"})
	t.SetColumnConfigs(rightAligned("Jobs"))
	var total int64
	for _, s := range jobs.AllStatuses() {
		t.AppendRow(table.Row{s.String(), counts[s]})
		total += counts[s]
	}
	t.AppendFooter(table.Row{"Total", total})
	t.Render()
	return nil
}

