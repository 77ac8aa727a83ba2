package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/3leaps/runnerhub/pkg/runners"
)

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "Inspect registered runners",
}

var runnersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the runners of a tenant",
	RunE:  runRunnersList,
}

func init() {
	rootCmd.AddCommand(runnersCmd)
	runnersCmd.AddCommand(runnersListCmd)
	runnersListCmd.Flags().String("tenant", "", "Tenant to list (required)")
	runnersListCmd.Flags().Bool("json", false, "Output as JSON")
	runnersListCmd.Flags().Duration("stale-after", 5*time.Minute, "Mark runners not seen for this long as stale")
	_ = runnersListCmd.MarkFlagRequired("tenant")
}

func runRunnersList(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	asJSON, _ := cmd.Flags().GetBool("json")
	staleAfter, _ := cmd.Flags().GetDuration("stale-after")

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

	reg, err := runners.NewRegistry(db, cfg.Runners.CacheSize)
	if err != nil {
		return exitError(ExitConfig, "Invalid runners.cache_size", err)
	}
	list, err := reg.List(ctx, strings.TrimSpace(tenant))
	if err != nil {
		return exitError(ExitSoftware, "Failed to list runners", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintln(out, "No runners registered")
		return nil
	}

	now := time.Now()
	t := newTable(out, table.Row{"ID", "Name", "Languages", "Project", "Tags", "Last Seen", "State"})
	for i := range list {
		r := &list[i]
		t.AppendRow(table.Row{
			r.ID,
			r.Name,
			orDash(strings.Join(r.Languages, ",")),
			formatOptionalInt(r.ProjectID),
			orDash(strings.Join(r.Tags, ",")),
			formatTime(r.LastSeen),
			runnerState(r, now, staleAfter),
		})
	}
	t.Render()
	return nil
}

func runnerState(r *runners.Runner, now time.Time, staleAfter time.Duration) string {
	switch {
	case !r.Dispatchable():
		return "no languages"
	case staleAfter > 0 && now.Sub(r.LastSeen) > staleAfter:
		return "stale"
	default:
		return "ready"
	}
}
