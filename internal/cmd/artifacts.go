package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/3leaps/runnerhub/pkg/artifact"
	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/importer"
	"github.com/3leaps/runnerhub/pkg/match"
	"github.com/3leaps/runnerhub/pkg/output"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect job artifact archives",
}

var artifactsScanCmd = &cobra.Command{
	Use:   "scan <archive.zip>",
	Short: "List archive entries selected by glob patterns",
	Long: `List the entries of a zip archive that match the given glob patterns,
with the result format detected for each. Patterns use ** for any depth
and may be separated by ';', ',' or newlines.

Examples:
  runnerhub artifacts scan out.zip --pattern 'reports/**/*.xml'
  runnerhub artifacts scan out.zip --pattern '**/*.xml' --exclude '**/tmp/**'
  runnerhub artifacts scan out.zip --pattern '**/*.xml' --import --tenant acme`,
	Args: cobra.ExactArgs(1),
	RunE: runArtifactsScan,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsScanCmd)

	artifactsScanCmd.Flags().StringSlice("pattern", nil, "Glob pattern selecting entries (repeatable)")
	artifactsScanCmd.Flags().StringSlice("exclude", nil, "Glob pattern removing entries (repeatable)")
	artifactsScanCmd.Flags().Int64("max-entry-bytes", artifact.DefaultMaxEntryBytes, "Skip entries larger than this")
	artifactsScanCmd.Flags().Bool("import", false, "Decode matches and print JSONL import records")
	artifactsScanCmd.Flags().String("tenant", "local", "Tenant stamped on JSONL records")
	artifactsScanCmd.Flags().Int64("test-run", 0, "Test run id stamped on JSONL records")
	_ = artifactsScanCmd.MarkFlagRequired("pattern")
}

func runArtifactsScan(cmd *cobra.Command, args []string) error {
	path := args[0]
	raw, _ := cmd.Flags().GetStringSlice("pattern")
	excludes, _ := cmd.Flags().GetStringSlice("exclude")
	maxEntry, _ := cmd.Flags().GetInt64("max-entry-bytes")
	doImport, _ := cmd.Flags().GetBool("import")
	tenant, _ := cmd.Flags().GetString("tenant")
	testRun, _ := cmd.Flags().GetInt64("test-run")

	var patterns []string
	for _, p := range raw {
		patterns = append(patterns, match.SplitPatterns(p)...)
	}
	if len(patterns) == 0 {
		return exitError(ExitUsage, "At least one --pattern is required", nil)
	}

	// #nosec G304 -- path is a user-supplied CLI argument
	archive, err := os.ReadFile(path)
	if err != nil {
		return exitError(ExitNoInput, "Failed to read "+path, err)
	}
	scanner := artifact.Scanner{MaxEntryBytes: maxEntry, Excludes: excludes}
	out := cmd.OutOrStdout()

	if doImport {
		jw := output.NewJSONLWriter(out, tenant, "")
		p := importer.NewPipeline(importer.NewJSONLSink(jw), importer.WithScanner(scanner))
		_, err := p.HandleArtifact(cmd.Context(), importer.ArtifactEvent{
			TenantID:    tenant,
			TestRunID:   testRun,
			GlobPattern: strings.Join(patterns, "\n"),
			ZipBytes:    archive,
		})
		var pe *match.PatternError
		switch {
		case errors.As(err, &pe):
			return exitError(ExitUsage, "Invalid pattern", err)
		case err != nil:
			return exitError(ExitIOErr, "Import failed", err)
		}
		return nil
	}

	entries, skipped, err := artifact.Collect(scanner.FindMatches(archive, patterns))
	switch {
	case errors.Is(err, artifact.ErrCorruptArchive):
		return exitError(ExitDataErr, path+" is not a readable zip archive", err)
	case err != nil:
		return exitError(ExitUsage, "Invalid pattern", err)
	}

	t := newTable(out, table.Row{"Entry", "Size", "Modified", "Format"})
	t.SetColumnConfigs(rightAligned("Size"))
	for _, e := range entries {
		f := formats.Detect(e.Name, e.Data)
		name := "-"
		if f.Known() {
			name = f.String()
		}
		t.AppendRow(table.Row{e.Name, e.Size, formatTime(e.Modified), name})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d match(es)", len(entries)), "", "", ""})
	t.Render()

	for _, s := range skipped {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "skipped: %v\n", s)
	}
	return nil
}
