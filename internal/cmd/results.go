package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/importer"
	"github.com/3leaps/runnerhub/pkg/output"
	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Decode and convert test result documents",
}

var resultsDecodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decode a result document into the canonical model",
	Long: `Decode a JUnit, xUnit, Cobertura or CTRF document. The format is taken
from --format, else from the file name, else sniffed from the content.

Examples:
  runnerhub results decode build/junit.xml
  runnerhub results decode report.json --format CtrfJson --json
  runnerhub results decode coverage.xml --jsonl --tenant acme`,
	Args: cobra.ExactArgs(1),
	RunE: runResultsDecode,
}

var resultsConvertCmd = &cobra.Command{
	Use:   "convert <file>",
	Short: "Re-encode a result document in another format",
	Args:  cobra.ExactArgs(1),
	RunE:  runResultsConvert,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsDecodeCmd, resultsConvertCmd)

	resultsDecodeCmd.Flags().String("format", "", "Input format: "+formatNames())
	resultsDecodeCmd.Flags().Bool("json", false, "Print the canonical model as JSON")
	resultsDecodeCmd.Flags().Bool("jsonl", false, "Print JSONL import records")
	resultsDecodeCmd.Flags().String("tenant", "local", "Tenant stamped on JSONL records")

	resultsConvertCmd.Flags().String("format", "", "Input format (default: detect)")
	resultsConvertCmd.Flags().String("to", "", "Output format: "+formatNames())
	resultsConvertCmd.Flags().StringP("output", "o", "-", "Output file; - writes stdout")
	_ = resultsConvertCmd.MarkFlagRequired("to")
}

func formatNames() string {
	all := formats.AllFormats()
	names := make([]string, 0, len(all))
	for _, f := range all {
		names = append(names, f.String())
	}
	return strings.Join(names, ", ")
}

func readDocument(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	// #nosec G304 -- path is a user-supplied CLI argument
	return os.ReadFile(path)
}

// resolveFormat returns the explicit format, or detects it from the
// file name and content.
func resolveFormat(explicit, path string, data []byte) (formats.TestResultFormat, error) {
	if strings.TrimSpace(explicit) != "" {
		f, err := formats.ParseFormat(explicit)
		if err != nil {
			return formats.UnknownFormat, exitError(ExitUsage, "Invalid --format", err)
		}
		return f, nil
	}
	f := formats.Detect(filepath.Base(path), data)
	if !f.Known() {
		return f, exitError(ExitDataErr, "Cannot detect result format of "+path, formats.ErrUnknownFormat)
	}
	return f, nil
}

func runResultsDecode(cmd *cobra.Command, args []string) error {
	path := args[0]
	explicit, _ := cmd.Flags().GetString("format")
	asJSON, _ := cmd.Flags().GetBool("json")
	asJSONL, _ := cmd.Flags().GetBool("jsonl")
	tenant, _ := cmd.Flags().GetString("tenant")

	data, err := readDocument(path, cmd.InOrStdin())
	if err != nil {
		return exitError(ExitNoInput, "Failed to read "+path, err)
	}
	f, err := resolveFormat(explicit, path, data)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if asJSONL {
		jw := output.NewJSONLWriter(out, tenant, "")
		p := importer.NewPipeline(importer.NewJSONLSink(jw))
		sum, err := p.HandleResult(cmd.Context(), importer.Target{TenantID: tenant, Source: filepath.Base(path)}, f, path, data)
		if err != nil {
			return exitError(ExitIOErr, "Failed to write records", err)
		}
		if sum.Skipped > 0 {
			return exitError(ExitDataErr, "Document was not imported", fmt.Errorf("%d document(s) skipped", sum.Skipped))
		}
		return nil
	}

	run, err := formats.Decode(f, data)
	if err != nil {
		return exitError(ExitDataErr, "Failed to decode "+path, err)
	}
	if asJSON {
		return writeJSON(out, run)
	}
	renderRun(out, f, run)
	return nil
}

func renderRun(w io.Writer, f formats.TestResultFormat, run *resultmodel.TestRun) {
	if run.Coverage != nil {
		t := newTable(w, table.Row{"File", "Lines", "Covered", "Rate"})
		t.SetTitle(f.String())
		t.SetColumnConfigs(rightAligned("Lines", "Covered", "Rate"))
		for _, file := range run.Coverage.Files {
			covered := 0
			for _, l := range file.Lines {
				if l.Hits > 0 {
					covered++
				}
			}
			t.AppendRow(table.Row{file.Path, len(file.Lines), covered, percent(covered, len(file.Lines))})
		}
		covered, valid := run.Coverage.LinesCovered()
		t.AppendFooter(table.Row{"Total", valid, covered, percent(covered, valid)})
		t.Render()
		if len(run.Suites) == 0 {
			return
		}
	}

	t := newTable(w, table.Row{"Suite", "Tests", "Passed", "Failed", "Skipped", "Other"})
	title := f.String()
	if run.Name != "" {
		title += ": " + run.Name
	}
	t.SetTitle(title)
	t.SetColumnConfigs(rightAligned("Tests", "Passed", "Failed", "Skipped", "Other"))
	for _, s := range run.Suites {
		c := suiteCounts(s)
		t.AppendRow(table.Row{s.Name, len(s.Tests), c.passed, c.failed, c.skipped, c.other})
	}
	c := runCounts(run)
	t.AppendFooter(table.Row{"Total", run.TotalTests(), c.passed, c.failed, c.skipped, c.other})
	t.Render()
}

type resultCounts struct {
	passed, failed, skipped, other int
}

func (c *resultCounts) add(r resultmodel.TestResult, n int) {
	switch r {
	case resultmodel.Passed:
		c.passed += n
	case resultmodel.Failed, resultmodel.Error, resultmodel.Crashed, resultmodel.Hang:
		c.failed += n
	case resultmodel.Skipped, resultmodel.NoRun:
		c.skipped += n
	default:
		c.other += n
	}
}

func suiteCounts(s resultmodel.TestSuiteRun) resultCounts {
	var c resultCounts
	for _, tc := range s.Tests {
		c.add(tc.Result, 1)
	}
	return c
}

func runCounts(run *resultmodel.TestRun) resultCounts {
	var c resultCounts
	for r, n := range run.Counts() {
		c.add(r, n)
	}
	return c
}

func percent(n, d int) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(n)*100/float64(d))
}

func runResultsConvert(cmd *cobra.Command, args []string) error {
	path := args[0]
	explicit, _ := cmd.Flags().GetString("format")
	toName, _ := cmd.Flags().GetString("to")
	dest, _ := cmd.Flags().GetString("output")

	to, err := formats.ParseFormat(toName)
	if err != nil {
		return exitError(ExitUsage, "Invalid --to", err)
	}
	data, err := readDocument(path, cmd.InOrStdin())
	if err != nil {
		return exitError(ExitNoInput, "Failed to read "+path, err)
	}
	from, err := resolveFormat(explicit, path, data)
	if err != nil {
		return err
	}
	run, err := formats.Decode(from, data)
	if err != nil {
		return exitError(ExitDataErr, "Failed to decode "+path, err)
	}
	encoded, err := formats.Encode(to, run)
	if err != nil {
		return exitError(ExitDataErr, "Failed to encode as "+to.String(), err)
	}

	if dest == "" || dest == "-" {
		_, err = cmd.OutOrStdout().Write(encoded)
		return err
	}
	// #nosec G306 -- converted reports are not secret
	if err := os.WriteFile(dest, encoded, 0o644); err != nil {
		return exitError(ExitIOErr, "Failed to write "+dest, err)
	}
	return nil
}
