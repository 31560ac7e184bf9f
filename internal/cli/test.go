package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/harness"
	"github.com/roach88/covenant/internal/registry"
)

// DefaultScenariosDir is where test looks for scenarios when none is named.
const DefaultScenariosDir = "testdata/scenarios"

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool   // rewrite golden files
	Filter    string // scenario name glob
	GoldenDir string
	Trail     bool // print each scenario's trail
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "mismatch", "updated", "missing"
	Errors []string `json:"errors,omitempty"`
	Trail  []string `json:"trail,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test [scenarios-dir]",
		Short: "Run scenario harness",
		Long: `Run YAML scenarios against a fresh engine each, check their step
expectations and assertions, and compare each audit trail with
<golden-dir>/<name>.golden when that file exists.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, malformed scenario, etc.)

Examples:
  covenant test
  covenant test ./scenarios --filter "org*"
  covenant test ./scenarios --update
  covenant test --registry-dir ./registry --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := DefaultScenariosDir
			if len(args) == 1 {
				dir = args[0]
			}
			return runTests(cmd, opts, dir)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "run only scenarios whose name matches this glob")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "golden file directory (default: golden/ next to the scenarios dir)")
	cmd.Flags().BoolVar(&opts.Trail, "trail", false, "print each scenario's audit trail")

	return cmd
}

func runTests(cmd *cobra.Command, opts *TestOptions, dir string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}
	if _, err := filepath.Match(opts.Filter, ""); err != nil {
		return WrapExitError(ExitCommandError, "invalid filter pattern", err)
	}
	scenarios, err := harness.LoadDir(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "load scenarios", err)
	}
	goldenDir := opts.GoldenDir
	if goldenDir == "" {
		goldenDir = filepath.Join(filepath.Dir(filepath.Clean(dir)), "golden")
	}

	var runOpts []harness.Option
	if opts.RegistryDir != "" {
		runOpts = append(runOpts, harness.WithSource(registry.DirSource{Dir: opts.RegistryDir}))
	}

	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	result := TestResult{Scenarios: []ScenarioResult{}}
	var text strings.Builder
	for _, s := range scenarios {
		if opts.Filter != "" {
			if ok, _ := filepath.Match(opts.Filter, s.Name); !ok {
				continue
			}
		}
		out.VerboseLog("running %s", s.Name)
		r := runScenario(cmd, opts, s, goldenDir, runOpts)
		result.Scenarios = append(result.Scenarios, r)
		result.Total++
		if r.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		writeScenarioText(&text, r)
	}

	if result.Total == 0 {
		text.WriteString("No scenarios found.\n")
	} else {
		fmt.Fprintf(&text, "\nTest Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
		if result.Failed == 0 {
			text.WriteString("✓ All scenarios passed\n")
		}
	}
	if err := out.Success(result, text.String()); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

func runScenario(cmd *cobra.Command, opts *TestOptions, s *harness.Scenario, goldenDir string, runOpts []harness.Option) ScenarioResult {
	r := ScenarioResult{Name: s.Name}
	res, err := harness.Run(cmd.Context(), s, runOpts...)
	if err != nil {
		r.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return r
	}
	r.Pass = res.Pass
	r.Errors = res.Errors

	trail, err := harness.Render(res.Trace)
	if err != nil {
		r.Pass = false
		r.Errors = append(r.Errors, fmt.Sprintf("render trail: %v", err))
		return r
	}
	if opts.Trail {
		r.Trail = strings.Split(strings.TrimSuffix(string(trail), "\n"), "\n")
	}

	path := filepath.Join(goldenDir, s.Name+".golden")
	if opts.Update {
		if err := writeGolden(path, trail); err != nil {
			r.Pass = false
			r.Errors = append(r.Errors, fmt.Sprintf("update golden file: %v", err))
			return r
		}
		r.Golden = "updated"
		return r
	}

	want, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.Golden = "missing"
	case err != nil:
		r.Pass = false
		r.Errors = append(r.Errors, fmt.Sprintf("read golden file: %v", err))
	case bytes.Equal(want, trail):
		r.Golden = "match"
	default:
		r.Golden = "mismatch"
		r.Pass = false
		r.Errors = append(r.Errors, "trail does not match "+path+" (run with --update to regenerate)")
	}
	return r
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeScenarioText(b *strings.Builder, r ScenarioResult) {
	mark := "✓"
	if !r.Pass {
		mark = "✗"
	}
	fmt.Fprintf(b, "%s %s", mark, r.Name)
	if r.Golden != "" && r.Golden != "match" {
		fmt.Fprintf(b, " (golden %s)", r.Golden)
	}
	b.WriteString("\n")
	for _, e := range r.Errors {
		fmt.Fprintf(b, "  %s\n", e)
	}
	for _, line := range r.Trail {
		fmt.Fprintf(b, "    %s\n", line)
	}
}
