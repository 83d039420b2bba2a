package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftlab/drift/internal/harness"
)

// ScenarioResult holds a scenario run's outcome for output.
type ScenarioResult struct {
	Scenario string               `json:"scenario"`
	Pass     bool                 `json:"pass"`
	Trace    []harness.TraceEvent `json:"trace"`
	Errors   []string             `json:"errors,omitempty"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario <scenario.yaml>",
		Short: "Run a scripted multi-node scenario",
		Long: `Run a scenario file against an in-process cluster.

Spins up one replica per declared node, executes the scripted steps
(edits, spends, partitions, reconciliation rounds), then checks the
scenario's assertions and replication properties. Exits non-zero when
any step, assertion, or property fails.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runScenario(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	sc, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error(ErrCodeBadScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "scenario unreadable", err)
	}

	formatter.VerboseLog("Running %s: %d node(s), %d step(s)", sc.Name, len(sc.Nodes), len(sc.Steps))

	result, err := harness.Run(cmd.Context(), sc)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "scenario aborted", err)
	}

	out := ScenarioResult{Scenario: sc.Name, Pass: result.Pass, Trace: result.Trace, Errors: result.Errors}
	if formatter.Format == "json" {
		if result.Pass {
			return formatter.Success(out)
		}
		_ = formatter.Error(ErrCodeScenarioFail, fmt.Sprintf("%d failure(s)", len(result.Errors)), out)
		return NewExitError(ExitFailure, "scenario failed")
	}

	for _, ev := range result.Trace {
		target := ""
		if ev.Node != "" {
			target = " " + ev.Node
		}
		if ev.Doc != "" {
			target += " " + ev.Doc
			if ev.Field != "" {
				target += "." + ev.Field
			}
		}
		fmt.Fprintf(formatter.Writer, "  %3d %-10s%s → %s\n", ev.Seq, ev.Step, target, ev.Outcome)
	}
	if result.Pass {
		fmt.Fprintf(formatter.Writer, "✓ %s: %d step(s) passed\n", sc.Name, len(result.Trace))
		return nil
	}
	fmt.Fprintf(formatter.Writer, "✗ %s failed\n", sc.Name)
	for _, e := range result.Errors {
		fmt.Fprintf(formatter.Writer, "  %s\n", e)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("scenario failed with %d error(s)", len(result.Errors)))
}
