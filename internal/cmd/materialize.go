package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/pipeline"
	"github.com/fulmenhq/gofulmen/foundry"
)

var materializeCmd = &cobra.Command{
	Use:   "materialize <background_id>",
	Short: "Build the environment of a background",
	Long: `Parse, validate and register every Given step of a background, then
link the resulting indexes into the background's environment.

Steps are processed in order; the first failing step stops the run and
is reported with its position. Indexes registered by earlier steps stay
linked. Running the command again is safe.

Examples:
  specenv materialize 7d1c0a3e-...
  specenv materialize 7d1c0a3e-... --compatibility advisory --json`,
	Args: cobra.ExactArgs(1),
	RunE: runMaterialize,
}

func init() {
	rootCmd.AddCommand(materializeCmd)
	addJSONFlag(materializeCmd)
}

func runMaterialize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(ctx) }()

	env, err := a.materializer.Materialize(ctx, args[0])
	if err != nil {
		var pe *pipeline.PipelineError
		switch {
		case errors.As(err, &pe):
			return exitError(foundry.ExitDataInvalid, fmt.Sprintf("Step %d (%s) failed", pe.StepIndex, pe.Stage), err)
		case errors.Is(err, envstore.ErrNotFound):
			return exitError(foundry.ExitInvalidArgument, "Unknown background", err)
		default:
			return exitError(foundry.ExitFailure, "Materialization failed", err)
		}
	}

	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), env)
	}
	printEnvironment(cmd, env)
	return nil
}

func printEnvironment(cmd *cobra.Command, env *envstore.Environment) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "environment=%s\n", env.ID)
	_, _ = fmt.Fprintf(out, "background=%s\n", env.BackgroundID)
	_, _ = fmt.Fprintf(out, "status=%s\n", env.Status)
	_, _ = fmt.Fprintf(out, "signature=%s\n", env.Signature)

	rows := make([][]string, 0, len(env.Indexes))
	for _, idx := range env.Indexes {
		rows = append(rows, []string{idx.ID, idx.IndexType, idx.DataSource, strings.Join(idx.Regions, ","), idx.Status.String()})
	}
	_, _ = fmt.Fprintln(out)
	_ = printTable(out, []string{"INDEX", "TYPE", "SOURCE", "REGIONS", "STATUS"}, rows)
}
