package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/specenv/internal/observability"
	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/registry"
	"github.com/3leaps/specenv/pkg/status"
	"github.com/fulmenhq/gofulmen/foundry"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect indexes and drive their status",
	Long: `Inspect registered indexes and apply status events to them.

An index is the deduplicated unit behind resource steps: every step with
the same index type, data source and region set shares one index.`,
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered indexes",
	RunE:  runIndexList,
}

var indexAdvanceCmd = &cobra.Command{
	Use:   "advance <index_id> <event>",
	Short: "Apply a status event to an index",
	Long: `Apply a status event (start, succeed, fail, retry, refresh) to an index.
Every environment containing the index has its status recomputed.

Examples:
  specenv index advance 3f2a... start
  specenv index advance 3f2a... succeed`,
	Args: cobra.ExactArgs(2),
	RunE: runIndexAdvance,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexListCmd, indexAdvanceCmd)
	addJSONFlag(indexListCmd)
	addJSONFlag(indexAdvanceCmd)
}

func runIndexList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	indexes, err := store.ListIndexes(ctx)
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		if indexes == nil {
			indexes = []envstore.Index{}
		}
		return printJSON(cmd.OutOrStdout(), indexes)
	}
	return printIndexes(cmd, indexes)
}

func runIndexAdvance(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ev, err := status.ParseEvent(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid event", err)
	}

	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	idx, err := registry.New(store, observability.CLILogger).Advance(ctx, args[0], ev)
	if err != nil {
		switch {
		case errors.Is(err, envstore.ErrNotFound):
			return exitError(foundry.ExitInvalidArgument, "Unknown index", err)
		case errors.Is(err, status.ErrInvalidTransition):
			return exitError(foundry.ExitDataInvalid, "Transition not allowed", err)
		}
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), idx)
	}
	return printIndexes(cmd, []envstore.Index{*idx})
}

func printIndexes(cmd *cobra.Command, indexes []envstore.Index) error {
	rows := make([][]string, 0, len(indexes))
	for _, idx := range indexes {
		rows = append(rows, []string{
			idx.ID,
			idx.IndexType,
			idx.DataSource,
			strings.Join(idx.Regions, ","),
			idx.Status.String(),
			shortHash(idx.Signature),
		})
	}
	return printTable(cmd.OutOrStdout(), []string{"ID", "TYPE", "SOURCE", "REGIONS", "STATUS", "SIGNATURE"}, rows)
}
