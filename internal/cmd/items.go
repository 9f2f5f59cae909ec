package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/specenv/internal/observability"
	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/fetcher"
	"github.com/3leaps/specenv/pkg/status"
	"github.com/fulmenhq/gofulmen/foundry"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Inspect and download index items",
}

var itemsAcquireCmd = &cobra.Command{
	Use:   "acquire <item_id>...",
	Short: "Download items into the artifact store",
	Long: `Move items to download_in_progress and fetch their source URLs.

Each item ends in available (content hash and size recorded) or
download_error. Items already downloading are left alone. A CLI process
always waits for its transfers before exiting; --wait bounds how long.

Examples:
  specenv items acquire addresses-75
  specenv items acquire addresses-75 addresses-92 --wait 30m`,
	Args: cobra.MinimumNArgs(1),
	RunE: runItemsAcquire,
}

var itemsGetCmd = &cobra.Command{
	Use:   "get <item_id>",
	Short: "Show one item",
	Args:  cobra.ExactArgs(1),
	RunE:  runItemsGet,
}

var itemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List items of an index or in a status",
	Long: `List items linked to an index (--index) or currently in a status
(--status: not_available, download_in_progress, available, download_error).

Examples:
  specenv items list --index 3f2a...
  specenv items list --status download_error --json`,
	RunE: runItemsList,
}

var itemsAttachCmd = &cobra.Command{
	Use:   "attach <index_id> <item_id> <source_url>",
	Short: "Link an item to an index, creating it if needed",
	Args:  cobra.ExactArgs(3),
	RunE:  runItemsAttach,
}

var itemsDetachCmd = &cobra.Command{
	Use:   "detach <index_id> <item_id>",
	Short: "Unlink an item from an index",
	Long: `Unlink an item from an index. An item no longer linked to any index
is deleted.`,
	Args: cobra.ExactArgs(2),
	RunE: runItemsDetach,
}

func init() {
	rootCmd.AddCommand(itemsCmd)
	itemsCmd.AddCommand(itemsAttachCmd, itemsDetachCmd)
	addJSONFlag(itemsAttachCmd)
	itemsCmd.AddCommand(itemsAcquireCmd, itemsGetCmd, itemsListCmd)

	itemsAcquireCmd.Flags().Duration("wait", 0, "Maximum time to wait for transfers (0 waits until done)")
	addJSONFlag(itemsAcquireCmd)
	addJSONFlag(itemsGetCmd)
	itemsListCmd.Flags().String("index", "", "Index id")
	itemsListCmd.Flags().String("status", "", "Item status")
	addJSONFlag(itemsListCmd)
}

func runItemsAcquire(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	wait, _ := cmd.Flags().GetDuration("wait")

	a, err := loadApp(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	if _, err := a.fetcher.RecoverStale(ctx); err != nil {
		return exitError(foundry.ExitFailure, "Failed to recover stale items", err)
	}

	for _, id := range args {
		if _, err := a.fetcher.Acquire(ctx, id); err != nil {
			switch {
			case errors.Is(err, envstore.ErrNotFound):
				return exitError(foundry.ExitInvalidArgument, "Unknown item", err)
			case errors.Is(err, fetcher.ErrShuttingDown):
				return exitError(foundry.ExitSignalInt, "Interrupted", err)
			}
			return exitError(foundry.ExitFailure, "Failed to start download", err)
		}
	}

	waitCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	items := make([]*envstore.Item, 0, len(args))
	failed := 0
	for _, id := range args {
		it, err := a.fetcher.Wait(waitCtx, id)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Gave up waiting for "+id, err)
		}
		if it.Status != status.FileAvailable {
			failed++
		}
		observability.CLILogger.Info("Item finished",
			zap.String("item_id", it.ID),
			zap.String("status", it.Status.String()),
			zap.Float64("size_kb", it.SizeKB))
		items = append(items, it)
	}

	if wantJSON(cmd) {
		if err := printJSON(cmd.OutOrStdout(), items); err != nil {
			return err
		}
	} else if err := printItems(cmd, items); err != nil {
		return err
	}
	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Some downloads failed", fmt.Errorf("failed=%d", failed))
	}
	return nil
}

func runItemsGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	it, err := store.GetItem(ctx, args[0])
	if err != nil {
		if errors.Is(err, envstore.ErrNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Unknown item", err)
		}
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), it)
	}
	return printItems(cmd, []*envstore.Item{it})
}

func runItemsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	indexID, _ := cmd.Flags().GetString("index")
	statusFlag, _ := cmd.Flags().GetString("status")
	if (indexID == "") == (statusFlag == "") {
		return exitError(foundry.ExitInvalidArgument, "Exactly one of --index or --status is required", nil)
	}

	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var list []envstore.Item
	if indexID != "" {
		list, err = store.ListItemsForIndex(ctx, indexID)
	} else {
		var st status.FileStatus
		if st, err = status.ParseFileStatus(statusFlag); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		list, err = store.ListItemsByStatus(ctx, st)
	}
	if err != nil {
		return err
	}

	items := make([]*envstore.Item, 0, len(list))
	for i := range list {
		items = append(items, &list[i])
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), items)
	}
	return printItems(cmd, items)
}

func runItemsAttach(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	it, err := store.AttachItem(ctx, args[0], envstore.NewItem{ID: args[1], SourceURL: args[2]})
	if err != nil {
		if errors.Is(err, envstore.ErrNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Unknown index", err)
		}
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), it)
	}
	return printItems(cmd, []*envstore.Item{it})
}

func runItemsDetach(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	removed, err := store.DetachItem(ctx, args[0], args[1])
	if err != nil {
		if errors.Is(err, envstore.ErrNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Item is not linked to that index", err)
		}
		return err
	}
	msg := "Item detached"
	if removed {
		msg = "Item detached and deleted"
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func printItems(cmd *cobra.Command, items []*envstore.Item) error {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.ID,
			it.Status.String(),
			strconv.FormatFloat(it.SizeKB, 'f', 1, 64),
			shortHash(it.ContentHash),
			it.UpdatedAt.Format(time.RFC3339),
			it.SourceURL,
		})
	}
	return printTable(cmd.OutOrStdout(), []string{"ID", "STATUS", "SIZE_KB", "HASH", "UPDATED", "SOURCE"}, rows)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
