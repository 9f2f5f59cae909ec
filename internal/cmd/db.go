package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/fulmenhq/gofulmen/foundry"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the specenv store",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the store schema",
	Long: `Create the store if needed and apply pending schema migrations.

The store is a local SQLite/libsql file by default (see --db), a remote
libsql database, or Postgres when --db-url is a postgres:// URL.

Examples:
  specenv db init
  specenv db init --db ./specenv.db
  specenv db init --db-url postgres://specenv@localhost/specenv`,
	RunE: runDBInit,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd)
}

func runDBInit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	version, err := store.CurrentSchemaVersion(ctx)
	if err != nil {
		return exitError(foundry.ExitFailure, "Failed to read schema version", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "Store initialized")
	if appConfig.Store.URL != "" {
		_, _ = fmt.Fprintf(out, "dialect=%s\n", store.Dialect())
	} else {
		_, _ = fmt.Fprintf(out, "db=%s\n", appConfig.Store.Path)
	}
	_, _ = fmt.Fprintf(out, "schema_version=%d\n", version)
	if version != envstore.SchemaVersion {
		return exitError(foundry.ExitFailure, "Schema version mismatch", fmt.Errorf("have %d, want %d", version, envstore.SchemaVersion))
	}
	return nil
}
