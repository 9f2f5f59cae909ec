package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	schemasassets "github.com/3leaps/specenv/internal/assets/schemas"
	"github.com/3leaps/specenv/pkg/manifest"
	"github.com/fulmenhq/gofulmen/foundry"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage index types, data sources and their compatibility",
}

var catalogLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load a catalog manifest into the store",
	Long: `Load a YAML or JSON catalog manifest into the store.

Entries are upserted: loading the same manifest twice is a no-op, and
existing entries are updated in place.

Example manifest:

  version: "1.0"
  index_types:
    - id: bano
  data_sources:
    - id: addresses
      url_template: https://example.org/bano-{region}.csv
  compatibility:
    - index_type: bano
      data_source: addresses

Examples:
  specenv catalog load catalog.yaml
  specenv catalog load catalog.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalogLoad,
}

var catalogSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of catalog manifests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := cmd.OutOrStdout().Write(schemasassets.CatalogManifestSchema)
		return err
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the catalog held by the store",
	RunE:  runCatalogList,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogLoadCmd, catalogListCmd, catalogSchemaCmd)
	addJSONFlag(catalogLoadCmd)
	addJSONFlag(catalogListCmd)
}

func runCatalogLoad(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := manifest.Load(args[0])
	if err != nil {
		if errors.Is(err, manifest.ErrValidationFailed) {
			return exitError(foundry.ExitDataInvalid, "Invalid catalog manifest", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read catalog manifest", err)
	}

	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sum, err := manifest.Apply(ctx, store, m)
	if err != nil {
		return exitError(foundry.ExitFailure, "Failed to apply catalog", err)
	}

	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), sum)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Catalog loaded: %d index types, %d data sources, %d compatibility pairs\n",
		sum.IndexTypes, sum.DataSources, sum.Compatibility)
	return nil
}

func runCatalogList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	m := &manifest.Manifest{Version: manifest.CurrentVersion}
	if m.IndexTypes, err = store.ListIndexTypes(ctx); err != nil {
		return err
	}
	if m.DataSources, err = store.ListDataSources(ctx); err != nil {
		return err
	}
	if m.Compatibility, err = store.ListCompatibilities(ctx); err != nil {
		return err
	}

	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), m)
	}

	out := cmd.OutOrStdout()
	rows := make([][]string, 0, len(m.IndexTypes)+len(m.DataSources)+len(m.Compatibility))
	for _, t := range m.IndexTypes {
		rows = append(rows, []string{"index_type", t.ID, t.Description})
	}
	for _, ds := range m.DataSources {
		rows = append(rows, []string{"data_source", ds.ID, ds.URLTemplate})
	}
	for _, c := range m.Compatibility {
		rows = append(rows, []string{"compatibility", c.IndexType + " <- " + c.DataSource, ""})
	}
	return printTable(out, []string{"KIND", "ID", "DETAIL"}, rows)
}
