package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/specenv/internal/observability"
	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/feature"
	"github.com/fulmenhq/gofulmen/foundry"
)

var featureCmd = &cobra.Command{
	Use:   "feature",
	Short: "Import and inspect Gherkin features",
}

var featureImportCmd = &cobra.Command{
	Use:   "import <glob>...",
	Short: "Import .feature files into the store",
	Long: `Parse Gherkin .feature files and store their backgrounds, scenarios
and steps. Patterns support ** (e.g. features/**/*.feature).

A feature already imported under the same name is replaced in place and
keeps its background id.

Examples:
  specenv feature import features/**/*.feature
  specenv feature import a.feature b.feature --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFeatureImport,
}

var featureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List imported features",
	RunE:  runFeatureList,
}

func init() {
	rootCmd.AddCommand(featureCmd)
	featureCmd.AddCommand(featureImportCmd, featureListCmd)
	addJSONFlag(featureImportCmd)
	addJSONFlag(featureListCmd)
}

func runFeatureImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	paths, err := feature.Glob(args...)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pattern", err)
	}
	if len(paths) == 0 {
		return exitError(foundry.ExitFileNotFound, "No feature files matched", fmt.Errorf("patterns: %s", strings.Join(args, " ")))
	}

	parsed := make([]*feature.Feature, 0, len(paths))
	for _, p := range paths {
		f, err := feature.ParseFile(p)
		if err != nil {
			return exitError(foundry.ExitDataInvalid, "Failed to parse feature", err)
		}
		parsed = append(parsed, f)
	}

	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records := make([]*envstore.FeatureRecord, 0, len(parsed))
	for i, f := range parsed {
		rec, err := store.ImportFeature(ctx, f)
		if err != nil {
			return exitError(foundry.ExitFailure, "Failed to import "+paths[i], err)
		}
		observability.CLILogger.Debug("Imported feature",
			zap.String("path", paths[i]),
			zap.String("feature_id", rec.ID),
			zap.String("background_id", rec.BackgroundID))
		records = append(records, rec)
	}

	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), records)
	}
	rows := make([][]string, 0, len(records))
	for i, rec := range records {
		rows = append(rows, []string{paths[i], rec.Name, rec.BackgroundID, strconv.Itoa(rec.Scenarios)})
	}
	return printTable(cmd.OutOrStdout(), []string{"PATH", "FEATURE", "BACKGROUND", "SCENARIOS"}, rows)
}

func runFeatureList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	features, err := store.ListFeatures(ctx)
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		if features == nil {
			features = []envstore.FeatureRecord{}
		}
		return printJSON(cmd.OutOrStdout(), features)
	}
	rows := make([][]string, 0, len(features))
	for _, f := range features {
		rows = append(rows, []string{f.ID, f.Name, f.BackgroundID, strconv.Itoa(f.Scenarios)})
	}
	return printTable(cmd.OutOrStdout(), []string{"ID", "NAME", "BACKGROUND", "SCENARIOS"}, rows)
}
