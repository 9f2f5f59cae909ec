// Package cmd implements the specenv command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/specenv/internal/config"
	"github.com/3leaps/specenv/internal/observability"
	"github.com/3leaps/specenv/internal/server/handlers"
	"github.com/fulmenhq/gofulmen/foundry"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.AppIdentity
	appConfig   *config.Config

	verbose bool
)

// persistentFlagKeys maps root flags onto config keys. Only flags the user
// actually set are passed to config.Load as overrides.
var persistentFlagKeys = map[string]string{
	"log-level":     "logging.level",
	"db":            "store.path",
	"db-url":        "store.url",
	"compatibility": "pipeline.compatibility",
}

var rootCmd = &cobra.Command{
	Use:   "specenv",
	Short: "Materialize test environments from Gherkin backgrounds",
	Long: `specenv turns the Given steps of Gherkin feature backgrounds into
shared, deduplicated index environments and downloads the data they need.

Each step such as "bano covering addresses in 75,92" is parsed into a
resource spec, checked against the catalog of index types and data
sources, and registered as an index. Identical specs across features share
one index; a background's indexes form its environment.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	setDefaults()

	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")
	pf.String("db", "", "Store path (default <data dir>/specenv.db)")
	pf.String("db-url", "", "Store URL (libsql://, https:// or postgres://)")
	pf.String("compatibility", "enforce", "Compatibility policy: enforce, advisory or off")
}

// SetVersionInfo records build metadata for the version command and endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved by the last config load.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initConfig(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Until the configuration is loaded, log with the built-in defaults.
	if err := observability.InitCLILogger("specenv", viper.GetString("logging.level"), verbose); err != nil {
		return exitError(foundry.ExitConfigInvalid, "Invalid logging configuration", err)
	}

	overrides := map[string]any{}
	for flag, key := range persistentFlagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		observability.CLILogger.Error("Failed to load configuration", zap.Error(err))
		return exitError(foundry.ExitConfigInvalid, "Invalid configuration", err)
	}
	appConfig = cfg
	appIdentity = config.Identity()

	if err := observability.InitCLILogger(appIdentity.BinaryName, cfg.Logging.Level, verbose); err != nil {
		return exitError(foundry.ExitConfigInvalid, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store_path", cfg.Store.Path),
		zap.Bool("store_url_set", cfg.Store.URL != ""),
		zap.String("compatibility", cfg.Pipeline.Compatibility),
		zap.String("artifacts", cfg.Fetch.Artifacts.Kind))
	return nil
}

// Execute runs the root command and exits with the code carried by the
// returned error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	observability.Sync()
	if err == nil {
		return
	}

	code := foundry.ExitFailure
	var ee *ExitError
	if errors.As(err, &ee) {
		code = ee.Code
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(code)
}
