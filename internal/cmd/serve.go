package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/specenv/internal/observability"
	"github.com/3leaps/specenv/internal/server"
	"github.com/3leaps/specenv/internal/server/handlers"
	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/fulmenhq/gofulmen/foundry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API serving environment materialization, item
acquisition and index events, plus health, version and metrics endpoints.

Items left in download_in_progress by a previous process are moved to
download_error before the server accepts requests.

Examples:
  specenv serve
  specenv serve --port 9000
  SPECENV_ARTIFACTS_KIND=s3 SPECENV_ARTIFACTS_BUCKET=envs specenv serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
}

// signalHealthChecker reports healthy as long as the process runs; shutdown
// is driven by signals, not by health.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// telemetryHealthChecker fails until telemetry has been initialized.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker verifies the resolved app identity.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// storeHealthChecker pings the store.
type storeHealthChecker struct {
	store *envstore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("store not opened")
	}
	return c.store.Ping(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	identity := GetAppIdentity()

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	if err := observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitConfigInvalid, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var telemetry *observability.Telemetry
	if cfg.Metrics.Enabled {
		telemetry = observability.InitTelemetry(identity.BinaryName)
	}

	a, err := newApp(ctx, cfg, appOptions{withFetcher: true, logger: logger, telemetry: telemetry})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
	}()

	if telemetry != nil {
		if err := telemetry.TrackInFlight(a.fetcher.InFlight); err != nil {
			return exitError(foundry.ExitFailure, "Failed to register metrics", err)
		}
	}

	recovered, err := a.fetcher.RecoverStale(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to recover stale items", err)
	}
	if recovered > 0 {
		logger.Warn("Recovered items left in progress", zap.Int64("items", recovered))
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signal", signalHealthChecker{})
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	health.RegisterChecker("store", storeHealthChecker{store: a.store})
	health.RegisterChecker("fetcher", a.fetcher)
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
		server.WithAPI(&handlers.API{
			Materializer: a.materializer,
			Environments: a.store,
			Items:        a.store,
			Acquirer:     a.fetcher,
			Indexes:      a.registry,
			Logger:       logger,
		}),
	}
	splitMetrics := cfg.Metrics.Enabled && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Server.Port
	if telemetry != nil {
		opts = append(opts, server.WithTelemetry(telemetry, !splitMetrics))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	if splitMetrics {
		go func() {
			if err := serveMetrics(ctx, cfg.Server.Host, cfg.Metrics.Port, cfg.Debug.PprofEnabled, logger); err != nil {
				logger.Error("Metrics listener failed", zap.Error(err))
				stop()
			}
		}()
	}

	logger.Info("specenv started",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.String("artifacts", cfg.Fetch.Artifacts.Kind))

	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// serveMetrics runs the metrics listener, optionally with pprof, until ctx
// is done.
func serveMetrics(ctx context.Context, host string, port int, pprofEnabled bool, logger *zap.Logger) error {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", observability.PrometheusExporter)
	if pprofEnabled {
		r.HandleFunc("/debug/pprof/*", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	ms := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ms.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics listening", zap.String("addr", ms.Addr), zap.Bool("pprof", pprofEnabled))
	if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}
