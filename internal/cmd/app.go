package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/specenv/internal/config"
	"github.com/3leaps/specenv/internal/observability"
	"github.com/3leaps/specenv/pkg/assembler"
	"github.com/3leaps/specenv/pkg/catalog"
	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/fetcher"
	"github.com/3leaps/specenv/pkg/pipeline"
	"github.com/3leaps/specenv/pkg/provider"
	"github.com/3leaps/specenv/pkg/provider/file"
	"github.com/3leaps/specenv/pkg/provider/s3"
	"github.com/3leaps/specenv/pkg/registry"
	"github.com/fulmenhq/gofulmen/foundry"
)

// app holds the long-lived components shared by commands and the server.
type app struct {
	cfg          *config.Config
	store        *envstore.Store
	validator    *catalog.Validator
	registry     *registry.Registry
	assembler    *assembler.Assembler
	materializer *pipeline.Materializer
	fetcher      *fetcher.Fetcher
	sink         provider.ArtifactStore
}

type appOptions struct {
	// withFetcher opens the artifact sink and builds the fetcher.
	withFetcher bool
	logger      *zap.Logger
	telemetry   *observability.Telemetry
}

func openStore(ctx context.Context, cfg *config.Config) (*envstore.Store, error) {
	store, err := envstore.Open(ctx, envstore.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open store", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, exitError(foundry.ExitFailure, "Failed to migrate store", err)
	}
	return store, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	logger := opts.logger
	if logger == nil {
		logger = observability.CLILogger
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	policy, err := catalog.ParsePolicy(cfg.Pipeline.Compatibility)
	if err != nil {
		_ = store.Close()
		return nil, exitError(foundry.ExitConfigInvalid, "Invalid compatibility policy", err)
	}

	a := &app{
		cfg:       cfg,
		store:     store,
		validator: catalog.NewValidator(store, policy, logger),
		registry:  registry.New(store, logger),
		assembler: assembler.New(store, logger),
	}

	pipelineOpts := []pipeline.Option{pipeline.WithLogger(logger)}
	if opts.telemetry != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithObserver(opts.telemetry.ObserveMaterialize))
	}
	a.materializer = pipeline.New(store, a.validator, a.registry, a.assembler, pipelineOpts...)

	if opts.withFetcher {
		sink, err := openSink(ctx, cfg.Fetch.Artifacts)
		if err != nil {
			_ = store.Close()
			return nil, exitError(foundry.ExitConfigInvalid, "Failed to open artifact store", err)
		}
		a.sink = sink

		fetchOpts := []fetcher.Option{fetcher.WithLogger(logger)}
		if opts.telemetry != nil {
			fetchOpts = append(fetchOpts, fetcher.WithObserver(opts.telemetry.ObserveDownload))
		}
		a.fetcher = fetcher.New(store, newSource(cfg), sink, fetcher.Config{
			Timeout:       cfg.Fetch.Timeout,
			RateLimit:     cfg.Fetch.RateLimit,
			WorkDir:       cfg.Fetch.WorkDir,
			MaxConcurrent: cfg.Workers,
		}, fetchOpts...)
	}
	return a, nil
}

func newSource(cfg *config.Config) *fetcher.URLSource {
	art := cfg.Fetch.Artifacts
	return &fetcher.URLSource{
		HTTP:      &fetcher.HTTPSource{UserAgent: cfg.Fetch.UserAgent},
		LocalRoot: cfg.Fetch.LocalRoot,
		S3: s3.Config{
			Region:         art.Region,
			Endpoint:       art.Endpoint,
			Profile:        art.Profile,
			ForcePathStyle: art.ForcePathStyle,
		},
	}
}

func openSink(ctx context.Context, art config.ArtifactsConfig) (provider.ArtifactStore, error) {
	switch art.Kind {
	case "", "file":
		p, err := file.New(file.Config{BaseDir: art.BaseDir})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "s3":
		p, err := s3.New(ctx, s3.Config{
			Bucket:         art.Bucket,
			Region:         art.Region,
			Endpoint:       art.Endpoint,
			Profile:        art.Profile,
			ForcePathStyle: art.ForcePathStyle,
			Prefix:         art.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown artifacts kind %q", art.Kind)
	}
}

// Close stops running transfers, then releases the sink and the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.fetcher != nil {
		if err := a.fetcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop fetcher: %w", err))
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close artifact store: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// loadApp builds the app from the configuration loaded by the root command.
func loadApp(ctx context.Context, withFetcher bool) (*app, error) {
	return newApp(ctx, appConfig, appOptions{withFetcher: withFetcher})
}
