// Package registry maintains canonical Index records keyed by the
// signature of their resource spec.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/status"
	"github.com/3leaps/specenv/pkg/stepspec"
)

const maxStatusRetries = 3

// Repository is the persistence surface used by the registry.
type Repository interface {
	GetIndex(ctx context.Context, id string) (*envstore.Index, error)
	GetIndexBySignature(ctx context.Context, signature string) (*envstore.Index, error)
	GetDataSource(ctx context.Context, id string) (*envstore.DataSource, error)
	CreateIndex(ctx context.Context, spec stepspec.ResourceSpec, items []envstore.NewItem) (*envstore.Index, error)
	TransitionIndex(ctx context.Context, id string, from, to status.IndexStatus) (*envstore.Index, []string, error)
}

// Registry upserts indexes and drives their status.
type Registry struct {
	repo   Repository
	logger *zap.Logger
}

// New returns a Registry. A nil logger disables logging.
func New(repo Repository, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{repo: repo, logger: logger}
}

// Upsert returns the Index for spec, creating it at NotAvailable when no
// index holds its signature yet. Concurrent callers racing on the same
// signature all receive the single surviving row.
func (r *Registry) Upsert(ctx context.Context, spec stepspec.ResourceSpec) (*envstore.Index, error) {
	sig := spec.Signature()

	idx, err := r.repo.GetIndexBySignature(ctx, sig)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, envstore.ErrNotFound) {
		return nil, err
	}

	items, err := r.itemsFor(ctx, spec)
	if err != nil {
		return nil, err
	}

	idx, err = r.repo.CreateIndex(ctx, spec, items)
	if err == nil {
		r.logger.Info("Created index",
			zap.String("index_id", idx.ID),
			zap.String("signature", sig),
			zap.String("spec", spec.String()),
			zap.Int("items", len(items)))
		return idx, nil
	}
	if !errors.Is(err, envstore.ErrConflict) {
		return nil, err
	}

	r.logger.Debug("Index created concurrently, re-reading", zap.String("signature", sig))
	idx, err = r.repo.GetIndexBySignature(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("re-read index after conflict: %w", err)
	}
	return idx, nil
}

func (r *Registry) itemsFor(ctx context.Context, spec stepspec.ResourceSpec) ([]envstore.NewItem, error) {
	ds, err := r.repo.GetDataSource(ctx, spec.DataSource)
	if errors.Is(err, envstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ItemsFor(spec, ds.URLTemplate), nil
}

// ItemsFor derives one downloadable item per region from a data source URL
// template. An empty template derives nothing.
func ItemsFor(spec stepspec.ResourceSpec, urlTemplate string) []envstore.NewItem {
	if strings.TrimSpace(urlTemplate) == "" {
		return nil
	}
	seen := make(map[string]struct{}, len(spec.Regions))
	items := make([]envstore.NewItem, 0, len(spec.Regions))
	for _, region := range spec.Regions {
		if _, dup := seen[region]; dup {
			continue
		}
		seen[region] = struct{}{}
		items = append(items, envstore.NewItem{
			ID:        spec.DataSource + "-" + region,
			SourceURL: strings.ReplaceAll(urlTemplate, "{region}", url.PathEscape(region)),
		})
	}
	return items
}

// Advance applies ev to the index status, persists it and recomputes every
// environment containing the index.
func (r *Registry) Advance(ctx context.Context, indexID string, ev status.Event) (*envstore.Index, error) {
	for attempt := 0; ; attempt++ {
		idx, err := r.repo.GetIndex(ctx, indexID)
		if err != nil {
			return nil, err
		}
		next, err := idx.Status.Apply(ev)
		if err != nil {
			return nil, err
		}

		updated, envIDs, err := r.repo.TransitionIndex(ctx, indexID, idx.Status, next)
		if errors.Is(err, envstore.ErrStatusMismatch) && attempt < maxStatusRetries {
			continue
		}
		if err != nil {
			return nil, err
		}

		r.logger.Info("Advanced index status",
			zap.String("index_id", indexID),
			zap.String("event", ev.String()),
			zap.String("from", idx.Status.String()),
			zap.String("to", next.String()),
			zap.Strings("environments", envIDs))
		return updated, nil
	}
}
