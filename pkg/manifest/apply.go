package manifest

import (
	"context"
	"fmt"

	"github.com/3leaps/specenv/pkg/envstore"
)

// Writer is the catalog write surface of a store transaction.
type Writer interface {
	UpsertIndexType(ctx context.Context, t envstore.IndexType) error
	UpsertDataSource(ctx context.Context, s envstore.DataSource) error
	AddCompatibility(ctx context.Context, c envstore.Compatibility) error
}

// Store runs catalog writes atomically.
type Store interface {
	UpdateCatalog(ctx context.Context, fn func(tx envstore.CatalogTx) error) error
}

// Summary counts the entries written by Apply.
type Summary struct {
	IndexTypes    int `json:"index_types"`
	DataSources   int `json:"data_sources"`
	Compatibility int `json:"compatibility"`
}

// Apply upserts every entry of m in a single transaction: either the whole
// manifest lands or the catalog is left untouched. Re-applying a manifest is
// harmless.
func Apply(ctx context.Context, s Store, m *Manifest) (Summary, error) {
	var sum Summary
	err := s.UpdateCatalog(ctx, func(tx envstore.CatalogTx) error {
		var err error
		sum, err = write(ctx, tx, m)
		return err
	})
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// write stores entries in dependency order.
func write(ctx context.Context, w Writer, m *Manifest) (Summary, error) {
	var sum Summary
	for _, t := range m.IndexTypes {
		if err := w.UpsertIndexType(ctx, t); err != nil {
			return sum, fmt.Errorf("index type %s: %w", t.ID, err)
		}
		sum.IndexTypes++
	}
	for _, s := range m.DataSources {
		if err := w.UpsertDataSource(ctx, s); err != nil {
			return sum, fmt.Errorf("data source %s: %w", s.ID, err)
		}
		sum.DataSources++
	}
	for _, c := range m.Compatibility {
		if err := w.AddCompatibility(ctx, c); err != nil {
			return sum, fmt.Errorf("compatibility %s/%s: %w", c.IndexType, c.DataSource, err)
		}
		sum.Compatibility++
	}
	return sum, nil
}
