package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/status"
	"github.com/3leaps/specenv/pkg/stepspec"
)

func newStore(t *testing.T) *envstore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := envstore.Open(ctx, envstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.UpsertDataSource(ctx, envstore.DataSource{ID: "addresses", URLTemplate: "http://example.test/bano-{region}.csv"}))
	return s
}

func TestUpsertIdempotent(t *testing.T) {
	s := newStore(t)
	r := New(s, nil)
	ctx := context.Background()

	first, err := r.Upsert(ctx, stepspec.ResourceSpec{IndexType: "bano", DataSource: "addresses", Regions: []string{"75", "92"}})
	require.NoError(t, err)
	second, err := r.Upsert(ctx, stepspec.ResourceSpec{IndexType: "bano", DataSource: "addresses", Regions: []string{"92", "75"}})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, status.NotAvailable, first.Status)

	all, err := s.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	items, err := s.ListItemsForIndex(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "addresses-75", items[0].ID)
	assert.Equal(t, "http://example.test/bano-75.csv", items[0].SourceURL)
}

func TestUpsertConcurrent(t *testing.T) {
	s := newStore(t)
	r := New(s, nil)
	spec := stepspec.ResourceSpec{IndexType: "bano", DataSource: "addresses", Regions: []string{"75"}}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, err := r.Upsert(context.Background(), spec)
			errs[i] = err
			if err == nil {
				ids[i] = idx.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	all, err := s.ListIndexes(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// racingRepo reports the index missing, then loses the insert race.
type racingRepo struct {
	Repository
	winner  *envstore.Index
	lookups int
}

func (r *racingRepo) GetIndexBySignature(_ context.Context, _ string) (*envstore.Index, error) {
	r.lookups++
	if r.lookups == 1 {
		return nil, envstore.ErrNotFound
	}
	return r.winner, nil
}

func (r *racingRepo) GetDataSource(_ context.Context, id string) (*envstore.DataSource, error) {
	return &envstore.DataSource{ID: id}, nil
}

func (r *racingRepo) CreateIndex(_ context.Context, _ stepspec.ResourceSpec, _ []envstore.NewItem) (*envstore.Index, error) {
	return nil, envstore.ErrConflict
}

func TestUpsertConflictRereads(t *testing.T) {
	repo := &racingRepo{winner: &envstore.Index{ID: "winner"}}
	r := New(repo, nil)

	idx, err := r.Upsert(context.Background(), stepspec.ResourceSpec{IndexType: "t", DataSource: "s", Regions: []string{"1"}})
	require.NoError(t, err)
	assert.Equal(t, "winner", idx.ID)
	assert.Equal(t, 2, repo.lookups)
}

type failingRepo struct {
	Repository
	err error
}

func (f failingRepo) GetIndexBySignature(context.Context, string) (*envstore.Index, error) {
	return nil, f.err
}

func TestUpsertStorageErrorSurfaces(t *testing.T) {
	boom := &envstore.StorageError{Op: "get index", Err: errors.New("disk")}
	_, err := New(failingRepo{err: boom}, nil).Upsert(context.Background(), stepspec.ResourceSpec{IndexType: "t", DataSource: "s", Regions: []string{"1"}})
	var se *envstore.StorageError
	assert.True(t, errors.As(err, &se))
}

func TestItemsFor(t *testing.T) {
	spec := stepspec.ResourceSpec{DataSource: "addresses", Regions: []string{"75", "2A", "75", "a b"}}
	items := ItemsFor(spec, "http://x/bano-{region}.csv")
	assert.Equal(t, []envstore.NewItem{
		{ID: "addresses-75", SourceURL: "http://x/bano-75.csv"},
		{ID: "addresses-2A", SourceURL: "http://x/bano-2A.csv"},
		{ID: "addresses-a b", SourceURL: "http://x/bano-a%20b.csv"},
	}, items)
	assert.Nil(t, ItemsFor(spec, ""))
}

func TestAdvance(t *testing.T) {
	s := newStore(t)
	r := New(s, nil)
	ctx := context.Background()

	idx, err := r.Upsert(ctx, stepspec.ResourceSpec{IndexType: "bano", DataSource: "addresses", Regions: []string{"75"}})
	require.NoError(t, err)

	idx, err = r.Advance(ctx, idx.ID, status.EventStart)
	require.NoError(t, err)
	assert.Equal(t, status.DownloadInProgress, idx.Status)

	idx, err = r.Advance(ctx, idx.ID, status.EventFail)
	require.NoError(t, err)
	assert.Equal(t, status.DownloadError, idx.Status)

	_, err = r.Advance(ctx, idx.ID, status.EventSucceed)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)

	idx, err = r.Advance(ctx, idx.ID, status.EventRetry)
	require.NoError(t, err)
	assert.Equal(t, status.DownloadInProgress, idx.Status)

	_, err = r.Advance(ctx, "missing", status.EventStart)
	assert.ErrorIs(t, err, envstore.ErrNotFound)
}
