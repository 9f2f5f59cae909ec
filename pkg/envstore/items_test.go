package envstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/specenv/pkg/status"
	"github.com/3leaps/specenv/pkg/stepspec"
)

func newIndexWithItem(t *testing.T, s *Store, region string) (*Index, string) {
	t.Helper()
	itemID := "addresses-" + region
	idx, err := s.CreateIndex(context.Background(),
		stepspec.ResourceSpec{IndexType: "bano", DataSource: "addresses", Regions: []string{region}},
		[]NewItem{{ID: itemID, SourceURL: "http://example.test/" + region}})
	require.NoError(t, err)
	return idx, itemID
}

func TestSetItemStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, itemID := newIndexWithItem(t, s, "75")

	it, err := s.SetItemStatus(ctx, itemID, status.FileNotAvailable, status.FileDownloadInProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadInProgress, it.Status)

	it, err = s.SetItemStatus(ctx, itemID, status.FileNotAvailable, status.FileDownloadInProgress, nil)
	assert.ErrorIs(t, err, ErrStatusMismatch)
	require.NotNil(t, it)
	assert.Equal(t, status.FileDownloadInProgress, it.Status)

	_, err = s.SetItemStatus(ctx, itemID, status.FileDownloadInProgress, status.FileAvailable, nil)
	assert.Error(t, err, "available requires an artifact")

	it, err = s.SetItemStatus(ctx, itemID, status.FileDownloadInProgress, status.FileAvailable,
		&Artifact{Filename: "75.csv", ContentHash: "abc", SizeKB: 2.0009765625})
	require.NoError(t, err)
	assert.Equal(t, status.FileAvailable, it.Status)
	assert.Equal(t, "75.csv", it.Filename)
	assert.Equal(t, "abc", it.ContentHash)
	assert.Equal(t, 2.0009765625, it.SizeKB)

	_, err = s.SetItemStatus(ctx, "missing", status.FileNotAvailable, status.FileDownloadInProgress, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttachDetachItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, itemID := newIndexWithItem(t, s, "75")
	b, err := s.CreateIndex(ctx, stepspec.ResourceSpec{IndexType: "other", DataSource: "addresses", Regions: []string{"75"}}, nil)
	require.NoError(t, err)

	it, err := s.AttachItem(ctx, b.ID, NewItem{ID: itemID, SourceURL: "http://ignored"})
	require.NoError(t, err)
	assert.Equal(t, "http://example.test/75", it.SourceURL, "existing item is shared, not replaced")

	_, err = s.AttachItem(ctx, "missing", NewItem{ID: "x", SourceURL: "http://x"})
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := s.DetachItem(ctx, a.ID, itemID)
	require.NoError(t, err)
	assert.False(t, removed)
	_, err = s.GetItem(ctx, itemID)
	require.NoError(t, err)

	removed, err = s.DetachItem(ctx, b.ID, itemID)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = s.GetItem(ctx, itemID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.DetachItem(ctx, b.ID, itemID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetStaleItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, first := newIndexWithItem(t, s, "75")
	_, second := newIndexWithItem(t, s, "92")

	_, err := s.SetItemStatus(ctx, first, status.FileNotAvailable, status.FileDownloadInProgress, nil)
	require.NoError(t, err)

	n, err := s.ResetStaleItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	it, err := s.GetItem(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadError, it.Status)

	it, err = s.GetItem(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, status.FileNotAvailable, it.Status)

	stale, err := s.ListItemsByStatus(ctx, status.FileDownloadInProgress)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
