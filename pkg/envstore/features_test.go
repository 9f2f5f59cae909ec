package envstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/specenv/pkg/feature"
	"github.com/3leaps/specenv/pkg/status"
	"github.com/3leaps/specenv/pkg/stepspec"
)

func TestImportFeature(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f, err := feature.Parse(`@geo
Feature: Search
  Background:
    Given bano covering addresses in 75
    When I wait
  Scenario: one
    Given x
    Then y
  Scenario: two
    Given z
`)
	require.NoError(t, err)

	rec, err := s.ImportFeature(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "Search", rec.Name)
	assert.Equal(t, []string{"@geo"}, rec.Tags)
	assert.Equal(t, 2, rec.Scenarios)
	require.NotEmpty(t, rec.BackgroundID)

	steps, err := s.GetBackgroundSteps(ctx, rec.BackgroundID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 0, steps[0].Position)
	assert.Equal(t, feature.StepGiven, steps[0].Type)
	assert.Equal(t, "bano covering addresses in 75", steps[0].Value)
	assert.Equal(t, feature.StepWhen, steps[1].Type)

	list, err := s.ListFeatures(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestImportFeatureReplacesByName(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	bgID := importBackground(t, s, "Search", "bano covering addresses in 75")

	env, err := s.CreateEnvironment(ctx, bgID)
	require.NoError(t, err)
	spec := stepspec.ResourceSpec{IndexType: "bano", DataSource: "addresses", Regions: []string{"75"}}
	idx, err := s.CreateIndex(ctx, spec, nil)
	require.NoError(t, err)
	_, err = s.LinkIndex(ctx, env.ID, idx.ID)
	require.NoError(t, err)

	again := importBackground(t, s, "Search", "cosmogony covering admins in fr", "bano covering addresses in 92")
	assert.Equal(t, bgID, again, "background id is stable across re-imports")

	steps, err := s.GetBackgroundSteps(ctx, bgID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "cosmogony covering admins in fr", steps[0].Value)

	env, err = s.GetEnvironmentForBackground(ctx, bgID)
	require.NoError(t, err)
	assert.Empty(t, env.Indexes)
	assert.Equal(t, status.NotAvailable, env.Status)

	list, err := s.ListFeatures(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Dropping the background removes it together with its environment.
	rec, err := s.ImportFeature(ctx, &feature.Feature{Name: "Search"})
	require.NoError(t, err)
	assert.Empty(t, rec.BackgroundID)
	_, err = s.GetBackground(ctx, bgID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEnvironmentForBackground(ctx, bgID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetBackgroundStepsUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBackgroundSteps(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
