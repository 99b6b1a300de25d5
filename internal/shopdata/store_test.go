package shopdata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"listing-experiments/internal/models"
)

const shopID = 555

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, zaptest.NewLogger(t)), dir
}

func TestListingsRoundTripThroughDisk(t *testing.T) {
	s, dir := newStore(t)
	require.NoError(t, s.SaveListings(shopID, []*models.Listing{
		{ListingID: 1, Title: "A", Tags: []string{"x"}},
		{ListingID: 2, Title: "B"},
	}))
	require.NoError(t, s.UpsertListingSnapshot(shopID, &models.Listing{ListingID: 2, Title: "B2"}))
	require.NoError(t, s.UpsertListingSnapshot(shopID, &models.Listing{ListingID: 3, Title: "C"}))

	// a fresh store reads what the first one wrote
	fresh := NewStore(dir, zaptest.NewLogger(t))
	listings, err := fresh.ListListings(shopID)
	require.NoError(t, err)
	require.Len(t, listings, 3)
	assert.Equal(t, "B2", listings[1].Title)

	got, err := fresh.GetListingSnapshot(shopID, 1)
	require.NoError(t, err)
	got.Tags[0] = "mutated"
	again, err := fresh.GetListingSnapshot(shopID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.Tags)

	missing, err := fresh.GetListingSnapshot(shopID, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.FileExists(t, filepath.Join(dir, "555", "current_listings.json"))
}

func TestSettingsDefaultWhenMissing(t *testing.T) {
	s, dir := newStore(t)
	settings, err := s.ExperimentSettings(shopID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultExperimentSettings(), settings)

	require.NoError(t, s.SaveExperimentSettings(shopID, models.ExperimentSettings{RunDurationDays: 7, Tolerance: 3}))
	fresh := NewStore(dir, zaptest.NewLogger(t))
	settings, err = fresh.ExperimentSettings(shopID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentSettings{RunDurationDays: 7, Tolerance: 3}, settings)
}

func TestExperimentCollections(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.AddUntested(shopID, 42,
		&models.Experiment{ExperimentID: "a", State: models.StateUntested},
		&models.Experiment{ExperimentID: "b", State: models.StateUntested},
	))
	require.Error(t, s.AddUntested(shopID, 42, &models.Experiment{}))

	require.NoError(t, s.RemoveUntested(shopID, 42, "a"))
	require.NoError(t, s.RemoveUntested(shopID, 42, "b"))
	untested, err := s.ListUntested(shopID)
	require.NoError(t, err)
	assert.NotContains(t, untested, int64(42))

	require.NoError(t, s.SaveTesting(shopID, 42, &models.Experiment{ExperimentID: "a", State: models.StateTesting}))
	live, err := s.GetTesting(shopID, 42)
	require.NoError(t, err)
	assert.Equal(t, "a", live.ExperimentID)
	require.NoError(t, s.ClearTesting(shopID, 42))
	live, err = s.GetTesting(shopID, 42)
	require.NoError(t, err)
	assert.Nil(t, live)

	require.NoError(t, s.AppendTested(shopID, 42, &models.Experiment{ExperimentID: "a", State: models.StateKept}))
	require.NoError(t, s.SaveTested(shopID, 42, &models.Experiment{ExperimentID: "a", State: models.StateKept, Notes: "won"}))
	tested, err := s.ListTested(shopID)
	require.NoError(t, err)
	require.Len(t, tested[42], 1)
	assert.Equal(t, "won", tested[42][0].Notes)

	err = s.SaveTested(shopID, 42, &models.Experiment{ExperimentID: "zzz"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProposals(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.SaveProposal(shopID, &models.Proposal{ListingID: 9, Options: []*models.Experiment{{ExperimentID: "x"}}}))
	require.NoError(t, s.SaveProposal(shopID, &models.Proposal{ListingID: 3}))

	all, err := s.ListProposals(shopID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(3), all[0].ListingID)

	require.NoError(t, s.DeleteProposal(shopID, 9))
	require.NoError(t, s.DeleteProposal(shopID, 9))
	p, err := s.GetProposal(shopID, 9)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPerformanceHistory(t *testing.T) {
	s, dir := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordPerformance(ctx, shopID, "2024-01-01", map[int64]int{42: 100}))
	require.NoError(t, s.RecordPerformance(ctx, shopID, "2024-01-02", map[int64]int{42: 110, 7: 5}))

	fresh := NewStore(dir, zaptest.NewLogger(t))
	h, err := fresh.LoadHistory(ctx, shopID)
	require.NoError(t, err)
	views, ok := h.Views("2024-01-02", 7)
	require.True(t, ok)
	assert.Equal(t, 5, views)
	assert.Equal(t, 115, h.Total("2024-01-02"))
}

func TestArchiveAndRestoreImageEntry(t *testing.T) {
	s, _ := newStore(t)
	dir := s.Layout().ListingDir(shopID, 42)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "01_7.jpg")
	require.NoError(t, os.WriteFile(path, []byte("img"), 0o644))

	none, err := s.ArchiveImageEntry(shopID, 42, 7)
	require.NoError(t, err)
	assert.Nil(t, none, "no manifest yet")

	require.NoError(t, s.SaveImagesManifest(shopID, 42, &models.ImageManifest{
		Results: []models.ImageResult{{ListingImageID: 7, Rank: 1}},
		Files:   []models.ImageFile{{ListingImageID: 7, Rank: 1, Path: path}},
	}))

	entry, err := s.ArchiveImageEntry(shopID, 42, 7)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.FileExists(t, filepath.Join(s.Layout().ArchiveDir(shopID, 42), "01_7.jpg"))
	m, err := s.GetImagesSnapshot(shopID, 42)
	require.NoError(t, err)
	assert.Empty(t, m.Files)
	require.Len(t, m.Archived.Files, 1)

	entry, err = s.RestoreImageEntry(shopID, 42, 7)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, path, entry.Path)
	assert.FileExists(t, path)

	s.Invalidate(shopID)
	m, err = s.GetImagesSnapshot(shopID, 42)
	require.NoError(t, err)
	require.Len(t, m.Files, 1)
	assert.Empty(t, m.Archived.Files)
}
