package experiment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-experiments/internal/models"
)

func seedLamp(t *testing.T, env *testEnv) {
	t.Helper()
	env.seedListing(t, &models.Listing{
		ListingID:   42,
		Title:       "Old",
		Description: "Hand thrown lamp",
		Tags:        []string{"lamp", "ceramic"},
		State:       "active",
	}, 1, 2, 3)
}

func untested(id string, changes ...models.Change) *models.Experiment {
	return &models.Experiment{ExperimentID: id, ListingID: 42, State: models.StateUntested, Changes: changes}
}

func TestAcceptStartsTesting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedLamp(t, env)
	env.recordViews(t, "2024-01-01", map[int64]int{42: 100, 7: 900})
	require.NoError(t, env.store.AddUntested(env.shopID, 42,
		untested("exp-1", models.TitleChange{ListingID: 42, NewTitle: "New"}),
		untested("exp-2", models.DescriptionChange{ListingID: 42, NewDescription: "Other"}),
	))

	exp, err := env.resolver.Accept(ctx, 42, "exp-1")
	require.NoError(t, err)

	assert.Equal(t, models.StateTesting, exp.State)
	assert.Equal(t, "2024-01-08", exp.StartDate)
	assert.Equal(t, 14, exp.RunDurationDays)
	assert.Equal(t, "2024-01-22", exp.PlannedEndDate)
	require.NotNil(t, exp.Performance.Baseline)
	assert.Equal(t, models.ViewSnapshot{Date: "2024-01-01", Views: 100}, *exp.Performance.Baseline)
	require.NotNil(t, exp.OriginalListing)
	assert.Equal(t, "Old", exp.OriginalListing.Title)
	assert.Equal(t, []int64{1, 2, 3}, exp.OriginalListingImages.OrderedIDs())

	stored, err := env.store.GetTesting(env.shopID, 42)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "exp-1", stored.ExperimentID)

	left, err := env.store.GetUntested(env.shopID, 42, "exp-1")
	require.NoError(t, err)
	assert.Nil(t, left)
	other, err := env.store.GetUntested(env.shopID, 42, "exp-2")
	require.NoError(t, err)
	assert.NotNil(t, other)

	assert.Equal(t, "New", env.remote.listing(42).Title)
	require.Len(t, env.remote.updates, 1)
	assert.Nil(t, env.remote.updates[0].Description)
}

func TestAcceptRejectsSecondLiveExperiment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedLamp(t, env)
	require.NoError(t, env.store.SaveTesting(env.shopID, 42, &models.Experiment{
		ExperimentID: "exp-9", ListingID: 42, State: models.StateTesting, StartDate: "2024-01-02",
	}))
	require.NoError(t, env.store.AddUntested(env.shopID, 42,
		untested("exp-2", models.TitleChange{ListingID: 42, NewTitle: "New"})))

	_, err := env.resolver.Accept(ctx, 42, "exp-2")
	require.ErrorIs(t, err, ErrPrecondition)

	live, err := env.store.GetTesting(env.shopID, 42)
	require.NoError(t, err)
	assert.Equal(t, "exp-9", live.ExperimentID)
	backlog, err := env.store.GetUntested(env.shopID, 42, "exp-2")
	require.NoError(t, err)
	assert.NotNil(t, backlog)
	assert.Empty(t, env.remote.updates)
}

func TestAcceptPreconditions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.resolver.Accept(ctx, 42, "missing")
	require.ErrorIs(t, err, ErrPrecondition)

	// no listing snapshot yet
	require.NoError(t, env.store.AddUntested(env.shopID, 42,
		untested("exp-1", models.TitleChange{ListingID: 42, NewTitle: "New"})))
	_, err = env.resolver.Accept(ctx, 42, "exp-1")
	require.ErrorIs(t, err, ErrPrecondition)

	seedLamp(t, env)
	require.NoError(t, env.store.AddUntested(env.shopID, 42,
		untested("exp-x", models.TitleChange{ListingID: 7, NewTitle: "Wrong listing"})))
	_, err = env.resolver.Accept(ctx, 42, "exp-x")
	require.ErrorIs(t, err, ErrValidation)
}

func TestAcceptRemoteFailureLeavesBacklog(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedLamp(t, env)
	require.NoError(t, env.store.AddUntested(env.shopID, 42,
		untested("exp-1", models.TitleChange{ListingID: 42, NewTitle: "New"})))
	env.remote.failUpdate = errors.New("503 service unavailable")

	_, err := env.resolver.Accept(ctx, 42, "exp-1")
	require.ErrorIs(t, err, ErrExternalCall)

	live, err := env.store.GetTesting(env.shopID, 42)
	require.NoError(t, err)
	assert.Nil(t, live)
	backlog, err := env.store.GetUntested(env.shopID, 42, "exp-1")
	require.NoError(t, err)
	assert.NotNil(t, backlog)
}

func TestKeepArchivesExperiment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedLamp(t, env)
	require.NoError(t, env.store.AddUntested(env.shopID, 42,
		untested("exp-1", models.TitleChange{ListingID: 42, NewTitle: "New"})))
	_, err := env.resolver.Accept(ctx, 42, "exp-1")
	require.NoError(t, err)

	_, err = env.resolver.Keep(ctx, 42, "other")
	require.ErrorIs(t, err, ErrPrecondition)

	kept, err := env.resolver.Keep(ctx, 42, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateKept, kept.State)
	assert.Equal(t, "2024-01-08", kept.EndDate)

	live, err := env.store.GetTesting(env.shopID, 42)
	require.NoError(t, err)
	assert.Nil(t, live)
	tested, err := env.store.ListTested(env.shopID)
	require.NoError(t, err)
	require.Len(t, tested[42], 1)
	assert.Equal(t, models.StateKept, tested[42][0].State)

	// the change stays live
	assert.Equal(t, "New", env.remote.listing(42).Title)

	_, err = env.resolver.Keep(ctx, 42, "exp-1")
	require.ErrorIs(t, err, ErrPrecondition)
}

func acceptWithThumbnails(t *testing.T, env *testEnv) {
	t.Helper()
	require.NoError(t, env.store.AddUntested(env.shopID, 42, untested("exp-1",
		models.TitleChange{ListingID: 42, NewTitle: "New"},
		models.ThumbnailChange{ListingID: 42, NewOrdering: []int64{3}},
	)))
	_, err := env.resolver.Accept(context.Background(), 42, "exp-1")
	require.NoError(t, err)
	require.Equal(t, []int64{3, 1, 2}, env.remote.imageIDs(42))
	require.Equal(t, []int64{3, 1, 2}, env.manifest(t, 42).OrderedIDs())
}

func TestRevertRestoresListingAndImages(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedLamp(t, env)
	acceptWithThumbnails(t, env)

	// image 2 was deleted by hand and image 4 added while testing
	env.remote.setImages(42, 3, 1, 4)

	reverted, err := env.resolver.Revert(ctx, 42, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateReverted, reverted.State)
	assert.Equal(t, "2024-01-08", reverted.EndDate)

	assert.Equal(t, "Old", env.remote.listing(42).Title)
	assert.Equal(t, []int64{1, 2, 3}, env.remote.imageIDs(42))
	assert.Contains(t, env.remote.deleted, int64(4))

	m := env.manifest(t, 42)
	assert.Equal(t, []int64{1, 2, 3}, m.OrderedIDs())
	assert.Equal(t, []int64{1, 2, 3}, fileIDs(m.Files))
	assert.Contains(t, fileIDs(m.Archived.Files), int64(4))
	for _, f := range m.Files {
		_, err := os.Stat(f.Path)
		assert.NoError(t, err, f.Path)
	}
	for _, f := range m.Archived.Files {
		assert.Equal(t, "old", filepath.Base(filepath.Dir(f.Path)))
	}

	snapshot, err := env.store.GetListingSnapshot(env.shopID, 42)
	require.NoError(t, err)
	assert.Equal(t, "Old", snapshot.Title)

	live, err := env.store.GetTesting(env.shopID, 42)
	require.NoError(t, err)
	assert.Nil(t, live)
	tested, err := env.store.ListTested(env.shopID)
	require.NoError(t, err)
	require.Len(t, tested[42], 1)
	assert.Equal(t, models.StateReverted, tested[42][0].State)
}

func TestRevertRemapsRejectedImageID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedLamp(t, env)
	acceptWithThumbnails(t, env)

	env.remote.setImages(42, 3, 1)
	env.remote.rejectReuse[2] = true

	_, err := env.resolver.Revert(ctx, 42, "exp-1")
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 101, 3}, env.remote.imageIDs(42))
	tested, err := env.store.ListTested(env.shopID)
	require.NoError(t, err)
	require.Len(t, tested[42], 1)
	assert.Equal(t, []int64{1, 101, 3}, tested[42][0].OriginalListingImages.OrderedIDs())

	var fallback *models.ImageUpload
	for i := range env.remote.uploads {
		if env.remote.uploads[i].Path != "" {
			fallback = &env.remote.uploads[i]
		}
	}
	require.NotNil(t, fallback)
	assert.Equal(t, 2, fallback.Rank)
}

func TestRevertRequiresSnapshots(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveTesting(env.shopID, 42, &models.Experiment{
		ExperimentID: "exp-1", ListingID: 42, State: models.StateTesting,
	}))
	_, err := env.resolver.Revert(context.Background(), 42, "exp-1")
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveTesting(env.shopID, 42, &models.Experiment{
		ExperimentID: "exp-1", ListingID: 42, State: models.StateTesting,
		StartDate: "2024-01-01", PlannedEndDate: "2024-01-10",
	}))

	_, err := env.resolver.Extend(ctx, 42, "exp-1", 0)
	require.ErrorIs(t, err, ErrPrecondition)
	_, err = env.resolver.Extend(ctx, 42, "nope", 3)
	require.ErrorIs(t, err, ErrPrecondition)

	exp, err := env.resolver.Extend(ctx, 42, "exp-1", 5)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", exp.PlannedEndDate)
	assert.Equal(t, models.StateTesting, exp.State)

	stored, err := env.store.GetTesting(env.shopID, 42)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", stored.PlannedEndDate)
}

func TestExtendDerivesPlannedEndFromRunDuration(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveTesting(env.shopID, 42, &models.Experiment{
		ExperimentID: "exp-1", ListingID: 42, State: models.StateTesting,
		StartDate: "2024-01-01", RunDurationDays: 10,
	}))

	exp, err := env.resolver.Extend(context.Background(), 42, "exp-1", 3)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-14", exp.PlannedEndDate)

	stored, err := env.store.GetTesting(env.shopID, 42)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-14", stored.PlannedEndDate)
}

func TestExtendReopensFinishedExperiment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveTesting(env.shopID, 42, &models.Experiment{
		ExperimentID: "exp-1", ListingID: 42, State: models.StateFinished,
		StartDate: "2023-12-22", PlannedEndDate: "2024-01-05",
	}))

	exp, err := env.resolver.Extend(ctx, 42, "exp-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-07", exp.PlannedEndDate)
	assert.Equal(t, models.StateFinished, exp.State)

	exp, err = env.resolver.Extend(ctx, 42, "exp-1", 10)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-17", exp.PlannedEndDate)
	assert.Equal(t, models.StateTesting, exp.State)
}

func TestMarkFinished(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveTesting(env.shopID, 42, &models.Experiment{
		ExperimentID: "due", State: models.StateTesting, StartDate: "2023-12-25", RunDurationDays: 14,
	}))
	require.NoError(t, env.store.SaveTesting(env.shopID, 7, &models.Experiment{
		ExperimentID: "running", State: models.StateTesting, PlannedEndDate: "2024-01-09",
	}))

	finished, err := env.resolver.MarkFinished(ctx)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, "due", finished[0].ExperimentID)

	due, err := env.store.GetTesting(env.shopID, 42)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, due.State)
	assert.Equal(t, "2024-01-08", due.PlannedEndDate)

	running, err := env.store.GetTesting(env.shopID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.StateTesting, running.State)

	again, err := env.resolver.MarkFinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}
