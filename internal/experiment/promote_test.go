package experiment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"listing-experiments/internal/models"
)

func TestSelectProposalPromotesEveryOption(t *testing.T) {
	env := newTestEnv(t)
	seedLamp(t, env)
	require.NoError(t, env.store.SaveProposal(env.shopID, &models.Proposal{
		ListingID: 42,
		Options: []*models.Experiment{
			{Changes: models.ChangeSet{models.TitleChange{ListingID: 42, NewTitle: "Lamp A"}}},
			{ExperimentID: "tags-b", Changes: models.ChangeSet{models.TagChange{ListingID: 42, TagsToAdd: []string{"gift"}}}},
			{ExperimentID: "empty"},
		},
	}))
	p := NewPromoter(env.shopID, env.store, zaptest.NewLogger(t))

	selected, err := p.SelectProposal(42, "tags-b")
	require.NoError(t, err)
	assert.Equal(t, "tags-b", selected.ExperimentID)
	assert.Equal(t, models.StateUntested, selected.State)
	assert.Equal(t, 14, selected.RunDurationDays)
	require.NotNil(t, selected.OriginalListing)
	assert.Equal(t, "Old", selected.OriginalListing.Title)
	assert.Equal(t, []int64{1, 2, 3}, selected.OriginalListingImages.OrderedIDs())

	backlog, err := env.store.ListUntested(env.shopID)
	require.NoError(t, err)
	require.Len(t, backlog[42], 2)
	assert.Contains(t, backlog[42], "tags-b")
	for id, exp := range backlog[42] {
		assert.NotEmpty(t, id)
		assert.Equal(t, models.StateUntested, exp.State)
	}

	proposal, err := env.store.GetProposal(env.shopID, 42)
	require.NoError(t, err)
	assert.Nil(t, proposal)

	_, err = p.SelectProposal(42, "")
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestSelectProposalUnknownOption(t *testing.T) {
	env := newTestEnv(t)
	seedLamp(t, env)
	require.NoError(t, env.store.SaveProposal(env.shopID, &models.Proposal{
		ListingID: 42,
		Options: []*models.Experiment{
			{ExperimentID: "a", Changes: models.ChangeSet{models.TitleChange{ListingID: 42, NewTitle: "A"}}},
		},
	}))
	p := NewPromoter(env.shopID, env.store, zaptest.NewLogger(t))

	_, err := p.SelectProposal(42, "b")
	require.ErrorIs(t, err, ErrPrecondition)

	// the proposal survives a failed selection
	proposal, err := env.store.GetProposal(env.shopID, 42)
	require.NoError(t, err)
	require.NotNil(t, proposal)

	selected, err := p.SelectProposal(42, "")
	require.NoError(t, err)
	assert.Equal(t, "a", selected.ExperimentID)
}

func TestSelectProposalBindsChangesToListing(t *testing.T) {
	env := newTestEnv(t)
	seedLamp(t, env)
	env.recordViews(t, "2024-01-01", map[int64]int{42: 100})
	require.NoError(t, env.store.SaveProposal(env.shopID, &models.Proposal{
		ListingID: 42,
		Options: []*models.Experiment{
			{Changes: models.ChangeSet{models.TitleChange{NewTitle: "Unbound title"}}},
		},
	}))
	p := NewPromoter(env.shopID, env.store, zaptest.NewLogger(t))

	selected, err := p.SelectProposal(42, "")
	require.NoError(t, err)
	require.Len(t, selected.Changes, 1)
	assert.Equal(t, int64(42), selected.Changes[0].Listing())

	exp, err := env.resolver.Accept(context.Background(), 42, selected.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, models.StateTesting, exp.State)
	assert.Equal(t, "Unbound title", env.remote.listing(42).Title)
}
