package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to ExperimentState
		want     bool
	}{
		{"", StateUntested, true},
		{StateProposed, StateUntested, true},
		{StateUntested, StateTesting, true},
		{StateUntested, StateKept, false},
		{StateTesting, StateFinished, true},
		{StateTesting, StateKept, true},
		{StateTesting, StateReverted, true},
		{StateFinished, StateTesting, true},
		{StateFinished, StateReverted, true},
		{StateKept, StateTesting, false},
		{StateReverted, StateKept, false},
		{"bogus", StateTesting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionRejectsTerminal(t *testing.T) {
	exp := &Experiment{ExperimentID: "e1", ListingID: 5, State: StateKept}
	err := exp.Transition(StateTesting)
	require.Error(t, err)
	assert.Equal(t, StateKept, exp.State)
	assert.True(t, exp.State.IsTerminal())
	assert.False(t, exp.State.IsLive())
}

func TestPlannedEnd(t *testing.T) {
	exp := &Experiment{StartDate: "2024-03-01", RunDurationDays: 14}
	end, ok := exp.PlannedEnd()
	require.True(t, ok)
	assert.Equal(t, "2024-03-15", FormatDate(end))

	exp.PlannedEndDate = "2024-04-01"
	end, ok = exp.PlannedEnd()
	require.True(t, ok)
	assert.Equal(t, "2024-04-01", FormatDate(end))

	_, ok = (&Experiment{StartDate: "2024-03-01"}).PlannedEnd()
	assert.False(t, ok)
}

func TestSetBaselineKeepsFirst(t *testing.T) {
	exp := &Experiment{}
	assert.True(t, exp.SetBaseline(&ViewSnapshot{Date: "2024-01-01", Views: 100}))
	assert.False(t, exp.SetBaseline(&ViewSnapshot{Date: "2024-01-02", Views: 5}))
	assert.Equal(t, 100, exp.Performance.Baseline.Views)
	assert.False(t, (&Experiment{}).SetBaseline(nil))
}

func TestCloneIsDeep(t *testing.T) {
	pct := 10.0
	exp := &Experiment{
		ExperimentID:          "e1",
		Changes:               ChangeSet{TitleChange{ListingID: 1, NewTitle: "x"}},
		OriginalListing:       &Listing{ListingID: 1, Tags: []string{"a"}},
		OriginalListingImages: &ImageManifest{Results: []ImageResult{{ListingImageID: 10, Rank: 1}}},
		Performance: Performance{
			Baseline: &ViewSnapshot{Date: "2024-01-01", Views: 1},
			Latest:   &Evaluation{PctChange: &pct},
		},
	}
	c := exp.Clone()
	c.OriginalListing.Tags[0] = "b"
	c.OriginalListingImages.Results[0].ListingImageID = 99
	*c.Performance.Latest.PctChange = 50
	c.Performance.Baseline.Views = 7

	assert.Equal(t, "a", exp.OriginalListing.Tags[0])
	assert.Equal(t, int64(10), exp.OriginalListingImages.Results[0].ListingImageID)
	assert.Equal(t, 10.0, *exp.Performance.Latest.PctChange)
	assert.Equal(t, 1, exp.Performance.Baseline.Views)
}

func TestToday(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	now := time.Date(2024, 5, 2, 1, 30, 0, 0, loc)
	assert.Equal(t, "2024-05-02", FormatDate(Today(now)))
}
