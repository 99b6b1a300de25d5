package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeSetDecodesDiscriminatedEntries(t *testing.T) {
	raw := `[
		{"change_type":"tags","listing_id":7,"tags_to_add":["linen"],"tags_to_remove":["cotton"]},
		{"change_type":"title","listing_id":7,"new_title":"Linen Apron"},
		{"change_type":"description","listing_id":7,"new_description":"Washed linen."},
		{"change_type":"thumbnail","listing_id":7,"new_ordering":[30,10]}
	]`

	var cs ChangeSet
	require.NoError(t, json.Unmarshal([]byte(raw), &cs))
	require.Len(t, cs, 4)

	assert.Equal(t, TagChange{ListingID: 7, TagsToAdd: []string{"linen"}, TagsToRemove: []string{"cotton"}}, cs[0])
	assert.Equal(t, TitleChange{ListingID: 7, NewTitle: "Linen Apron"}, cs[1])
	assert.Equal(t, DescriptionChange{ListingID: 7, NewDescription: "Washed linen."}, cs[2])
	assert.Equal(t, ThumbnailChange{ListingID: 7, NewOrdering: []int64{30, 10}}, cs[3])
	assert.Equal(t, []ChangeKind{ChangeKindTags, ChangeKindTitle, ChangeKindDescription, ChangeKindThumbnails}, cs.Kinds())
}

func TestChangeSetRejectsUnknownKind(t *testing.T) {
	var cs ChangeSet
	err := json.Unmarshal([]byte(`[{"change_type":"price","listing_id":1}]`), &cs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown change_type "price"`)
}

func TestChangeSetEncodesDiscriminator(t *testing.T) {
	cs := ChangeSet{
		TitleChange{ListingID: 3, NewTitle: "A"},
		ThumbnailChange{ListingID: 3, NewOrdering: []int64{9007199254740993}},
	}
	data, err := json.Marshal(cs)
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"change_type":"title","listing_id":3,"new_title":"A"},
		{"change_type":"thumbnail","listing_id":3,"new_ordering":[9007199254740993]}
	]`, string(data))

	var back ChangeSet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, cs, back)
}

func TestKindsDeduplicates(t *testing.T) {
	cs := ChangeSet{
		TagChange{ListingID: 1},
		TitleChange{ListingID: 1},
		TagChange{ListingID: 1},
	}
	assert.Equal(t, []ChangeKind{ChangeKindTags, ChangeKindTitle}, cs.Kinds())
}

func TestForListingFillsMissingListingID(t *testing.T) {
	cs := ChangeSet{
		TitleChange{NewTitle: "New"},
		TagChange{ListingID: 9, TagsToAdd: []string{"x"}},
		ThumbnailChange{NewOrdering: []int64{2}},
		DescriptionChange{NewDescription: "Body"},
	}

	bound := cs.ForListing(42)
	require.Len(t, bound, 4)
	assert.Equal(t, TitleChange{ListingID: 42, NewTitle: "New"}, bound[0])
	assert.Equal(t, TagChange{ListingID: 9, TagsToAdd: []string{"x"}}, bound[1])
	assert.Equal(t, ThumbnailChange{ListingID: 42, NewOrdering: []int64{2}}, bound[2])
	assert.Equal(t, DescriptionChange{ListingID: 42, NewDescription: "Body"}, bound[3])
	assert.Equal(t, int64(0), cs[0].Listing())
}
