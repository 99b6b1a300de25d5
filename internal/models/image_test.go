package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderedIDsPrefersResults(t *testing.T) {
	m := &ImageManifest{
		Results: []ImageResult{{ListingImageID: 3, Rank: 2}, {ListingImageID: 1, Rank: 1}},
		Files:   []ImageFile{{ListingImageID: 9, Rank: 1}},
	}
	assert.Equal(t, []int64{1, 3}, m.OrderedIDs())
}

func TestOrderedIDsFallsBackToFiles(t *testing.T) {
	m := &ImageManifest{
		Files: []ImageFile{{ListingImageID: 20, Rank: 2}, {ListingImageID: 10, Rank: 1}},
	}
	assert.Equal(t, []int64{10, 20}, m.OrderedIDs())

	var nilManifest *ImageManifest
	assert.Nil(t, nilManifest.OrderedIDs())
}

func TestResolveIDFollowsChains(t *testing.T) {
	mapping := map[int64]int64{1: 2, 2: 3}
	assert.Equal(t, int64(3), ResolveID(mapping, 1))
	assert.Equal(t, int64(3), ResolveID(mapping, 2))
	assert.Equal(t, int64(4), ResolveID(mapping, 4))

	cyclic := map[int64]int64{1: 2, 2: 1}
	assert.Equal(t, int64(2), ResolveID(cyclic, 1))
}

func TestRemapIDs(t *testing.T) {
	m := &ImageManifest{
		Results: []ImageResult{{ListingImageID: 1, Rank: 1}, {ListingImageID: 2, Rank: 2}},
		Files:   []ImageFile{{ListingImageID: 1, Rank: 1, Path: "a.jpg"}},
	}
	m.RemapIDs(map[int64]int64{1: 5, 5: 6})

	assert.Equal(t, []int64{6, 2}, m.OrderedIDs())
	assert.Equal(t, int64(6), m.Files[0].ListingImageID)
	rank, ok := m.RankOf(6)
	assert.True(t, ok)
	assert.Equal(t, 1, rank)
}
