package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformanceHistory(t *testing.T) {
	h := PerformanceHistory{}
	h.Record("2024-01-01", map[int64]int{1: 100, 2: 50})
	h.Record("2024-01-15", map[int64]int{1: 120})

	assert.Equal(t, []string{"2024-01-01", "2024-01-15"}, h.Dates())
	assert.Equal(t, 150, h.Total("2024-01-01"))
	assert.Equal(t, 0, h.Total("2023-12-31"))

	latest := h.LatestFor(1)
	require.NotNil(t, latest)
	assert.Equal(t, ViewSnapshot{Date: "2024-01-15", Views: 120}, *latest)

	// listing 2 is absent on the latest date
	assert.Nil(t, h.LatestFor(2))

	_, ok := PerformanceHistory{}.LatestDate()
	assert.False(t, ok)
}
