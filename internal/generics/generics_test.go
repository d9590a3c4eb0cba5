package generics

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceMap(t *testing.T) {
	in := []int{1, 2, 3}
	got := SliceMap(in, func(e int) float32 { return float32(e) * 2 })
	assert.Equal(t, []float32{2, 4, 6}, got)
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"feats": 1, "centroid": 5, "node_importance": 3}
	// Since the builtin map iterator in Go is deliberately non-deterministic, we
	// run it a bunch of times to show it is stably sorted.
	want := []string{"centroid", "feats", "node_importance"}
	for range 100 {
		got := slices.Collect(SortedKeys(m))
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := MakeSet[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))
}
