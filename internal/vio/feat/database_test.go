package feat

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateFeatureParallelSequences(t *testing.T) {
	db := NewFeatureDatabase()
	for i := 0; i < 5; i++ {
		ts := float64(i) * 0.1
		db.UpdateFeature(7, ts, 0, float64(100+i), float64(200+i), 0.1, 0.2)
	}
	f := db.GetFeature(7, false)
	require.NotNil(t, f)
	assert.Len(t, f.Timestamps[0], 5)
	assert.Len(t, f.UVs[0], 5)
	assert.Len(t, f.UVsNorm[0], 5)
	for i := 1; i < len(f.Timestamps[0]); i++ {
		assert.Less(t, f.Timestamps[0][i-1], f.Timestamps[0][i])
	}
}

func TestUpdateFeatureConcurrent(t *testing.T) {
	db := NewFeatureDatabase()
	const (
		goroutines = 8
		perWorker  = 200
	)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Each worker owns one feature id so per-feature time
				// ordering is preserved under interleaving.
				db.UpdateFeature(g, float64(i), g%2, 1, 2, 3, 4)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, goroutines, db.Size())
	for g := 0; g < goroutines; g++ {
		f := db.GetFeature(g, false)
		require.NotNil(t, f, fmt.Sprintf("feature %d", g))
		cam := g % 2
		assert.Len(t, f.Timestamps[cam], perWorker)
		assert.Len(t, f.UVs[cam], perWorker)
		assert.Len(t, f.UVsNorm[cam], perWorker)
	}
}

func TestFeaturesNotContainingNewer(t *testing.T) {
	db := NewFeatureDatabase()
	db.UpdateFeature(1, 1.0, 0, 0, 0, 0, 0) // lost before t=2
	db.UpdateFeature(2, 1.0, 0, 0, 0, 0, 0)
	db.UpdateFeature(2, 2.0, 0, 0, 0, 0, 0) // still tracked at t=2
	db.UpdateFeature(3, 1.0, 0, 0, 0, 0, 0)
	db.UpdateFeature(3, 3.0, 1, 0, 0, 0, 0) // newer in the other camera

	lost := db.FeaturesNotContainingNewer(2.0, false)
	require.Len(t, lost, 1)
	assert.Equal(t, 1, lost[0].FeatID)
}

func TestFeaturesContainingOlder(t *testing.T) {
	db := NewFeatureDatabase()
	db.UpdateFeature(1, 0.5, 0, 0, 0, 0, 0)
	db.UpdateFeature(2, 2.0, 0, 0, 0, 0, 0)

	old := db.FeaturesContainingOlder(1.0, false)
	require.Len(t, old, 1)
	assert.Equal(t, 1, old[0].FeatID)
}

func TestFeaturesContainingExact(t *testing.T) {
	db := NewFeatureDatabase()
	db.UpdateFeature(1, 1.25, 0, 0, 0, 0, 0)
	db.UpdateFeature(2, 1.5, 0, 0, 0, 0, 0)

	hits := db.FeaturesContaining(1.25, false)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].FeatID)
}

func TestRemovingQueryTransfersOwnership(t *testing.T) {
	db := NewFeatureDatabase()
	db.UpdateFeature(1, 1.0, 0, 0, 0, 0, 0)

	got := db.FeaturesNotContainingNewer(2.0, true)
	require.Len(t, got, 1)
	assert.Equal(t, 0, db.Size())

	// Appending after removal creates a fresh feature; the removed one is
	// untouched by later tracker writes.
	db.UpdateFeature(1, 3.0, 0, 9, 9, 9, 9)
	assert.Len(t, got[0].Timestamps[0], 1)
}

func TestMarkToDeleteAndCleanup(t *testing.T) {
	db := NewFeatureDatabase()
	db.UpdateFeature(1, 1.0, 0, 0, 0, 0, 0)
	db.UpdateFeature(2, 1.0, 0, 0, 0, 0, 0)
	db.UpdateFeature(3, 1.0, 0, 0, 0, 0, 0)

	// Mutating a copy must not affect the stored feature.
	got := db.GetFeature(3, false)
	got.ToDelete = true

	db.MarkToDelete(1, 99)
	db.Cleanup()
	assert.Equal(t, 2, db.Size())
	assert.Nil(t, db.GetFeature(1, false))
	assert.NotNil(t, db.GetFeature(2, false))
	assert.NotNil(t, db.GetFeature(3, false))
}

func TestCleanOldMeasurements(t *testing.T) {
	f := NewFeature(1)
	for i := 0; i < 4; i++ {
		f.Append(0, float64(i), [2]float64{float64(i), 0}, [2]float64{0, float64(i)})
	}
	f.Append(1, 2, [2]float64{9, 9}, [2]float64{9, 9})

	f.CleanOldMeasurements([]float64{1, 3})
	assert.Equal(t, []float64{1, 3}, f.Timestamps[0])
	assert.Equal(t, [][2]float64{{1, 0}, {3, 0}}, f.UVs[0])
	assert.Equal(t, [][2]float64{{0, 1}, {0, 3}}, f.UVsNorm[0])
	assert.Empty(t, f.Timestamps[1])
	assert.Len(t, f.UVs[1], 0)
}
