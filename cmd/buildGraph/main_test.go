package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/diffusebag/pkg/bucketstore"
)

func TestBucketTicksLabelLowerBounds(t *testing.T) {
	ticks := bucketTicks{levels: 10, every: 5}.Ticks(0, 10)
	require.Len(t, ticks, 3)
	assert.Equal(t, 0.0, ticks[0].Value)
	assert.Equal(t, "0.00", ticks[0].Label)
	assert.Equal(t, 5.0, ticks[1].Value)
	assert.Equal(t, "0.50", ticks[1].Label)
	assert.Equal(t, "1.00", ticks[2].Label)

	// outside the visible range
	assert.Len(t, bucketTicks{levels: 10, every: 1}.Ticks(2, 4), 3)
}

func TestRenderStageWritesPNG(t *testing.T) {
	snap := bucketstore.Snapshot{
		Counts:      []int{3, 0, 5, 1},
		AvgPriority: []float64{0.1, 0, 0.6, 0.8},
	}
	out := filepath.Join(t.TempDir(), "stage.png")
	require.NoError(t, renderStage("main", snap, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}

func TestRenderStageEmptyBuckets(t *testing.T) {
	snap := bucketstore.Snapshot{
		Counts:      make([]int, 20),
		AvgPriority: make([]float64, 20),
	}
	out := filepath.Join(t.TempDir(), "empty.png")
	assert.NoError(t, renderStage("staging", snap, out))
}
