package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawsStayInDomain(t *testing.T) {
	g := New(0.05, 1)
	for _, p := range g.Generate(50_000) {
		require.GreaterOrEqual(t, p, 0.0)
		require.LessOrEqual(t, p, Upper)
		require.Less(t, p, 1.0)
	}
}

func TestDeterministicForSeed(t *testing.T) {
	a := New(0.1, 42).Generate(1000)
	b := New(0.1, 42).Generate(1000)
	c := New(0.1, 43).Generate(1000)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNoSwitchStaysRandom(t *testing.T) {
	g := New(0, 7)
	g.Generate(1000)
	assert.Equal(t, Random, g.Regime())
	assert.Equal(t, 1000, g.Steps())
	centers, stds := g.Clusters()
	assert.Empty(t, centers)
	assert.Empty(t, stds)
}

func TestAlwaysSwitchAlternates(t *testing.T) {
	g := New(1, 7)
	g.Next()
	assert.Equal(t, Clustered, g.Regime())
	centers, stds := g.Clusters()
	require.NotEmpty(t, centers)
	require.LessOrEqual(t, len(centers), 4)
	for i := range centers {
		assert.GreaterOrEqual(t, centers[i], 0.2)
		assert.LessOrEqual(t, centers[i], 0.8)
		assert.GreaterOrEqual(t, stds[i], 0.05)
		assert.LessOrEqual(t, stds[i], 0.2)
	}
	g.Next()
	assert.Equal(t, Random, g.Regime())
	assert.Equal(t, 1, g.Steps())
}

func TestClusteredConcentrates(t *testing.T) {
	g := New(1, 3)
	g.Next() // enter the clustered regime
	g.ModeChangeProb = 0
	centers, stds := g.Clusters()
	var inside int
	const n = 10_000
	for i := 0; i < n; i++ {
		p := g.Next()
		for j, c := range centers {
			if p > c-4*stds[j] && p < c+4*stds[j] {
				inside++
				break
			}
		}
	}
	assert.Greater(t, inside, n*99/100)
}
