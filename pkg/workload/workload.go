// Package workload generates synthetic priority streams that switch between
// statistical regimes, for driving a bag in simulations and benchmarks.
package workload

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Upper is the largest priority the generator emits.
const Upper = 1 - 1e-5

// Regime is the current statistical mode of a Generator.
type Regime int

const (
	// Random draws uniformly from [0, Upper).
	Random Regime = iota
	// Clustered draws from one of a few normal clusters, clipped to [0, Upper].
	Clustered
)

func (r Regime) String() string {
	if r == Clustered {
		return "clustered"
	}
	return "random"
}

// Generator is a chaotic priority source. Before every draw it switches
// regime with probability ModeChangeProb. It is not safe for concurrent use.
type Generator struct {
	ModeChangeProb float64

	rng      *rand.Rand
	regime   Regime
	clusters []distuv.Normal
	steps    int
}

// New returns a generator seeded with seed.
func New(modeChangeProb float64, seed uint64) *Generator {
	return &Generator{
		ModeChangeProb: modeChangeProb,
		rng:            rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)),
	}
}

// Next returns the next priority in [0, Upper].
func (g *Generator) Next() float64 {
	if g.rng.Float64() < g.ModeChangeProb {
		g.switchRegime()
	}
	g.steps++
	if g.regime == Random {
		return g.draw(distuv.Uniform{Min: 0, Max: Upper})
	}
	c := g.clusters[g.rng.IntN(len(g.clusters))]
	return math.Min(math.Max(g.draw(c), 0), Upper)
}

// Generate returns n consecutive draws.
func (g *Generator) Generate(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

func (g *Generator) Regime() Regime { return g.regime }

// Steps returns the number of draws since the last regime switch.
func (g *Generator) Steps() int { return g.steps }

type quantiler interface {
	Quantile(p float64) float64
}

// draw samples d by inverse transform so every draw comes from g.rng.
func (g *Generator) draw(d quantiler) float64 {
	u := g.rng.Float64()
	for u == 0 {
		u = g.rng.Float64()
	}
	return d.Quantile(u)
}

func (g *Generator) switchRegime() {
	g.steps = 0
	if g.regime == Clustered {
		g.regime = Random
		g.clusters = nil
		return
	}
	g.regime = Clustered
	centers := distuv.Uniform{Min: 0.2, Max: 0.8}
	stds := distuv.Uniform{Min: 0.05, Max: 0.2}
	n := 1 + g.rng.IntN(4)
	g.clusters = make([]distuv.Normal, n)
	for i := range g.clusters {
		g.clusters[i] = distuv.Normal{Mu: g.draw(centers), Sigma: g.draw(stds)}
	}
}

// Clusters returns the centers and standard deviations of the active
// clusters; both are empty in the Random regime.
func (g *Generator) Clusters() (centers, stds []float64) {
	for _, c := range g.clusters {
		centers = append(centers, c.Mu)
		stds = append(stds, c.Sigma)
	}
	return centers, stds
}
