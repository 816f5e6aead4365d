package bag

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/i5heu/diffusebag/pkg/config"
	"github.com/i5heu/diffusebag/pkg/diffuser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(levels, stagingLevels, modes int) config.Config {
	return config.Config{
		NumLevels:        levels,
		NumStagingLevels: stagingLevels,
		NumWorkingModes:  modes,
		Capacity:         50,
		StagingCapacity:  100,
		TransferPolicy:   config.TransferManual,
		PopFrequency:     1,
	}
}

func newBag(t *testing.T, cfg config.Config, opts ...Option) *Bag[string, int] {
	t.Helper()
	opts = append([]Option{WithRand(rand.NewPCG(11, 13))}, opts...)
	b, err := New[string, int](cfg, opts...)
	require.NoError(t, err)
	return b
}

func item(key string, p float64) Item[string, int] {
	return Item[string, int]{Key: key, Priority: p}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	for name, cfg := range map[string]config.Config{
		"main levels":    testConfig(15, 20, 2),
		"staging levels": testConfig(10, 25, 2),
		"zero modes":     testConfig(10, 20, 0),
		"zero capacity":  func() config.Config { c := testConfig(10, 20, 2); c.Capacity = 0; return c }(),
	} {
		t.Run(name, func(t *testing.T) {
			b, err := New[string, int](cfg)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
			assert.Nil(t, b)
		})
	}
}

func TestAdmitRejectsOutOfDomain(t *testing.T) {
	b := newBag(t, testConfig(10, 20, 2))
	for _, p := range []float64{1.0, -0.5, 2} {
		assert.ErrorIs(t, b.Admit(item("x", p)), ErrPriorityOutOfRange)
	}
	assert.Zero(t, b.StagingLen())
	assert.Equal(t, uint64(3), b.Stats().Rejected)
}

func TestAdmitOnlyStages(t *testing.T) {
	b := newBag(t, testConfig(10, 20, 2))
	require.NoError(t, b.Admit(item("a", 0.3)))
	assert.Equal(t, 1, b.StagingLen())
	assert.Zero(t, b.Len())
	assert.False(t, b.Contains("a"))
}

func TestTakeScenarioFixedOrder(t *testing.T) {
	b := newBag(t, testConfig(10, 10, 1), WithPermuter(diffuser.Identity{}))
	require.NoError(t, b.main.Insert(0.11, item("A", 0.11)))
	require.NoError(t, b.main.Insert(0.05, item("B", 0.05)))
	require.Equal(t, 1, b.main.BucketLen(1))
	require.Equal(t, 1, b.main.BucketLen(0))

	it, ok := b.Take()
	require.True(t, ok)
	assert.Equal(t, "A", it.Key)

	it, ok = b.Take()
	require.True(t, ok)
	assert.Equal(t, "B", it.Key)

	_, ok = b.Take()
	assert.False(t, ok)
}

func TestTransferMovesOneItemWithinMode(t *testing.T) {
	b := newBag(t, testConfig(10, 20, 2))
	require.NoError(t, b.Admit(item("low", 0.2)))  // staging bucket 4, mode 0
	require.NoError(t, b.Admit(item("high", 0.8))) // staging bucket 16, mode 1

	moved, err := b.TransferOne(0)
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.StagingLen())

	got, ok := b.Lookup("low")
	require.True(t, ok)
	assert.Equal(t, 0.2, got.Priority)
	counts := b.main.Snapshot().Counts
	assert.Equal(t, 1, sum(counts[0:5]))
	assert.Zero(t, sum(counts[5:10]))

	moved, err = b.TransferOne(0)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = b.TransferOne(1)
	require.NoError(t, err)
	require.True(t, moved)
	counts = b.main.Snapshot().Counts
	assert.Equal(t, 1, sum(counts[5:10]))
}

func TestTransferOneRejectsBadMode(t *testing.T) {
	b := newBag(t, testConfig(10, 20, 2))
	_, err := b.TransferOne(2)
	assert.ErrorIs(t, err, ErrInvalidMode)
	_, err = b.TransferOne(-1)
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestModeIsolation(t *testing.T) {
	b := newBag(t, testConfig(10, 10, 2))
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Admit(item(fmt.Sprint("m1-", i), 0.5+float64(i)/100)))
		require.NoError(t, b.Admit(item(fmt.Sprint("m0-", i), float64(i)/100)))
	}
	stagingBefore := b.staging.Snapshot().Counts
	inCursor := b.in[1].Cursor()
	ascCursor := b.staging.Diffuser(1, diffuser.Ascending).Cursor()
	descCursor := b.staging.Diffuser(1, diffuser.Descending).Cursor()

	for i := 0; i < 15; i++ {
		moved, err := b.TransferOne(0)
		require.NoError(t, err)
		require.True(t, moved)
	}

	stagingAfter := b.staging.Snapshot().Counts
	assert.Equal(t, stagingBefore[5:], stagingAfter[5:])
	assert.Equal(t, 5, sum(stagingAfter[:5]))
	mainCounts := b.main.Snapshot().Counts
	assert.Equal(t, 15, sum(mainCounts[:5]))
	assert.Zero(t, sum(mainCounts[5:]))
	assert.Equal(t, inCursor, b.in[1].Cursor())
	assert.Equal(t, ascCursor, b.staging.Diffuser(1, diffuser.Ascending).Cursor())
	assert.Equal(t, descCursor, b.staging.Diffuser(1, diffuser.Descending).Cursor())
}

func TestEveryPolicyTransfersOnFrequency(t *testing.T) {
	cfg := testConfig(10, 10, 1)
	cfg.TransferPolicy = config.TransferEvery
	cfg.PopFrequency = 3
	b := newBag(t, cfg)
	for i := 0; i < 9; i++ {
		require.NoError(t, b.Admit(item(fmt.Sprint(i), 0.5)))
	}
	assert.Equal(t, uint64(3), b.Stats().Transferred)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 6, b.StagingLen())
}

func TestManualPolicyNeverTransfers(t *testing.T) {
	b := newBag(t, testConfig(10, 10, 1))
	for i := 0; i < 30; i++ {
		require.NoError(t, b.Admit(item(fmt.Sprint(i), 0.5)))
	}
	assert.Zero(t, b.Len())
	assert.Equal(t, 30, b.Drain(0))
	assert.Equal(t, 30, b.Len())
	assert.Zero(t, b.Drain(0))
}

func TestDrainLimit(t *testing.T) {
	b := newBag(t, testConfig(10, 10, 2))
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Admit(item(fmt.Sprint(i), float64(i)/10)))
	}
	assert.Equal(t, 4, b.Drain(4))
	assert.Equal(t, 6, b.StagingLen())
}

func TestMainCapacityEvictsInsteadOfFailing(t *testing.T) {
	cfg := testConfig(1, 1, 1)
	cfg.Capacity = 5
	b := newBag(t, cfg)
	for i := 0; i < 12; i++ {
		require.NoError(t, b.Admit(item(fmt.Sprint(i), 0.4)))
	}
	assert.Equal(t, 12, b.Drain(0))
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, uint64(7), b.Stats().MainEvicted)
}

func TestLookupContainsRemove(t *testing.T) {
	b := newBag(t, testConfig(10, 10, 1))
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Admit(Item[string, int]{Key: fmt.Sprint("k", i), Priority: float64(i) / 10, Value: i}))
	}
	b.Drain(0)

	assert.True(t, b.Contains("k3"))
	it, ok := b.Lookup("k3")
	require.True(t, ok)
	assert.Equal(t, 3, it.Value)
	assert.Equal(t, 10, b.Len())

	it, ok = b.Remove("k3")
	require.True(t, ok)
	assert.Equal(t, 3, it.Value)
	assert.False(t, b.Contains("k3"))
	assert.Equal(t, 9, b.Len())

	_, ok = b.Remove("k3")
	assert.False(t, ok)
	_, ok = b.Lookup("nope")
	assert.False(t, ok)
}

func TestAveragePriority(t *testing.T) {
	b := newBag(t, testConfig(10, 10, 1))
	assert.Equal(t, EmptyAveragePriority, b.AveragePriority())

	for _, p := range []float64{0.1, 0.2, 0.6} {
		require.NoError(t, b.Admit(item(fmt.Sprint(p), p)))
	}
	// staged items do not count
	assert.Equal(t, EmptyAveragePriority, b.AveragePriority())
	b.Drain(0)
	assert.InDelta(t, 0.3, b.AveragePriority(), 1e-12)
}

func TestClearKeepsScanState(t *testing.T) {
	b := newBag(t, testConfig(10, 20, 2))
	for i := 0; i < 40; i++ {
		require.NoError(t, b.Admit(item(fmt.Sprint(i), float64(i)/40)))
	}
	b.Drain(20)
	b.Take()

	outOrder, outCursor := b.out.Order(), b.out.Cursor()
	inOrder, inCursor := b.in[0].Order(), b.in[0].Cursor()
	stOrder := b.staging.Diffuser(1, diffuser.Descending).Order()

	b.Clear()
	b.Clear()
	assert.Zero(t, b.Len())
	assert.Zero(t, b.StagingLen())
	assert.Equal(t, EmptyAveragePriority, b.AveragePriority())
	assert.Equal(t, outOrder, b.out.Order())
	assert.Equal(t, outCursor, b.out.Cursor())
	assert.Equal(t, inOrder, b.in[0].Order())
	assert.Equal(t, inCursor, b.in[0].Cursor())
	assert.Equal(t, stOrder, b.staging.Diffuser(1, diffuser.Descending).Order())

	_, ok := b.Take()
	assert.False(t, ok)
}

func TestSnapshotIsReadOnly(t *testing.T) {
	b := newBag(t, testConfig(10, 20, 2))
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Admit(item(fmt.Sprint(i), float64(i)/20)))
	}
	b.Drain(10)
	cursor := b.out.Cursor()

	snap := b.Snapshot()
	assert.Equal(t, 10, snap.Main.Total())
	assert.Equal(t, 10, snap.Staging.Total())
	assert.Len(t, snap.Main.Counts, 10)
	assert.Len(t, snap.Staging.Counts, 20)
	assert.Equal(t, uint64(20), snap.Stats.Admitted)
	assert.Equal(t, uint64(10), snap.Stats.Transferred)
	assert.Equal(t, cursor, b.out.Cursor())
	assert.Equal(t, 10, b.Len())
}

// Higher buckets carry more weight in the consumer scan, so the first half
// of the items taken should skew high.
func TestTakeFavorsHigherBuckets(t *testing.T) {
	cfg := testConfig(10, 10, 1)
	cfg.Capacity = 1000
	b := newBag(t, cfg, WithPermuter(rand.New(rand.NewPCG(21, 21))))
	for lvl := 0; lvl < 10; lvl++ {
		for i := 0; i < 100; i++ {
			b.main.InsertAt(lvl, float64(lvl)/10, item(fmt.Sprint(lvl, "-", i), float64(lvl)/10))
		}
	}
	var early float64
	for i := 0; i < 300; i++ {
		it, ok := b.Take()
		require.True(t, ok)
		early += it.Priority
	}
	assert.Greater(t, early/300, 0.5)
	for {
		if _, ok := b.Take(); !ok {
			break
		}
	}
	assert.Zero(t, b.Len())
	assert.Equal(t, uint64(1000), b.Stats().Taken)
}

func TestConcurrentAdmitTransferTake(t *testing.T) {
	cfg := testConfig(20, 40, 4)
	cfg.Capacity = 100_000
	cfg.StagingCapacity = 100_000
	b := newBag(t, cfg)

	const producers, perProducer = 4, 2500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(p), 1))
			for i := 0; i < perProducer; i++ {
				_ = b.Admit(item(fmt.Sprint(p, "-", i), rng.Float64()))
				if i%10 == 0 {
					b.Transfer()
				}
			}
		}(p)
	}
	var taken sync.WaitGroup
	var mu sync.Mutex
	got := 0
	stop := make(chan struct{})
	for c := 0; c < 2; c++ {
		taken.Add(1)
		go func() {
			defer taken.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, ok := b.Take(); ok {
					mu.Lock()
					got++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	taken.Wait()

	b.Drain(0)
	for {
		if _, ok := b.Take(); !ok {
			break
		}
		got++
	}
	assert.Equal(t, producers*perProducer, got)
	assert.Zero(t, b.StagingLen())
}

func sum(xs []int) int {
	n := 0
	for _, x := range xs {
		n += x
	}
	return n
}
