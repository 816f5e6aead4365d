package main

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i5heu/diffusebag/internal/queue"
	"github.com/i5heu/diffusebag/internal/testbench"
	"github.com/i5heu/diffusebag/pkg/bag"
)

// Compile-time enforcement that the bag satisfies the harness constraint.
func enforceBag[T any, Q queue.BagValidationInterface[T]](q Q) {}

var _ = enforceBag[bag.Item[int, struct{}], *benchBag]

// progressWatchdog monitors progress and fails the test if no progress is made for 15 seconds.
type progressWatchdog struct {
	t            *testing.T
	label        string
	lastProgress atomic.Int64
	done         chan struct{}
}

func newWatchdog(t *testing.T, label string) *progressWatchdog {
	wd := &progressWatchdog{
		t:     t,
		label: label,
		done:  make(chan struct{}),
	}
	wd.lastProgress.Store(time.Now().UnixNano())
	return wd
}

func (wd *progressWatchdog) Start() {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				last := wd.lastProgress.Load()
				elapsed := time.Since(time.Unix(0, last))
				if elapsed > 15*time.Second {
					wd.t.Errorf("No progress in the last 15 seconds (%s test likely stuck).", wd.label)
					return
				}
			case <-wd.done:
				return
			}
		}
	}()
}

func (wd *progressWatchdog) Progress() {
	wd.lastProgress.Store(time.Now().UnixNano())
}

func (wd *progressWatchdog) Stop() {
	close(wd.done)
}

// withAllBags is a test helper that loops over all configurations
// and calls your test function for each one.
func withAllBags(t *testing.T, testedFeatures []string, fn func(t *testing.T, impl Implementation, b *benchBag)) {
	t.Helper()
	for _, impl := range getImplementations() {
		t.Run(impl.name, func(t *testing.T) {
			for _, feature := range testedFeatures {
				found := false
				for _, implFeature := range impl.features {
					if feature == implFeature {
						found = true
						break
					}
				}
				if !found {
					t.Skipf("Skipping: missing feature %q", feature)
					return
				}
			}
			b, err := impl.newBag(1)
			if err != nil {
				t.Fatalf("construct %s: %v", impl.name, err)
			}
			fn(t, impl, b)
		})
	}
}

func item(i int, p float64) bag.Item[int, struct{}] {
	return bag.Item[int, struct{}]{Key: i, Priority: p}
}

func TestEmptyBag(t *testing.T) {
	withAllBags(t, nil, func(t *testing.T, impl Implementation, b *benchBag) {
		if _, ok := b.Take(); ok {
			t.Fatal("Expected Take to report nothing on an empty bag")
		}
		if b.Transfer() {
			t.Fatal("Expected Transfer to move nothing from an empty staging buffer")
		}
		if got := b.AveragePriority(); got != bag.EmptyAveragePriority {
			t.Fatalf("Expected empty average priority %v, got %v", bag.EmptyAveragePriority, got)
		}
	})
}

func TestAdmitDrainTake(t *testing.T) {
	withAllBags(t, nil, func(t *testing.T, impl Implementation, b *benchBag) {
		wd := newWatchdog(t, "AdmitDrainTake")
		wd.Start()
		defer wd.Stop()

		const N = 2000
		for i := 0; i < N; i++ {
			if err := b.Admit(item(i, float64(i)/N)); err != nil {
				t.Fatalf("Admit(%d): %v", i, err)
			}
			wd.Progress()
		}
		b.Drain(0)
		if b.StagingLen() != 0 {
			t.Fatalf("Expected empty staging after drain, got %d", b.StagingLen())
		}

		seen := make(map[int]bool, N)
		for {
			it, ok := b.Take()
			if !ok {
				break
			}
			if seen[it.Key] {
				t.Fatalf("Item %d taken twice", it.Key)
			}
			seen[it.Key] = true
			wd.Progress()
		}
		stats := b.Stats()
		if got := uint64(len(seen)) + stats.MainEvicted + stats.StagingEvicted; got != N {
			t.Fatalf("Expected %d items accounted for, got %d (taken=%d evicted=%d/%d)",
				N, got, len(seen), stats.StagingEvicted, stats.MainEvicted)
		}
	})
}

func TestRejectsPriorityOne(t *testing.T) {
	withAllBags(t, nil, func(t *testing.T, impl Implementation, b *benchBag) {
		if err := b.Admit(item(1, 1.0)); err == nil {
			t.Fatal("Expected priority 1.0 to be rejected")
		}
		if b.StagingLen() != 0 {
			t.Fatalf("Rejected item was staged")
		}
	})
}

func TestHighContention(t *testing.T) {
	withAllBags(t, nil, func(t *testing.T, impl Implementation, b *benchBag) {
		wd := newWatchdog(t, "HighContention")
		wd.Start()
		defer wd.Stop()

		const (
			numProducers     = 50
			numConsumers     = 50
			itemsPerProducer = 1000
		)
		total := numProducers * itemsPerProducer

		var prodWg sync.WaitGroup
		prodWg.Add(numProducers)
		for i := 0; i < numProducers; i++ {
			go func(prodID int) {
				defer prodWg.Done()
				for j := 0; j < itemsPerProducer; j++ {
					key := prodID*itemsPerProducer + j
					if err := b.Admit(item(key, float64(key%997)/997)); err != nil {
						t.Errorf("Admit(%d): %v", key, err)
						return
					}
					if impl.transferEvery > 0 && j%impl.transferEvery == 0 {
						b.Transfer()
					}
					wd.Progress()
				}
			}(i)
		}

		var taken atomic.Uint64
		var stop atomic.Bool
		var consWg sync.WaitGroup
		consWg.Add(numConsumers)
		for i := 0; i < numConsumers; i++ {
			go func() {
				defer consWg.Done()
				for !stop.Load() {
					if _, ok := b.Take(); ok {
						taken.Add(1)
						wd.Progress()
					} else {
						time.Sleep(1 * time.Microsecond)
					}
				}
			}()
		}

		prodWg.Wait()
		stop.Store(true)
		consWg.Wait()

		stats := b.Stats()
		accounted := taken.Load() + uint64(b.Len()) + uint64(b.StagingLen()) + stats.MainEvicted + stats.StagingEvicted
		if accounted != uint64(total) {
			t.Fatalf("Expected %d items accounted for, got %d (taken=%d main=%d staging=%d evicted=%d/%d)",
				total, accounted, taken.Load(), b.Len(), b.StagingLen(), stats.StagingEvicted, stats.MainEvicted)
		}
		if stats.Taken != taken.Load() {
			t.Fatalf("Bag counted %d takes, consumers counted %d", stats.Taken, taken.Load())
		}
	})
}

func TestRunTimedTestSmoke(t *testing.T) {
	withAllBags(t, nil, func(t *testing.T, impl Implementation, b *benchBag) {
		res := testbench.RunTimedTest(
			b,
			testbench.Config{NumProducers: 2, NumConsumers: 2, TransferEvery: impl.transferEvery},
			100*time.Millisecond,
			func(i int) bag.Item[int, struct{}] { return item(i, float64(i%100)/100) },
		)
		if res.Produced == 0 {
			t.Fatal("Expected producers to admit something")
		}
		if res.Consumed > res.Produced {
			t.Fatalf("Consumed %d more than produced %d", res.Consumed, res.Produced)
		}
		if res.Rejected != 0 {
			t.Fatalf("Expected no rejections, got %d", res.Rejected)
		}
	})
}
