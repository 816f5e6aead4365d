package testbench

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/diffusebag/internal/queue"
)

// Config is about concurrency: how many producers, how many consumers, and
// how often producers drive a transfer themselves.
type Config struct {
	NumProducers int
	NumConsumers int
	// TransferEvery makes each producer call Transfer after that many
	// admissions when the bag implements queue.Transferer. 0 leaves
	// transfers to the bag's own policy.
	TransferEvery int
}

// Result holds the counters of one timed run.
type Result struct {
	Produced    int64
	Rejected    int64
	Consumed    int64
	Transferred int64
	Elapsed     time.Duration
}

// RunTimedTest spawns producers and consumers that run for the specified
// duration, measuring how many items are admitted and taken in that window.
// Once the context expires, producers stop and consumers take whatever the
// main stage still holds. Items left in staging or evicted on overflow are
// not consumed, so Consumed may be lower than Produced.
func RunTimedTest[T any, Q queue.BagValidationInterface[T]](
	q Q,
	cfg Config,
	testDuration time.Duration,
	valueGenerator func(int) T,
) Result {

	// Create a context that will cancel after testDuration.
	ctx, cancel := context.WithTimeout(context.Background(), testDuration)
	defer cancel()

	var totalProduced, totalRejected, totalConsumed, totalTransferred int64

	start := time.Now()

	var msgIndex int64
	var prodWg sync.WaitGroup
	prodWg.Add(cfg.NumProducers)

	// productionDone will be set to 1 when test duration expires.
	var productionDone int32 = 0

	go func() {
		<-ctx.Done()
		atomic.StoreInt32(&productionDone, 1)
	}()

	transferer, canTransfer := any(q).(queue.Transferer)

	// Spawn producers.
	for i := 0; i < cfg.NumProducers; i++ {
		go func() {
			defer prodWg.Done()
			admitted := 0
			for atomic.LoadInt32(&productionDone) == 0 {
				idx := atomic.AddInt64(&msgIndex, 1) - 1
				if err := q.Admit(valueGenerator(int(idx))); err != nil {
					atomic.AddInt64(&totalRejected, 1)
					continue
				}
				atomic.AddInt64(&totalProduced, 1)
				admitted++
				if canTransfer && cfg.TransferEvery > 0 && admitted%cfg.TransferEvery == 0 {
					if transferer.Transfer() {
						atomic.AddInt64(&totalTransferred, 1)
					}
				}
			}
		}()
	}

	// Spawn consumers.
	var consWg sync.WaitGroup
	consWg.Add(cfg.NumConsumers)
	for i := 0; i < cfg.NumConsumers; i++ {
		go func() {
			defer consWg.Done()
			for {
				if atomic.LoadInt32(&productionDone) == 1 {
					// Drain the main stage until empty.
					for {
						if _, ok := q.Take(); ok {
							atomic.AddInt64(&totalConsumed, 1)
						} else {
							break
						}
					}
					return
				}
				if _, ok := q.Take(); ok {
					atomic.AddInt64(&totalConsumed, 1)
				} else {
					runtime.Gosched()
				}
			}
		}()
	}

	<-ctx.Done()
	prodWg.Wait()
	consWg.Wait()

	return Result{
		Produced:    atomic.LoadInt64(&totalProduced),
		Rejected:    atomic.LoadInt64(&totalRejected),
		Consumed:    atomic.LoadInt64(&totalConsumed),
		Transferred: atomic.LoadInt64(&totalTransferred),
		Elapsed:     time.Since(start),
	}
}
