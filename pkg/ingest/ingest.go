// Package ingest puts a bag behind a single admitting goroutine.
//
// Producers call Submit from any goroutine; submissions land in a bounded
// lock-free ring and one actor drains the ring into Bag.Admit, so the bag
// sees a single writer no matter how many producers there are.
package ingest

import (
	"context"
	"io"
	"log/slog"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	"github.com/i5heu/diffusebag/pkg/bag"
	"github.com/i5heu/diffusebag/pkg/bucketstore"
)

// ErrWouldBlock is returned by Submit when the ring is full.
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err is back-pressure from a full ring.
func IsWouldBlock(err error) bool { return iox.IsWouldBlock(err) }

// Admitter is the part of a bag the pipeline feeds.
type Admitter[K comparable, V any] interface {
	Admit(bag.Item[K, V]) error
}

// Pipeline is a bounded multi-producer front for one Admitter.
type Pipeline[K comparable, V any] struct {
	dst  Admitter[K, V]
	ring *ring[bag.Item[K, V]]
	log  *slog.Logger

	submitted atomix.Uint64
	admitted  atomix.Uint64
	rejected  atomix.Uint64
	full      atomix.Uint64
}

// New creates a pipeline whose ring holds up to capacity items (rounded up
// to a power of 2). A nil logger discards output.
func New[K comparable, V any](dst Admitter[K, V], capacity uint64, logger *slog.Logger) *Pipeline[K, V] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline[K, V]{
		dst:  dst,
		ring: newRing[bag.Item[K, V]](capacity),
		log:  logger.With("component", "ingest"),
	}
}

// Submit queues it for admission. Out-of-range priorities are refused here
// so they never occupy ring space. A full ring returns ErrWouldBlock.
func (p *Pipeline[K, V]) Submit(it bag.Item[K, V]) error {
	if err := bucketstore.CheckPriority(it.Priority); err != nil {
		p.rejected.Add(1)
		return err
	}
	if err := p.ring.tryEnqueue(it); err != nil {
		p.full.Add(1)
		return err
	}
	p.submitted.Add(1)
	return nil
}

// SubmitWait is Submit with backoff on a full ring until ctx is done.
func (p *Pipeline[K, V]) SubmitWait(ctx context.Context, it bag.Item[K, V]) error {
	backoff := iox.Backoff{}
	for {
		err := p.Submit(it)
		if !IsWouldBlock(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		backoff.Wait()
	}
}

// Run admits queued items until ctx is done, then admits whatever is still
// queued and returns. Only one Run may be active per pipeline.
func (p *Pipeline[K, V]) Run(ctx context.Context) error {
	p.log.Debug("ingest started", "capacity", p.ring.capacity)
	backoff := iox.Backoff{}
	for {
		if p.drainOnce() {
			backoff.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			for p.drainOnce() {
			}
			p.log.Debug("ingest stopped", "admitted", p.admitted.Load(), "rejected", p.rejected.Load())
			return nil
		default:
		}
		backoff.Wait()
	}
}

// drainOnce admits one item if any is queued.
func (p *Pipeline[K, V]) drainOnce() bool {
	it, err := p.ring.tryDequeue()
	if err != nil {
		return false
	}
	if err := p.dst.Admit(it); err != nil {
		p.rejected.Add(1)
		p.log.Warn("admit failed", "priority", it.Priority, "error", err)
		return true
	}
	p.admitted.Add(1)
	return true
}

// Pending returns an approximate count of queued, not yet admitted items.
func (p *Pipeline[K, V]) Pending() uint64 { return p.ring.used() }

// Stats are counters since construction.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Admitted  uint64 `json:"admitted"`
	Rejected  uint64 `json:"rejected"`
	Full      uint64 `json:"full"`
}

func (p *Pipeline[K, V]) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Admitted:  p.admitted.Load(),
		Rejected:  p.rejected.Load(),
		Full:      p.full.Load(),
	}
}
