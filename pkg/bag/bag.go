// Package bag implements an approximate priority bag.
//
// Items are admitted into a high-capacity staging buffer bucketed by
// quantized priority. Transfers move one item at a time from a staging
// segment into the matching segment of a tighter main store, and consumers
// take from the main store through a weighted cyclic scan that visits
// higher buckets more often. No comparison-based ordering is ever done, so
// near-ties may be served out of strict order.
package bag

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/i5heu/diffusebag/pkg/bbuffer"
	"github.com/i5heu/diffusebag/pkg/bucketstore"
	"github.com/i5heu/diffusebag/pkg/config"
	"github.com/i5heu/diffusebag/pkg/diffuser"
)

// EmptyAveragePriority is what AveragePriority reports for an empty bag.
const EmptyAveragePriority = 0.01

var (
	// ErrPriorityOutOfRange is returned by Admit for priorities outside [0,1).
	ErrPriorityOutOfRange = bucketstore.ErrPriorityOutOfRange
	// ErrInvalidMode is returned for a working mode index outside [0, modes).
	ErrInvalidMode = errors.New("bag: working mode out of range")
)

// Item is one unit of work held by the bag.
type Item[K comparable, V any] struct {
	Key      K
	Priority float64
	Value    V
}

// Bag is the two-stage approximate priority bag. All methods are safe for
// concurrent use.
type Bag[K comparable, V any] struct {
	cfg     config.Config
	staging *bbuffer.Buffer[Item[K, V]]
	main    *bucketstore.Store[Item[K, V]]
	in      []*diffuser.Diffuser // per-mode insertion cursors into main
	out     *diffuser.Diffuser   // consumer scan over all main buckets

	rngMu sync.Mutex
	rng   *rand.Rand

	log *slog.Logger

	admitted    atomic.Uint64
	rejected    atomic.Uint64
	transferred atomic.Uint64
	taken       atomic.Uint64
}

type options struct {
	perm   diffuser.Permuter
	source rand.Source
	logger *slog.Logger
}

// Option configures a Bag.
type Option func(*options)

// WithPermuter sets the permutation source used once per diffuser at
// construction. Tests pass diffuser.Identity{} for a fixed scan order.
func WithPermuter(p diffuser.Permuter) Option {
	return func(o *options) { o.perm = p }
}

// WithRand sets the random source for transfer decisions (bias and mode).
func WithRand(src rand.Source) Option {
	return func(o *options) { o.source = src }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New validates cfg and builds a bag. Nothing is returned on error.
func New[K comparable, V any](cfg config.Config, opts ...Option) (*Bag[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.source == nil {
		if cfg.Seed != 0 {
			o.source = rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
		} else {
			o.source = rand.NewPCG(rand.Uint64(), rand.Uint64())
		}
	}
	rng := rand.New(o.source)
	if o.perm == nil {
		o.perm = rng
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	staging, err := bbuffer.New[Item[K, V]](cfg.NumStagingLevels, cfg.NumWorkingModes, cfg.StagingCapacity, o.perm)
	if err != nil {
		return nil, err
	}
	main, err := bucketstore.New[Item[K, V]](cfg.NumLevels, cfg.NumWorkingModes, cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("main store: %w", err)
	}

	b := &Bag[K, V]{
		cfg:     cfg,
		staging: staging,
		main:    main,
		in:      make([]*diffuser.Diffuser, cfg.NumWorkingModes),
		out:     diffuser.New(0, cfg.NumLevels, diffuser.Ascending, o.perm),
		rng:     rng,
		log:     o.logger.With("component", "bag"),
	}
	size := main.SegmentSize()
	for m := range b.in {
		lo, _ := main.Segment(m)
		b.in[m] = diffuser.New(lo, size, diffuser.Ascending, o.perm)
	}
	b.log.Debug("bag constructed",
		"levels", cfg.NumLevels,
		"staging_levels", cfg.NumStagingLevels,
		"modes", cfg.NumWorkingModes,
		"capacity", cfg.Capacity,
		"staging_capacity", cfg.StagingCapacity,
		"transfer_policy", cfg.TransferPolicy,
		"pop_frequency", cfg.PopFrequency,
	)
	return b, nil
}

// Admit stages it in the staging buffer. Under the TransferEvery policy
// every PopFrequency-th admission also triggers one Transfer.
func (b *Bag[K, V]) Admit(it Item[K, V]) error {
	if err := b.staging.Put(it.Priority, it); err != nil {
		b.rejected.Add(1)
		return err
	}
	n := b.admitted.Add(1)
	if b.cfg.TransferPolicy == config.TransferEvery && n%uint64(b.cfg.PopFrequency) == 0 {
		b.Transfer()
	}
	return nil
}

// Transfer picks a working mode uniformly at random and moves one item of
// that mode from staging into the main store.
func (b *Bag[K, V]) Transfer() bool {
	b.rngMu.Lock()
	mode := b.rng.IntN(b.cfg.NumWorkingModes)
	b.rngMu.Unlock()
	moved, _ := b.TransferOne(mode)
	return moved
}

// TransferOne extracts one staged item of mode, with ascending or
// descending bias at even odds, and appends it to the main bucket under the
// mode's next insertion cursor position. An empty staging segment is a
// no-op reported as false.
func (b *Bag[K, V]) TransferOne(mode int) (bool, error) {
	if mode < 0 || mode >= b.cfg.NumWorkingModes {
		return false, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidMode, mode, b.cfg.NumWorkingModes)
	}
	bias := diffuser.Ascending
	b.rngMu.Lock()
	if b.rng.Float64() >= 0.5 {
		bias = diffuser.Descending
	}
	b.rngMu.Unlock()

	e, ok := b.staging.Extract(mode, bias)
	if !ok {
		return false, nil
	}
	b.main.InsertAt(b.in[mode].Next(), e.Priority, e.Value)
	b.transferred.Add(1)
	return true, nil
}

// Drain transfers until staging is empty or limit transfers happened.
// A non-positive limit means no limit. It returns the number of items moved.
func (b *Bag[K, V]) Drain(limit int) int {
	moved := 0
	for limit <= 0 || moved < limit {
		progressed := false
		for m := 0; m < b.cfg.NumWorkingModes && (limit <= 0 || moved < limit); m++ {
			if ok, _ := b.TransferOne(m); ok {
				moved++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return moved
}

// Take removes an item from the main store, visiting bucket k with weight
// k+1 across the whole level range. It reports false when the main store
// held nothing for a full scan cycle.
func (b *Bag[K, V]) Take() (Item[K, V], bool) {
	e, ok := b.main.ScanAndTake(b.out)
	if !ok {
		var zero Item[K, V]
		return zero, false
	}
	b.taken.Add(1)
	return e.Value, true
}

// Contains reports whether an item with key is in the main store.
func (b *Bag[K, V]) Contains(key K) bool {
	_, ok := b.Lookup(key)
	return ok
}

// Lookup returns the main-store item with key without removing it.
func (b *Bag[K, V]) Lookup(key K) (Item[K, V], bool) {
	var found Item[K, V]
	ok := false
	b.main.Each(func(_ int, e bucketstore.Entry[Item[K, V]]) bool {
		if e.Value.Key == key {
			found, ok = e.Value, true
			return false
		}
		return true
	})
	return found, ok
}

// Remove deletes and returns the main-store item with key.
func (b *Bag[K, V]) Remove(key K) (Item[K, V], bool) {
	e, ok := b.main.RemoveFunc(func(e bucketstore.Entry[Item[K, V]]) bool {
		return e.Value.Key == key
	})
	return e.Value, ok
}

// AveragePriority returns the mean priority of the main store, or
// EmptyAveragePriority when it is empty.
func (b *Bag[K, V]) AveragePriority() float64 {
	sum, n := 0.0, 0
	b.main.Each(func(_ int, e bucketstore.Entry[Item[K, V]]) bool {
		sum += e.Priority
		n++
		return true
	})
	if n == 0 {
		return EmptyAveragePriority
	}
	return sum / float64(n)
}

// Clear empties both stages. Cursors and scan orders are left as they are.
func (b *Bag[K, V]) Clear() {
	b.main.Clear()
	b.staging.Clear()
	b.log.Debug("bag cleared")
}

// Len returns the number of items in the main store.
func (b *Bag[K, V]) Len() int { return b.main.Len() }

// StagingLen returns the number of items waiting in the staging buffer.
func (b *Bag[K, V]) StagingLen() int { return b.staging.Len() }

func (b *Bag[K, V]) Config() config.Config { return b.cfg }

// Snapshot is a read-only view of both stages.
type Snapshot struct {
	Staging         bucketstore.Snapshot `json:"staging"`
	Main            bucketstore.Snapshot `json:"main"`
	AveragePriority float64              `json:"average_priority"`
	Stats           Stats                `json:"stats"`
}

// Snapshot reports occupancy of both stages. It moves no cursor.
func (b *Bag[K, V]) Snapshot() Snapshot {
	return Snapshot{
		Staging:         b.staging.Snapshot(),
		Main:            b.main.Snapshot(),
		AveragePriority: b.AveragePriority(),
		Stats:           b.Stats(),
	}
}

// Stats are monotonically increasing counters since construction.
type Stats struct {
	Admitted       uint64 `json:"admitted"`
	Rejected       uint64 `json:"rejected"`
	Transferred    uint64 `json:"transferred"`
	Taken          uint64 `json:"taken"`
	StagingEvicted uint64 `json:"staging_evicted"`
	MainEvicted    uint64 `json:"main_evicted"`
}

func (b *Bag[K, V]) Stats() Stats {
	return Stats{
		Admitted:       b.admitted.Load(),
		Rejected:       b.rejected.Load(),
		Transferred:    b.transferred.Load(),
		Taken:          b.taken.Load(),
		StagingEvicted: b.staging.Evictions(),
		MainEvicted:    b.main.Evictions(),
	}
}
