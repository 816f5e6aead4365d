package bucketstore

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/i5heu/diffusebag/pkg/config"
	"github.com/i5heu/diffusebag/pkg/diffuser"
)

// ErrPriorityOutOfRange is returned when a priority is outside [0,1).
var ErrPriorityOutOfRange = errors.New("bucketstore: priority out of range [0,1)")

// segment guards the buckets of one working mode.
type segment struct {
	mu sync.Mutex
	_  [56]byte // keep neighbouring locks off the same cache line
}

// Store is a fixed array of capacity-bounded FIFO buckets indexed by
// quantized priority. The bucket range is split into equal contiguous
// segments, one per working mode, each guarded by its own lock.
type Store[T any] struct {
	buckets   []bucket[T]
	segments  []segment
	levels    int
	segSize   int
	capacity  int
	evictions atomic.Uint64
}

// New creates a store with levels buckets split across modes segments,
// each bucket holding at most capacity entries.
func New[T any](levels, modes, capacity int) (*Store[T], error) {
	if err := config.ValidatePartition(levels, modes); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: bucket capacity must be positive, got %d", config.ErrInvalidConfig, capacity)
	}
	s := &Store[T]{
		buckets:  make([]bucket[T], levels),
		segments: make([]segment, modes),
		levels:   levels,
		segSize:  levels / modes,
		capacity: capacity,
	}
	for i := range s.buckets {
		s.buckets[i].limit = capacity
	}
	return s, nil
}

// CheckPriority reports whether p lies in [0,1).
func CheckPriority(p float64) error {
	if math.IsNaN(p) || p < 0 || p >= 1 {
		return fmt.Errorf("%w: %v", ErrPriorityOutOfRange, p)
	}
	return nil
}

// Index returns the bucket index for p, clamped to [0, levels-1].
func (s *Store[T]) Index(p float64) int {
	idx := int(p * float64(s.levels))
	return min(max(idx, 0), s.levels-1)
}

// Insert appends v to the tail of bucket floor(p*levels). If the bucket is
// over capacity afterwards its oldest entry is dropped.
func (s *Store[T]) Insert(p float64, v T) error {
	if err := CheckPriority(p); err != nil {
		return err
	}
	s.InsertAt(s.Index(p), p, v)
	return nil
}

// InsertAt appends to an explicit bucket. It never fails; overflow evicts
// the head of that bucket.
func (s *Store[T]) InsertAt(idx int, p float64, v T) {
	seg := &s.segments[s.ModeOf(idx)]
	seg.mu.Lock()
	_, evicted := s.buckets[idx].push(Entry[T]{Priority: p, Value: v})
	seg.mu.Unlock()
	if evicted {
		s.evictions.Add(1)
	}
}

// ScanAndTake walks d until it reaches a non-empty bucket and pops that
// bucket's head. It gives up after one full cycle of d.
func (s *Store[T]) ScanAndTake(d *diffuser.Diffuser) (Entry[T], bool) {
	var out Entry[T]
	_, ok := d.Scan(func(idx int) bool {
		seg := &s.segments[s.ModeOf(idx)]
		seg.mu.Lock()
		e, ok := s.buckets[idx].pop()
		seg.mu.Unlock()
		if ok {
			out = e
		}
		return ok
	})
	return out, ok
}

// RemoveFunc removes and returns the first entry, in bucket order and FIFO
// order within a bucket, for which match returns true.
func (s *Store[T]) RemoveFunc(match func(Entry[T]) bool) (Entry[T], bool) {
	for m := range s.segments {
		if e, ok := s.removeInSegment(m, match); ok {
			return e, true
		}
	}
	var zero Entry[T]
	return zero, false
}

func (s *Store[T]) removeInSegment(mode int, match func(Entry[T]) bool) (Entry[T], bool) {
	seg := &s.segments[mode]
	seg.mu.Lock()
	defer seg.mu.Unlock()
	lo, hi := s.Segment(mode)
	for idx := lo; idx < hi; idx++ {
		b := &s.buckets[idx]
		for i := 0; i < b.len(); i++ {
			if match(b.at(i)) {
				return b.removeAt(i), true
			}
		}
	}
	var zero Entry[T]
	return zero, false
}

// Each calls fn for every entry until fn returns false. Segments are locked
// one at a time, so fn must not call back into the store.
func (s *Store[T]) Each(fn func(idx int, e Entry[T]) bool) {
	for m := range s.segments {
		if !s.eachInSegment(m, fn) {
			return
		}
	}
}

func (s *Store[T]) eachInSegment(mode int, fn func(idx int, e Entry[T]) bool) bool {
	seg := &s.segments[mode]
	seg.mu.Lock()
	defer seg.mu.Unlock()
	lo, hi := s.Segment(mode)
	for idx := lo; idx < hi; idx++ {
		b := &s.buckets[idx]
		for i := 0; i < b.len(); i++ {
			if !fn(idx, b.at(i)) {
				return false
			}
		}
	}
	return true
}

// Bucket returns a copy of bucket idx, oldest first.
func (s *Store[T]) Bucket(idx int) []Entry[T] {
	seg := &s.segments[s.ModeOf(idx)]
	seg.mu.Lock()
	defer seg.mu.Unlock()
	b := &s.buckets[idx]
	out := make([]Entry[T], b.len())
	for i := range out {
		out[i] = b.at(i)
	}
	return out
}

func (s *Store[T]) BucketLen(idx int) int {
	seg := &s.segments[s.ModeOf(idx)]
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return s.buckets[idx].len()
}

// Len returns the number of entries across all buckets.
func (s *Store[T]) Len() int {
	n := 0
	for m := range s.segments {
		seg := &s.segments[m]
		lo, hi := s.Segment(m)
		seg.mu.Lock()
		for idx := lo; idx < hi; idx++ {
			n += s.buckets[idx].len()
		}
		seg.mu.Unlock()
	}
	return n
}

// Clear empties every bucket. Diffusers scanning the store are not touched.
func (s *Store[T]) Clear() {
	for m := range s.segments {
		seg := &s.segments[m]
		lo, hi := s.Segment(m)
		seg.mu.Lock()
		for idx := lo; idx < hi; idx++ {
			s.buckets[idx].reset()
		}
		seg.mu.Unlock()
	}
}

// Snapshot is a read-only view of bucket occupancy.
type Snapshot struct {
	Counts      []int     `json:"counts"`
	AvgPriority []float64 `json:"avg_priority"`
}

// Total returns the sum of all bucket counts.
func (s Snapshot) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Snapshot reports per-bucket counts and average priorities. Empty buckets
// report an average of 0.
func (s *Store[T]) Snapshot() Snapshot {
	snap := Snapshot{
		Counts:      make([]int, s.levels),
		AvgPriority: make([]float64, s.levels),
	}
	s.Each(func(idx int, e Entry[T]) bool {
		snap.Counts[idx]++
		snap.AvgPriority[idx] += e.Priority
		return true
	})
	for idx, c := range snap.Counts {
		if c > 0 {
			snap.AvgPriority[idx] /= float64(c)
		}
	}
	return snap
}

func (s *Store[T]) Levels() int      { return s.levels }
func (s *Store[T]) Modes() int       { return len(s.segments) }
func (s *Store[T]) SegmentSize() int { return s.segSize }
func (s *Store[T]) Capacity() int    { return s.capacity }

// Evictions returns how many entries were dropped by capacity overflow.
func (s *Store[T]) Evictions() uint64 { return s.evictions.Load() }

// Segment returns the half-open bucket range [lo, hi) owned by mode.
func (s *Store[T]) Segment(mode int) (lo, hi int) {
	return mode * s.segSize, (mode + 1) * s.segSize
}

// ModeOf returns the working mode owning bucket idx.
func (s *Store[T]) ModeOf(idx int) int { return idx / s.segSize }
