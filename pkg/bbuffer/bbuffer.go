// Package bbuffer implements the staging buffer of a bag: a large bucketed
// store that absorbs admissions and hands them out through two scan biases
// per working mode.
package bbuffer

import (
	"fmt"

	"github.com/i5heu/diffusebag/pkg/bucketstore"
	"github.com/i5heu/diffusebag/pkg/diffuser"
)

// Buffer is the staging stage. Ascending and descending diffusers of the
// same mode share the buckets of that mode's segment.
type Buffer[T any] struct {
	store *bucketstore.Store[T]
	asc   []*diffuser.Diffuser
	desc  []*diffuser.Diffuser
}

// New builds a staging buffer with levels buckets of the given capacity,
// partitioned into modes segments. perm shuffles every diffuser once.
func New[T any](levels, modes, capacity int, perm diffuser.Permuter) (*Buffer[T], error) {
	store, err := bucketstore.New[T](levels, modes, capacity)
	if err != nil {
		return nil, fmt.Errorf("staging buffer: %w", err)
	}
	b := &Buffer[T]{
		store: store,
		asc:   make([]*diffuser.Diffuser, modes),
		desc:  make([]*diffuser.Diffuser, modes),
	}
	size := store.SegmentSize()
	for m := 0; m < modes; m++ {
		lo, _ := store.Segment(m)
		b.asc[m] = diffuser.New(lo, size, diffuser.Ascending, perm)
		b.desc[m] = diffuser.New(lo, size, diffuser.Descending, perm)
	}
	return b, nil
}

// Put stages v in bucket floor(p*levels).
func (b *Buffer[T]) Put(p float64, v T) error {
	return b.store.Insert(p, v)
}

// Extract pops one entry from mode's segment using the diffuser selected by
// bias. It reports false when the segment held nothing for a full cycle.
func (b *Buffer[T]) Extract(mode int, bias diffuser.Policy) (bucketstore.Entry[T], bool) {
	return b.store.ScanAndTake(b.Diffuser(mode, bias))
}

// Diffuser returns the scan state of mode for bias.
func (b *Buffer[T]) Diffuser(mode int, bias diffuser.Policy) *diffuser.Diffuser {
	if bias == diffuser.Descending {
		return b.desc[mode]
	}
	return b.asc[mode]
}

func (b *Buffer[T]) Snapshot() bucketstore.Snapshot { return b.store.Snapshot() }
func (b *Buffer[T]) Len() int                       { return b.store.Len() }
func (b *Buffer[T]) Levels() int                    { return b.store.Levels() }
func (b *Buffer[T]) Modes() int                     { return b.store.Modes() }
func (b *Buffer[T]) Evictions() uint64              { return b.store.Evictions() }

// Bucket returns a copy of staging bucket idx, oldest first.
func (b *Buffer[T]) Bucket(idx int) []bucketstore.Entry[T] { return b.store.Bucket(idx) }

// Clear empties all buckets; diffuser orders and cursors are kept.
func (b *Buffer[T]) Clear() { b.store.Clear() }
