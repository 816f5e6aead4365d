package ingest

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// cell is one slot of the ring with cache-line padding.
type cell[T any] struct {
	sequence atomix.Uint64
	value    T
	_pad     [48]byte
}

// ring is a bounded lock-free MPMC ring. Unlike a blocking queue it never
// waits: a full ring reports iox.ErrWouldBlock and leaves the retry policy
// to the caller.
type ring[T any] struct {
	_pad0      [8]uint64
	enqueuePos atomix.Uint64
	_pad1      [7]uint64
	dequeuePos atomix.Uint64
	_pad2      [7]uint64
	buffer     []cell[T]
	mask       uint64
	capacity   uint64
}

// newRing creates a ring with capacity rounded up to a power of 2.
func newRing[T any](capacity uint64) *ring[T] {
	if capacity < 2 {
		capacity = 2
	}
	if capacity&(capacity-1) != 0 {
		capPow := uint64(1)
		for capPow < capacity {
			capPow <<= 1
		}
		capacity = capPow
	}
	r := &ring[T]{
		buffer:   make([]cell[T], capacity),
		mask:     capacity - 1,
		capacity: capacity,
	}
	for i := uint64(0); i < capacity; i++ {
		r.buffer[i].sequence.StoreRelaxed(i)
	}
	return r
}

func (r *ring[T]) tryEnqueue(val T) error {
	for {
		pos := r.enqueuePos.LoadAcquire()
		c := &r.buffer[pos&r.mask]
		seq := c.sequence.LoadAcquire()
		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if r.enqueuePos.CompareAndSwapAcqRel(pos, pos+1) {
				c.value = val
				c.sequence.StoreRelease(pos + 1)
				return nil
			}
		case diff < 0:
			return iox.ErrWouldBlock
		}
		// another producer claimed pos; reload
	}
}

func (r *ring[T]) tryDequeue() (T, error) {
	for {
		pos := r.dequeuePos.LoadAcquire()
		c := &r.buffer[pos&r.mask]
		seq := c.sequence.LoadAcquire()
		switch diff := int64(seq) - int64(pos+1); {
		case diff == 0:
			if r.dequeuePos.CompareAndSwapAcqRel(pos, pos+1) {
				val := c.value
				var zero T
				c.value = zero
				c.sequence.StoreRelease(pos + r.capacity)
				return val, nil
			}
		case diff < 0:
			var zero T
			return zero, iox.ErrWouldBlock
		}
	}
}

// used returns an approximate count of queued values.
func (r *ring[T]) used() uint64 {
	enq := r.enqueuePos.LoadAcquire()
	deq := r.dequeuePos.LoadAcquire()
	if enq < deq {
		return 0
	}
	return enq - deq
}
