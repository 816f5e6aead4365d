package bucketstore

// Entry is one admitted value together with the priority it was admitted with.
type Entry[T any] struct {
	Priority float64
	Value    T
}

// bucket is a bounded FIFO ring. The backing slice grows by doubling up to
// limit and is never resized past it; once full, a push overwrites the head.
type bucket[T any] struct {
	buf   []Entry[T]
	head  int
	n     int
	limit int
}

const initialBucketSize = 8

func (b *bucket[T]) len() int { return b.n }

// push appends e at the tail. When the bucket is already at its limit the
// oldest entry is dropped and returned.
func (b *bucket[T]) push(e Entry[T]) (evicted Entry[T], ok bool) {
	if b.n == b.limit {
		evicted = b.buf[b.head]
		b.buf[b.head] = e
		b.head = (b.head + 1) % len(b.buf)
		return evicted, true
	}
	if b.n == len(b.buf) {
		b.grow()
	}
	b.buf[(b.head+b.n)%len(b.buf)] = e
	b.n++
	return evicted, false
}

func (b *bucket[T]) grow() {
	size := max(initialBucketSize, 2*len(b.buf))
	size = min(size, b.limit)
	buf := make([]Entry[T], size)
	for i := 0; i < b.n; i++ {
		buf[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	b.buf = buf
	b.head = 0
}

func (b *bucket[T]) pop() (Entry[T], bool) {
	var zero Entry[T]
	if b.n == 0 {
		return zero, false
	}
	e := b.buf[b.head]
	b.buf[b.head] = zero
	b.head = (b.head + 1) % len(b.buf)
	b.n--
	return e, true
}

// at returns the i-th oldest entry.
func (b *bucket[T]) at(i int) Entry[T] {
	return b.buf[(b.head+i)%len(b.buf)]
}

// removeAt deletes the i-th oldest entry, keeping the order of the rest.
func (b *bucket[T]) removeAt(i int) Entry[T] {
	e := b.at(i)
	for k := i; k < b.n-1; k++ {
		b.buf[(b.head+k)%len(b.buf)] = b.buf[(b.head+k+1)%len(b.buf)]
	}
	var zero Entry[T]
	b.buf[(b.head+b.n-1)%len(b.buf)] = zero
	b.n--
	return e
}

func (b *bucket[T]) reset() {
	b.buf = nil
	b.head = 0
	b.n = 0
}
