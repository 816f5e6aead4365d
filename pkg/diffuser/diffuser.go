package diffuser

import "sync"

// Policy selects how bucket indices are weighted inside a diffuser.
type Policy uint8

const (
	// Ascending gives the bucket at relative position j a weight of j+1,
	// so higher buckets of the segment are visited more often.
	Ascending Policy = iota
	// Descending gives the bucket at relative position j a weight of size-j.
	Descending
)

func (p Policy) String() string {
	switch p {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return "unknown"
	}
}

// Permuter shuffles n elements by calling swap. *rand.Rand from math/rand
// and math/rand/v2 both satisfy it.
type Permuter interface {
	Shuffle(n int, swap func(i, j int))
}

// Identity is a Permuter that leaves the order untouched.
type Identity struct{}

func (Identity) Shuffle(int, func(i, j int)) {}

// Weight returns how many times the bucket at relative position j appears
// in a diffuser of the given segment size.
func Weight(j, size int, p Policy) int {
	if p == Descending {
		return size - j
	}
	return j + 1
}

// Length returns size*(size+1)/2, the length of every diffuser over size buckets.
func Length(size int) int {
	return size * (size + 1) / 2
}

// Build returns the unshuffled multiset for [start, start+size).
func Build(start, size int, p Policy) []int {
	order := make([]int, 0, Length(size))
	for j := 0; j < size; j++ {
		for w := Weight(j, size, p); w > 0; w-- {
			order = append(order, start+j)
		}
	}
	return order
}

// Diffuser is a weighted cyclic scan order over a contiguous range of
// bucket indices plus a cursor. The order is fixed after construction;
// only the cursor moves. A Diffuser is safe for concurrent use: every
// cursor movement happens under its own lock.
type Diffuser struct {
	mu     sync.Mutex
	order  []int
	cursor int
	start  int
	size   int
	policy Policy
}

// New builds the diffuser for [start, start+size) and shuffles it once with perm.
// A nil perm keeps the built order.
func New(start, size int, p Policy, perm Permuter) *Diffuser {
	order := Build(start, size, p)
	if perm != nil {
		perm.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return &Diffuser{order: order, start: start, size: size, policy: p}
}

// FromOrder wraps a fixed scan order. It is meant for tests and replays.
func FromOrder(order []int) *Diffuser {
	cp := make([]int, len(order))
	copy(cp, order)
	d := &Diffuser{order: cp}
	if len(cp) > 0 {
		lo, hi := cp[0], cp[0]
		for _, v := range cp {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		d.start, d.size = lo, hi-lo+1
	}
	return d
}

// Next advances the cursor by one position and returns the bucket index there.
func (d *Diffuser) Next() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advance()
}

func (d *Diffuser) advance() int {
	d.cursor = (d.cursor + 1) % len(d.order)
	return d.order[d.cursor]
}

// Scan advances the cursor at most Len times, calling visit with each
// bucket index reached, and stops as soon as visit returns true. It reports
// the number of advances made and whether visit accepted a bucket. The
// cursor stays where the scan stopped, including after a fruitless cycle.
func (d *Diffuser) Scan(visit func(idx int) bool) (steps int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for steps < len(d.order) {
		steps++
		if visit(d.advance()) {
			return steps, true
		}
	}
	return steps, false
}

func (d *Diffuser) Len() int { return len(d.order) }

// Cursor returns the current cursor position inside the order.
func (d *Diffuser) Cursor() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// Order returns a copy of the scan order.
func (d *Diffuser) Order() []int {
	cp := make([]int, len(d.order))
	copy(cp, d.order)
	return cp
}

// Counts returns how often each bucket index appears in the order.
func (d *Diffuser) Counts() map[int]int {
	counts := make(map[int]int, d.size)
	for _, idx := range d.order {
		counts[idx]++
	}
	return counts
}

// Range returns the first bucket index and the number of buckets covered.
func (d *Diffuser) Range() (start, size int) { return d.start, d.size }

func (d *Diffuser) Policy() Policy { return d.policy }
