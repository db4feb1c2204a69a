// Package synchronic implements typed atomic cells with efficient change
// notification, layered on the shared region and the park/unpark facility.
//
// A [Cell] is an atomic integer (any width up to 32 bits) augmented with a
// waiter counter and a generation counter. Waiting is performed on the
// generation counter rather than the value: every store bumps the counter
// before waking, which supports all cell widths uniformly and avoids the
// read-what-you-wait-for race inherent to parking directly on a narrow
// value. Wakes release all waiters; each re-checks its own condition, and
// the waiter counter lets the common uncontended store skip the wake
// entirely.
//
// An [Asym] extends the cell for the asymmetric model: workers use the same
// blocking waits, while the master registers callbacks and receives a
// one-word notification through its message channel. A transit bit
// guarantees at most one notification per cell is in flight regardless of
// the number of concurrent updaters.
package synchronic

import (
	"errors"
	"time"

	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
)

var (
	// ErrNotMaster is returned when a master-only method is called on a
	// cell constructed without a runner.
	ErrNotMaster = errors.New(`synchronic: master-side call on a cell without a runner`)
)

// Int constrains the value types a cell supports: integers of up to 32
// bits. Signedness is handled by sign-extension into the cell's 32-bit
// value word.
type Int interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32
}

// CellLayout is the footprint of a Cell: value, waiter count, generation
// counter, and one reserved word.
var CellLayout = region.Layout{Bytes: 16, Align: 4}

const (
	offValue   = 0
	offWaiters = 4
	offSeq     = 8
)

type (
	// Options models optional configuration, for the cell constructors.
	Options struct {
		// Parker overrides the park/unpark backend.
		// **Defaults to park.Default(), if nil, or Options is nil.**
		Parker park.Parker
	}

	// core is the untyped cell state shared by Cell and Asym.
	core struct {
		value   region.View32
		waiters region.View32
		seq     region.View32
		parker  park.Parker
	}

	// Cell is a synchronic cell of width T. Exactly one agent initializes
	// the cell (InitCell); all other agents attach (AtCell) only after the
	// initialization has been made visible to them.
	Cell[T Int] struct {
		core
	}
)

func (x *core) init(r *region.Region, off uint32, parker park.Parker, l region.Layout) error {
	if err := r.Check(off, l); err != nil {
		return err
	}
	// errors are excluded by the layout check above
	x.value, _ = r.View32(off + offValue)
	x.waiters, _ = r.View32(off + offWaiters)
	x.seq, _ = r.View32(off + offSeq)
	x.parker = parker
	return nil
}

// wake publishes a change: generation bump, then release of any waiters.
func (x *core) wake() {
	x.seq.Add(1)
	if x.waiters.Load() > 0 {
		x.parker.Unpark(x.seq.Addr(), park.All)
	}
}

// rmw applies f atomically, returning the prior word and whether it changed.
// The generation is bumped (and waiters released) only on change.
func (x *core) rmw(f func(uint32) uint32) (old uint32, changed bool) {
	for {
		w := x.value.Load()
		nw := f(w)
		if nw == w {
			return w, false
		}
		if x.value.CompareAndSwap(w, nw) {
			x.wake()
			return w, true
		}
	}
}

// waitUntil parks until cond holds for the value word, or the timeout
// expires; it reports whether cond held on return. A negative timeout waits
// forever.
func (x *core) waitUntil(cond func(uint32) bool, timeout time.Duration) bool {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		// generation before value: a change after this read either updates
		// the value we test, or fails the park's equality check
		t := x.seq.Load()
		if cond(x.value.Load()) {
			return true
		}
		remaining := park.Forever
		if timeout >= 0 {
			if remaining = time.Until(deadline); remaining <= 0 {
				return cond(x.value.Load())
			}
		}
		x.waiters.Add(1)
		r := x.parker.Park(x.seq.Addr(), t, remaining)
		x.waiters.Sub(1)
		if r == park.TimedOut {
			return cond(x.value.Load())
		}
	}
}

func optParker(opts *Options) park.Parker {
	if opts != nil && opts.Parker != nil {
		return opts.Parker
	}
	return park.Default()
}

// InitCell constructs the cell at off and initializes its fields, the value
// to initial and the counters to zero. Exactly one agent initializes a given
// cell.
func InitCell[T Int](r *region.Region, off uint32, initial T, opts *Options) (*Cell[T], error) {
	x, err := AtCell[T](r, off, opts)
	if err != nil {
		return nil, err
	}
	x.value.Store(uint32(initial))
	x.waiters.Store(0)
	x.seq.Store(0)
	return x, nil
}

// AtCell attaches to a cell previously initialized at off, possibly by
// another agent.
func AtCell[T Int](r *region.Region, off uint32, opts *Options) (*Cell[T], error) {
	x := &Cell[T]{}
	if err := x.init(r, off, optParker(opts), CellLayout); err != nil {
		return nil, err
	}
	return x, nil
}

// Load returns the current value.
func (x *Cell[T]) Load() T { return T(x.value.Load()) }

// Store sets the value, bumps the generation, and releases all waiters.
func (x *Cell[T]) Store(v T) {
	x.value.Store(uint32(v))
	x.wake()
}

// CompareAndSwap replaces old with new iff the cell holds old, reporting
// whether the swap happened. Waiters are only released if the value changed.
func (x *Cell[T]) CompareAndSwap(old, new T) bool {
	if !x.value.CompareAndSwap(uint32(old), uint32(new)) {
		return false
	}
	if old != new {
		x.wake()
	}
	return true
}

// Add atomically adds delta, returning the prior value.
func (x *Cell[T]) Add(delta T) T {
	old, _ := x.rmw(func(w uint32) uint32 { return uint32(T(w) + delta) })
	return T(old)
}

// Sub atomically subtracts delta, returning the prior value.
func (x *Cell[T]) Sub(delta T) T {
	old, _ := x.rmw(func(w uint32) uint32 { return uint32(T(w) - delta) })
	return T(old)
}

// And atomically ANDs in mask, returning the prior value.
func (x *Cell[T]) And(mask T) T {
	old, _ := x.rmw(func(w uint32) uint32 { return uint32(T(w) & mask) })
	return T(old)
}

// Or atomically ORs in mask, returning the prior value.
func (x *Cell[T]) Or(mask T) T {
	old, _ := x.rmw(func(w uint32) uint32 { return uint32(T(w) | mask) })
	return T(old)
}

// Xor atomically XORs in mask, returning the prior value.
func (x *Cell[T]) Xor(mask T) T {
	old, _ := x.rmw(func(w uint32) uint32 { return uint32(T(w) ^ mask) })
	return T(old)
}

// Notify bumps the generation and releases all waiters without changing the
// value.
func (x *Cell[T]) Notify() { x.wake() }

// WaitForEqual blocks until the cell holds v, reporting whether it did
// before the timeout expired. Forever (any negative duration) disables the
// timeout.
func (x *Cell[T]) WaitForEqual(v T, timeout time.Duration) bool {
	return x.waitUntil(func(w uint32) bool { return T(w) == v }, timeout)
}

// WaitForNotEqual blocks until the cell holds anything but v, reporting
// whether it did before the timeout expired.
func (x *Cell[T]) WaitForNotEqual(v T, timeout time.Duration) bool {
	return x.waitUntil(func(w uint32) bool { return T(w) != v }, timeout)
}

// ExpectUpdate blocks while the cell holds v, returning the value observed
// on return. On timeout that value may still equal v; timeout is a normal
// return, not an error.
func (x *Cell[T]) ExpectUpdate(v T, timeout time.Duration) T {
	x.waitUntil(func(w uint32) bool { return T(w) != v }, timeout)
	return x.Load()
}
