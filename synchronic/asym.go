package synchronic

import (
	"time"

	"github.com/joeycumines/go-shmsync/agent"
	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
)

// AsymLayout is the footprint of an Asym: the cell fields plus the wait
// bits and the stable id.
var AsymLayout = region.Layout{Bytes: 20, Align: 4}

const (
	offWaitbits = 12
	offID       = 16

	// waitBit is set while the master has a registered callback.
	waitBit = 1
	// transitBit is set while a notification message for this cell is in
	// the master's mailbox; it is what bounds in-flight notifications to
	// one per cell.
	transitBit = 2
)

type (
	// AsymOptions models configuration for the Asym constructors. Workers
	// supply Notifier; the master supplies Runner (its notifier defaults to
	// a loopback onto the runner's own mailbox, so the master may mutate
	// cells too).
	AsymOptions struct {
		// Parker overrides the park/unpark backend.
		// **Defaults to park.Default(), if nil, or AsymOptions is nil.**
		Parker park.Parker

		// Runner marks this agent as the master and hosts its callbacks.
		Runner *agent.Runner

		// Notifier is the out-of-band path to the master. Required for
		// workers; defaults to a loopback when Runner is set.
		Notifier agent.Notifier
	}

	// Asym is a synchronic cell whose master side receives callbacks
	// rather than blocking. Worker-side operations are identical to Cell;
	// every mutation additionally posts at most one Notify(id) message to
	// the master while a callback is registered.
	Asym[T Int] struct {
		core
		waitbits region.View32
		idw      region.View32
		notifier agent.Notifier

		// master side; all access on the runner goroutine
		runner *agent.Runner
		slot   *asymSlot[T]
	}

	// asymSlot is one registered master callback. The first of
	// {notification, timeout} to clear the slot wins.
	asymSlot[T Int] struct {
		pred  func(T) bool
		fn    func(v T, timedOut bool)
		timer *time.Timer
	}
)

// InitAsym constructs the asymmetric cell at off and initializes its fields:
// value to initial, counters and wait bits to zero, and the stable id, which
// must be unique among the cells routed to one master. Exactly one agent
// initializes a given cell.
func InitAsym[T Int](r *region.Region, off uint32, initial T, id uint32, opts *AsymOptions) (*Asym[T], error) {
	x, err := newAsym[T](r, off, opts)
	if err != nil {
		return nil, err
	}
	x.value.Store(uint32(initial))
	x.waiters.Store(0)
	x.seq.Store(0)
	x.waitbits.Store(0)
	x.idw.Store(id)
	if x.runner != nil {
		x.runner.Handle(id, x.onNotify)
	}
	return x, nil
}

// AtAsym attaches to an asymmetric cell previously initialized at off. The
// master (Runner set) has its notification handler registered here.
func AtAsym[T Int](r *region.Region, off uint32, opts *AsymOptions) (*Asym[T], error) {
	x, err := newAsym[T](r, off, opts)
	if err != nil {
		return nil, err
	}
	if x.runner != nil {
		x.runner.Handle(x.idw.Load(), x.onNotify)
	}
	return x, nil
}

func newAsym[T Int](r *region.Region, off uint32, opts *AsymOptions) (*Asym[T], error) {
	x := &Asym[T]{}
	var parker park.Parker
	if opts != nil {
		parker = opts.Parker
		x.runner = opts.Runner
		x.notifier = opts.Notifier
	}
	if parker == nil {
		parker = park.Default()
	}
	if err := x.core.init(r, off, parker, AsymLayout); err != nil {
		return nil, err
	}
	x.waitbits, _ = r.View32(off + offWaitbits)
	x.idw, _ = r.View32(off + offID)
	if x.notifier == nil && x.runner != nil {
		x.notifier = agent.NotifyMailbox(x.runner.Mailbox(), 0)
	}
	return x, nil
}

// ID returns the cell's stable identifier.
func (x *Asym[T]) ID() uint32 { return x.idw.Load() }

// maybeNotify posts one Notify(id) message iff the master is registered and
// no notification is already in flight.
func (x *Asym[T]) maybeNotify() {
	if x.notifier == nil {
		return
	}
	if x.waitbits.CompareAndSwap(waitBit, waitBit|transitBit) {
		x.notifier.Notify(agent.KindNotify, x.idw.Load())
	}
}

// Load returns the current value.
func (x *Asym[T]) Load() T { return T(x.value.Load()) }

// Store sets the value, releases waiters, and notifies the master.
func (x *Asym[T]) Store(v T) {
	x.value.Store(uint32(v))
	x.wake()
	x.maybeNotify()
}

// CompareAndSwap replaces old with new iff the cell holds old.
func (x *Asym[T]) CompareAndSwap(old, new T) bool {
	if !x.value.CompareAndSwap(uint32(old), uint32(new)) {
		return false
	}
	if old != new {
		x.wake()
		x.maybeNotify()
	}
	return true
}

// Add atomically adds delta, returning the prior value.
func (x *Asym[T]) Add(delta T) T { return x.rmwNotify(func(v T) T { return v + delta }) }

// Sub atomically subtracts delta, returning the prior value.
func (x *Asym[T]) Sub(delta T) T { return x.rmwNotify(func(v T) T { return v - delta }) }

// And atomically ANDs in mask, returning the prior value.
func (x *Asym[T]) And(mask T) T { return x.rmwNotify(func(v T) T { return v & mask }) }

// Or atomically ORs in mask, returning the prior value.
func (x *Asym[T]) Or(mask T) T { return x.rmwNotify(func(v T) T { return v | mask }) }

// Xor atomically XORs in mask, returning the prior value.
func (x *Asym[T]) Xor(mask T) T { return x.rmwNotify(func(v T) T { return v ^ mask }) }

func (x *Asym[T]) rmwNotify(f func(T) T) T {
	old, changed := x.rmw(func(w uint32) uint32 { return uint32(f(T(w))) })
	if changed {
		x.maybeNotify()
	}
	return T(old)
}

// Notify releases waiters and notifies the master without changing the
// value.
func (x *Asym[T]) Notify() {
	x.wake()
	x.maybeNotify()
}

// WaitForEqual blocks until the cell holds v; worker-side only in the sense
// that the master must never call it.
func (x *Asym[T]) WaitForEqual(v T, timeout time.Duration) bool {
	return x.waitUntil(func(w uint32) bool { return T(w) == v }, timeout)
}

// WaitForNotEqual blocks until the cell holds anything but v.
func (x *Asym[T]) WaitForNotEqual(v T, timeout time.Duration) bool {
	return x.waitUntil(func(w uint32) bool { return T(w) != v }, timeout)
}

// ExpectUpdate blocks while the cell holds v, returning the value observed
// on return.
func (x *Asym[T]) ExpectUpdate(v T, timeout time.Duration) T {
	x.waitUntil(func(w uint32) bool { return T(w) != v }, timeout)
	return x.Load()
}

// CallWhenUpdated registers fn to be invoked on the master once the value
// is observed to differ from old, or when timeout (if non-negative) fires,
// whichever happens first; timedOut distinguishes the two. Master-side
// only; must be called on the runner goroutine. Replaces any previous
// registration on this cell handle.
func (x *Asym[T]) CallWhenUpdated(old T, timeout time.Duration, fn func(v T, timedOut bool)) error {
	return x.register(func(v T) bool { return v != old }, timeout, fn)
}

// CallWhenEquals registers fn to be invoked on the master once the value is
// observed to equal v. See CallWhenUpdated.
func (x *Asym[T]) CallWhenEquals(v T, timeout time.Duration, fn func(v T, timedOut bool)) error {
	return x.register(func(c T) bool { return c == v }, timeout, fn)
}

// CallWhenNotEquals registers fn to be invoked on the master once the value
// is observed to differ from v. See CallWhenUpdated.
func (x *Asym[T]) CallWhenNotEquals(v T, timeout time.Duration, fn func(v T, timedOut bool)) error {
	return x.register(func(c T) bool { return c != v }, timeout, fn)
}

// Cancel clears any registered callback. Master-side only; must be called
// on the runner goroutine.
func (x *Asym[T]) Cancel() error {
	if x.runner == nil {
		return ErrNotMaster
	}
	if s := x.slot; s != nil {
		x.slot = nil
		if s.timer != nil {
			s.timer.Stop()
		}
		x.waitbits.And(^uint32(waitBit))
	}
	return nil
}

func (x *Asym[T]) register(pred func(T) bool, timeout time.Duration, fn func(v T, timedOut bool)) error {
	if x.runner == nil {
		return ErrNotMaster
	}
	s := &asymSlot[T]{pred: pred, fn: fn}
	x.slot = s

	// arm before testing: an update racing the test flips the transit bit
	// and its message re-runs the check via onNotify
	x.waitbits.Or(waitBit)
	if v := x.Load(); pred(v) {
		x.slot = nil
		x.waitbits.And(^uint32(waitBit))
		// deliver asynchronously, consistent with the notification path
		return x.runner.Post(func() { fn(v, false) })
	}
	if timeout >= 0 {
		s.timer = x.runner.After(timeout, func() {
			if x.slot != s {
				return // a notification won the race
			}
			x.slot = nil
			x.waitbits.And(^uint32(waitBit))
			fn(x.Load(), true)
		})
	}
	return nil
}

// onNotify consumes one notification on the runner goroutine: it clears the
// wait bits, re-arms, and re-runs the predicate, firing the callback at most
// once per registration. Spurious notifications (slot already cleared) only
// reset the wait bits.
func (x *Asym[T]) onNotify(agent.Message) {
	x.waitbits.And(^uint32(waitBit | transitBit))
	s := x.slot
	if s == nil {
		return
	}
	x.waitbits.Or(waitBit)
	v := x.Load()
	if !s.pred(v) {
		return // stays armed
	}
	x.slot = nil
	x.waitbits.And(^uint32(waitBit))
	if s.timer != nil {
		s.timer.Stop()
	}
	s.fn(v, false)
}
