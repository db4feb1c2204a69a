// Package lock implements futex-backed blocking locks over the shared
// region: a three-state mutex, a condition variable, a spinlock, and fair
// (FIFO) list-based variants built on an arena of per-agent descriptors.
//
// The mutex follows the classic three-state protocol: Unlocked, Locked, and
// Contended, the last set whenever at least one agent is parked. Unlock
// releases one waiter to avoid a thundering herd; the condition variable's
// NotifyAll releases all, each waiter re-acquiring the mutex on wake.
//
// Unlocking a mutex the caller does not hold is undefined behavior, as is
// waiting on a condition variable without holding its mutex.
package lock

import (
	"runtime"
	"time"

	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
)

// Mutex states.
const (
	unlocked  = 0
	locked    = 1
	contended = 2
)

// MutexLayout is the footprint of a Mutex: the state word plus two reserved
// words.
var MutexLayout = region.Layout{Bytes: 12, Align: 4}

// CondLayout is the footprint of a Cond: one sequence word.
var CondLayout = region.Layout{Bytes: 4, Align: 4}

// SpinlockLayout is the footprint of a Spinlock: one word.
var SpinlockLayout = region.Layout{Bytes: 4, Align: 4}

type (
	// Options models optional configuration, for the lock constructors.
	Options struct {
		// Parker overrides the park/unpark backend.
		// **Defaults to park.Default(), if nil, or Options is nil.**
		Parker park.Parker
	}

	// Mutex is a three-state futex mutex. At any instant at most one agent
	// observes the transition to the locked state.
	Mutex struct {
		state  region.View32
		parker park.Parker
	}

	// Cond is a condition variable: a sequence word paired with exactly
	// one mutex per wait. The mutex must be held across the transition
	// into the wait.
	Cond struct {
		seq    region.View32
		m      *Mutex
		parker park.Parker
	}

	// Spinlock is a CAS spinlock guarding short critical sections (the
	// allocator's global freelists, the fair locks' queues). Holders must
	// not park.
	Spinlock struct {
		w region.View32
	}
)

func optParker(opts *Options) park.Parker {
	if opts != nil && opts.Parker != nil {
		return opts.Parker
	}
	return park.Default()
}

// InitMutex constructs the mutex at off in the unlocked state. Exactly one
// agent initializes a given mutex.
func InitMutex(r *region.Region, off uint32, opts *Options) (*Mutex, error) {
	x, err := AtMutex(r, off, opts)
	if err != nil {
		return nil, err
	}
	x.state.Store(unlocked)
	return x, nil
}

// AtMutex attaches to a mutex previously initialized at off.
func AtMutex(r *region.Region, off uint32, opts *Options) (*Mutex, error) {
	if err := r.Check(off, MutexLayout); err != nil {
		return nil, err
	}
	state, _ := r.View32(off)
	return &Mutex{state: state, parker: optParker(opts)}, nil
}

// Lock acquires the mutex, parking while it is contended.
func (x *Mutex) Lock() {
	if x.state.CompareAndSwap(unlocked, locked) {
		return
	}
	for {
		if x.state.Load() == contended || x.state.CompareAndSwap(locked, contended) {
			x.parker.Park(x.state.Addr(), contended, park.Forever)
		}
		if x.state.CompareAndSwap(unlocked, contended) {
			return
		}
	}
}

// TryLock acquires the mutex iff it is free, reporting success.
func (x *Mutex) TryLock() bool {
	return x.state.CompareAndSwap(unlocked, locked)
}

// Unlock releases the mutex, waking one parked agent if any. Calling Unlock
// on a mutex the caller does not hold is undefined.
func (x *Mutex) Unlock() {
	if x.state.Sub(1) != locked-1 {
		// prior state was contended
		x.state.Store(unlocked)
		x.parker.Unpark(x.state.Addr(), 1)
	}
}

// InitCond constructs the condition variable at off, associated with m.
// Exactly one agent initializes a given cond.
func InitCond(r *region.Region, off uint32, m *Mutex, opts *Options) (*Cond, error) {
	x, err := AtCond(r, off, m, opts)
	if err != nil {
		return nil, err
	}
	x.seq.Store(0)
	return x, nil
}

// AtCond attaches to a condition variable previously initialized at off.
// Every agent passes its own handle to the same underlying mutex.
func AtCond(r *region.Region, off uint32, m *Mutex, opts *Options) (*Cond, error) {
	if err := r.Check(off, CondLayout); err != nil {
		return nil, err
	}
	seq, _ := r.View32(off)
	return &Cond{seq: seq, m: m, parker: optParker(opts)}, nil
}

// Wait atomically releases the mutex and parks until notified, then
// re-acquires the mutex before returning. The mutex must be held. Spurious
// wake-ups are possible; callers loop on their condition.
func (x *Cond) Wait() {
	t := x.seq.Load()
	x.m.Unlock()
	x.parker.Park(x.seq.Addr(), t, park.Forever)
	x.m.Lock()
}

// WaitTimeout is Wait with a deadline; it reports false on timeout. The
// mutex is re-acquired in every case.
func (x *Cond) WaitTimeout(timeout time.Duration) bool {
	t := x.seq.Load()
	x.m.Unlock()
	r := x.parker.Park(x.seq.Addr(), t, timeout)
	x.m.Lock()
	return r != park.TimedOut
}

// NotifyOne wakes one waiter. Must be called with the mutex held; with no
// waiter it is legal and cheap.
func (x *Cond) NotifyOne() {
	x.seq.Add(1)
	x.parker.Unpark(x.seq.Addr(), 1)
}

// NotifyAll wakes every waiter. Must be called with the mutex held.
func (x *Cond) NotifyAll() {
	x.seq.Add(1)
	x.parker.Unpark(x.seq.Addr(), park.All)
}

// InitSpinlock constructs the spinlock at off in the released state.
func InitSpinlock(r *region.Region, off uint32) (*Spinlock, error) {
	x, err := AtSpinlock(r, off)
	if err != nil {
		return nil, err
	}
	x.w.Store(0)
	return x, nil
}

// AtSpinlock attaches to a spinlock previously initialized at off.
func AtSpinlock(r *region.Region, off uint32) (*Spinlock, error) {
	if err := r.Check(off, SpinlockLayout); err != nil {
		return nil, err
	}
	w, _ := r.View32(off)
	return &Spinlock{w: w}, nil
}

// Acquire spins until the lock is taken.
func (x *Spinlock) Acquire() {
	for spins := 0; ; spins++ {
		if x.w.CompareAndSwap(0, 1) {
			return
		}
		if spins >= 32 {
			runtime.Gosched()
		}
	}
}

// TryAcquire takes the lock iff it is free, reporting success.
func (x *Spinlock) TryAcquire() bool { return x.w.CompareAndSwap(0, 1) }

// Release frees the lock.
func (x *Spinlock) Release() { x.w.Store(0) }
