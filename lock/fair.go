package lock

import (
	"github.com/joeycumines/go-shmsync/agent"
	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
)

// DescBytes is the footprint of one agent descriptor in an arena: the agent
// id, the self-wait park word, and an embedded two-pointer list node.
const DescBytes = 16

const (
	descID   = 0
	descPark = 4
	descPrev = 8
	descNext = 12
)

// FairMutexLayout is the footprint of a FairMutex: spinlock, owner, and the
// wait-list head and tail.
var FairMutexLayout = region.Layout{Bytes: 16, Align: 4}

// FairCondLayout is the footprint of a FairCond: spinlock and the wait-list
// head and tail.
var FairCondLayout = region.Layout{Bytes: 12, Align: 4}

// ArenaLayout returns the footprint of a descriptor arena for count agents.
func ArenaLayout(count int) region.Layout {
	return region.Layout{Bytes: uint32(count) * DescBytes, Align: 4}
}

type (
	// Arena is a fixed array of agent descriptors in the shared region,
	// indexed by agent id. The list-based locks store their queue nodes
	// inside the waiter's descriptor, so an agent may sit in at most one
	// wait-list at a time.
	Arena struct {
		r     *region.Region
		base  uint32
		count uint32
	}

	// node is the typed view of one descriptor.
	node struct {
		id, park, prev, next region.View32
	}

	// waitList is a FIFO of descriptor references (index+1; 0 is nil),
	// with head/tail words in the region. Callers hold the guarding
	// spinlock.
	waitList struct {
		arena      *Arena
		head, tail region.View32
	}

	// FairMutex is the list-based mutex variant: a spinlock guards a FIFO
	// of agent descriptors, and unlock hands ownership directly to the
	// head waiter, giving strict FIFO fairness.
	FairMutex struct {
		arena  *Arena
		spin   *Spinlock
		owner  region.View32
		queue  waitList
		parker park.Parker
	}

	// FairCond is the list-based condition variable paired with a
	// FairMutex. NotifyOne wakes the head-of-queue agent.
	FairCond struct {
		arena  *Arena
		spin   *Spinlock
		queue  waitList
		parker park.Parker
	}
)

// InitArena constructs and zeroes a descriptor arena for count agents.
// Exactly one agent initializes a given arena.
func InitArena(r *region.Region, off uint32, count int) (*Arena, error) {
	x, err := AtArena(r, off, count)
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		n := x.node(agent.ID(i))
		n.id.Store(uint32(i))
		n.park.Store(0)
		n.prev.Store(0)
		n.next.Store(0)
	}
	return x, nil
}

// AtArena attaches to a descriptor arena previously initialized at off.
func AtArena(r *region.Region, off uint32, count int) (*Arena, error) {
	if count <= 0 {
		return nil, region.ErrBadLayout
	}
	if err := r.Check(off, ArenaLayout(count)); err != nil {
		return nil, err
	}
	return &Arena{r: r, base: off, count: uint32(count)}, nil
}

func (x *Arena) node(i agent.ID) node {
	base := x.base + uint32(i)*DescBytes
	var n node
	n.id, _ = x.r.View32(base + descID)
	n.park, _ = x.r.View32(base + descPark)
	n.prev, _ = x.r.View32(base + descPrev)
	n.next, _ = x.r.View32(base + descNext)
	return n
}

// ref converts an agent id to a descriptor reference (index+1).
func ref(i agent.ID) uint32 { return uint32(i) + 1 }

func (x waitList) enqueue(i agent.ID) {
	n := x.arena.node(i)
	n.next.Store(0)
	t := x.tail.Load()
	n.prev.Store(t)
	if t != 0 {
		x.arena.node(agent.ID(t - 1)).next.Store(ref(i))
	} else {
		x.head.Store(ref(i))
	}
	x.tail.Store(ref(i))
}

func (x waitList) dequeue() (agent.ID, bool) {
	h := x.head.Load()
	if h == 0 {
		return 0, false
	}
	i := agent.ID(h - 1)
	n := x.arena.node(i)
	next := n.next.Load()
	x.head.Store(next)
	if next == 0 {
		x.tail.Store(0)
	} else {
		x.arena.node(agent.ID(next - 1)).prev.Store(0)
	}
	n.prev.Store(0)
	n.next.Store(0)
	return i, true
}

// InitFairMutex constructs the fair mutex at off, unlocked. Exactly one
// agent initializes a given mutex; every agent attaches with the same
// arena.
func InitFairMutex(r *region.Region, off uint32, arena *Arena, opts *Options) (*FairMutex, error) {
	x, err := AtFairMutex(r, off, arena, opts)
	if err != nil {
		return nil, err
	}
	x.spin.w.Store(0)
	x.owner.Store(0)
	x.queue.head.Store(0)
	x.queue.tail.Store(0)
	return x, nil
}

// AtFairMutex attaches to a fair mutex previously initialized at off.
func AtFairMutex(r *region.Region, off uint32, arena *Arena, opts *Options) (*FairMutex, error) {
	if err := r.Check(off, FairMutexLayout); err != nil {
		return nil, err
	}
	spin, err := AtSpinlock(r, off)
	if err != nil {
		return nil, err
	}
	x := &FairMutex{arena: arena, spin: spin, parker: optParker(opts)}
	x.owner, _ = r.View32(off + 4)
	x.queue = waitList{arena: arena}
	x.queue.head, _ = r.View32(off + 8)
	x.queue.tail, _ = r.View32(off + 12)
	return x, nil
}

// Lock acquires the mutex on behalf of agent self, enqueueing and parking
// on the agent's own park word under contention.
func (x *FairMutex) Lock(self agent.ID) {
	n := x.arena.node(self)
	x.spin.Acquire()
	if x.owner.Load() == 0 {
		x.owner.Store(ref(self))
		x.spin.Release()
		return
	}
	n.park.Store(0)
	x.queue.enqueue(self)
	x.spin.Release()
	for n.park.Load() != 1 {
		x.parker.Park(n.park.Addr(), 0, park.Forever)
	}
	// ownership was handed to us by the unlocker
}

// TryLock acquires the mutex iff it is free, reporting success.
func (x *FairMutex) TryLock(self agent.ID) bool {
	x.spin.Acquire()
	defer x.spin.Release()
	if x.owner.Load() != 0 {
		return false
	}
	x.owner.Store(ref(self))
	return true
}

// Unlock releases the mutex, handing ownership to the head waiter if any.
// Calling Unlock without holding the mutex is undefined.
func (x *FairMutex) Unlock() {
	x.spin.Acquire()
	i, ok := x.queue.dequeue()
	if !ok {
		x.owner.Store(0)
		x.spin.Release()
		return
	}
	x.owner.Store(ref(i))
	x.spin.Release()
	n := x.arena.node(i)
	n.park.Store(1)
	x.parker.Unpark(n.park.Addr(), 1)
}

// InitFairCond constructs the fair condition variable at off. Exactly one
// agent initializes a given cond.
func InitFairCond(r *region.Region, off uint32, arena *Arena, opts *Options) (*FairCond, error) {
	x, err := AtFairCond(r, off, arena, opts)
	if err != nil {
		return nil, err
	}
	x.spin.w.Store(0)
	x.queue.head.Store(0)
	x.queue.tail.Store(0)
	return x, nil
}

// AtFairCond attaches to a fair condition variable previously initialized
// at off.
func AtFairCond(r *region.Region, off uint32, arena *Arena, opts *Options) (*FairCond, error) {
	if err := r.Check(off, FairCondLayout); err != nil {
		return nil, err
	}
	spin, err := AtSpinlock(r, off)
	if err != nil {
		return nil, err
	}
	x := &FairCond{arena: arena, spin: spin, parker: optParker(opts)}
	x.queue = waitList{arena: arena}
	x.queue.head, _ = r.View32(off + 4)
	x.queue.tail, _ = r.View32(off + 8)
	return x, nil
}

// Wait atomically releases m and parks agent self until notified, then
// re-acquires m. The mutex must be held.
func (x *FairCond) Wait(self agent.ID, m *FairMutex) {
	n := x.arena.node(self)
	x.spin.Acquire()
	n.park.Store(0)
	x.queue.enqueue(self)
	x.spin.Release()
	m.Unlock()
	for n.park.Load() != 1 {
		x.parker.Park(n.park.Addr(), 0, park.Forever)
	}
	m.Lock(self)
}

// NotifyOne wakes the head-of-queue agent, if any.
func (x *FairCond) NotifyOne() {
	x.spin.Acquire()
	i, ok := x.queue.dequeue()
	x.spin.Release()
	if !ok {
		return
	}
	n := x.arena.node(i)
	n.park.Store(1)
	x.parker.Unpark(n.park.Addr(), 1)
}

// NotifyAll wakes every queued agent.
func (x *FairCond) NotifyAll() {
	for {
		x.spin.Acquire()
		i, ok := x.queue.dequeue()
		x.spin.Release()
		if !ok {
			return
		}
		n := x.arena.node(i)
		n.park.Store(1)
		x.parker.Unpark(n.park.Addr(), 1)
	}
}
