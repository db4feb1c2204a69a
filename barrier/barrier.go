// Package barrier implements reusable barriers over the shared region: a
// symmetric barrier for peer agents, and an asymmetric master/worker
// barrier whose last arrival posts an out-of-band message to the
// non-blocking master instead of releasing the round itself.
package barrier

import (
	"errors"

	"github.com/joeycumines/go-shmsync/agent"
	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
)

var (
	// ErrBadParties is returned when a barrier is constructed for fewer
	// than one party.
	ErrBadParties = errors.New(`barrier: parties must be positive`)
)

// Layout is the footprint of a Barrier: counter and sequence words.
var Layout = region.Layout{Bytes: 8, Align: 4}

// AsymLayout is the footprint of an AsymBarrier: counter, sequence, and the
// stable id tagging its arrival messages.
var AsymLayout = region.Layout{Bytes: 12, Align: 4}

type (
	// Options models optional configuration, for the barrier constructors.
	Options struct {
		// Parker overrides the park/unpark backend.
		// **Defaults to park.Default(), if nil, or Options is nil.**
		Parker park.Parker
	}

	// Barrier is a symmetric counter+sequence barrier for a fixed number
	// of parties. It is reusable immediately: the last arrival of a round
	// restores the counter before releasing the others.
	Barrier struct {
		counter region.View32
		seq     region.View32
		parties uint32
		parker  park.Parker
	}
)

func optParker(opts *Options) park.Parker {
	if opts != nil && opts.Parker != nil {
		return opts.Parker
	}
	return park.Default()
}

// Init constructs the barrier at off for the given number of parties.
// Exactly one agent initializes a given barrier.
func Init(r *region.Region, off uint32, parties int, opts *Options) (*Barrier, error) {
	x, err := At(r, off, parties, opts)
	if err != nil {
		return nil, err
	}
	x.counter.Store(uint32(parties))
	x.seq.Store(0)
	return x, nil
}

// At attaches to a barrier previously initialized at off. Every agent must
// pass the same parties value.
func At(r *region.Region, off uint32, parties int, opts *Options) (*Barrier, error) {
	if parties <= 0 {
		return nil, ErrBadParties
	}
	if err := r.Check(off, Layout); err != nil {
		return nil, err
	}
	x := &Barrier{parties: uint32(parties), parker: optParker(opts)}
	x.counter, _ = r.View32(off)
	x.seq, _ = r.View32(off + 4)
	return x, nil
}

// Enter blocks until all parties of the current round have entered. The
// last arrival restores the counter, advances the round, and releases the
// others.
func (x *Barrier) Enter() {
	t := x.seq.Load()
	if x.counter.Sub(1) == 0 {
		x.counter.Store(x.parties)
		x.seq.Add(1)
		x.parker.Unpark(x.seq.Addr(), int(x.parties)-1)
		return
	}
	for x.seq.Load() == t {
		x.parker.Park(x.seq.Addr(), t, park.Forever)
	}
}

type (
	// AsymOptions models configuration for the AsymBarrier constructors.
	// Workers supply Notifier; the master supplies Runner.
	AsymOptions struct {
		// Parker overrides the park/unpark backend.
		// **Defaults to park.Default(), if nil, or AsymOptions is nil.**
		Parker park.Parker

		// Runner marks this agent as the master; OnArrived callbacks are
		// dispatched on it.
		Runner *agent.Runner

		// Notifier is the out-of-band path to the master. Required for
		// workers.
		Notifier agent.Notifier
	}

	// AsymBarrier is the master/worker barrier. Workers Enter exactly as
	// on a symmetric barrier, but the last arrival posts
	// BarrierArrived(id) to the master instead of releasing the round;
	// the master observes the arrival via its registered callback and
	// calls Release.
	AsymBarrier struct {
		counter  region.View32
		seq      region.View32
		idw      region.View32
		parties  uint32
		parker   park.Parker
		notifier agent.Notifier
		runner   *agent.Runner
		arrived  func()
	}
)

// InitAsym constructs the asymmetric barrier at off for the given number of
// worker parties, with the stable id tagging its arrival messages. Exactly
// one agent initializes a given barrier.
func InitAsym(r *region.Region, off uint32, parties int, id uint32, opts *AsymOptions) (*AsymBarrier, error) {
	x, err := newAsym(r, off, parties, opts)
	if err != nil {
		return nil, err
	}
	x.counter.Store(uint32(parties))
	x.seq.Store(0)
	x.idw.Store(id)
	x.registerMaster(id)
	return x, nil
}

// AtAsym attaches to an asymmetric barrier previously initialized at off.
func AtAsym(r *region.Region, off uint32, parties int, opts *AsymOptions) (*AsymBarrier, error) {
	x, err := newAsym(r, off, parties, opts)
	if err != nil {
		return nil, err
	}
	x.registerMaster(x.idw.Load())
	return x, nil
}

func newAsym(r *region.Region, off uint32, parties int, opts *AsymOptions) (*AsymBarrier, error) {
	if parties <= 0 {
		return nil, ErrBadParties
	}
	if err := r.Check(off, AsymLayout); err != nil {
		return nil, err
	}
	x := &AsymBarrier{parties: uint32(parties)}
	if opts != nil {
		x.parker = opts.Parker
		x.runner = opts.Runner
		x.notifier = opts.Notifier
	}
	if x.parker == nil {
		x.parker = park.Default()
	}
	x.counter, _ = r.View32(off)
	x.seq, _ = r.View32(off + 4)
	x.idw, _ = r.View32(off + 8)
	return x, nil
}

func (x *AsymBarrier) registerMaster(id uint32) {
	if x.runner == nil {
		return
	}
	x.runner.Handle(id, func(agent.Message) {
		if fn := x.arrived; fn != nil {
			fn()
		}
	})
}

// ID returns the barrier's stable identifier.
func (x *AsymBarrier) ID() uint32 { return x.idw.Load() }

// OnArrived registers the master callback invoked (on the runner goroutine)
// each time all parties have arrived. Master-side only.
func (x *AsymBarrier) OnArrived(fn func()) { x.arrived = fn }

// Enter is the worker-side arrival: the last arrival posts the arrival
// message to the master, and every arrival then parks until the master
// releases the round.
func (x *AsymBarrier) Enter() {
	t := x.seq.Load()
	if x.counter.Sub(1) == 0 {
		x.notifier.Notify(agent.KindBarrierArrived, x.idw.Load())
	}
	for x.seq.Load() == t {
		x.parker.Park(x.seq.Addr(), t, park.Forever)
	}
}

// Release opens the round: it restores the counter, advances the sequence,
// and wakes all workers. It returns false without side effects if not all
// parties have arrived. Master-side only; typically called from the
// OnArrived callback.
func (x *AsymBarrier) Release() bool {
	if x.counter.Load() != 0 {
		return false
	}
	x.counter.Store(x.parties)
	x.seq.Add(1)
	x.parker.Unpark(x.seq.Addr(), park.All)
	return true
}
