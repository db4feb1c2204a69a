// Package intq implements bounded queues of integer bundles over the shared
// region: [MPIQ], where the master produces and workers consume, and its
// dual [WPIQ], where workers produce and the master consumes.
//
// Elements are variable-length bundles of 32-bit words; each item occupies a
// length word plus its payload, and is logically contiguous modulo the
// buffer size. The "many" side serializes its critical section with a latch
// (a binary asymmetric synchronic), so no item is ever split between
// consumers; a population synchronic counts the resident words and doubles
// as the signal both for blocked workers and for registered master
// callbacks. Items are delivered in FIFO order.
package intq

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-shmsync/agent"
	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
	"github.com/joeycumines/go-shmsync/synchronic"
)

var (
	// ErrOverlong is returned when an item cannot ever fit the buffer.
	ErrOverlong = errors.New(`intq: item larger than buffer capacity`)

	// ErrWrongAgent is returned when a master-only method is called from a
	// worker or vice versa.
	ErrWrongAgent = errors.New(`intq: method called from the wrong side`)
)

// MaxItemWords bounds the payload length of one item. The limit mirrors the
// 12-bit length field of the packed item descriptors used by the item-pool
// encoding.
const MaxItemWords = 4095

// MetaBytes is the size of the queue header preceding the circular buffer:
// insert and remove indices, the population synchronic, and the latch.
const MetaBytes = 8 + 2*20 // 48; asym synchronic is 20 bytes

const (
	offInsert = 0
	offRemove = 4
	offPop    = 8
	offLatch  = 28
	offBuffer = MetaBytes
)

// Layout returns the footprint of a queue whose circular buffer holds words
// 32-bit words.
func Layout(words int) region.Layout {
	return region.Layout{Bytes: offBuffer + uint32(words)*4, Align: 4}
}

type (
	// Config models configuration for the queue constructors.
	Config struct {
		// Region and Base place the queue.
		Region *region.Region
		Base   uint32

		// Words is the circular buffer capacity in 32-bit words. One word
		// is reserved to disambiguate full from empty, so the largest
		// admissible item is Words-2 payload words.
		Words int

		// Parker overrides the park/unpark backend.
		// **Defaults to park.Default(), if nil.**
		Parker park.Parker

		// Runner marks this agent as the master.
		Runner *agent.Runner

		// Notifier is the out-of-band path to the master; required on
		// workers.
		Notifier agent.Notifier
	}

	// ring is the storage shared by both queue flavors.
	ring struct {
		r      *region.Region
		base   uint32
		words  uint32
		insert region.View32
		remove region.View32
		pop    *synchronic.Asym[int32]
		latch  *synchronic.Asym[int32]
		master bool
		runner *agent.Runner
	}

	// MPIQ is the master-producer / worker-consumer queue.
	MPIQ struct {
		ring
	}

	// WPIQ is the worker-producer / master-consumer queue.
	WPIQ struct {
		ring
	}
)

func (x *ring) init(config *Config, initialize bool) error {
	if config == nil || config.Region == nil {
		return fmt.Errorf(`%w: nil region`, region.ErrBadLayout)
	}
	if config.Words < 4 {
		return fmt.Errorf(`%w: buffer of %d words is too small`, region.ErrBadLayout, config.Words)
	}
	if config.Runner == nil && config.Notifier == nil {
		return fmt.Errorf(`%w: workers must configure a notifier`, ErrWrongAgent)
	}
	r, base := config.Region, config.Base
	if err := r.Check(base, Layout(config.Words)); err != nil {
		return err
	}
	x.r = r
	x.base = base
	x.words = uint32(config.Words)
	x.insert, _ = r.View32(base + offInsert)
	x.remove, _ = r.View32(base + offRemove)
	x.master = config.Runner != nil
	x.runner = config.Runner
	opts := &synchronic.AsymOptions{
		Parker:   config.Parker,
		Runner:   config.Runner,
		Notifier: config.Notifier,
	}
	var err error
	if initialize {
		x.insert.Store(0)
		x.remove.Store(0)
		// cell ids are the cells' own offsets: unique within the region
		if x.pop, err = synchronic.InitAsym[int32](r, base+offPop, 0, base+offPop, opts); err != nil {
			return err
		}
		if x.latch, err = synchronic.InitAsym[int32](r, base+offLatch, 0, base+offLatch, opts); err != nil {
			return err
		}
	} else {
		if x.pop, err = synchronic.AtAsym[int32](r, base+offPop, opts); err != nil {
			return err
		}
		if x.latch, err = synchronic.AtAsym[int32](r, base+offLatch, opts); err != nil {
			return err
		}
	}
	return nil
}

func (x *ring) word(i uint32) region.View32 {
	v, _ := x.r.View32(x.base + offBuffer + (i%x.words)*4)
	return v
}

// freeWords computes the free capacity in words, with one word reserved so
// insert == remove unambiguously means empty.
func (x *ring) freeWords() uint32 {
	ins := x.insert.Load()
	rem := x.remove.Load()
	return (rem - ins - 1 + x.words) % x.words
}

// checkItem validates an item size against the hard limits.
func (x *ring) checkItem(payloadWords int) error {
	if payloadWords < 0 || payloadWords > MaxItemWords || uint32(payloadWords)+1 > x.words-1 {
		return fmt.Errorf(`%w: %d payload words, capacity %d`, ErrOverlong, payloadWords, x.words-1)
	}
	return nil
}

// putLocked writes one item and publishes it. The caller owns the producer
// critical section and has verified capacity.
func (x *ring) putLocked(item []uint32) {
	ins := x.insert.Load()
	x.word(ins).Store(uint32(len(item)))
	for i, w := range item {
		x.word(ins + 1 + uint32(i)).Store(w)
	}
	x.insert.Store((ins + 1 + uint32(len(item))) % x.words)
	x.pop.Add(int32(len(item)) + 1)
}

// takeLocked removes and returns the head item, or nil if the queue is
// empty. The caller owns the consumer critical section.
func (x *ring) takeLocked() []uint32 {
	rem := x.remove.Load()
	if x.insert.Load() == rem {
		return nil
	}
	n := x.word(rem).Load()
	item := make([]uint32, n)
	for i := range item {
		item[i] = x.word(rem + 1 + uint32(i)).Load()
	}
	x.remove.Store((rem + 1 + n) % x.words)
	x.pop.Sub(int32(n) + 1)
	return item
}

// acquireLatch takes the worker-side latch, blocking until it is free.
func (x *ring) acquireLatch() {
	for !x.latch.CompareAndSwap(0, 1) {
		x.latch.WaitForEqual(0, park.Forever)
	}
}

func (x *ring) releaseLatch() { x.latch.Store(0) }

// InitMPIQ constructs and initializes the queue at config.Base; the
// initializing agent is normally the master (config.Runner set).
func InitMPIQ(config *Config) (*MPIQ, error) {
	x := &MPIQ{}
	if err := x.ring.init(config, true); err != nil {
		return nil, err
	}
	return x, nil
}

// AtMPIQ attaches to a queue previously initialized at config.Base.
func AtMPIQ(config *Config) (*MPIQ, error) {
	x := &MPIQ{}
	if err := x.ring.init(config, false); err != nil {
		return nil, err
	}
	return x, nil
}

// PutOrFail enqueues the item without blocking, reporting false when the
// buffer lacks capacity. Master-only.
func (x *MPIQ) PutOrFail(item []uint32) (bool, error) {
	if !x.master {
		return false, ErrWrongAgent
	}
	if err := x.checkItem(len(item)); err != nil {
		return false, err
	}
	// remove may advance concurrently, which only increases free capacity
	if x.freeWords() < uint32(len(item))+1 {
		return false, nil
	}
	x.putLocked(item)
	return true, nil
}

// CallWhenCanPut registers fn to be invoked on the master runner once the
// buffer has room for an item of size payload words; the registration
// re-checks on every population change. Master-only; must be called on the
// runner goroutine.
func (x *MPIQ) CallWhenCanPut(size int, fn func()) error {
	if !x.master {
		return ErrWrongAgent
	}
	if err := x.checkItem(size); err != nil {
		return err
	}
	need := uint32(size) + 1
	var check func()
	check = func() {
		if x.freeWords() >= need {
			fn()
			return
		}
		// errors are impossible here: the cell was constructed master-side
		_ = x.pop.CallWhenUpdated(x.pop.Load(), park.Forever, func(int32, bool) { check() })
	}
	check()
	return nil
}

// TakeOrFail dequeues one item without blocking, returning nil when the
// queue is empty. Worker-only; concurrent consumers are serialized by the
// latch.
func (x *MPIQ) TakeOrFail() ([]uint32, error) {
	if x.master {
		return nil, ErrWrongAgent
	}
	x.acquireLatch()
	item := x.takeLocked()
	x.releaseLatch()
	return item, nil
}

// Take dequeues one item, blocking while the queue is empty. Worker-only.
func (x *MPIQ) Take() ([]uint32, error) {
	for {
		item, err := x.TakeOrFail()
		if item != nil || err != nil {
			return item, err
		}
		x.pop.WaitForNotEqual(0, park.Forever)
	}
}

// InitWPIQ constructs and initializes the queue at config.Base; the
// initializing agent is normally the master (config.Runner set).
func InitWPIQ(config *Config) (*WPIQ, error) {
	x := &WPIQ{}
	if err := x.ring.init(config, true); err != nil {
		return nil, err
	}
	return x, nil
}

// AtWPIQ attaches to a queue previously initialized at config.Base.
func AtWPIQ(config *Config) (*WPIQ, error) {
	x := &WPIQ{}
	if err := x.ring.init(config, false); err != nil {
		return nil, err
	}
	return x, nil
}

// PutOrFail enqueues the item without blocking, reporting false when the
// buffer lacks capacity. Worker-only; concurrent producers are serialized
// by the latch.
func (x *WPIQ) PutOrFail(item []uint32) (bool, error) {
	if x.master {
		return false, ErrWrongAgent
	}
	if err := x.checkItem(len(item)); err != nil {
		return false, err
	}
	x.acquireLatch()
	if x.freeWords() < uint32(len(item))+1 {
		x.releaseLatch()
		return false, nil
	}
	x.putLocked(item)
	x.releaseLatch()
	return true, nil
}

// Put enqueues the item, blocking while the buffer lacks capacity.
// Worker-only.
func (x *WPIQ) Put(item []uint32) error {
	for {
		before := x.pop.Load()
		ok, err := x.PutOrFail(item)
		if ok || err != nil {
			return err
		}
		// capacity appears when the master consumes, shrinking pop
		x.pop.ExpectUpdate(before, park.Forever)
	}
}

// TakeOrFail dequeues one item without blocking, returning nil when the
// queue is empty. Master-only; the master is the sole consumer, so no
// latch is required.
func (x *WPIQ) TakeOrFail() ([]uint32, error) {
	if !x.master {
		return nil, ErrWrongAgent
	}
	return x.takeLocked(), nil
}

// CallWhenCanTake registers fn to be invoked on the master runner once the
// queue is non-empty. Master-only; must be called on the runner goroutine.
func (x *WPIQ) CallWhenCanTake(fn func()) error {
	if !x.master {
		return ErrWrongAgent
	}
	if x.pop.Load() != 0 {
		fn()
		return nil
	}
	return x.pop.CallWhenNotEquals(0, park.Forever, func(int32, bool) { fn() })
}
