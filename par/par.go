// Package par implements the data-parallel dispatcher: a master that
// publishes jobs into a shared-region reservation and a pool of workers
// that claim tiles of the index space from a shared cursor.
//
// The master fills the reservation (opcode, function name, work items,
// marshaled arguments) and releases an asymmetric barrier; workers enter
// the barrier between jobs, so the reservation is master-writable until the
// release, worker-readable between release and re-entry, and
// master-writable again once every worker has re-entered. Completion is
// observed by the master as the barrier-arrived callback.
//
// Each index space is sliced into four tiles per worker, the remainder
// spread one extra over the leading tiles; workers claim tiles with an
// atomic cursor advance, which load-balances implicitly.
package par

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-shmsync/agent"
	"github.com/joeycumines/go-shmsync/barrier"
	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
	"github.com/joeycumines/logiface"
)

var (
	// ErrUnknownRemote is reported when an invocation names a function not
	// registered on a worker.
	ErrUnknownRemote = errors.New(`par: invocation named an unregistered function`)

	// ErrNotEnoughScratch is reported when a packed job does not fit the
	// reservation's scratch area.
	ErrNotEnoughScratch = errors.New(`par: job does not fit the scratch area`)

	// ErrMasterStopped is reported for jobs still queued when the master
	// shuts down.
	ErrMasterStopped = errors.New(`par: master stopped`)
)

// Reservation header field offsets, relative to the reservation base. The
// asymmetric barrier occupies the first words; the scratch area for the
// function name, work items, and marshaled arguments follows the header.
const (
	offBarrier  = 0
	offOpcode   = 12
	offItemSize = 16 // words per work item: 2 (1D) or 4 (2D)
	offNext     = 20 // byte offset of the next unclaimed item
	offLimit    = 24 // byte offset past the last item
	offArgBase  = 28 // byte offset of the marshaled arguments
	offArgLimit = 32
	offNameBase = 36 // byte offset of the function name (len + packed chars)

	// HeaderBytes is the fixed reservation header size; the scratch area
	// begins here.
	HeaderBytes = 40
)

// Opcodes.
const (
	opInvoke    = 1
	opBroadcast = 2
	opExit      = 3
)

// Layout returns the footprint of a reservation with the given scratch
// size.
func Layout(scratchBytes uint32) region.Layout {
	return region.Layout{Bytes: HeaderBytes + scratchBytes, Align: 4}
}

type (
	// Ranges is the slice of the index space passed to one invocation of a
	// worker function. For broadcasts it is zero.
	Ranges struct {
		Lo0, Hi0 int32
		Lo1, Hi1 int32
		TwoD     bool
	}

	// Func is a worker-registered function. Arguments are unmarshaled
	// once per job and shared, read-only, across every invocation on the
	// worker.
	Func func(b Ranges, args []any)

	// header is the typed view of a reservation, shared by both sides.
	header struct {
		r        *region.Region
		base     uint32
		size     uint32
		opcode   region.View32
		itemSize region.View32
		next     region.View32
		limit    region.View32
		argBase  region.View32
		argLimit region.View32
		nameBase region.View32
	}
)

func (x *header) init(r *region.Region, base, size uint32) error {
	if size < HeaderBytes+64 {
		return fmt.Errorf(`%w: reservation of %d bytes is too small`, region.ErrBadLayout, size)
	}
	if err := r.Check(base, Layout(size-HeaderBytes)); err != nil {
		return err
	}
	x.r = r
	x.base = base
	x.size = size
	x.opcode, _ = r.View32(base + offOpcode)
	x.itemSize, _ = r.View32(base + offItemSize)
	x.next, _ = r.View32(base + offNext)
	x.limit, _ = r.View32(base + offLimit)
	x.argBase, _ = r.View32(base + offArgBase)
	x.argLimit, _ = r.View32(base + offArgLimit)
	x.nameBase, _ = r.View32(base + offNameBase)
	return nil
}

func (x *header) word(off uint32) region.View32 {
	v, _ := x.r.View32(off)
	return v
}

type (
	// MasterConfig models configuration for NewMaster.
	MasterConfig struct {
		// Region, Base, and Size place the reservation, scratch included.
		Region *region.Region
		Base   uint32
		Size   uint32

		// Workers is the number of worker agents that will attach.
		Workers int

		// Runner is the master's runner; completion callbacks and queue
		// draining run on it. Required.
		Runner *agent.Runner

		// OnReady is invoked (on the runner) once every worker has
		// entered the barrier for the first time.
		OnReady func()

		// Parker overrides the park/unpark backend.
		// **Defaults to park.Default(), if nil.**
		Parker park.Parker

		// Logger receives structured dispatcher logs. Nil disables
		// logging.
		Logger *logiface.Logger[logiface.Event]
	}

	// job is one queued invocation.
	job struct {
		op    uint32
		name  string
		space Space
		args  []any
		done  func(error)
		err   error
	}

	// Master is the dispatcher's master side. All methods are safe from
	// any goroutine; state is confined to the runner.
	Master struct {
		header
		barrier *barrier.AsymBarrier
		runner  *agent.Runner
		workers int
		onReady func()
		log     *logiface.Logger[logiface.Event]

		// runner-confined
		queue   []*job
		active  *job
		ready   bool
		stopped bool
	}
)

// NewMaster constructs the dispatcher reservation at config.Base and
// initializes the barrier for config.Workers parties. The reservation's
// stable id is its base offset.
func NewMaster(config *MasterConfig) (*Master, error) {
	if config == nil || config.Region == nil || config.Runner == nil || config.Workers <= 0 {
		return nil, fmt.Errorf(`%w: master requires a region, a runner, and workers`, region.ErrBadLayout)
	}
	x := &Master{
		runner:  config.Runner,
		workers: config.Workers,
		onReady: config.OnReady,
		log:     config.Logger,
	}
	if err := x.header.init(config.Region, config.Base, config.Size); err != nil {
		return nil, err
	}
	var err error
	x.barrier, err = barrier.InitAsym(config.Region, config.Base+offBarrier, config.Workers, config.Base, &barrier.AsymOptions{
		Parker: config.Parker,
		Runner: config.Runner,
	})
	if err != nil {
		return nil, err
	}
	x.opcode.Store(0)
	x.barrier.OnArrived(x.onArrived)
	return x, nil
}

// Dispatch consumes dispatcher-related application messages from the
// master's mailbox, reporting whether the message was consumed. Wire it
// into the runner via RunnerConfig.OnMessage.
func (x *Master) Dispatch(m agent.Message) bool {
	if m.Kind != agent.KindApp || m.Cell != x.base {
		return false
	}
	if err, ok := m.Payload.(error); ok && x.active != nil && x.active.err == nil {
		x.active.err = err
	}
	return true
}

// Invoke queues fn-name over the index space with the given arguments; done
// is invoked on the runner when every worker has finished the job (with the
// first worker-reported error, if any). Safe from any goroutine.
func (x *Master) Invoke(done func(error), name string, space Space, args ...any) {
	x.submit(&job{op: opInvoke, name: name, space: space, args: args, done: done})
}

// Broadcast queues fn-name to run exactly once per worker.
func (x *Master) Broadcast(done func(error), name string, args ...any) {
	x.submit(&job{op: opBroadcast, name: name, args: args, done: done})
}

// Shutdown queues an exit: workers leave their message loops. done is
// invoked once the exit has been released to the workers.
func (x *Master) Shutdown(done func(error)) {
	x.submit(&job{op: opExit, done: done})
}

func (x *Master) submit(j *job) {
	if err := x.runner.Post(func() {
		if x.stopped {
			x.fail(j, ErrMasterStopped)
			return
		}
		x.queue = append(x.queue, j)
		x.startNext()
	}); err != nil {
		x.fail(j, err)
	}
}

func (x *Master) fail(j *job, err error) {
	if j.done != nil {
		j.done(err)
	}
}

// onArrived runs on the runner whenever all workers are parked in the
// barrier: at start-up (ready) and at the completion of each job.
func (x *Master) onArrived() {
	if j := x.active; j != nil {
		x.active = nil
		x.log.Debug().Str(`name`, j.name).Log(`job complete`)
		if j.done != nil {
			j.done(j.err)
		}
	} else if !x.ready {
		x.ready = true
		x.log.Debug().Int(`workers`, x.workers).Log(`worker pool ready`)
		if x.onReady != nil {
			x.onReady()
		}
	}
	x.startNext()
}

// startNext packs and releases the next queued job, if the pool is idle
// with every worker waiting in the barrier.
func (x *Master) startNext() {
	for x.active == nil && !x.stopped && len(x.queue) > 0 && x.ready {
		j := x.queue[0]
		x.queue = x.queue[1:]
		if j.op == opExit {
			x.opcode.Store(opExit)
			if !x.barrier.Release() {
				// workers not all parked; only possible via API misuse
				x.opcode.Store(0)
				x.fail(j, ErrMasterStopped)
				continue
			}
			x.stopped = true
			x.fail(j, nil)
			for _, q := range x.queue {
				x.fail(q, ErrMasterStopped)
			}
			x.queue = nil
			return
		}
		if err := x.pack(j); err != nil {
			x.fail(j, err)
			continue
		}
		x.active = j
		if !x.barrier.Release() {
			x.active = nil
			x.fail(j, ErrMasterStopped)
		}
	}
}

// pack writes the job into the reservation: name, work items, and
// marshaled arguments, then the opcode.
func (x *Master) pack(j *job) error {
	cur := x.base + HeaderBytes
	end := x.base + x.size

	put := func(w uint32) bool {
		if cur+4 > end {
			return false
		}
		x.word(cur).Store(w)
		cur += 4
		return true
	}

	// function name: length then characters packed four per word
	x.nameBase.Store(cur)
	name := []byte(j.name)
	if !put(uint32(len(name))) {
		return ErrNotEnoughScratch
	}
	for i := 0; i < len(name); i += 4 {
		var w uint32
		for k := 0; k < 4 && i+k < len(name); k++ {
			w |= uint32(name[i+k]) << (8 * k)
		}
		if !put(w) {
			return ErrNotEnoughScratch
		}
	}

	// work items
	if j.op == opInvoke {
		items := j.space.tiles(x.workers)
		x.itemSize.Store(j.space.itemWords())
		x.next.Store(cur)
		for _, w := range items {
			if !put(w) {
				return ErrNotEnoughScratch
			}
		}
		x.limit.Store(cur)
	} else {
		x.itemSize.Store(0)
		x.next.Store(0)
		x.limit.Store(0)
	}

	// marshaled arguments
	words, err := marshal(j.args)
	if err != nil {
		return err
	}
	x.argBase.Store(cur)
	for _, w := range words {
		if !put(w) {
			return ErrNotEnoughScratch
		}
	}
	x.argLimit.Store(cur)

	x.opcode.Store(j.op)
	return nil
}

type (
	// WorkerConfig models configuration for NewWorker.
	WorkerConfig struct {
		// Region, Base, and Size locate the master's reservation.
		Region *region.Region
		Base   uint32
		Size   uint32

		// Workers is the worker count the master was configured with.
		Workers int

		// Mailbox is the channel to the master; barrier arrivals and
		// error reports travel through it. Required.
		Mailbox *agent.Mailbox

		// ID is this worker's agent id, stamped on outbound messages.
		ID agent.ID

		// Parker overrides the park/unpark backend.
		// **Defaults to park.Default(), if nil.**
		Parker park.Parker

		// Logger receives structured dispatcher logs. Nil disables
		// logging.
		Logger *logiface.Logger[logiface.Event]
	}

	// Worker is the dispatcher's worker side. Register functions, then
	// call Run from the worker's goroutine; Run returns when the master
	// shuts the pool down.
	Worker struct {
		header
		barrier  *barrier.AsymBarrier
		mailbox  *agent.Mailbox
		id       agent.ID
		registry map[string]Func
		log      *logiface.Logger[logiface.Event]
	}
)

// NewWorker attaches to the master's reservation at config.Base.
func NewWorker(config *WorkerConfig) (*Worker, error) {
	if config == nil || config.Region == nil || config.Mailbox == nil || config.Workers <= 0 {
		return nil, fmt.Errorf(`%w: worker requires a region, a mailbox, and workers`, region.ErrBadLayout)
	}
	x := &Worker{
		mailbox:  config.Mailbox,
		id:       config.ID,
		registry: make(map[string]Func),
		log:      config.Logger,
	}
	if err := x.header.init(config.Region, config.Base, config.Size); err != nil {
		return nil, err
	}
	var err error
	x.barrier, err = barrier.AtAsym(config.Region, config.Base+offBarrier, config.Workers, &barrier.AsymOptions{
		Parker:   config.Parker,
		Notifier: agent.NotifyMailbox(config.Mailbox, config.ID),
	})
	if err != nil {
		return nil, err
	}
	return x, nil
}

// Register makes fn invocable under name. Registration must complete
// before Run.
func (x *Worker) Register(name string, fn Func) {
	x.registry[name] = fn
}

// Run enters the job loop: wait in the barrier, execute the published job,
// re-enter. It returns nil when the master publishes an exit.
func (x *Worker) Run() error {
	for {
		x.barrier.Enter()
		switch op := x.opcode.Load(); op {
		case opExit:
			x.log.Debug().Int(`worker`, int(x.id)).Log(`worker exiting`)
			return nil
		case opInvoke, opBroadcast:
			x.runJob(op)
		default:
			x.log.Warning().Uint64(`opcode`, uint64(op)).Log(`unknown opcode ignored`)
		}
	}
}

func (x *Worker) runJob(op uint32) {
	name := x.readName()
	args, err := x.readArgs()
	if err == nil {
		if x.registry[name] == nil {
			err = fmt.Errorf(`%w: %q`, ErrUnknownRemote, name)
		}
	}
	if err != nil {
		// report and re-enter; workers that do know the function keep
		// claiming from the cursor, so the job still drains without us
		x.log.Warning().Err(err).Str(`name`, name).Log(`job failed`)
		x.mailbox.Send(agent.Message{Kind: agent.KindApp, Cell: x.base, From: x.id, Payload: err})
		return
	}
	fn := x.registry[name]
	if op == opBroadcast {
		fn(Ranges{}, args)
		return
	}
	itemBytes := x.itemSize.Load() * 4
	limit := x.limit.Load()
	for {
		claimed := x.next.Add(itemBytes) - itemBytes
		if claimed >= limit {
			return
		}
		var b Ranges
		b.Lo0 = int32(x.word(claimed).Load())
		b.Hi0 = int32(x.word(claimed + 4).Load())
		if itemBytes == 16 {
			b.TwoD = true
			b.Lo1 = int32(x.word(claimed + 8).Load())
			b.Hi1 = int32(x.word(claimed + 12).Load())
		}
		fn(b, args)
	}
}

func (x *Worker) readName() string {
	base := x.nameBase.Load()
	n := x.word(base).Load()
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(x.word(base+4+uint32(i/4)*4).Load() >> (8 * (i % 4)))
	}
	return string(b)
}

func (x *Worker) readArgs() ([]any, error) {
	base := x.argBase.Load()
	limit := x.argLimit.Load()
	words := make([]uint32, (limit-base)/4)
	for i := range words {
		words[i] = x.word(base + uint32(i)*4).Load()
	}
	return unmarshal(words)
}
