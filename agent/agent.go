// Package agent models the participants of a shared-region computation: the
// single non-blocking master and any number of blocking workers, plus the
// message channel connecting them.
//
// The master never parks. It is driven by a [Runner], a single-goroutine
// cooperative scheduler that drains a mailbox of control messages and fires
// host timers; primitives with a master side (asymmetric synchronics,
// asymmetric barriers, the bundle queues, the parallel dispatcher) register
// callbacks keyed by cell id, and the runner dispatches inbound
// notifications to them.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

var (
	// ErrRunnerTerminated is returned when operations are attempted on a
	// runner that has been stopped.
	ErrRunnerTerminated = errors.New(`agent: runner has been terminated`)

	// ErrRunnerAlreadyRunning is returned when Run is called on a runner
	// that is already running.
	ErrRunnerAlreadyRunning = errors.New(`agent: runner is already running`)
)

type (
	// ID identifies an agent. The master is conventionally 0 and workers
	// are 1..N; the list-based lock primitives index descriptor arenas by
	// worker ID.
	ID int32

	// Kind discriminates control messages on the agent message channel.
	Kind int32

	// Message is one unit on the master/worker message channel: either a
	// tagged control message referencing a cell by id, or an
	// application-defined payload the dispatcher forwards.
	Message struct {
		Kind    Kind
		Cell    uint32 // cell / barrier id, for KindNotify and KindBarrierArrived
		From    ID
		Payload any
	}

	// Mailbox is a point-to-point message channel. Worker-to-master
	// mailboxes are drained by the master's runner; master-to-worker sends
	// must never block the master, hence the capacity requirement on
	// NewMailbox.
	Mailbox struct {
		ch chan Message
	}
)

const (
	// KindNotify signals that an asymmetric synchronic with a registered
	// master callback was updated.
	KindNotify Kind = iota + 1
	// KindBarrierArrived signals that all parties of an asymmetric barrier
	// have entered.
	KindBarrierArrived
	// KindStart carries worker start-up parameters.
	KindStart
	// KindExit asks a worker to leave its message loop.
	KindExit
	// KindApp carries an application-defined payload.
	KindApp
)

// NewMailbox returns a mailbox with the given buffer capacity, which must be
// positive. Size master-facing mailboxes generously: Send blocks when the
// buffer is full, which workers may do but the master must not.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 64
	}
	return &Mailbox{ch: make(chan Message, capacity)}
}

// Send enqueues a message, blocking while the buffer is full.
func (x *Mailbox) Send(m Message) { x.ch <- m }

// TrySend enqueues a message unless the buffer is full, reporting success.
func (x *Mailbox) TrySend(m Message) bool {
	select {
	case x.ch <- m:
		return true
	default:
		return false
	}
}

// C exposes the receive side of the mailbox.
func (x *Mailbox) C() <-chan Message { return x.ch }

// Notifier is the out-of-band path by which any agent posts a one-word
// notification toward the master. It is satisfied by NotifyMailbox.
type Notifier interface {
	Notify(kind Kind, cell uint32)
}

type mailboxNotifier struct {
	mailbox *Mailbox
	from    ID
}

// NotifyMailbox adapts a mailbox into a Notifier, stamping messages with the
// sending agent's id.
func NotifyMailbox(mailbox *Mailbox, from ID) Notifier {
	return &mailboxNotifier{mailbox: mailbox, from: from}
}

func (x *mailboxNotifier) Notify(kind Kind, cell uint32) {
	x.mailbox.Send(Message{Kind: kind, Cell: cell, From: x.from})
}

type (
	// RunnerConfig models optional configuration, for NewRunner.
	RunnerConfig struct {
		// Mailbox is the inbound message channel the runner drains.
		// **Defaults to a new mailbox of capacity 256, if nil.**
		Mailbox *Mailbox

		// OnMessage receives messages with no registered cell handler
		// (including all KindApp messages), on the runner goroutine.
		OnMessage func(Message)

		// Logger receives structured runner lifecycle and dispatch logs.
		// Nil disables logging.
		Logger *logiface.Logger[logiface.Event]
	}

	// Runner is the master's cooperative scheduler. All registered
	// callbacks, posted tasks, and timer callbacks execute on the single
	// goroutine that called Run; none of them may block on a shared-region
	// primitive.
	Runner struct {
		mailbox   *Mailbox
		onMessage func(Message)
		log       *logiface.Logger[logiface.Event]

		tasks chan func()

		// handlers is only touched on the runner goroutine once Run has
		// started; the mutex covers registration racing start-up.
		mu       sync.Mutex
		handlers map[uint32]func(Message)

		started  atomic.Bool
		done     chan struct{}
		stopOnce sync.Once
	}
)

// NewRunner returns a runner for the master agent. Run must be called for
// messages and tasks to be processed.
func NewRunner(config *RunnerConfig) *Runner {
	x := &Runner{
		tasks:    make(chan func(), 256),
		handlers: make(map[uint32]func(Message)),
		done:     make(chan struct{}),
	}
	if config != nil {
		x.mailbox = config.Mailbox
		x.onMessage = config.OnMessage
		x.log = config.Logger
	}
	if x.mailbox == nil {
		x.mailbox = NewMailbox(256)
	}
	return x
}

// Mailbox returns the runner's inbound message channel, for handing to
// workers (wrapped via NotifyMailbox).
func (x *Runner) Mailbox() *Mailbox { return x.mailbox }

// Run drains the mailbox and task queue until ctx is cancelled or Stop is
// called. It must be called exactly once, from the goroutine dedicated to
// the master.
func (x *Runner) Run(ctx context.Context) error {
	if !x.started.CompareAndSwap(false, true) {
		return ErrRunnerAlreadyRunning
	}
	x.log.Debug().Log(`runner started`)
	defer x.log.Debug().Log(`runner stopped`)
	for {
		select {
		case <-ctx.Done():
			x.Stop()
			return ctx.Err()
		case <-x.done:
			return nil
		case fn := <-x.tasks:
			fn()
		case m := <-x.mailbox.ch:
			x.dispatch(m)
		}
	}
}

// Stop terminates the runner. Pending tasks and messages are dropped. Safe
// to call from any goroutine, and more than once.
func (x *Runner) Stop() {
	x.stopOnce.Do(func() { close(x.done) })
}

// Done is closed when the runner has been stopped.
func (x *Runner) Done() <-chan struct{} { return x.done }

func (x *Runner) dispatch(m Message) {
	x.mu.Lock()
	fn := x.handlers[m.Cell]
	x.mu.Unlock()
	if (m.Kind == KindNotify || m.Kind == KindBarrierArrived) && fn != nil {
		fn(m)
		return
	}
	if x.onMessage != nil {
		x.onMessage(m)
		return
	}
	x.log.Debug().
		Int(`kind`, int(m.Kind)).
		Uint64(`cell`, uint64(m.Cell)).
		Log(`message dropped: no handler`)
}

// Post schedules fn onto the runner goroutine. It returns
// ErrRunnerTerminated if the runner has stopped.
func (x *Runner) Post(fn func()) error {
	select {
	case <-x.done:
		return ErrRunnerTerminated
	case x.tasks <- fn:
		return nil
	}
}

// Handle registers the callback invoked for KindNotify / KindBarrierArrived
// messages referencing cell. It replaces any previous registration.
func (x *Runner) Handle(cell uint32, fn func(Message)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handlers[cell] = fn
}

// Unhandle removes the callback registered for cell.
func (x *Runner) Unhandle(cell uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.handlers, cell)
}

// After schedules fn onto the runner goroutine after d elapses. The returned
// timer may be stopped to cancel; cancellation after the timer fired but
// before fn ran does not prevent fn from running.
func (x *Runner) After(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		// ignore: a terminated runner drops timers along with tasks
		_ = x.Post(fn)
	})
}
