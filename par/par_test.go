package par

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-shmsync/agent"
	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type pool struct {
	master *Master
	runner *agent.Runner
	g      errgroup.Group
	ready  chan struct{}
}

// startPool builds a master plus worker goroutines wired through one
// mailbox, returning once every worker is parked in the barrier.
func startPool(t *testing.T, workers int, register func(w *Worker)) *pool {
	t.Helper()
	const size = 16 << 10
	r, err := region.New(size)
	require.NoError(t, err)
	parker := park.NewEmulated()

	x := &pool{ready: make(chan struct{})}

	x.runner = agent.NewRunner(&agent.RunnerConfig{
		OnMessage: func(m agent.Message) {
			if x.master != nil {
				x.master.Dispatch(m)
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = x.runner.Run(ctx) }()
	t.Cleanup(x.runner.Stop)

	x.master, err = NewMaster(&MasterConfig{
		Region:  r,
		Base:    0,
		Size:    size,
		Workers: workers,
		Runner:  x.runner,
		Parker:  parker,
		OnReady: func() { close(x.ready) },
	})
	require.NoError(t, err)

	for i := 0; i < workers; i++ {
		id := agent.ID(i + 1)
		w, err := NewWorker(&WorkerConfig{
			Region:  r,
			Base:    0,
			Size:    size,
			Workers: workers,
			Mailbox: x.runner.Mailbox(),
			ID:      id,
			Parker:  parker,
		})
		require.NoError(t, err)
		register(w)
		x.g.Go(w.Run)
	}

	select {
	case <-x.ready:
	case <-time.After(10 * time.Second):
		t.Fatal(`worker pool never became ready`)
	}
	return x
}

func (x *pool) shutdown(t *testing.T) {
	t.Helper()
	done := make(chan error, 1)
	x.master.Shutdown(func(err error) { done <- err })
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal(`shutdown did not complete`)
	}
	require.NoError(t, x.g.Wait())
}

func invoke(t *testing.T, x *pool, name string, space Space, args ...any) error {
	t.Helper()
	done := make(chan error, 1)
	x.master.Invoke(func(err error) { done <- err }, name, space, args...)
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal(`invoke did not complete`)
		return nil
	}
}

func TestMaster_invoke1D(t *testing.T) {
	const workers = 3
	var sum atomic.Int64
	var calls atomic.Int32
	x := startPool(t, workers, func(w *Worker) {
		w.Register(`sum`, func(b Ranges, args []any) {
			require.False(t, b.TwoD)
			bias := int64(args[0].(int32))
			for i := b.Lo0; i < b.Hi0; i++ {
				sum.Add(int64(i) + bias)
			}
			calls.Add(1)
		})
	})
	defer x.shutdown(t)

	require.NoError(t, invoke(t, x, `sum`, Space1(0, 1000), int32(1)))
	// sum of 0..999 plus bias once per element
	assert.Equal(t, int64(499500+1000), sum.Load())
	// the index space is tiled, not delivered whole
	assert.Greater(t, calls.Load(), int32(1))
}

func TestMaster_invoke2D(t *testing.T) {
	const workers = 2
	var cells atomic.Int32
	x := startPool(t, workers, func(w *Worker) {
		w.Register(`grid`, func(b Ranges, args []any) {
			require.True(t, b.TwoD)
			cells.Add((b.Hi0 - b.Lo0) * (b.Hi1 - b.Lo1))
		})
	})
	defer x.shutdown(t)

	require.NoError(t, invoke(t, x, `grid`, Space2(0, 40, 0, 25)))
	assert.Equal(t, int32(40*25), cells.Load())
}

func TestMaster_broadcast(t *testing.T) {
	const workers = 4
	var calls atomic.Int32
	x := startPool(t, workers, func(w *Worker) {
		w.Register(`hello`, func(b Ranges, args []any) {
			assert.Equal(t, `config`, args[0].(string))
			calls.Add(1)
		})
	})
	defer x.shutdown(t)

	done := make(chan error, 1)
	x.master.Broadcast(func(err error) { done <- err }, `hello`, `config`)
	require.NoError(t, <-done)
	// broadcast runs exactly once per worker
	assert.Equal(t, int32(workers), calls.Load())
}

func TestMaster_queueing(t *testing.T) {
	const workers = 2
	var order []int32
	var count atomic.Int32
	x := startPool(t, workers, func(w *Worker) {
		w.Register(`mark`, func(Ranges, []any) { count.Add(1) })
	})
	defer x.shutdown(t)

	// submit several jobs back to back; completions arrive in FIFO order
	results := make(chan int32, 3)
	for i := int32(1); i <= 3; i++ {
		i := i
		x.master.Invoke(func(err error) {
			require.NoError(t, err)
			results <- i
		}, `mark`, Space1(0, 10))
	}
	for want := int32(1); want <= 3; want++ {
		select {
		case got := <-results:
			order = append(order, got)
			require.Equal(t, want, got)
		case <-time.After(10 * time.Second):
			t.Fatalf(`job %d never completed (order so far %v)`, want, order)
		}
	}
}

func TestMaster_unknownRemote(t *testing.T) {
	const workers = 2
	x := startPool(t, workers, func(w *Worker) {
		w.Register(`known`, func(Ranges, []any) {})
	})
	defer x.shutdown(t)

	err := invoke(t, x, `missing`, Space1(0, 100))
	require.ErrorIs(t, err, ErrUnknownRemote)

	// the pool must still be usable afterwards
	require.NoError(t, invoke(t, x, `known`, Space1(0, 100)))
}

func TestMaster_notEnoughScratch(t *testing.T) {
	const workers = 2
	r, err := region.New(HeaderBytes + 96)
	require.NoError(t, err)
	parker := park.NewEmulated()
	runner := agent.NewRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()
	defer runner.Stop()

	ready := make(chan struct{})
	master, err := NewMaster(&MasterConfig{
		Region: r, Base: 0, Size: uint32(r.Size()),
		Workers: workers, Runner: runner, Parker: parker,
		OnReady: func() { close(ready) },
	})
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		w, err := NewWorker(&WorkerConfig{
			Region: r, Base: 0, Size: uint32(r.Size()),
			Workers: workers, Mailbox: runner.Mailbox(), ID: agent.ID(i + 1), Parker: parker,
		})
		require.NoError(t, err)
		w.Register(`f`, func(Ranges, []any) {})
		g.Go(w.Run)
	}
	<-ready

	// a bulky argument vector exceeds the scratch area
	done := make(chan error, 1)
	master.Invoke(func(err error) { done <- err }, `f`, Space1(0, 4), make([]int32, 1000))
	require.ErrorIs(t, <-done, ErrNotEnoughScratch)

	// a small job still fits
	done2 := make(chan error, 1)
	master.Invoke(func(err error) { done2 <- err }, `f`, Space1(0, 4))
	require.NoError(t, <-done2)

	shutdown := make(chan error, 1)
	master.Shutdown(func(err error) { shutdown <- err })
	require.NoError(t, <-shutdown)
	require.NoError(t, g.Wait())
}

func TestMaster_argumentsShared(t *testing.T) {
	const workers = 2
	var checked atomic.Int32
	x := startPool(t, workers, func(w *Worker) {
		w.Register(`args`, func(b Ranges, args []any) {
			require.Len(t, args, 3)
			assert.Equal(t, int32(-7), args[0])
			assert.Equal(t, 2.5, args[1])
			assert.Equal(t, []int32{10, 20, 30}, args[2])
			checked.Add(1)
		})
	})
	defer x.shutdown(t)

	require.NoError(t, invoke(t, x, `args`, Space1(0, 8), int32(-7), 2.5, []int32{10, 20, 30}))
	assert.Greater(t, checked.Load(), int32(0))
}
