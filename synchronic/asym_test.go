package synchronic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-shmsync/agent"
	"github.com/joeycumines/go-shmsync/park"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingNotifier wraps the mailbox path, counting outbound notifications.
type countingNotifier struct {
	inner agent.Notifier
	sent  atomic.Int32
}

func (x *countingNotifier) Notify(kind agent.Kind, cell uint32) {
	x.sent.Add(1)
	x.inner.Notify(kind, cell)
}

func startRunner(t *testing.T) *agent.Runner {
	t.Helper()
	runner := agent.NewRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = runner.Run(ctx) }()
	t.Cleanup(runner.Stop)
	return runner
}

func TestAsym_workerWaitsStillWork(t *testing.T) {
	r := newRegion(t, 32)
	runner := agent.NewRunner(nil)
	parker := park.NewEmulated()

	c, err := InitAsym[int32](r, 0, 0, 1, &AsymOptions{Parker: parker, Runner: runner})
	require.NoError(t, err)

	w, err := AtAsym[int32](r, 0, &AsymOptions{
		Parker:   parker,
		Notifier: agent.NotifyMailbox(runner.Mailbox(), 1),
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), w.ID())

	done := make(chan int32, 1)
	go func() { done <- w.ExpectUpdate(0, park.Forever) }()
	time.Sleep(5 * time.Millisecond)
	c.Store(31)
	select {
	case v := <-done:
		assert.Equal(t, int32(31), v)
	case <-time.After(5 * time.Second):
		t.Fatal(`worker wait did not complete`)
	}
}

func TestAsym_singleNotificationInFlight(t *testing.T) {
	r := newRegion(t, 32)
	runner := agent.NewRunner(nil) // deliberately not running: nothing drains
	parker := park.NewEmulated()

	master, err := InitAsym[int32](r, 0, 7, 7, &AsymOptions{Parker: parker, Runner: runner})
	require.NoError(t, err)

	counting := &countingNotifier{inner: agent.NotifyMailbox(runner.Mailbox(), 1)}
	worker, err := AtAsym[int32](r, 0, &AsymOptions{Parker: parker, Notifier: counting})
	require.NoError(t, err)

	// no registration: updates must not produce any notification
	for i := 0; i < 100; i++ {
		worker.Add(1)
	}
	require.Zero(t, counting.sent.Load())

	// one registration, many updates, master not draining: the transit
	// bit must bound in-flight notifications to exactly one
	require.NoError(t, master.CallWhenEquals(-1, park.Forever, func(int32, bool) {}))
	for i := 0; i < 1000; i++ {
		worker.Add(1)
	}
	assert.Equal(t, int32(1), counting.sent.Load())
}

func TestAsym_callWhenEquals(t *testing.T) {
	r := newRegion(t, 32)
	runner := startRunner(t)
	parker := park.NewEmulated()

	master, err := InitAsym[int32](r, 0, 0, 3, &AsymOptions{Parker: parker, Runner: runner})
	require.NoError(t, err)
	worker, err := AtAsym[int32](r, 0, &AsymOptions{
		Parker:   parker,
		Notifier: agent.NotifyMailbox(runner.Mailbox(), 1),
	})
	require.NoError(t, err)

	fired := make(chan int32, 16)
	require.NoError(t, runner.Post(func() {
		_ = master.CallWhenEquals(5, park.Forever, func(v int32, timedOut bool) {
			require.False(t, timedOut)
			fired <- v
		})
	}))

	worker.Store(1) // predicate unsatisfied; master re-arms
	worker.Store(5)

	select {
	case v := <-fired:
		assert.Equal(t, int32(5), v)
	case <-time.After(5 * time.Second):
		t.Fatal(`callback did not fire`)
	}

	// once per registration: further updates must not re-fire
	worker.Store(5)
	worker.Store(6)
	select {
	case <-fired:
		t.Fatal(`callback fired twice`)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAsym_callbackTimeout(t *testing.T) {
	r := newRegion(t, 32)
	runner := startRunner(t)
	parker := park.NewEmulated()

	master, err := InitAsym[int32](r, 0, 0, 9, &AsymOptions{Parker: parker, Runner: runner})
	require.NoError(t, err)

	type result struct {
		v        int32
		timedOut bool
	}
	fired := make(chan result, 16)
	require.NoError(t, runner.Post(func() {
		_ = master.CallWhenEquals(99, 20*time.Millisecond, func(v int32, timedOut bool) {
			fired <- result{v, timedOut}
		})
	}))

	select {
	case got := <-fired:
		assert.True(t, got.timedOut)
		assert.Equal(t, int32(0), got.v)
	case <-time.After(5 * time.Second):
		t.Fatal(`timeout callback did not fire`)
	}
}

func TestAsym_callWhenRequiresMaster(t *testing.T) {
	r := newRegion(t, 32)
	runner := agent.NewRunner(nil)
	worker, err := InitAsym[int32](r, 0, 0, 1, &AsymOptions{
		Parker:   park.NewEmulated(),
		Notifier: agent.NotifyMailbox(runner.Mailbox(), 1),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, worker.CallWhenEquals(1, park.Forever, nil), ErrNotMaster)
	assert.ErrorIs(t, worker.Cancel(), ErrNotMaster)
}

func TestAsym_immediatePredicate(t *testing.T) {
	r := newRegion(t, 32)
	runner := startRunner(t)
	master, err := InitAsym[int32](r, 0, 4, 2, &AsymOptions{Parker: park.NewEmulated(), Runner: runner})
	require.NoError(t, err)

	fired := make(chan int32, 1)
	require.NoError(t, runner.Post(func() {
		_ = master.CallWhenEquals(4, park.Forever, func(v int32, timedOut bool) { fired <- v })
	}))
	select {
	case v := <-fired:
		assert.Equal(t, int32(4), v)
	case <-time.After(5 * time.Second):
		t.Fatal(`already-satisfied predicate did not fire`)
	}
}
