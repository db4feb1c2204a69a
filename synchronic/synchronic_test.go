package synchronic

import (
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
	"golang.org/x/sync/errgroup"
)

func newRegion(t *testing.T, size int) *region.Region {
	t.Helper()
	r, err := region.New(size)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestInitCell_layoutErrors(t *testing.T) {
	r := newRegion(t, 32)
	if _, err := InitCell[int32](r, 2, 0, nil); err == nil {
		t.Fatal(`expected alignment error`)
	}
	if _, err := InitCell[int32](r, 24, 0, nil); err == nil {
		t.Fatal(`expected bounds error`)
	}
}

func TestCell_signExtension(t *testing.T) {
	r := newRegion(t, 64)
	c, err := InitCell[int8](r, 0, -1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Load(); got != -1 {
		t.Fatalf(`load = %d`, got)
	}
	if old := c.Add(-5); old != -1 {
		t.Fatalf(`add returned %d`, old)
	}
	if got := c.Load(); got != -6 {
		t.Fatalf(`load = %d`, got)
	}

	u, err := InitCell[uint16](r, 16, 0xFFFF, nil)
	if err != nil {
		t.Fatal(err)
	}
	if old := u.Add(1); old != 0xFFFF {
		t.Fatalf(`add returned %d`, old)
	}
	if got := u.Load(); got != 0 {
		t.Fatalf(`wrapped load = %d`, got)
	}
}

func TestCell_rmwOperations(t *testing.T) {
	r := newRegion(t, 16)
	c, err := InitCell[uint32](r, 0, 0b1100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if old := c.Or(0b0011); old != 0b1100 {
		t.Fatalf(`or returned %#b`, old)
	}
	if old := c.And(0b1010); old != 0b1111 {
		t.Fatalf(`and returned %#b`, old)
	}
	if old := c.Xor(0b1010); old != 0b1010 {
		t.Fatalf(`xor returned %#b`, old)
	}
	if got := c.Load(); got != 0 {
		t.Fatalf(`final = %d`, got)
	}
	if !c.CompareAndSwap(0, 9) {
		t.Fatal(`cas should succeed`)
	}
	if c.CompareAndSwap(0, 1) {
		t.Fatal(`cas should fail`)
	}
	if old := c.Sub(4); old != 9 {
		t.Fatalf(`sub returned %d`, old)
	}
}

func TestCell_storeLoadRoundTrip(t *testing.T) {
	r := newRegion(t, 16)
	c, err := InitCell[int32](r, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Store(-123456)
	if got := c.Load(); got != -123456 {
		t.Fatalf(`load = %d`, got)
	}
}

func TestCell_waitForEqual(t *testing.T) {
	r := newRegion(t, 16)
	c, err := InitCell[int32](r, 0, 0, &Options{Parker: park.NewEmulated()})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan bool, 1)
	go func() { done <- c.WaitForEqual(42, park.Forever) }()

	time.Sleep(5 * time.Millisecond)
	c.Store(17) // not the value; waiter re-checks and stays parked
	c.Store(42)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal(`wait reported failure`)
		}
	case <-time.After(5 * time.Second):
		t.Fatal(`wait did not complete`)
	}
	// a completed wait implies a prior store of the awaited value
	if got := c.Load(); got != 42 {
		t.Fatalf(`load = %d`, got)
	}
}

func TestCell_waitTimeout(t *testing.T) {
	r := newRegion(t, 16)
	c, err := InitCell[int32](r, 0, 7, &Options{Parker: park.NewEmulated()})
	if err != nil {
		t.Fatal(err)
	}
	if c.WaitForEqual(9, 20*time.Millisecond) {
		t.Fatal(`wait should have timed out`)
	}
	if got := c.ExpectUpdate(7, 20*time.Millisecond); got != 7 {
		t.Fatalf(`expect-update observed %d`, got)
	}
}

func TestCell_expectUpdate(t *testing.T) {
	r := newRegion(t, 16)
	c, err := InitCell[uint8](r, 0, 1, &Options{Parker: park.NewEmulated()})
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan uint8, 1)
	go func() { got <- c.ExpectUpdate(1, park.Forever) }()
	time.Sleep(5 * time.Millisecond)
	c.Store(2)
	if v := <-got; v != 2 {
		t.Fatalf(`observed %d`, v)
	}
}

// many waiters, one store: everyone must observe the wake (waking all is
// the contract; each waiter re-checks its own condition).
func TestCell_wakeAll(t *testing.T) {
	r := newRegion(t, 16)
	c, err := InitCell[int32](r, 0, 0, &Options{Parker: park.NewEmulated()})
	if err != nil {
		t.Fatal(err)
	}
	var g errgroup.Group
	var mu sync.Mutex
	var woke int
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			if c.WaitForEqual(1, park.Forever) {
				mu.Lock()
				woke++
				mu.Unlock()
			}
			return nil
		})
	}
	time.Sleep(10 * time.Millisecond)
	c.Store(1)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if woke != 8 {
		t.Fatalf(`woke = %d`, woke)
	}
}

func TestAtCell_attachesToInitialized(t *testing.T) {
	r := newRegion(t, 16)
	if _, err := InitCell[int16](r, 0, 321, nil); err != nil {
		t.Fatal(err)
	}
	c, err := AtCell[int16](r, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Load(); got != 321 {
		t.Fatalf(`load = %d`, got)
	}
}
