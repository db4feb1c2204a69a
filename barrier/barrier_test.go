package barrier

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/joeycumines/go-shmsync/agent"
	"github.com/joeycumines/go-shmsync/park"
	"github.com/joeycumines/go-shmsync/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newRegion(t *testing.T, size int) *region.Region {
	t.Helper()
	r, err := region.New(size)
	require.NoError(t, err)
	return r
}

func TestBarrier_parties(t *testing.T) {
	r := newRegion(t, 16)
	_, err := Init(r, 0, 0, nil)
	assert.ErrorIs(t, err, ErrBadParties)
	_, err = Init(r, 0, -1, nil)
	assert.ErrorIs(t, err, ErrBadParties)
}

// all parties return from Enter in the same round, and no party overtakes
// the next round: after each round every agent must observe every other
// agent's contribution to that round.
func TestBarrier_rounds(t *testing.T) {
	const (
		parties = 4
		rounds  = 200
	)
	r := newRegion(t, 128)
	parker := park.NewEmulated()
	if _, err := Init(r, 0, parties, &Options{Parker: parker}); err != nil {
		t.Fatal(err)
	}

	// one counter per agent, bumped once per round
	counters := make([]region.View32, parties)
	for i := range counters {
		v, err := r.View32(uint32(16 + 4*i))
		require.NoError(t, err)
		counters[i] = v
	}

	var g errgroup.Group
	for i := 0; i < parties; i++ {
		self := i
		g.Go(func() error {
			b, err := At(r, 0, parties, &Options{Parker: parker})
			if err != nil {
				return err
			}
			for round := 1; round <= rounds; round++ {
				counters[self].Store(uint32(round))
				b.Enter()
				for j := range counters {
					if got := counters[j].Load(); got != uint32(round) && got != uint32(round+1) {
						t.Errorf(`round %d: agent %d saw counter[%d] = %d`, round, self, j, got)
						return nil
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestBarrier_singleParty(t *testing.T) {
	r := newRegion(t, 16)
	b, err := Init(r, 0, 1, &Options{Parker: park.NewEmulated()})
	require.NoError(t, err)
	// a single party must never block
	for i := 0; i < 3; i++ {
		b.Enter()
	}
}

func TestAsymBarrier_masterCallbackAndRelease(t *testing.T) {
	const (
		workers = 3
		rounds  = 3
	)
	r := newRegion(t, 32)
	parker := park.NewEmulated()

	runner := agent.NewRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()
	defer runner.Stop()

	master, err := InitAsym(r, 0, workers, 77, &AsymOptions{Parker: parker, Runner: runner})
	require.NoError(t, err)
	require.Equal(t, uint32(77), master.ID())

	var arrivals atomic.Int32
	var entered atomic.Int32
	master.OnArrived(func() {
		arrivals.Add(1)
		// every worker must have entered before the callback fires
		assert.Equal(t, int32(0), entered.Load()%workers)
		require.True(t, master.Release())
	})

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			b, err := AtAsym(r, 0, workers, &AsymOptions{
				Parker:   parker,
				Notifier: agent.NotifyMailbox(runner.Mailbox(), 1),
			})
			if err != nil {
				return err
			}
			for round := 0; round < rounds; round++ {
				entered.Add(1)
				b.Enter()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(rounds), arrivals.Load())
}

func TestAsymBarrier_releaseRequiresAllParties(t *testing.T) {
	r := newRegion(t, 32)
	runner := agent.NewRunner(nil)
	master, err := InitAsym(r, 0, 2, 5, &AsymOptions{Parker: park.NewEmulated(), Runner: runner})
	require.NoError(t, err)
	// nobody has arrived: release must refuse without side effects
	assert.False(t, master.Release())
	assert.False(t, master.Release())
}
