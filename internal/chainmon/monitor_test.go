package chainmon

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/libs/log"
)

// recorder logs every event it receives as "+height" / "-height" strings so
// tests can assert on exact ordering.
type recorder struct {
	name   string
	events []string
}

func (r *recorder) OnBlockConnected(ctx context.Context, block *chain.Block) {
	r.events = append(r.events, fmt.Sprintf("+%d", block.Header.Height))
}

func (r *recorder) OnBlockDisconnected(ctx context.Context, block *chain.Block) {
	r.events = append(r.events, fmt.Sprintf("-%d", block.Header.Height))
}

func newTestMonitor(t *testing.T, mock *chain.Mock, listeners ...BlockListener) *Monitor {
	t.Helper()
	return New(log.TestingLogger(), NopMetrics(), mock, store.NewMem(),
		mock.Tip(), listeners, DefaultOptions())
}

func TestPollConnectsNewBlocks(t *testing.T) {
	ctx := context.Background()
	mock := chain.NewMock()
	rec := &recorder{name: "rec"}
	m := newTestMonitor(t, mock, rec)

	mock.Mine()
	mock.Mine()
	tip := mock.Mine()

	require.NoError(t, m.PollBestTip(ctx))
	assert.Equal(t, []string{"+1", "+2", "+3"}, rec.events)
	assert.Equal(t, tip, m.LastKnownTip())

	// A poll with no new tip is a no-op.
	rec.events = nil
	require.NoError(t, m.PollBestTip(ctx))
	assert.Empty(t, rec.events)
}

func TestPollPersistsTip(t *testing.T) {
	ctx := context.Background()
	mock := chain.NewMock()
	s := store.NewMem()
	m := New(log.TestingLogger(), NopMetrics(), mock, s, mock.Tip(), nil, DefaultOptions())

	tip := mock.Mine()
	require.NoError(t, m.PollBestTip(ctx))

	stored, ok, err := s.LastKnownHeader()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tip, stored)
}

func TestPollUnwindsReorg(t *testing.T) {
	ctx := context.Background()
	mock := chain.NewMock()
	rec := &recorder{name: "rec"}
	m := newTestMonitor(t, mock, rec)

	fork := mock.Mine()
	mock.Mine()
	mock.Mine()
	require.NoError(t, m.PollBestTip(ctx))
	rec.events = nil

	// Competing branch from height 1, longer than the current one.
	b2 := mock.MineOn(fork)
	b3 := mock.MineOn(b2)
	b4 := mock.MineOn(b3)
	mock.SetTip(b4)

	require.NoError(t, m.PollBestTip(ctx))
	assert.Equal(t, []string{"-3", "-2", "+2", "+3", "+4"}, rec.events)
	assert.Equal(t, b4, m.LastKnownTip())
}

func TestPollListenerOrder(t *testing.T) {
	ctx := context.Background()
	mock := chain.NewMock()

	var order []string
	first := &orderedListener{name: "first", order: &order}
	second := &orderedListener{name: "second", order: &order}
	m := newTestMonitor(t, mock, first, second)

	mock.Mine()
	require.NoError(t, m.PollBestTip(ctx))
	assert.Equal(t, []string{"first", "second"}, order)
}

type orderedListener struct {
	name  string
	order *[]string
}

func (l *orderedListener) OnBlockConnected(ctx context.Context, block *chain.Block) {
	*l.order = append(*l.order, l.name)
}

func (l *orderedListener) OnBlockDisconnected(ctx context.Context, block *chain.Block) {
	*l.order = append(*l.order, l.name)
}

func TestPollUnreachableSource(t *testing.T) {
	ctx := context.Background()
	mock := chain.NewMock()
	rec := &recorder{name: "rec"}
	m := newTestMonitor(t, mock, rec)

	mock.Mine()
	mock.SetReachable(false)

	require.Error(t, m.PollBestTip(ctx))
	assert.Empty(t, rec.events)
	assert.False(t, m.IsReachable())

	// Recovery picks the block up on the next tick.
	mock.SetReachable(true)
	require.NoError(t, m.PollBestTip(ctx))
	assert.Equal(t, []string{"+1"}, rec.events)
	assert.True(t, m.IsReachable())
}

// Polling after every block and polling once after many blocks must produce
// the same event sequence.
func TestPollBatchMatchesIncremental(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		n := rapid.IntRange(1, 20).Draw(t, "n").(int)

		incMock := chain.NewMock()
		incRec := &recorder{name: "inc"}
		inc := New(log.NewNopLogger(), NopMetrics(), incMock, store.NewMem(),
			incMock.Tip(), []BlockListener{incRec}, DefaultOptions())

		batchMock := chain.NewMock()
		batchRec := &recorder{name: "batch"}
		batch := New(log.NewNopLogger(), NopMetrics(), batchMock, store.NewMem(),
			batchMock.Tip(), []BlockListener{batchRec}, DefaultOptions())

		for i := 0; i < n; i++ {
			incMock.Mine()
			batchMock.Mine()
			if err := inc.PollBestTip(ctx); err != nil {
				t.Fatal(err)
			}
		}
		if err := batch.PollBestTip(ctx); err != nil {
			t.Fatal(err)
		}

		if len(incRec.events) != n {
			t.Fatalf("incremental saw %d events, want %d", len(incRec.events), n)
		}
		for i := range incRec.events {
			if incRec.events[i] != batchRec.events[i] {
				t.Fatalf("event %d: incremental %q, batch %q",
					i, incRec.events[i], batchRec.events[i])
			}
		}
	})
}

func TestWarmCacheServesDisconnects(t *testing.T) {
	ctx := context.Background()
	mock := chain.NewMock()

	// Build a chain the monitor never connected itself.
	fork := mock.Mine()
	h2 := mock.Mine()
	h3 := mock.Mine()

	b2, err := mock.Block(ctx, h2)
	require.NoError(t, err)
	b3, err := mock.Block(ctx, h3)
	require.NoError(t, err)

	rec := &recorder{name: "rec"}
	m := newTestMonitor(t, mock, rec)
	m.WarmCache([]*chain.Block{b2, b3})

	next := mock.MineOn(fork)
	tip := mock.MineOn(next)
	tip = mock.MineOn(tip)
	mock.SetTip(tip)

	require.NoError(t, m.PollBestTip(ctx))
	assert.Equal(t, []string{"-3", "-2", "+2", "+3", "+4"}, rec.events)
}
