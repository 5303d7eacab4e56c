package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltwatch/towerd/internal/carrier"
	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/internal/gatekeeper"
	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/libs/log"
	"github.com/ltwatch/towerd/types"
)

var testGKParams = gatekeeper.Params{
	SubscriptionSlots:    100,
	SubscriptionDuration: 500,
	ExpiryDelta:          6,
	SlotSize:             4096,
}

type fixture struct {
	responder  *Responder
	gatekeeper *gatekeeper.Gatekeeper
	mock       *chain.Mock
	store      *store.Store
}

func newFixture(t *testing.T, s *store.Store) *fixture {
	t.Helper()
	logger := log.TestingLogger()

	mock := chain.NewMock()
	g, err := gatekeeper.New(logger, gatekeeper.NopMetrics(), s, 100, testGKParams)
	require.NoError(t, err)

	car := carrier.New(logger, mock, mock, time.Second)
	r, err := New(logger, NopMetrics(), car, g, s)
	require.NoError(t, err)
	r.SetParams(Params{ConfirmationThreshold: 2, IrrevocablyResolved: 4})

	return &fixture{responder: r, gatekeeper: g, mock: mock, store: s}
}

// registeredBreach registers a user, charges an appointment against their
// subscription and returns the matching breach.
func (f *fixture) registeredBreach(t *testing.T, seed uint32) (types.UUID, types.UserID, Breach) {
	t.Helper()

	sk, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	user := types.NewUserID(sk.PubKey())
	_, err = f.gatekeeper.Register(user)
	require.NoError(t, err)

	dispute := chain.NewDummyTx(seed)
	penalty := chain.NewDummyTx(seed + 1000)
	disputeTxid := dispute.TxHash()

	app := &types.ExtendedAppointment{
		Appointment: types.Appointment{
			Locator:       types.NewLocator(&disputeTxid),
			EncryptedBlob: []byte("blob"),
			ToSelfDelay:   40,
		},
		UserID: user,
	}
	uuid := app.UUID()
	_, err = f.gatekeeper.AddUpdateAppointment(user, uuid, app)
	require.NoError(t, err)

	return uuid, user, Breach{
		Locator:     app.Locator,
		DisputeTxid: disputeTxid,
		PenaltyTx:   penalty,
	}
}

func emptyBlock(height uint32) *chain.Block {
	return &chain.Block{Header: chain.Header{Height: height}}
}

func blockWith(height uint32, breach Breach) *chain.Block {
	return &chain.Block{
		Header: chain.Header{Height: height},
		Txs:    []*btcutil.Tx{btcutil.NewTx(breach.PenaltyTx)},
	}
}

func TestHandleBreachBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMem())
	uuid, user, breach := f.registeredBreach(t, 1)

	f.responder.HandleBreach(ctx, uuid, user, breach, 101)

	penaltyTxid := breach.PenaltyTx.TxHash()
	assert.True(t, f.mock.InMempool(ctx, &penaltyTxid))

	status, ok := f.responder.TrackerStatus(uuid)
	require.True(t, ok)
	assert.Equal(t, StatusAwaitingConfirmation, status)

	// A re-delivered breach does not submit twice.
	f.responder.HandleBreach(ctx, uuid, user, breach, 101)
	assert.Len(t, f.mock.Submitted(), 1)
}

func TestConfirmationSettlesAndReleasesSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMem())
	uuid, user, breach := f.registeredBreach(t, 1)

	f.responder.HandleBreach(ctx, uuid, user, breach, 101)

	// Penalty mined, then one more confirmation reaches the threshold.
	f.responder.OnBlockConnected(ctx, blockWith(102, breach))
	assert.False(t, f.responder.Settled(uuid))

	f.responder.OnBlockConnected(ctx, emptyBlock(103))
	assert.True(t, f.responder.Settled(uuid))

	sub, err := f.gatekeeper.SubscriptionInfo(user)
	require.NoError(t, err)
	assert.Equal(t, testGKParams.SubscriptionSlots, sub.AvailableSlots)

	// Two more confirmations reach irrevocable resolution and the tracker
	// is gone.
	f.responder.OnBlockConnected(ctx, emptyBlock(104))
	f.responder.OnBlockConnected(ctx, emptyBlock(105))
	_, ok := f.responder.TrackerStatus(uuid)
	assert.False(t, ok)
}

func TestTransientFailureRetriedNextBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMem())
	uuid, user, breach := f.registeredBreach(t, 1)

	f.mock.FailSubmissions(errors.New("insufficient fee"))
	f.responder.HandleBreach(ctx, uuid, user, breach, 101)

	status, ok := f.responder.TrackerStatus(uuid)
	require.True(t, ok)
	assert.Equal(t, StatusBroadcasting, status)

	// The backend recovers; the next tick gets the penalty out.
	f.mock.FailSubmissions(nil)
	f.responder.OnBlockConnected(ctx, emptyBlock(102))

	penaltyTxid := breach.PenaltyTx.TxHash()
	assert.True(t, f.mock.InMempool(ctx, &penaltyTxid))
	status, _ = f.responder.TrackerStatus(uuid)
	assert.Equal(t, StatusAwaitingConfirmation, status)
}

func TestRebroadcastAfterMempoolEviction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMem())
	uuid, user, breach := f.registeredBreach(t, 1)

	f.responder.HandleBreach(ctx, uuid, user, breach, 101)
	require.Len(t, f.mock.Submitted(), 1)

	// While the penalty sits in the mempool no rebroadcast happens.
	f.responder.OnBlockConnected(ctx, emptyBlock(102))
	assert.Len(t, f.mock.Submitted(), 1)

	penaltyTxid := breach.PenaltyTx.TxHash()
	f.mock.EvictFromMempool(&penaltyTxid)

	f.responder.OnBlockConnected(ctx, emptyBlock(103))
	assert.Len(t, f.mock.Submitted(), 2)
	assert.True(t, f.mock.InMempool(ctx, &penaltyTxid))
}

func TestUnreachableSourceDefersBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMem())
	uuid, user, breach := f.registeredBreach(t, 1)

	f.mock.SetReachable(false)
	f.responder.HandleBreach(ctx, uuid, user, breach, 101)

	status, ok := f.responder.TrackerStatus(uuid)
	require.True(t, ok)
	assert.Equal(t, StatusBroadcasting, status)
	assert.Empty(t, f.mock.Submitted())

	f.mock.SetReachable(true)
	f.responder.OnBlockConnected(ctx, emptyBlock(102))

	penaltyTxid := breach.PenaltyTx.TxHash()
	assert.True(t, f.mock.InMempool(ctx, &penaltyTxid))
}

func TestDisconnectRewindsConfirmations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMem())
	uuid, user, breach := f.registeredBreach(t, 1)
	f.responder.SetParams(Params{ConfirmationThreshold: 3, IrrevocablyResolved: 10})

	f.responder.HandleBreach(ctx, uuid, user, breach, 101)
	f.responder.OnBlockConnected(ctx, blockWith(102, breach))
	f.responder.OnBlockConnected(ctx, emptyBlock(103))

	// Losing block 103 drops one confirmation; losing the confirming block
	// resets the count entirely.
	f.responder.OnBlockDisconnected(ctx, emptyBlock(103))
	f.responder.OnBlockDisconnected(ctx, blockWith(102, breach))

	status, ok := f.responder.TrackerStatus(uuid)
	require.True(t, ok)
	assert.Equal(t, StatusAwaitingConfirmation, status)

	// It takes a full threshold run to settle again.
	f.responder.OnBlockConnected(ctx, blockWith(102, breach))
	f.responder.OnBlockConnected(ctx, emptyBlock(103))
	assert.False(t, f.responder.Settled(uuid))
	f.responder.OnBlockConnected(ctx, emptyBlock(104))
	assert.True(t, f.responder.Settled(uuid))
}

func TestConfirmedSurvivesDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMem())
	uuid, user, breach := f.registeredBreach(t, 1)

	f.responder.HandleBreach(ctx, uuid, user, breach, 101)
	f.responder.OnBlockConnected(ctx, blockWith(102, breach))
	f.responder.OnBlockConnected(ctx, emptyBlock(103))
	require.True(t, f.responder.Settled(uuid))

	f.responder.OnBlockDisconnected(ctx, emptyBlock(103))
	assert.True(t, f.responder.Settled(uuid))
	assert.False(t, f.responder.Untrack(uuid))
}

func TestUntrackActiveJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMem())
	uuid, user, breach := f.registeredBreach(t, 1)

	f.responder.HandleBreach(ctx, uuid, user, breach, 101)
	assert.True(t, f.responder.Untrack(uuid))

	_, ok := f.responder.TrackerStatus(uuid)
	assert.False(t, ok)

	// Unknown uuids untrack trivially.
	assert.True(t, f.responder.Untrack(types.UUID{0xff}))
}

func TestAbandonEvictedUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMem())
	uuid, user, breach := f.registeredBreach(t, 1)

	f.responder.HandleBreach(ctx, uuid, user, breach, 101)

	// Jump past the user's grace window; the tracker goes with them.
	purgeHeight := 100 + testGKParams.SubscriptionDuration + testGKParams.ExpiryDelta + 1
	require.Equal(t, []types.UserID{user}, f.gatekeeper.OutdatedUsers(purgeHeight))

	f.responder.OnBlockConnected(ctx, emptyBlock(purgeHeight))
	_, ok := f.responder.TrackerStatus(uuid)
	assert.False(t, ok)
}

func TestRecoversFromStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMem()
	f := newFixture(t, s)
	uuid, user, breach := f.registeredBreach(t, 1)

	f.responder.HandleBreach(ctx, uuid, user, breach, 101)
	f.responder.OnBlockConnected(ctx, blockWith(102, breach))

	restarted := newFixture(t, s)
	assert.False(t, restarted.responder.IsFresh())

	status, ok := restarted.responder.TrackerStatus(uuid)
	require.True(t, ok)
	assert.Equal(t, StatusAwaitingConfirmation, status)
}
