package node

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltwatch/towerd/config"
	"github.com/ltwatch/towerd/crypto/blob"
	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/internal/watcher"
	"github.com/ltwatch/towerd/libs/log"
	"github.com/ltwatch/towerd/types"
)

func newTestNode(t *testing.T, mock *chain.Mock, s *store.Store) *Node {
	t.Helper()

	towerSK, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)

	n, err := newWithDeps(config.TestConfig(), log.TestingLogger(), mock, mock, s, towerSK)
	require.NoError(t, err)
	return n
}

func newTestUser(t *testing.T, n *Node) (*btcec.PrivateKey, types.UserID) {
	t.Helper()

	sk, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	user := types.NewUserID(sk.PubKey())

	receipt, err := n.Watcher().RegisterUser(user)
	require.NoError(t, err)
	require.Equal(t, user, receipt.UserID)
	require.NotEmpty(t, receipt.Signature)

	return sk, user
}

// signedAppointment builds an appointment for a dispute/penalty pair and
// signs it as the user.
func signedAppointment(t *testing.T, userSK *btcec.PrivateKey, dispute, penalty *wire.MsgTx) (*types.Appointment, []byte) {
	t.Helper()

	disputeTxid := dispute.TxHash()
	encrypted, err := blob.Encrypt(penalty, &disputeTxid)
	require.NoError(t, err)

	app := &types.Appointment{
		Locator:       types.NewLocator(&disputeTxid),
		EncryptedBlob: encrypted,
		ToSelfDelay:   40,
	}
	sig, err := types.SignMessage(app.Serialize(), userSK)
	require.NoError(t, err)
	return app, sig
}

// Full breach lifecycle: register, add, dispute hits the chain, penalty is
// broadcast, confirms, and the slots come back.
func TestNodeBreachLifecycle(t *testing.T) {
	ctx := context.Background()
	mock := chain.NewMock()
	n := newTestNode(t, mock, store.NewMem())
	userSK, _ := newTestUser(t, n)

	dispute := chain.NewDummyTx(1)
	penalty := chain.NewDummyTx(2)
	app, sig := signedAppointment(t, userSK, dispute, penalty)

	receipt, err := n.Watcher().AddAppointment(app, sig)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Signature)

	querySig, err := types.SignMessage(watcher.GetAppointmentMessage(app.Locator), userSK)
	require.NoError(t, err)

	info, err := n.Watcher().GetAppointment(app.Locator, querySig)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBeingWatched, info.Status)

	// Dispute hits the chain; the penalty must reach the mempool.
	mock.Mine(dispute)
	require.NoError(t, n.monitor.PollBestTip(ctx))

	penaltyTxid := penalty.TxHash()
	assert.True(t, mock.InMempool(ctx, &penaltyTxid))

	info, err = n.Watcher().GetAppointment(app.Locator, querySig)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisputeResponded, info.Status)

	// Mine the penalty and confirm it past the settlement threshold; the
	// reserved slots come back to the user.
	mock.Mine(penalty)
	for i := uint32(0); i < config.TestConfig().Responder.ConfirmationThreshold; i++ {
		mock.Mine()
	}
	require.NoError(t, n.monitor.PollBestTip(ctx))

	subSig, err := types.SignMessage(watcher.GetSubscriptionInfoMessage(), userSK)
	require.NoError(t, err)
	subInfo, err := n.Watcher().GetSubscriptionInfo(subSig)
	require.NoError(t, err)
	assert.Equal(t, config.TestConfig().Tower.SubscriptionSlots, subInfo.AvailableSlots)
	assert.Empty(t, subInfo.Locators)
}

// A rebuilt node must serve appointments accepted before the restart.
func TestNodeRecoversPersistedState(t *testing.T) {
	ctx := context.Background()
	mock := chain.NewMock()
	s := store.NewMem()

	n := newTestNode(t, mock, s)
	userSK, _ := newTestUser(t, n)

	dispute := chain.NewDummyTx(1)
	penalty := chain.NewDummyTx(2)
	app, sig := signedAppointment(t, userSK, dispute, penalty)
	_, err := n.Watcher().AddAppointment(app, sig)
	require.NoError(t, err)

	// Same store, fresh process.
	restarted := newTestNode(t, mock, s)
	assert.False(t, restarted.Watcher().IsFresh())

	querySig, err := types.SignMessage(watcher.GetAppointmentMessage(app.Locator), userSK)
	require.NoError(t, err)
	info, err := restarted.Watcher().GetAppointment(app.Locator, querySig)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBeingWatched, info.Status)

	// The restarted tower still detects the breach.
	mock.Mine(dispute)
	require.NoError(t, restarted.monitor.PollBestTip(ctx))
	penaltyTxid := penalty.TxHash()
	assert.True(t, mock.InMempool(ctx, &penaltyTxid))
}

func TestNodeUnknownUserRejected(t *testing.T) {
	mock := chain.NewMock()
	n := newTestNode(t, mock, store.NewMem())

	strangerSK, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)

	dispute := chain.NewDummyTx(1)
	penalty := chain.NewDummyTx(2)
	app, sig := signedAppointment(t, strangerSK, dispute, penalty)

	_, err = n.Watcher().AddAppointment(app, sig)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}
