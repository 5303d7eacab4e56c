package store_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/types"
)

func newUser(t *testing.T) types.UserID {
	t.Helper()
	sk, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	return types.NewUserID(sk.PubKey())
}

func newAppointment(t *testing.T, user types.UserID, seed byte) *types.ExtendedAppointment {
	t.Helper()

	txid := chainhash.DoubleHashH([]byte{seed})
	return &types.ExtendedAppointment{
		Appointment: types.Appointment{
			Locator:       types.NewLocator(&txid),
			EncryptedBlob: []byte{seed, seed, seed},
			ToSelfDelay:   42,
		},
		UserID:        user,
		UserSignature: []byte("sig"),
		StartBlock:    100,
	}
}

func TestAppointmentRoundTrip(t *testing.T) {
	s := store.NewMem()
	defer s.Close()

	user := newUser(t)
	sub := types.NewSubscription(100, 500)
	app := newAppointment(t, user, 1)
	sub.Appointments[app.UUID()] = 1
	sub.AvailableSlots = 99

	require.NoError(t, s.PutAppointment(app, sub))

	loaded, err := s.Appointments()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, app, loaded[app.UUID()])

	subs, err := s.Subscriptions()
	require.NoError(t, err)
	require.Contains(t, subs, user)
	assert.EqualValues(t, 99, subs[user].AvailableSlots)
	assert.Equal(t, sub.Appointments, subs[user].Appointments)

	require.NoError(t, s.DeleteAppointments([]types.UUID{app.UUID()},
		map[types.UserID]*types.Subscription{user: types.NewSubscription(100, 500)}))

	loaded, err = s.Appointments()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestExpiryIndex(t *testing.T) {
	s := store.NewMem()
	defer s.Close()

	early := newUser(t)
	late := newUser(t)

	require.NoError(t, s.PutSubscription(early, types.NewSubscription(10, 100), 0))
	require.NoError(t, s.PutSubscription(late, types.NewSubscription(10, 200), 0))

	expired, err := s.ExpiredUsers(150)
	require.NoError(t, err)
	assert.Equal(t, []types.UserID{early}, expired)

	expired, err = s.ExpiredUsers(100)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// Renewal moves the index entry instead of duplicating it.
	require.NoError(t, s.PutSubscription(early, types.NewSubscription(10, 300), 100))
	expired, err = s.ExpiredUsers(250)
	require.NoError(t, err)
	assert.Empty(t, expired)

	require.NoError(t, s.PurgeUser(late, 200, nil))
	expired, err = s.ExpiredUsers(1000)
	require.NoError(t, err)
	assert.Equal(t, []types.UserID{early}, expired)
}

func TestTrackerRoundTrip(t *testing.T) {
	s := store.NewMem()
	defer s.Close()

	user := newUser(t)
	txid := chainhash.DoubleHashH([]byte("dispute"))
	locator := types.NewLocator(&txid)
	uuid := types.NewUUID(locator, user)

	record := &store.TrackerRecord{
		Locator:         locator.Bytes(),
		UserID:          user.Bytes(),
		DisputeTxid:     txid[:],
		PenaltyRawTx:    []byte{0x01, 0x02},
		Status:          store.TrackerStatusAwaitingConfirmation,
		BroadcastHeight: 120,
	}
	require.NoError(t, s.PutTracker(uuid, record))

	trackers, err := s.Trackers()
	require.NoError(t, err)
	require.Contains(t, trackers, uuid)
	assert.Equal(t, record, trackers[uuid])

	require.NoError(t, s.DeleteTracker(uuid, &user, types.NewSubscription(10, 100)))
	trackers, err = s.Trackers()
	require.NoError(t, err)
	assert.Empty(t, trackers)
}

func TestLastKnownHeader(t *testing.T) {
	s := store.NewMem()
	defer s.Close()

	_, found, err := s.LastKnownHeader()
	require.NoError(t, err)
	assert.False(t, found)

	header := chain.Header{
		Hash:     chainhash.DoubleHashH([]byte("tip")),
		PrevHash: chainhash.DoubleHashH([]byte("prev")),
		Height:   123,
	}
	require.NoError(t, s.PutLastKnownHeader(header))

	loaded, found, err := s.LastKnownHeader()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, header, loaded)
}
