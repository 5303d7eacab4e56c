// Package store is the tower's persistence port: a narrow transactional
// interface over a key-value database. Every state transition that must
// survive a crash is written here before being considered committed in
// memory, and any record update paired with a slot-count change goes through
// a single batch.
//
// Keyspace:
//
//	a/<uuid>                  appointment records
//	u/<user_id>               subscription records
//	t/<uuid>                  responder tracker records
//	e/<height><user_id>       subscription-expiry index (orderedcode height)
//	b                         last known block header
package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/types"
)

var (
	appointmentPrefix  = []byte("a/")
	subscriptionPrefix = []byte("u/")
	trackerPrefix      = []byte("t/")
	expiryPrefix       = []byte("e/")
	lastBlockKey       = []byte("b")
)

// TrackerStatus is the persisted responder job status.
type TrackerStatus uint8

const (
	TrackerStatusAwaitingConfirmation TrackerStatus = iota
	TrackerStatusConfirmed
	TrackerStatusAbandoned
)

// TrackerRecord is the persisted form of an in-flight penalty broadcast.
type TrackerRecord struct {
	Locator         []byte        `json:"locator"`
	UserID          []byte        `json:"user_id"`
	DisputeTxid     []byte        `json:"dispute_txid"`
	PenaltyRawTx    []byte        `json:"penalty_raw_tx"`
	Status          TrackerStatus `json:"status"`
	BroadcastHeight uint32        `json:"broadcast_height"`
	ConfirmedHeight uint32        `json:"confirmed_height"`
	Confirmations   uint32        `json:"confirmations"`
}

type appointmentRecord struct {
	Locator       []byte `json:"locator"`
	EncryptedBlob []byte `json:"encrypted_blob"`
	ToSelfDelay   uint32 `json:"to_self_delay"`
	UserID        []byte `json:"user_id"`
	UserSignature []byte `json:"user_signature"`
	StartBlock    uint32 `json:"start_block"`
}

type subscriptionRecord struct {
	AvailableSlots     uint32            `json:"available_slots"`
	SubscriptionExpiry uint32            `json:"subscription_expiry"`
	Appointments       map[string]uint32 `json:"appointments"`
}

type headerRecord struct {
	Hash     []byte `json:"hash"`
	PrevHash []byte `json:"prev_hash"`
	Height   uint32 `json:"height"`
}

// Store wraps the database. All methods are safe for concurrent use as long
// as the underlying dbm.DB is.
type Store struct {
	db dbm.DB
}

// New creates a Store on the given database.
func New(db dbm.DB) *Store {
	return &Store{db: db}
}

// NewMem creates a Store over an in-memory database, for tests.
func NewMem() *Store {
	return New(dbm.NewMemDB())
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func appointmentKey(uuid types.UUID) []byte {
	return append(appointmentPrefix, uuid[:]...)
}

func subscriptionKey(user types.UserID) []byte {
	return append(subscriptionPrefix, user[:]...)
}

func trackerKey(uuid types.UUID) []byte {
	return append(trackerPrefix, uuid[:]...)
}

func expiryKey(height uint32, user types.UserID) []byte {
	key, err := orderedcode.Append(expiryPrefix[:len(expiryPrefix):len(expiryPrefix)], uint64(height))
	if err != nil {
		panic(err)
	}
	return append(key, user[:]...)
}

func encodeSubscription(sub *types.Subscription) ([]byte, error) {
	record := subscriptionRecord{
		AvailableSlots:     sub.AvailableSlots,
		SubscriptionExpiry: sub.SubscriptionExpiry,
		Appointments:       make(map[string]uint32, len(sub.Appointments)),
	}
	for uuid, slots := range sub.Appointments {
		record.Appointments[uuid.String()] = slots
	}
	return json.Marshal(record)
}

func decodeSubscription(data []byte) (*types.Subscription, error) {
	var record subscriptionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}

	sub := types.NewSubscription(record.AvailableSlots, record.SubscriptionExpiry)
	for uuidHex, slots := range record.Appointments {
		raw, err := hexDecodeUUID(uuidHex)
		if err != nil {
			return nil, err
		}
		sub.Appointments[raw] = slots
	}
	return sub, nil
}

func hexDecodeUUID(s string) (types.UUID, error) {
	var uuid types.UUID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != types.UUIDSize {
		return uuid, fmt.Errorf("malformed uuid key %q", s)
	}
	copy(uuid[:], raw)
	return uuid, nil
}

// PutAppointment writes an appointment record together with the updated
// subscription of its owner in one batch. A nil subscription writes the
// appointment alone (used when re-arming a reorged appointment whose
// accounting never changed).
func (s *Store) PutAppointment(app *types.ExtendedAppointment, sub *types.Subscription) error {
	appData, err := json.Marshal(appointmentRecord{
		Locator:       app.Locator.Bytes(),
		EncryptedBlob: app.EncryptedBlob,
		ToSelfDelay:   app.ToSelfDelay,
		UserID:        app.UserID.Bytes(),
		UserSignature: app.UserSignature,
		StartBlock:    app.StartBlock,
	})
	if err != nil {
		return fmt.Errorf("failed to encode appointment: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(appointmentKey(app.UUID()), appData); err != nil {
		return err
	}
	if sub != nil {
		subData, err := encodeSubscription(sub)
		if err != nil {
			return fmt.Errorf("failed to encode subscription: %w", err)
		}
		if err := batch.Set(subscriptionKey(app.UserID), subData); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// DeleteAppointments removes a set of appointments and writes the updated
// subscriptions that absorbed the freed slots, all in one batch.
func (s *Store) DeleteAppointments(uuids []types.UUID, subs map[types.UserID]*types.Subscription) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, uuid := range uuids {
		if err := batch.Delete(appointmentKey(uuid)); err != nil {
			return err
		}
	}
	for user, sub := range subs {
		subData, err := encodeSubscription(sub)
		if err != nil {
			return fmt.Errorf("failed to encode subscription: %w", err)
		}
		if err := batch.Set(subscriptionKey(user), subData); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// Appointments loads every persisted appointment, keyed by uuid. Used only
// at startup to rebuild the watcher's index.
func (s *Store) Appointments() (map[types.UUID]*types.ExtendedAppointment, error) {
	iter, err := s.db.Iterator(appointmentPrefix, prefixEnd(appointmentPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	appointments := make(map[types.UUID]*types.ExtendedAppointment)
	for ; iter.Valid(); iter.Next() {
		var record appointmentRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("corrupt appointment record: %w", err)
		}

		locator, err := types.LocatorFromBytes(record.Locator)
		if err != nil {
			return nil, err
		}
		user, err := types.UserIDFromBytes(record.UserID)
		if err != nil {
			return nil, err
		}

		app := &types.ExtendedAppointment{
			Appointment: types.Appointment{
				Locator:       locator,
				EncryptedBlob: record.EncryptedBlob,
				ToSelfDelay:   record.ToSelfDelay,
			},
			UserID:        user,
			UserSignature: record.UserSignature,
			StartBlock:    record.StartBlock,
		}
		appointments[app.UUID()] = app
	}
	return appointments, iter.Error()
}

// PutSubscription writes a subscription and maintains the expiry index. The
// caller passes the previous expiry height so a stale index entry can be
// removed in the same batch; zero means there was none.
func (s *Store) PutSubscription(user types.UserID, sub *types.Subscription, prevExpiry uint32) error {
	subData, err := encodeSubscription(sub)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(subscriptionKey(user), subData); err != nil {
		return err
	}
	if prevExpiry != 0 && prevExpiry != sub.SubscriptionExpiry {
		if err := batch.Delete(expiryKey(prevExpiry, user)); err != nil {
			return err
		}
	}
	if err := batch.Set(expiryKey(sub.SubscriptionExpiry, user), []byte{1}); err != nil {
		return err
	}
	return batch.WriteSync()
}

// PurgeUser removes a user's subscription, expiry-index entry and all of
// their remaining appointments in one batch.
func (s *Store) PurgeUser(user types.UserID, expiry uint32, uuids []types.UUID) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(subscriptionKey(user)); err != nil {
		return err
	}
	if err := batch.Delete(expiryKey(expiry, user)); err != nil {
		return err
	}
	for _, uuid := range uuids {
		if err := batch.Delete(appointmentKey(uuid)); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// Subscriptions loads every persisted subscription. Used only at startup.
func (s *Store) Subscriptions() (map[types.UserID]*types.Subscription, error) {
	iter, err := s.db.Iterator(subscriptionPrefix, prefixEnd(subscriptionPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	subs := make(map[types.UserID]*types.Subscription)
	for ; iter.Valid(); iter.Next() {
		user, err := types.UserIDFromBytes(iter.Key()[len(subscriptionPrefix):])
		if err != nil {
			return nil, fmt.Errorf("corrupt subscription key: %w", err)
		}
		sub, err := decodeSubscription(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("corrupt subscription record: %w", err)
		}
		subs[user] = sub
	}
	return subs, iter.Error()
}

// ExpiredUsers returns the users whose subscription expired strictly before
// the given height, in expiry order.
func (s *Store) ExpiredUsers(beforeHeight uint32) ([]types.UserID, error) {
	iter, err := s.db.Iterator(expiryKey(0, types.UserID{}), expiryKey(beforeHeight, types.UserID{}))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var users []types.UserID
	for ; iter.Valid(); iter.Next() {
		key := iter.Key()
		user, err := types.UserIDFromBytes(key[len(key)-types.UserIDSize:])
		if err != nil {
			return nil, fmt.Errorf("corrupt expiry index key: %w", err)
		}
		users = append(users, user)
	}
	return users, iter.Error()
}

// PutTracker persists a responder tracker.
func (s *Store) PutTracker(uuid types.UUID, record *TrackerRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode tracker: %w", err)
	}
	return s.db.SetSync(trackerKey(uuid), data)
}

// DeleteTracker removes a tracker, optionally together with the updated
// subscription that received its freed slots.
func (s *Store) DeleteTracker(uuid types.UUID, user *types.UserID, sub *types.Subscription) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(trackerKey(uuid)); err != nil {
		return err
	}
	if user != nil && sub != nil {
		subData, err := encodeSubscription(sub)
		if err != nil {
			return fmt.Errorf("failed to encode subscription: %w", err)
		}
		if err := batch.Set(subscriptionKey(*user), subData); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// Trackers loads every persisted tracker. Used only at startup.
func (s *Store) Trackers() (map[types.UUID]*TrackerRecord, error) {
	iter, err := s.db.Iterator(trackerPrefix, prefixEnd(trackerPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	trackers := make(map[types.UUID]*TrackerRecord)
	for ; iter.Valid(); iter.Next() {
		var record TrackerRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("corrupt tracker record: %w", err)
		}

		var uuid types.UUID
		copy(uuid[:], iter.Key()[len(trackerPrefix):])
		trackers[uuid] = &record
	}
	return trackers, iter.Error()
}

// PutLastKnownHeader persists the chain monitor's last processed tip.
func (s *Store) PutLastKnownHeader(header chain.Header) error {
	data, err := json.Marshal(headerRecord{
		Hash:     header.Hash[:],
		PrevHash: header.PrevHash[:],
		Height:   header.Height,
	})
	if err != nil {
		return err
	}
	return s.db.SetSync(lastBlockKey, data)
}

// LastKnownHeader loads the persisted tip; found is false on a fresh store.
func (s *Store) LastKnownHeader() (header chain.Header, found bool, err error) {
	data, err := s.db.Get(lastBlockKey)
	if err != nil || data == nil {
		return chain.Header{}, false, err
	}

	var record headerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return chain.Header{}, false, fmt.Errorf("corrupt header record: %w", err)
	}

	hash, err := chainhash.NewHash(record.Hash)
	if err != nil {
		return chain.Header{}, false, err
	}
	prev, err := chainhash.NewHash(record.PrevHash)
	if err != nil {
		return chain.Header{}, false, err
	}

	return chain.Header{Hash: *hash, PrevHash: *prev, Height: record.Height}, true, nil
}

// prefixEnd returns the smallest key that is not prefixed by p.
func prefixEnd(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
