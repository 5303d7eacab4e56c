// Package responder owns every in-flight penalty broadcast from the moment a
// breach is decrypted until the job is provably settled or evicted.
package responder

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ltwatch/towerd/internal/carrier"
	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/internal/gatekeeper"
	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/libs/log"
	"github.com/ltwatch/towerd/types"
)

// Status is the lifecycle state of a tracked penalty broadcast.
type Status uint8

const (
	// StatusBroadcasting means the initial submission has not been
	// accepted by the broadcaster yet; it is retried every block tick.
	StatusBroadcasting Status = iota

	// StatusAwaitingConfirmation means the penalty has been handed to the
	// network and the responder is counting confirmations.
	StatusAwaitingConfirmation

	// StatusConfirmed is terminal: the confirmation threshold was reached
	// and the owning appointment's slots have been released.
	StatusConfirmed

	// StatusAbandoned is terminal: the job was evicted (owning user
	// purged). Reachable from either active state.
	StatusAbandoned
)

func (s Status) String() string {
	switch s {
	case StatusBroadcasting:
		return "broadcasting"
	case StatusAwaitingConfirmation:
		return "awaiting_confirmation"
	case StatusConfirmed:
		return "confirmed"
	case StatusAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Breach is the decrypted outcome of a triggered appointment, handed over by
// the watcher.
type Breach struct {
	Locator     types.Locator
	DisputeTxid chainhash.Hash
	PenaltyTx   *wire.MsgTx
}

// Tracker follows one penalty broadcast.
type Tracker struct {
	Locator     types.Locator
	UserID      types.UserID
	DisputeTxid chainhash.Hash
	PenaltyTx   *wire.MsgTx
	PenaltyTxid chainhash.Hash

	Status          Status
	BroadcastHeight uint32
	// ConfirmedHeight is the height of the block that mined the penalty,
	// zero while unmined.
	ConfirmedHeight uint32
	Confirmations   uint32
}

// Params are the responder's settlement policy knobs.
type Params struct {
	// ConfirmationThreshold is the confirmation count at which a job is
	// Confirmed and its slots released.
	ConfirmationThreshold uint32

	// IrrevocablyResolved is the confirmation count at which a confirmed
	// tracker is dropped entirely; a reorg deeper than this is not
	// handled.
	IrrevocablyResolved uint32
}

// Responder tracks penalty broadcasts across blocks and reorgs. Broadcaster
// errors are retried on the next block tick rather than failing the job; a
// job is only abandoned on explicit eviction.
type Responder struct {
	logger  log.Logger
	metrics *Metrics
	params  Params

	mtx      sync.Mutex
	trackers map[types.UUID]*Tracker
	// txIndex maps penalty txids back to their tracker.
	txIndex map[chainhash.Hash]types.UUID

	carrier    *carrier.Carrier
	gatekeeper *gatekeeper.Gatekeeper
	store      *store.Store
}

// New creates a Responder, rebuilding its tracker table from the store.
func New(logger log.Logger, metrics *Metrics, c *carrier.Carrier, g *gatekeeper.Gatekeeper, s *store.Store) (*Responder, error) {
	records, err := s.Trackers()
	if err != nil {
		return nil, fmt.Errorf("failed to load trackers: %w", err)
	}

	r := &Responder{
		logger:     logger,
		metrics:    metrics,
		params:     Params{ConfirmationThreshold: 6, IrrevocablyResolved: 100},
		trackers:   make(map[types.UUID]*Tracker, len(records)),
		txIndex:    make(map[chainhash.Hash]types.UUID, len(records)),
		carrier:    c,
		gatekeeper: g,
		store:      s,
	}

	for uuid, record := range records {
		tracker, err := trackerFromRecord(record)
		if err != nil {
			return nil, fmt.Errorf("corrupt tracker %s: %w", uuid, err)
		}
		r.trackers[uuid] = tracker
		r.txIndex[tracker.PenaltyTxid] = uuid
	}
	r.metrics.Trackers.Set(float64(len(r.trackers)))

	return r, nil
}

// SetParams overrides the default settlement policy.
func (r *Responder) SetParams(params Params) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.params = params
}

// IsFresh reports whether the responder booted with no in-flight jobs.
func (r *Responder) IsFresh() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.trackers) == 0
}

// HandleBreach creates a tracker for a decrypted breach and submits the
// penalty transaction. A failed submission leaves the tracker in
// StatusBroadcasting to be retried on the next block tick; the job is never
// dropped here.
func (r *Responder) HandleBreach(ctx context.Context, uuid types.UUID, user types.UserID, breach Breach, height uint32) {
	r.mtx.Lock()
	if _, exists := r.trackers[uuid]; exists {
		r.mtx.Unlock()
		return
	}

	tracker := &Tracker{
		Locator:         breach.Locator,
		UserID:          user,
		DisputeTxid:     breach.DisputeTxid,
		PenaltyTx:       breach.PenaltyTx,
		PenaltyTxid:     breach.PenaltyTx.TxHash(),
		Status:          StatusBroadcasting,
		BroadcastHeight: height,
	}
	r.trackers[uuid] = tracker
	r.txIndex[tracker.PenaltyTxid] = uuid
	r.persist(uuid, tracker)
	r.metrics.Trackers.Add(1)
	r.mtx.Unlock()

	r.logger.Info("responding to breach", "locator", breach.Locator.String(),
		"penalty_txid", tracker.PenaltyTxid.String(), "height", height)

	r.broadcast(ctx, uuid, tracker, height)
}

// broadcast submits the tracker's penalty and advances its state on success.
func (r *Responder) broadcast(ctx context.Context, uuid types.UUID, tracker *Tracker, height uint32) {
	err := r.carrier.Send(ctx, tracker.PenaltyTx)

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if err != nil {
		// Transient by definition; retried on the next tick.
		r.logger.Debug("penalty broadcast deferred",
			"penalty_txid", tracker.PenaltyTxid.String(), "err", err)
		return
	}

	r.metrics.Broadcasts.Add(1)
	if tracker.Status == StatusBroadcasting {
		tracker.Status = StatusAwaitingConfirmation
	}
	tracker.BroadcastHeight = height
	r.persist(uuid, tracker)
}

// OnBlockConnected advances every tracker against the new block: counts
// confirmations, rebroadcasts evicted penalties, settles jobs past the
// confirmation threshold and abandons jobs of outdated users.
func (r *Responder) OnBlockConnected(ctx context.Context, block *chain.Block) {
	height := block.Header.Height

	// Evict trackers owned by users whose grace window lapsed. The
	// gatekeeper purges its own records later in the same event.
	for _, user := range r.gatekeeper.OutdatedUsers(height) {
		r.abandonUser(user)
	}

	minedHere := make(map[chainhash.Hash]struct{})
	for _, tx := range block.Txs {
		if _, tracked := r.lookupByTxid(tx.Hash()); tracked {
			minedHere[*tx.Hash()] = struct{}{}
		}
	}

	resolved := make(map[types.UUID]types.UserID)
	var retry []types.UUID

	r.mtx.Lock()
	for uuid, tracker := range r.trackers {
		switch tracker.Status {
		case StatusBroadcasting:
			retry = append(retry, uuid)
			continue
		case StatusConfirmed:
			// Only waiting for irrevocable resolution.
			tracker.Confirmations++
			if tracker.Confirmations >= r.params.IrrevocablyResolved {
				r.dropTracker(uuid, tracker)
			}
			continue
		case StatusAbandoned:
			continue
		}

		if _, mined := minedHere[tracker.PenaltyTxid]; mined {
			tracker.ConfirmedHeight = height
			tracker.Confirmations = 1
		} else if tracker.Confirmations > 0 {
			tracker.Confirmations++
		} else {
			// Unmined and possibly evicted from the network.
			retry = append(retry, uuid)
		}

		if tracker.Confirmations >= r.params.ConfirmationThreshold {
			tracker.Status = StatusConfirmed
			resolved[uuid] = tracker.UserID
			r.metrics.ConfirmedTrackers.Add(1)
			r.logger.Info("penalty confirmed", "locator", tracker.Locator.String(),
				"penalty_txid", tracker.PenaltyTxid.String(), "height", height)
		}
		r.persist(uuid, tracker)
	}
	r.mtx.Unlock()

	// Slot release for settled jobs, committed before the gatekeeper's own
	// reclamation pass for this block.
	if len(resolved) > 0 {
		r.gatekeeper.DeleteAppointments(resolved, true)
	}

	for _, uuid := range retry {
		r.retryBroadcast(ctx, uuid, height)
	}
}

// retryBroadcast rebroadcasts a tracker's penalty if it is neither mined nor
// pending in the mempool.
func (r *Responder) retryBroadcast(ctx context.Context, uuid types.UUID, height uint32) {
	r.mtx.Lock()
	tracker, ok := r.trackers[uuid]
	r.mtx.Unlock()
	if !ok {
		return
	}

	if tracker.Status == StatusAwaitingConfirmation && r.carrier.InMempool(ctx, &tracker.PenaltyTxid) {
		return
	}

	r.metrics.Rebroadcasts.Add(1)
	r.broadcast(ctx, uuid, tracker, height)
}

// OnBlockDisconnected rewinds confirmation state for trackers whose
// confirming block was reorged out. Confirmed jobs are never un-terminated
// here; their slot release has already been committed.
func (r *Responder) OnBlockDisconnected(ctx context.Context, block *chain.Block) {
	height := block.Header.Height

	r.mtx.Lock()
	defer r.mtx.Unlock()

	for uuid, tracker := range r.trackers {
		if tracker.Status != StatusAwaitingConfirmation || tracker.ConfirmedHeight == 0 {
			continue
		}
		if height < tracker.ConfirmedHeight {
			continue
		}

		if tracker.Confirmations > 0 {
			tracker.Confirmations--
		}
		if height == tracker.ConfirmedHeight {
			// The confirming block itself is gone; back to square one.
			tracker.ConfirmedHeight = 0
			tracker.Confirmations = 0
		}
		r.persist(uuid, tracker)
	}
}

// Untrack removes the job for a breach that was itself reorged out, so the
// watcher can re-arm the appointment. It reports false for jobs that are
// already irreversibly settled, which must stay as they are.
func (r *Responder) Untrack(uuid types.UUID) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	tracker, ok := r.trackers[uuid]
	if !ok {
		return true
	}
	if tracker.Status == StatusConfirmed {
		return false
	}

	r.dropTracker(uuid, tracker)
	return true
}

// Settled reports whether the job for uuid has reached its terminal
// confirmed state.
func (r *Responder) Settled(uuid types.UUID) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	tracker, ok := r.trackers[uuid]
	return ok && tracker.Status == StatusConfirmed
}

// TrackerStatus returns the status of a job, if one exists.
func (r *Responder) TrackerStatus(uuid types.UUID) (Status, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	tracker, ok := r.trackers[uuid]
	if !ok {
		return 0, false
	}
	return tracker.Status, true
}

func (r *Responder) abandonUser(user types.UserID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for uuid, tracker := range r.trackers {
		if tracker.UserID != user {
			continue
		}
		tracker.Status = StatusAbandoned
		r.dropTracker(uuid, tracker)
		r.metrics.AbandonedTrackers.Add(1)
		r.logger.Info("abandoned tracker for evicted user",
			"locator", tracker.Locator.String(), "user_id", user.String())
	}
}

func (r *Responder) lookupByTxid(txid *chainhash.Hash) (types.UUID, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	uuid, ok := r.txIndex[*txid]
	return uuid, ok
}

// dropTracker removes a tracker from memory and store. Callers hold r.mtx.
func (r *Responder) dropTracker(uuid types.UUID, tracker *Tracker) {
	delete(r.trackers, uuid)
	delete(r.txIndex, tracker.PenaltyTxid)
	if err := r.store.DeleteTracker(uuid, nil, nil); err != nil {
		r.logger.Error("failed to delete tracker", "uuid", uuid.String(), "err", err)
	}
	r.metrics.Trackers.Add(-1)
}

// persist writes a tracker's current state. Callers hold r.mtx.
func (r *Responder) persist(uuid types.UUID, tracker *Tracker) {
	record, err := trackerToRecord(tracker)
	if err != nil {
		r.logger.Error("failed to encode tracker", "uuid", uuid.String(), "err", err)
		return
	}
	if err := r.store.PutTracker(uuid, record); err != nil {
		r.logger.Error("failed to persist tracker", "uuid", uuid.String(), "err", err)
	}
}
