// Package watcher owns the live locator index and is the tower's breach
// detector. It also carries the tower-side API surface (registration,
// admission, queries), so every client-visible operation flows through one
// lock discipline with block processing.
package watcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec"

	"github.com/ltwatch/towerd/crypto/blob"
	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/internal/gatekeeper"
	"github.com/ltwatch/towerd/internal/responder"
	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/libs/log"
	"github.com/ltwatch/towerd/types"
)

// triggerLogDepth bounds how many recent heights of trigger history are kept
// for reorg re-arming. A reorg deeper than this is not recoverable here.
const triggerLogDepth = 144

// Watcher indexes pending appointments by locator and matches them against
// every transaction of every new block.
type Watcher struct {
	logger  log.Logger
	metrics *Metrics

	mtx             sync.Mutex
	appointments    map[types.UUID]*types.ExtendedAppointment
	locatorIndex    map[types.Locator]map[types.UUID]struct{}
	triggeredAt     map[uint32]map[types.UUID]*types.ExtendedAppointment
	lastKnownHeight uint32

	towerSK *btcec.PrivateKey
	towerID types.UserID

	gatekeeper *gatekeeper.Gatekeeper
	responder  *responder.Responder
	store      *store.Store
}

// New creates a Watcher, rebuilding its index from the store.
func New(logger log.Logger, metrics *Metrics, g *gatekeeper.Gatekeeper, r *responder.Responder,
	s *store.Store, towerSK *btcec.PrivateKey, currentHeight uint32) (*Watcher, error) {

	appointments, err := s.Appointments()
	if err != nil {
		return nil, fmt.Errorf("failed to load appointments: %w", err)
	}

	w := &Watcher{
		logger:          logger,
		metrics:         metrics,
		appointments:    appointments,
		locatorIndex:    make(map[types.Locator]map[types.UUID]struct{}),
		triggeredAt:     make(map[uint32]map[types.UUID]*types.ExtendedAppointment),
		lastKnownHeight: currentHeight,
		towerSK:         towerSK,
		towerID:         types.NewUserID(towerSK.PubKey()),
		gatekeeper:      g,
		responder:       r,
		store:           s,
	}

	for uuid, app := range appointments {
		w.indexLocked(uuid, app.Locator)
	}
	w.metrics.Appointments.Set(float64(len(appointments)))

	return w, nil
}

// TowerID returns the tower's public identity.
func (w *Watcher) TowerID() types.UserID { return w.towerID }

// IsFresh reports whether the watcher booted with no appointments. Used only
// at startup to distinguish a cold start from a resumed one.
func (w *Watcher) IsFresh() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return len(w.appointments) == 0
}

// RegistrationReceipt proves the tower granted a subscription.
type RegistrationReceipt struct {
	UserID             types.UserID
	AvailableSlots     uint32
	SubscriptionExpiry uint32
	Signature          []byte
}

// AppointmentReceipt proves the tower accepted an appointment.
type AppointmentReceipt struct {
	UserSignature []byte
	StartBlock    uint32
	Signature     []byte
}

// RegisterUser creates or renews a subscription and returns a receipt signed
// with the tower key.
func (w *Watcher) RegisterUser(user types.UserID) (*RegistrationReceipt, error) {
	sub, err := w.gatekeeper.Register(user)
	if err != nil {
		return nil, err
	}

	receipt := &RegistrationReceipt{
		UserID:             user,
		AvailableSlots:     sub.AvailableSlots,
		SubscriptionExpiry: sub.SubscriptionExpiry,
	}
	receipt.Signature, err = types.SignMessage(registrationMessage(receipt), w.towerSK)
	if err != nil {
		return nil, fmt.Errorf("failed to sign registration receipt: %w", err)
	}
	return receipt, nil
}

// AddAppointment authenticates and admits an appointment, stores it in the
// locator index, and returns a signed acceptance receipt.
func (w *Watcher) AddAppointment(app *types.Appointment, userSignature []byte) (*AppointmentReceipt, error) {
	user, err := w.gatekeeper.AuthenticateUser(app.Serialize(), userSignature)
	if err != nil {
		return nil, err
	}

	extended := &types.ExtendedAppointment{
		Appointment:   *app,
		UserID:        user,
		UserSignature: userSignature,
	}
	uuid := extended.UUID()

	// Admission and block-driven mutation of the same locator are mutually
	// exclusive: the index insert happens under the watcher lock together
	// with the gatekeeper's persisted reservation.
	w.mtx.Lock()
	defer w.mtx.Unlock()

	startBlock, err := w.gatekeeper.AddUpdateAppointment(user, uuid, extended)
	if err != nil {
		return nil, err
	}

	if _, known := w.appointments[uuid]; !known {
		w.metrics.Appointments.Add(1)
	}
	w.appointments[uuid] = extended
	w.indexLocked(uuid, extended.Locator)

	w.logger.Debug("accepted appointment", "locator", extended.Locator.String(),
		"user_id", user.String(), "start_block", startBlock)

	receipt := &AppointmentReceipt{UserSignature: userSignature, StartBlock: startBlock}
	receipt.Signature, err = types.SignMessage(appointmentReceiptMessage(receipt), w.towerSK)
	if err != nil {
		return nil, fmt.Errorf("failed to sign appointment receipt: %w", err)
	}
	return receipt, nil
}

// AppointmentInfo is the answer to a get_appointment query.
type AppointmentInfo struct {
	Status      types.AppointmentStatus
	Appointment *types.Appointment
}

// GetAppointment returns the caller's appointment under locator, or its
// responder status once triggered. The request signature covers
// GetAppointmentMessage(locator).
func (w *Watcher) GetAppointment(locator types.Locator, requestSignature []byte) (*AppointmentInfo, error) {
	user, err := w.gatekeeper.AuthenticateUser(GetAppointmentMessage(locator), requestSignature)
	if err != nil {
		return nil, err
	}
	uuid := types.NewUUID(locator, user)

	w.mtx.Lock()
	app, watched := w.appointments[uuid]
	w.mtx.Unlock()

	if watched {
		appointment := app.Appointment
		return &AppointmentInfo{Status: types.StatusBeingWatched, Appointment: &appointment}, nil
	}
	if _, tracked := w.responder.TrackerStatus(uuid); tracked {
		return &AppointmentInfo{Status: types.StatusDisputeResponded}, nil
	}
	return nil, types.ErrNotFound
}

// SubscriptionInfo is the answer to a get_subscription_info query.
type SubscriptionInfo struct {
	AvailableSlots     uint32
	SubscriptionExpiry uint32
	Locators           []types.Locator
}

// GetSubscriptionInfo returns the caller's subscription state and the
// locators of their live appointments. The request signature covers
// GetSubscriptionInfoMessage().
func (w *Watcher) GetSubscriptionInfo(requestSignature []byte) (*SubscriptionInfo, error) {
	user, err := w.gatekeeper.AuthenticateUser(GetSubscriptionInfoMessage(), requestSignature)
	if err != nil {
		return nil, err
	}

	sub, err := w.gatekeeper.SubscriptionInfo(user)
	if err != nil {
		return nil, err
	}

	info := &SubscriptionInfo{
		AvailableSlots:     sub.AvailableSlots,
		SubscriptionExpiry: sub.SubscriptionExpiry,
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()
	for uuid := range sub.Appointments {
		if app, ok := w.appointments[uuid]; ok {
			info.Locators = append(info.Locators, app.Locator)
		}
	}
	return info, nil
}

// OnBlockConnected matches every transaction of the block against the
// locator index. Candidates that decrypt are handed to the responder;
// candidates that do not are dropped as invalid, with their slots released,
// and no error surfaces anywhere.
func (w *Watcher) OnBlockConnected(ctx context.Context, block *chain.Block) {
	height := block.Header.Height

	// Appointments of users past their grace window vanish from the index
	// before matching; the gatekeeper purges the records afterwards.
	w.evictOutdated(height)

	type breachCandidate struct {
		app    *types.ExtendedAppointment
		breach responder.Breach
	}
	var triggered map[types.UUID]breachCandidate
	invalid := make(map[types.UUID]types.UserID)

	w.mtx.Lock()
	w.lastKnownHeight = height

	for _, tx := range block.Txs {
		txid := tx.Hash()
		locator := types.NewLocator(txid)
		candidates, matched := w.locatorIndex[locator]
		if !matched {
			continue
		}

		for uuid := range candidates {
			app := w.appointments[uuid]

			penaltyTx, err := blob.Decrypt(app.EncryptedBlob, txid)
			if err != nil {
				// Locator collision or malicious blob; either way
				// this candidate can never fire.
				w.logger.Debug("dropping undecryptable appointment",
					"locator", locator.String(), "uuid", uuid.String())
				invalid[uuid] = app.UserID
				w.removeLocked(uuid, app.Locator)
				continue
			}

			if triggered == nil {
				triggered = make(map[types.UUID]breachCandidate)
			}
			triggered[uuid] = breachCandidate{
				app: app,
				breach: responder.Breach{
					Locator:     locator,
					DisputeTxid: *txid,
					PenaltyTx:   penaltyTx,
				},
			}
			w.removeLocked(uuid, app.Locator)
		}
	}

	if len(triggered) > 0 {
		fired := make(map[types.UUID]*types.ExtendedAppointment, len(triggered))
		for uuid, candidate := range triggered {
			fired[uuid] = candidate.app
		}
		w.triggeredAt[height] = fired
	}
	delete(w.triggeredAt, height-triggerLogDepth)
	w.mtx.Unlock()

	// Triggered appointments leave the store but keep their slot
	// reservation; the responder releases it on terminal resolution.
	if len(triggered) > 0 {
		uuids := make([]types.UUID, 0, len(triggered))
		for uuid := range triggered {
			uuids = append(uuids, uuid)
		}
		if err := w.store.DeleteAppointments(uuids, nil); err != nil {
			w.logger.Error("failed to delete triggered appointments", "err", err)
		}
	}

	for uuid, candidate := range triggered {
		w.metrics.Breaches.Add(1)
		w.responder.HandleBreach(ctx, uuid, candidate.app.UserID, candidate.breach, height)
	}

	// Invalid candidates are terminally resolved right here.
	if len(invalid) > 0 {
		w.metrics.InvalidBlobs.Add(float64(len(invalid)))
		w.gatekeeper.DeleteAppointments(invalid, true)
	}
}

// OnBlockDisconnected re-arms appointments whose trigger happened only in
// the disconnected block, as long as the responder reports the job as not
// yet irreversibly settled.
func (w *Watcher) OnBlockDisconnected(ctx context.Context, block *chain.Block) {
	height := block.Header.Height

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if height > 0 {
		w.lastKnownHeight = height - 1
	}

	for uuid, app := range w.triggeredAt[height] {
		if !w.responder.Untrack(uuid) {
			continue
		}

		w.appointments[uuid] = app
		w.indexLocked(uuid, app.Locator)
		w.metrics.Appointments.Add(1)

		if err := w.store.PutAppointment(app, nil); err != nil {
			w.logger.Error("failed to re-arm appointment", "uuid", uuid.String(), "err", err)
		}
		w.logger.Info("re-armed appointment after reorg",
			"locator", app.Locator.String(), "height", height)
	}
	delete(w.triggeredAt, height)
}

func (w *Watcher) evictOutdated(height uint32) {
	outdated := w.gatekeeper.OutdatedUsers(height)
	if len(outdated) == 0 {
		return
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	for _, user := range outdated {
		for _, uuid := range w.gatekeeper.UserAppointments(user) {
			app, ok := w.appointments[uuid]
			if !ok {
				continue
			}
			w.removeLocked(uuid, app.Locator)
		}
	}
}

// indexLocked inserts a uuid into both maps. Callers hold w.mtx.
func (w *Watcher) indexLocked(uuid types.UUID, locator types.Locator) {
	set, ok := w.locatorIndex[locator]
	if !ok {
		set = make(map[types.UUID]struct{})
		w.locatorIndex[locator] = set
	}
	set[uuid] = struct{}{}
}

// removeLocked drops a uuid from both maps. Callers hold w.mtx.
func (w *Watcher) removeLocked(uuid types.UUID, locator types.Locator) {
	if _, ok := w.appointments[uuid]; !ok {
		return
	}
	delete(w.appointments, uuid)
	w.metrics.Appointments.Add(-1)

	set := w.locatorIndex[locator]
	delete(set, uuid)
	if len(set) == 0 {
		delete(w.locatorIndex, locator)
	}
}
