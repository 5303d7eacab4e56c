// Package gatekeeper implements admission control and per-user resource
// accounting. It is the single authority on whether a user may submit more
// data and how much tower capacity they are consuming.
package gatekeeper

import (
	"context"
	"fmt"
	"sync"

	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/libs/log"
	"github.com/ltwatch/towerd/types"
)

// Params are the gatekeeper's policy knobs.
type Params struct {
	// SubscriptionSlots is the slot allotment granted per registration.
	SubscriptionSlots uint32

	// SubscriptionDuration is the subscription lifetime in blocks.
	SubscriptionDuration uint32

	// ExpiryDelta is the grace window, in blocks, between a subscription
	// expiring and its state being purged, allowing in-flight jobs to
	// finish.
	ExpiryDelta uint32

	// SlotSize is the quota unit in bytes; an appointment costs
	// ceil(blob_size / SlotSize) slots.
	SlotSize uint32
}

// Gatekeeper tracks subscriptions and enforces slots and expiry. All state
// transitions are persisted before being committed in memory.
type Gatekeeper struct {
	logger  log.Logger
	metrics *Metrics
	params  Params

	mtx             sync.Mutex
	lastKnownHeight uint32
	lastPurgeHeight uint32
	registeredUsers map[types.UserID]*types.Subscription

	store *store.Store
}

// New creates a Gatekeeper, rebuilding its registry from the store.
func New(logger log.Logger, metrics *Metrics, s *store.Store, currentHeight uint32, params Params) (*Gatekeeper, error) {
	users, err := s.Subscriptions()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	g := &Gatekeeper{
		logger:          logger,
		metrics:         metrics,
		params:          params,
		lastKnownHeight: currentHeight,
		registeredUsers: users,
		store:           s,
	}
	g.metrics.RegisteredUsers.Set(float64(len(users)))

	return g, nil
}

// IsFresh reports whether the gatekeeper booted with no prior state.
func (g *Gatekeeper) IsFresh() bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return len(g.registeredUsers) == 0
}

// SlotCost returns the slot cost of a blob of the given size, at least one.
func (g *Gatekeeper) SlotCost(blobSize int) uint32 {
	cost := (uint32(blobSize) + g.params.SlotSize - 1) / g.params.SlotSize
	if cost == 0 {
		cost = 1
	}
	return cost
}

// Register creates or renews a subscription: a fresh slot allotment and an
// expiry of current_height + subscription_duration. Existing appointments
// remain governed by their own expiry and eviction rules.
func (g *Gatekeeper) Register(user types.UserID) (*types.Subscription, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	expiry := g.lastKnownHeight + g.params.SubscriptionDuration

	var prevExpiry uint32
	sub, known := g.registeredUsers[user]
	if known {
		prevExpiry = sub.SubscriptionExpiry
		sub.AvailableSlots += g.params.SubscriptionSlots
		sub.SubscriptionExpiry = expiry
	} else {
		sub = types.NewSubscription(g.params.SubscriptionSlots, expiry)
	}

	if err := g.store.PutSubscription(user, sub, prevExpiry); err != nil {
		return nil, fmt.Errorf("failed to persist subscription: %w", err)
	}

	g.registeredUsers[user] = sub
	if !known {
		g.metrics.RegisteredUsers.Add(1)
	}

	g.logger.Info("registered user", "user_id", user.String(),
		"available_slots", sub.AvailableSlots, "subscription_expiry", sub.SubscriptionExpiry)

	return snapshot(sub), nil
}

// AuthenticateUser recovers the signer of message and checks they are
// registered. Both an invalid signature and an unknown signer read as
// ErrUnauthenticated.
func (g *Gatekeeper) AuthenticateUser(message, signature []byte) (types.UserID, error) {
	user, err := types.RecoverUserID(message, signature)
	if err != nil {
		return types.UserID{}, types.ErrUnauthenticated
	}

	g.mtx.Lock()
	defer g.mtx.Unlock()

	if _, known := g.registeredUsers[user]; !known {
		return types.UserID{}, types.ErrUnauthenticated
	}
	return user, nil
}

// AddUpdateAppointment admits an appointment for an authenticated user:
// checks expiry and slots, reserves the slots, persists the appointment and
// the updated subscription atomically, and returns the acceptance height.
// Updates to an existing appointment are charged by cost difference.
func (g *Gatekeeper) AddUpdateAppointment(user types.UserID, uuid types.UUID, app *types.ExtendedAppointment) (uint32, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	sub, known := g.registeredUsers[user]
	if !known {
		return 0, types.ErrUnauthenticated
	}
	if g.lastKnownHeight >= sub.SubscriptionExpiry {
		return 0, types.ErrSubscriptionExpired
	}

	cost := g.SlotCost(len(app.EncryptedBlob))
	refund := sub.Appointments[uuid]
	if cost > sub.AvailableSlots+refund {
		g.metrics.RejectedAppointments.Add(1)
		return 0, types.ErrNotEnoughSlots
	}

	startBlock := g.lastKnownHeight
	app.StartBlock = startBlock

	// Apply, persist, roll back on failure.
	prevSlots := sub.AvailableSlots
	sub.AvailableSlots = sub.AvailableSlots + refund - cost
	sub.Appointments[uuid] = cost

	if err := g.store.PutAppointment(app, sub); err != nil {
		sub.AvailableSlots = prevSlots
		if refund == 0 {
			delete(sub.Appointments, uuid)
		} else {
			sub.Appointments[uuid] = refund
		}
		return 0, fmt.Errorf("failed to persist appointment: %w", err)
	}

	g.metrics.AcceptedAppointments.Add(1)
	return startBlock, nil
}

// SubscriptionInfo returns a copy of the user's subscription.
func (g *Gatekeeper) SubscriptionInfo(user types.UserID) (*types.Subscription, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	sub, known := g.registeredUsers[user]
	if !known {
		return nil, types.ErrNotFound
	}
	return snapshot(sub), nil
}

// DeleteAppointments reclaims the slots of terminally resolved appointments
// and drops their records. Unknown uuids are ignored, which makes the call
// idempotent under re-delivered block events.
func (g *Gatekeeper) DeleteAppointments(appointments map[types.UUID]types.UserID, refund bool) {
	if len(appointments) == 0 {
		return
	}

	g.mtx.Lock()
	defer g.mtx.Unlock()

	uuids := make([]types.UUID, 0, len(appointments))
	touched := make(map[types.UserID]*types.Subscription)

	for uuid, user := range appointments {
		uuids = append(uuids, uuid)

		sub, known := g.registeredUsers[user]
		if !known {
			continue
		}
		cost, tracked := sub.Appointments[uuid]
		if !tracked {
			continue
		}
		delete(sub.Appointments, uuid)
		if refund {
			sub.AvailableSlots += cost
		}
		touched[user] = sub
	}

	if err := g.store.DeleteAppointments(uuids, touched); err != nil {
		g.logger.Error("failed to persist appointment deletion", "err", err)
	}
}

// OutdatedUsers returns the users whose subscription expiry plus the grace
// delta lies strictly below height. The watcher and responder consult this
// during their own handling of the same block, before the gatekeeper purges.
func (g *Gatekeeper) OutdatedUsers(height uint32) []types.UserID {
	if height <= g.params.ExpiryDelta {
		return nil
	}

	users, err := g.store.ExpiredUsers(height - g.params.ExpiryDelta)
	if err != nil {
		g.logger.Error("failed to scan expiry index", "err", err)
		return nil
	}
	return users
}

// UserAppointments returns the uuids of a user's live appointments.
func (g *Gatekeeper) UserAppointments(user types.UserID) []types.UUID {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	sub, known := g.registeredUsers[user]
	if !known {
		return nil
	}

	uuids := make([]types.UUID, 0, len(sub.Appointments))
	for uuid := range sub.Appointments {
		uuids = append(uuids, uuid)
	}
	return uuids
}

// OnBlockConnected purges users whose grace window has lapsed. Purging is
// computed from the current block only, so a re-delivered event is a no-op.
func (g *Gatekeeper) OnBlockConnected(ctx context.Context, block *chain.Block) {
	height := block.Header.Height
	outdated := g.OutdatedUsers(height)

	g.mtx.Lock()
	defer g.mtx.Unlock()

	g.lastKnownHeight = height
	if height <= g.lastPurgeHeight {
		return
	}
	g.lastPurgeHeight = height

	for _, user := range outdated {
		sub, known := g.registeredUsers[user]
		if !known {
			continue
		}

		uuids := make([]types.UUID, 0, len(sub.Appointments))
		for uuid := range sub.Appointments {
			uuids = append(uuids, uuid)
		}

		if err := g.store.PurgeUser(user, sub.SubscriptionExpiry, uuids); err != nil {
			g.logger.Error("failed to purge user", "user_id", user.String(), "err", err)
			continue
		}

		delete(g.registeredUsers, user)
		g.metrics.RegisteredUsers.Add(-1)
		g.metrics.PurgedUsers.Add(1)
		g.logger.Info("purged outdated user", "user_id", user.String(),
			"appointments", len(uuids), "height", height)
	}
}

// OnBlockDisconnected winds the height back; no accounting is reverted, as
// reclamation is recomputed per connected block.
func (g *Gatekeeper) OnBlockDisconnected(ctx context.Context, block *chain.Block) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if block.Header.Height > 0 {
		g.lastKnownHeight = block.Header.Height - 1
	}
}

func snapshot(sub *types.Subscription) *types.Subscription {
	out := types.NewSubscription(sub.AvailableSlots, sub.SubscriptionExpiry)
	for uuid, cost := range sub.Appointments {
		out.Appointments[uuid] = cost
	}
	return out
}
