package types

// Subscription is the gatekeeper's per-user accounting record. It is created
// on registration and mutated on every admission, resolution and expiry
// event. It is never deleted while the user is live; on expiry its
// appointment set shrinks to empty before the record is purged.
type Subscription struct {
	// AvailableSlots is the user's remaining quota. Never negative.
	AvailableSlots uint32

	// SubscriptionExpiry is the height at which the subscription lapses.
	SubscriptionExpiry uint32

	// Appointments maps the user's live appointments to their slot cost,
	// so terminal resolution can refund the exact amount reserved.
	Appointments map[UUID]uint32
}

// NewSubscription creates a subscription with a fresh slot allotment.
func NewSubscription(slots, expiry uint32) *Subscription {
	return &Subscription{
		AvailableSlots:     slots,
		SubscriptionExpiry: expiry,
		Appointments:       make(map[UUID]uint32),
	}
}
