package types

import "errors"

// Admission and query errors surfaced to API callers. Internal
// block-processing failures (decryption mismatches, transient broadcast
// errors) are absorbed and logged by the components, never returned here.
var (
	// ErrUnauthenticated means the request signature was missing, invalid,
	// or recovered a key the tower has never registered.
	ErrUnauthenticated = errors.New("user cannot be authenticated")

	// ErrNotEnoughSlots means the user's subscription cannot cover the
	// appointment's slot cost.
	ErrNotEnoughSlots = errors.New("user does not have enough slots")

	// ErrSubscriptionExpired means the user's subscription has expired.
	ErrSubscriptionExpired = errors.New("user subscription has expired")

	// ErrNotFound means the requested locator or user is unknown.
	ErrNotFound = errors.New("not found")

	// ErrChainSourceUnreachable means the tower has lost its connection to
	// the chain backend. New appointments are still accepted while this
	// holds; breach response is paused.
	ErrChainSourceUnreachable = errors.New("chain source is unreachable")
)

// Error codes, stable across releases, returned alongside admission errors on
// the wire.
const (
	CodeUnauthenticated        uint32 = 1
	CodeNotEnoughSlots         uint32 = 2
	CodeSubscriptionExpired    uint32 = 3
	CodeNotFound               uint32 = 4
	CodeChainSourceUnreachable uint32 = 5
	CodeInternal               uint32 = 100
)

// ErrorCode maps an admission error to its stable code.
func ErrorCode(err error) uint32 {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrNotEnoughSlots):
		return CodeNotEnoughSlots
	case errors.Is(err, ErrSubscriptionExpired):
		return CodeSubscriptionExpired
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrChainSourceUnreachable):
		return CodeChainSourceUnreachable
	default:
		return CodeInternal
	}
}
