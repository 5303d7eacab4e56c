package types

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcutil"
)

// UUIDSize is the length of the tower-internal appointment key.
const UUIDSize = 20

// UUID keys an appointment inside the tower. It is derived from the locator
// and the submitting user so that distinct users sharing a locator never
// collide.
type UUID [UUIDSize]byte

// NewUUID computes the internal key for a (locator, user) pair as
// Hash160(locator || user_id).
func NewUUID(locator Locator, userID UserID) UUID {
	var uuid UUID
	copy(uuid[:], btcutil.Hash160(append(locator.Bytes(), userID.Bytes()...)))
	return uuid
}

func (u UUID) Bytes() []byte { return u[:] }

func (u UUID) String() string { return hex.EncodeToString(u[:]) }

// Appointment is a client's watch request: an encrypted penalty transaction
// together with the locator the tower should watch for. The blob is encrypted
// under the dispute txid, so the tower cannot read it until the dispute is
// seen on-chain.
type Appointment struct {
	Locator       Locator
	EncryptedBlob []byte
	ToSelfDelay   uint32
}

// Serialize encodes the appointment for signing:
//
//	locator || encrypted_blob || to_self_delay
//
// All values are big endian.
func (a *Appointment) Serialize() []byte {
	result := make([]byte, 0, LocatorSize+len(a.EncryptedBlob)+4)
	result = append(result, a.Locator.Bytes()...)
	result = append(result, a.EncryptedBlob...)

	var delay [4]byte
	binary.BigEndian.PutUint32(delay[:], a.ToSelfDelay)
	return append(result, delay[:]...)
}

// ExtendedAppointment is the tower-side view of an accepted appointment. It
// never leaves the tower.
type ExtendedAppointment struct {
	Appointment

	UserID        UserID
	UserSignature []byte
	StartBlock    uint32
}

// UUID returns the internal key for this appointment.
func (e *ExtendedAppointment) UUID() UUID {
	return NewUUID(e.Locator, e.UserID)
}

// AppointmentStatus is the client-visible state of an appointment.
type AppointmentStatus uint8

const (
	StatusNotFound AppointmentStatus = iota
	StatusBeingWatched
	StatusDisputeResponded
)

func (s AppointmentStatus) String() string {
	switch s {
	case StatusBeingWatched:
		return "being_watched"
	case StatusDisputeResponded:
		return "dispute_responded"
	default:
		return "not_found"
	}
}
