package watcher

import (
	"encoding/binary"

	"github.com/ltwatch/towerd/types"
)

// Request and receipt serializations. Clients sign the exact bytes these
// functions produce; the tower recovers their identity from the signature.

// GetAppointmentMessage is the payload a client signs to query an
// appointment.
func GetAppointmentMessage(locator types.Locator) []byte {
	return append([]byte("get appointment "), locator.Bytes()...)
}

// GetSubscriptionInfoMessage is the payload a client signs to query their
// subscription.
func GetSubscriptionInfoMessage() []byte {
	return []byte("get subscription info")
}

// registrationMessage serializes a registration receipt for signing:
// user_id || available_slots || subscription_expiry, big endian.
func registrationMessage(r *RegistrationReceipt) []byte {
	msg := make([]byte, 0, types.UserIDSize+8)
	msg = append(msg, r.UserID.Bytes()...)

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], r.AvailableSlots)
	binary.BigEndian.PutUint32(buf[4:], r.SubscriptionExpiry)
	return append(msg, buf[:]...)
}

// appointmentReceiptMessage serializes an acceptance receipt for signing:
// user_signature || start_block, big endian.
func appointmentReceiptMessage(r *AppointmentReceipt) []byte {
	msg := make([]byte, 0, len(r.UserSignature)+4)
	msg = append(msg, r.UserSignature...)

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], r.StartBlock)
	return append(msg, buf[:]...)
}
