package types

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// UserIDSize is the length of a user id: a compressed secp256k1 public key.
const UserIDSize = 33

// signedMessagePrefix is prepended to every message before hashing, matching
// the convention lightning nodes use for message-level signatures.
const signedMessagePrefix = "Lightning Signed Message:"

// UserID identifies a tower user by the compressed public key of their node.
type UserID [UserIDSize]byte

// NewUserID derives a user id from a public key.
func NewUserID(pk *btcec.PublicKey) UserID {
	var id UserID
	copy(id[:], pk.SerializeCompressed())
	return id
}

// UserIDFromBytes builds a user id from its serialized form, rejecting
// anything that is not a valid compressed public key.
func UserIDFromBytes(data []byte) (UserID, error) {
	var id UserID
	if len(data) != UserIDSize {
		return id, fmt.Errorf("wrong user id size: expected %d, got %d", UserIDSize, len(data))
	}
	if _, err := btcec.ParsePubKey(data, btcec.S256()); err != nil {
		return id, fmt.Errorf("user id is not a valid public key: %w", err)
	}
	copy(id[:], data)
	return id, nil
}

// UserIDFromHex builds a user id from its hex encoding.
func UserIDFromHex(s string) (UserID, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return UserID{}, fmt.Errorf("user id is not hex encoded: %w", err)
	}
	return UserIDFromBytes(data)
}

func (id UserID) Bytes() []byte { return id[:] }

func (id UserID) String() string { return hex.EncodeToString(id[:]) }

// SignMessage produces a compact recoverable signature over message with the
// given private key.
func SignMessage(message []byte, sk *btcec.PrivateKey) ([]byte, error) {
	digest := chainhash.DoubleHashB(append([]byte(signedMessagePrefix), message...))
	sig, err := btcec.SignCompact(btcec.S256(), sk, digest, true)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

// RecoverUserID recovers the signer of message from a compact signature. The
// recovered key is the caller's identity; an unparseable signature means the
// request is unauthenticated.
func RecoverUserID(message, signature []byte) (UserID, error) {
	digest := chainhash.DoubleHashB(append([]byte(signedMessagePrefix), message...))
	pk, _, err := btcec.RecoverCompact(btcec.S256(), signature, digest)
	if err != nil {
		return UserID{}, fmt.Errorf("cannot recover public key from signature: %w", err)
	}
	return NewUserID(pk), nil
}
