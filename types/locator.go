package types

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// LocatorSize is the length, in bytes, of an appointment locator.
const LocatorSize = 16

// Locator is the privacy-preserving index key of an appointment: the first
// sixteen bytes of the dispute transaction id. The tower only learns the full
// txid once the dispute actually shows up on-chain, which is also the moment
// the associated encrypted blob becomes decryptable.
//
// Locators are not globally unique. Two unrelated txids sharing a 16-byte
// prefix produce false-positive matches, which the watcher resolves by
// attempting decryption against every candidate.
type Locator [LocatorSize]byte

// NewLocator computes the locator for the given transaction id. It is a pure
// truncation, so it is stable and deterministic for any txid.
func NewLocator(txid *chainhash.Hash) Locator {
	var l Locator
	copy(l[:], txid[:LocatorSize])
	return l
}

// LocatorFromBytes builds a locator from its raw byte representation.
func LocatorFromBytes(data []byte) (Locator, error) {
	var l Locator
	if len(data) != LocatorSize {
		return l, fmt.Errorf("wrong locator size: expected %d, got %d", LocatorSize, len(data))
	}
	copy(l[:], data)
	return l, nil
}

// LocatorFromHex builds a locator from its hex encoding.
func LocatorFromHex(s string) (Locator, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Locator{}, fmt.Errorf("locator is not hex encoded: %w", err)
	}
	return LocatorFromBytes(data)
}

func (l Locator) Bytes() []byte { return l[:] }

func (l Locator) String() string { return hex.EncodeToString(l[:]) }
