// Package blob implements the encryption scheme protecting penalty
// transactions while they sit in the tower.
//
// The symmetric key is derived from the dispute (breach) transaction id, a
// value the client knows at submission time but the tower only learns when
// the dispute is published on-chain. Until then the appointment is an opaque
// ciphertext to the tower.
package blob

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/chacha20poly1305"
)

// MaxSize bounds the size of an encrypted blob the tower will accept.
// A penalty transaction larger than this is not a standard transaction.
const MaxSize = 100 * 1024

// ErrDecryptionFailure is returned when a ciphertext does not authenticate
// under the derived key, or when the authenticated plaintext is not a valid
// transaction. The caller cannot distinguish a locator collision from a
// malformed submission; both surface as this error.
var ErrDecryptionFailure = errors.New("cannot decrypt blob")

// deriveKey turns the dispute txid into the chacha20poly1305 key.
func deriveKey(secret *chainhash.Hash) []byte {
	key := sha256.Sum256(secret[:])
	return key[:]
}

// Encrypt seals the serialized penalty transaction under a key derived from
// the dispute txid. The nonce is fixed at zero: every key encrypts exactly
// one message.
func Encrypt(penaltyTx *wire.MsgTx, secret *chainhash.Hash) ([]byte, error) {
	var plaintext bytes.Buffer
	if err := penaltyTx.Serialize(&plaintext); err != nil {
		return nil, fmt.Errorf("failed to serialize penalty transaction: %w", err)
	}

	aead, err := chacha20poly1305.New(deriveKey(secret))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nil, nonce, plaintext.Bytes(), nil), nil
}

// Decrypt opens an encrypted blob with the key derived from the dispute txid
// and deserializes the resulting penalty transaction. A wrong key never
// yields a plausible-but-wrong transaction: the AEAD tag rejects it first.
func Decrypt(ciphertext []byte, secret *chainhash.Hash) (*wire.MsgTx, error) {
	aead, err := chacha20poly1305.New(deriveKey(secret))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}

	penaltyTx := &wire.MsgTx{}
	if err := penaltyTx.Deserialize(bytes.NewReader(plaintext)); err != nil {
		return nil, ErrDecryptionFailure
	}

	return penaltyTx, nil
}
