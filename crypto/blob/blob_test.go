package blob_test

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ltwatch/towerd/crypto/blob"
)

func dummyTx(lockTime uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0},
		SignatureScript:  []byte{0x51},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})
	tx.LockTime = lockTime
	return tx
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), chainhash.HashSize, chainhash.HashSize).Draw(t, "secret").([]byte)
		lockTime := rapid.Uint32().Draw(t, "locktime").(uint32)

		var secret chainhash.Hash
		require.NoError(t, secret.SetBytes(raw))

		penaltyTx := dummyTx(lockTime)
		ciphertext, err := blob.Encrypt(penaltyTx, &secret)
		require.NoError(t, err)

		decrypted, err := blob.Decrypt(ciphertext, &secret)
		require.NoError(t, err)
		assert.Equal(t, penaltyTx.TxHash(), decrypted.TxHash())
	})
}

func TestDecryptWrongKeyFails(t *testing.T) {
	secret := chainhash.DoubleHashH([]byte("dispute"))
	wrongSecret := chainhash.DoubleHashH([]byte("not the dispute"))

	ciphertext, err := blob.Encrypt(dummyTx(0), &secret)
	require.NoError(t, err)

	_, err = blob.Decrypt(ciphertext, &wrongSecret)
	require.ErrorIs(t, err, blob.ErrDecryptionFailure)
}

func TestDecryptGarbageFails(t *testing.T) {
	secret := chainhash.DoubleHashH([]byte("dispute"))

	_, err := blob.Decrypt([]byte("not a ciphertext"), &secret)
	require.ErrorIs(t, err, blob.ErrDecryptionFailure)
}

func TestEncryptIsDeterministic(t *testing.T) {
	secret := chainhash.DoubleHashH([]byte("dispute"))

	first, err := blob.Encrypt(dummyTx(7), &secret)
	require.NoError(t, err)
	second, err := blob.Encrypt(dummyTx(7), &secret)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
