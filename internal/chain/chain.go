// Package chain defines the tower's view of the Bitcoin blockchain: the
// narrow capability interface the chain monitor polls, and the block/header
// values dispatched to the rest of the tower.
package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// ErrUnreachable is returned by sources that have lost their backend.
var ErrUnreachable = errors.New("chain source is unreachable")

// Header is a connected block header together with its height.
type Header struct {
	Hash     chainhash.Hash
	PrevHash chainhash.Hash
	Height   uint32
}

// Block is a full block ready for dispatch to the block listeners.
type Block struct {
	Header Header
	Txs    []*btcutil.Tx
}

// NewBlock wraps a wire block under its validated header. Transactions are
// wrapped in btcutil.Tx so their hashes are computed once and cached.
func NewBlock(header Header, msgBlock *wire.MsgBlock) *Block {
	txs := make([]*btcutil.Tx, len(msgBlock.Transactions))
	for i, tx := range msgBlock.Transactions {
		txs[i] = btcutil.NewTx(tx)
	}
	return &Block{Header: header, Txs: txs}
}

// Source is the tower's only window into the blockchain. Implementations
// must be safe for concurrent use.
type Source interface {
	// BestHeader returns the current best chain tip.
	BestHeader(ctx context.Context) (Header, error)

	// Block fetches the full block under the given header.
	Block(ctx context.Context, header Header) (*Block, error)

	// PrevHeader returns the header the given one builds on.
	PrevHeader(ctx context.Context, header Header) (Header, error)

	// Confirmations returns the number of confirmations of a transaction,
	// zero if it is unconfirmed or unknown.
	Confirmations(ctx context.Context, txid *chainhash.Hash) (uint32, error)

	// IsReachable reports whether the backend answered the last request.
	IsReachable() bool
}
