// Package carrier wraps the external transaction broadcaster. It is the only
// path through which penalty transactions leave the tower.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ltwatch/towerd/libs/log"
	"github.com/ltwatch/towerd/types"
)

// ErrBroadcastTransient flags a failed submission that should simply be
// retried on the next block tick. It is never surfaced to a client.
var ErrBroadcastTransient = errors.New("transient broadcast failure")

// Broadcaster submits raw transactions to the network.
type Broadcaster interface {
	Submit(ctx context.Context, tx *wire.MsgTx) error
	InMempool(ctx context.Context, txid *chainhash.Hash) bool
}

// Reachability is the shared chain-source state the carrier consults before
// attempting a broadcast. While the source is down no submissions are made.
type Reachability interface {
	IsReachable() bool
}

// Carrier gates and classifies broadcasts. Submission failures are bounded
// by a timeout and reported as transient, leaving retry policy to the
// responder.
type Carrier struct {
	logger       log.Logger
	broadcaster  Broadcaster
	reachability Reachability
	timeout      time.Duration
}

// New creates a Carrier. timeout bounds every broadcaster call.
func New(logger log.Logger, broadcaster Broadcaster, reachability Reachability, timeout time.Duration) *Carrier {
	return &Carrier{
		logger:       logger,
		broadcaster:  broadcaster,
		reachability: reachability,
		timeout:      timeout,
	}
}

// Send submits a penalty transaction. It returns ErrChainSourceUnreachable
// without attempting the broadcast while the chain source is down, and
// ErrBroadcastTransient for any submission failure.
func (c *Carrier) Send(ctx context.Context, tx *wire.MsgTx) error {
	if !c.reachability.IsReachable() {
		return types.ErrChainSourceUnreachable
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.broadcaster.Submit(ctx, tx); err != nil {
		txid := tx.TxHash()
		c.logger.Error("failed to broadcast transaction", "txid", txid.String(), "err", err)
		return fmt.Errorf("%w: %v", ErrBroadcastTransient, err)
	}

	return nil
}

// InMempool reports whether txid is currently pending at the broadcaster. A
// down chain source reads as not-in-mempool; the responder suppresses
// rebroadcasts separately while unreachable.
func (c *Carrier) InMempool(ctx context.Context, txid *chainhash.Hash) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.broadcaster.InMempool(ctx, txid)
}
