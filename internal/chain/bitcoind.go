package chain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// BitcoindSource implements Source (and the carrier's Broadcaster) on top of
// a bitcoind JSON-RPC endpoint via btcd's rpcclient. The wire format of the
// RPC calls themselves is the library's concern, not ours.
type BitcoindSource struct {
	client *rpcclient.Client

	// reachable tracks the outcome of the last backend call.
	reachable uint32 // atomic, 1 when reachable
}

// BitcoindConfig holds the connection parameters for the backend.
type BitcoindConfig struct {
	Host string
	User string
	Pass string
}

// NewBitcoindSource connects to the configured bitcoind in HTTP POST mode.
func NewBitcoindSource(cfg BitcoindConfig) (*BitcoindSource, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bitcoind client: %w", err)
	}

	return &BitcoindSource{client: client, reachable: 1}, nil
}

func (s *BitcoindSource) track(err error) error {
	if err != nil {
		atomic.StoreUint32(&s.reachable, 0)
		return err
	}
	atomic.StoreUint32(&s.reachable, 1)
	return nil
}

// BestHeader implements Source.
func (s *BitcoindSource) BestHeader(ctx context.Context) (Header, error) {
	if err := ctx.Err(); err != nil {
		return Header{}, err
	}

	hash, err := s.client.GetBestBlockHash()
	if err := s.track(err); err != nil {
		return Header{}, fmt.Errorf("getbestblockhash: %w", err)
	}

	return s.headerByHash(hash)
}

func (s *BitcoindSource) headerByHash(hash *chainhash.Hash) (Header, error) {
	verbose, err := s.client.GetBlockHeaderVerbose(hash)
	if err := s.track(err); err != nil {
		return Header{}, fmt.Errorf("getblockheader: %w", err)
	}

	header := Header{Hash: *hash, Height: uint32(verbose.Height)}
	if verbose.PreviousHash != "" {
		prev, err := chainhash.NewHashFromStr(verbose.PreviousHash)
		if err != nil {
			return Header{}, fmt.Errorf("malformed previousblockhash: %w", err)
		}
		header.PrevHash = *prev
	}

	return header, nil
}

// Block implements Source.
func (s *BitcoindSource) Block(ctx context.Context, header Header) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgBlock, err := s.client.GetBlock(&header.Hash)
	if err := s.track(err); err != nil {
		return nil, fmt.Errorf("getblock: %w", err)
	}

	return NewBlock(header, msgBlock), nil
}

// PrevHeader implements Source.
func (s *BitcoindSource) PrevHeader(ctx context.Context, header Header) (Header, error) {
	if err := ctx.Err(); err != nil {
		return Header{}, err
	}
	return s.headerByHash(&header.PrevHash)
}

// Confirmations implements Source.
func (s *BitcoindSource) Confirmations(ctx context.Context, txid *chainhash.Hash) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	verbose, err := s.client.GetRawTransactionVerbose(txid)
	if err != nil {
		// An unknown transaction is an RPC-level error, not a
		// reachability failure.
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) {
			s.track(nil) //nolint:errcheck
			return 0, nil
		}
		return 0, s.track(err)
	}
	s.track(nil) //nolint:errcheck

	return uint32(verbose.Confirmations), nil
}

// IsReachable implements Source.
func (s *BitcoindSource) IsReachable() bool {
	return atomic.LoadUint32(&s.reachable) == 1
}

// Submit broadcasts a raw transaction to the network.
func (s *BitcoindSource) Submit(ctx context.Context, tx *wire.MsgTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.client.SendRawTransaction(tx, false)
	return s.track(err)
}

// InMempool reports whether the backend currently holds txid in its mempool.
func (s *BitcoindSource) InMempool(ctx context.Context, txid *chainhash.Hash) bool {
	if ctx.Err() != nil {
		return false
	}

	_, err := s.client.GetMempoolEntry(txid.String())
	return err == nil
}
