package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// Mock is an in-memory Source with deterministic reorg injection, used by
// the component tests. Blocks are mined on demand on any known parent and
// the best tip is switched explicitly, so a test can disconnect and
// reconnect specific headers at will.
//
// Mock also implements the carrier's Broadcaster so the responder tests can
// observe submissions and control mempool contents.
type Mock struct {
	mtx sync.Mutex

	blocks map[chainhash.Hash]*Block
	tip    Header

	mempool   map[chainhash.Hash]*wire.MsgTx
	submitted []chainhash.Hash
	submitErr error

	unreachable bool
}

// NewMock creates a mock chain with a genesis block at height 0.
func NewMock() *Mock {
	genesis := &Block{Header: Header{Hash: blockHash(chainhash.Hash{}, nil)}}

	m := &Mock{
		blocks:  map[chainhash.Hash]*Block{genesis.Header.Hash: genesis},
		tip:     genesis.Header,
		mempool: make(map[chainhash.Hash]*wire.MsgTx),
	}
	return m
}

func blockHash(prev chainhash.Hash, txs []*btcutil.Tx) chainhash.Hash {
	buf := make([]byte, 0, chainhash.HashSize*(len(txs)+1))
	buf = append(buf, prev[:]...)
	for _, tx := range txs {
		buf = append(buf, tx.Hash()[:]...)
	}
	return chainhash.DoubleHashH(buf)
}

// Tip returns the current best header.
func (m *Mock) Tip() Header {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.tip
}

// Mine creates a block on top of the current tip containing txs, advances
// the tip to it and returns its header. Mined transactions leave the mock
// mempool, as they would a real one.
func (m *Mock) Mine(txs ...*wire.MsgTx) Header {
	m.mtx.Lock()
	parent := m.tip
	m.mtx.Unlock()

	header := m.MineOn(parent, txs...)
	m.SetTip(header)
	return header
}

// MineOn creates a block on an arbitrary known parent without moving the
// tip. Combined with SetTip this injects a reorg: mine a competing branch,
// then switch the tip to its head.
func (m *Mock) MineOn(parent Header, txs ...*wire.MsgTx) Header {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.blocks[parent.Hash]; !ok {
		panic(fmt.Sprintf("mining on unknown parent %s", parent.Hash))
	}

	wrapped := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		wrapped[i] = btcutil.NewTx(tx)
		delete(m.mempool, *wrapped[i].Hash())
	}

	block := &Block{
		Header: Header{
			Hash:     blockHash(parent.Hash, wrapped),
			PrevHash: parent.Hash,
			Height:   parent.Height + 1,
		},
		Txs: wrapped,
	}
	m.blocks[block.Header.Hash] = block

	return block.Header
}

// SetTip switches the best tip to a previously mined header.
func (m *Mock) SetTip(header Header) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.blocks[header.Hash]; !ok {
		panic(fmt.Sprintf("setting tip to unknown header %s", header.Hash))
	}
	m.tip = header
}

// SetReachable flips the mock's reachability; while unreachable every Source
// call fails with ErrUnreachable.
func (m *Mock) SetReachable(reachable bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.unreachable = !reachable
}

// BestHeader implements Source.
func (m *Mock) BestHeader(ctx context.Context) (Header, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.unreachable {
		return Header{}, ErrUnreachable
	}
	return m.tip, nil
}

// Block implements Source.
func (m *Mock) Block(ctx context.Context, header Header) (*Block, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.unreachable {
		return nil, ErrUnreachable
	}
	block, ok := m.blocks[header.Hash]
	if !ok {
		return nil, fmt.Errorf("unknown block %s", header.Hash)
	}
	return block, nil
}

// PrevHeader implements Source.
func (m *Mock) PrevHeader(ctx context.Context, header Header) (Header, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.unreachable {
		return Header{}, ErrUnreachable
	}
	prev, ok := m.blocks[header.PrevHash]
	if !ok {
		return Header{}, fmt.Errorf("unknown block %s", header.PrevHash)
	}
	return prev.Header, nil
}

// Confirmations implements Source by walking the best chain backward.
func (m *Mock) Confirmations(ctx context.Context, txid *chainhash.Hash) (uint32, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.unreachable {
		return 0, ErrUnreachable
	}

	cursor := m.tip
	for {
		block := m.blocks[cursor.Hash]
		for _, tx := range block.Txs {
			if *tx.Hash() == *txid {
				return m.tip.Height - cursor.Height + 1, nil
			}
		}
		if cursor.Height == 0 {
			return 0, nil
		}
		cursor = m.blocks[cursor.PrevHash].Header
	}
}

// IsReachable implements Source.
func (m *Mock) IsReachable() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return !m.unreachable
}

// Submit implements the carrier's Broadcaster: it records the transaction in
// the mock mempool.
func (m *Mock) Submit(ctx context.Context, tx *wire.MsgTx) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.unreachable {
		return ErrUnreachable
	}
	if m.submitErr != nil {
		return m.submitErr
	}

	txid := tx.TxHash()
	m.mempool[txid] = tx
	m.submitted = append(m.submitted, txid)
	return nil
}

// InMempool implements the carrier's Broadcaster.
func (m *Mock) InMempool(ctx context.Context, txid *chainhash.Hash) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	_, ok := m.mempool[*txid]
	return ok
}

// EvictFromMempool drops a transaction from the mock mempool, simulating fee
// competition.
func (m *Mock) EvictFromMempool(txid *chainhash.Hash) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.mempool, *txid)
}

// FailSubmissions makes Submit fail with err until called with nil.
func (m *Mock) FailSubmissions(err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.submitErr = err
}

// Submitted returns every txid handed to Submit, in order.
func (m *Mock) Submitted() []chainhash.Hash {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	out := make([]chainhash.Hash, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// NewDummyTx builds a minimal unique transaction; seed disambiguates txids.
func NewDummyTx(seed uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)

	var script [8]byte
	binary.BigEndian.PutUint32(script[:4], seed)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: seed},
		SignatureScript:  script[:],
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: int64(seed) + 1000, PkScript: []byte{0x51}})
	return tx
}
