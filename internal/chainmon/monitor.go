// Package chainmon drives the tower. It is the only component that talks to
// the chain source: it polls for a new tip, computes the delta against the
// last known state (including reorg unwinding) and dispatches ordered block
// events to the registered listeners.
package chainmon

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/libs/log"
	"github.com/ltwatch/towerd/libs/service"
)

// BlockListener consumes ordered block events. Events for one poll tick are
// fully applied before the next tick begins; connected blocks arrive in
// ascending height order, disconnected blocks most recent first.
type BlockListener interface {
	OnBlockConnected(ctx context.Context, block *chain.Block)
	OnBlockDisconnected(ctx context.Context, block *chain.Block)
}

// Options tune the monitor's polling behavior.
type Options struct {
	// PollingDelta is the wait between chain polls.
	PollingDelta time.Duration

	// PollTimeout bounds every chain-source call; an overrun reads as a
	// transient failure and is retried on the next tick.
	PollTimeout time.Duration

	// CacheDepth is how many recent blocks are retained to serve
	// disconnection events during reorgs.
	CacheDepth uint32
}

// DefaultOptions returns the monitor's default tuning.
func DefaultOptions() Options {
	return Options{
		PollingDelta: 60 * time.Second,
		PollTimeout:  30 * time.Second,
		CacheDepth:   144,
	}
}

// Monitor maintains last_known_tip and turns chain polls into listener
// events. The listener slice is an explicit ordered list invoked
// synchronously per event; the order is a correctness property (the watcher
// must run before the responder, the gatekeeper last).
type Monitor struct {
	service.BaseService

	logger  log.Logger
	metrics *Metrics
	opts    Options

	source    chain.Source
	store     *store.Store
	listeners []BlockListener

	// Only the poll goroutine touches these after OnStart.
	lastKnownTip chain.Header
	cache        map[chainhash.Hash]*chain.Block
}

// New creates a Monitor starting from tip. The listeners are invoked in the
// given order for every event.
func New(logger log.Logger, metrics *Metrics, source chain.Source, s *store.Store,
	tip chain.Header, listeners []BlockListener, opts Options) *Monitor {

	m := &Monitor{
		logger:       logger,
		metrics:      metrics,
		opts:         opts,
		source:       source,
		store:        s,
		listeners:    listeners,
		lastKnownTip: tip,
		cache:        make(map[chainhash.Hash]*chain.Block),
	}
	m.BaseService = *service.NewBaseService(logger, "ChainMonitor", m)
	m.metrics.Height.Set(float64(tip.Height))

	return m
}

// LastKnownTip returns the tip as of the last fully applied poll.
func (m *Monitor) LastKnownTip() chain.Header {
	return m.lastKnownTip
}

// IsReachable reports whether the chain source answered the last poll. Other
// components read this to suppress broadcasts while the source is down.
func (m *Monitor) IsReachable() bool {
	return m.source.IsReachable()
}

// WarmCache preloads recent blocks so an immediate reorg can be unwound.
// Called once at startup with the last N blocks.
func (m *Monitor) WarmCache(blocks []*chain.Block) {
	for _, block := range blocks {
		m.cache[block.Header.Hash] = block
	}
}

// OnStart launches the poll loop.
func (m *Monitor) OnStart(ctx context.Context) error {
	go m.pollLoop(ctx)
	return nil
}

// OnStop implements service.Implementation.
func (m *Monitor) OnStop() {}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollingDelta)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.PollBestTip(ctx); err != nil {
				m.metrics.PollFailures.Add(1)
				m.logger.Error("chain poll failed", "err", err)
			}
		}
	}
}

// PollBestTip performs one poll: fetch the best header, compute the
// connect/disconnect delta against last_known_tip, dispatch all events in
// order, and only then advance the tip. It is also the bootstrap path: with
// a persisted tip behind the chain's, the first call replays the backlog.
func (m *Monitor) PollBestTip(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, m.opts.PollTimeout)
	defer cancel()

	best, err := m.source.BestHeader(pollCtx)
	if err != nil {
		return fmt.Errorf("failed to fetch best header: %w", err)
	}

	if best.Hash == m.lastKnownTip.Hash {
		return nil
	}

	toConnect, toDisconnect, err := m.findDelta(pollCtx, best)
	if err != nil {
		return fmt.Errorf("failed to resolve chain delta: %w", err)
	}

	if len(toDisconnect) > 0 {
		m.metrics.Reorgs.Add(1)
		m.logger.Info("chain reorg detected", "depth", len(toDisconnect),
			"old_tip", m.lastKnownTip.Hash.String(), "new_tip", best.Hash.String())
	}

	// Most recent first.
	for _, block := range toDisconnect {
		m.logger.Debug("block disconnected", "hash", block.Header.Hash.String(),
			"height", block.Header.Height)
		for _, listener := range m.listeners {
			listener.OnBlockDisconnected(ctx, block)
		}
		m.metrics.DisconnectedBlocks.Add(1)
	}

	// Ascending height order.
	for _, block := range toConnect {
		m.logger.Debug("block connected", "hash", block.Header.Hash.String(),
			"height", block.Header.Height)
		for _, listener := range m.listeners {
			listener.OnBlockConnected(ctx, block)
		}
		m.metrics.ConnectedBlocks.Add(1)
		m.cache[block.Header.Hash] = block
	}

	m.lastKnownTip = best
	m.metrics.Height.Set(float64(best.Height))
	m.pruneCache()

	if err := m.store.PutLastKnownHeader(best); err != nil {
		m.logger.Error("failed to persist last known tip", "err", err)
	}
	return nil
}

// findDelta walks the new branch back and the old branch back until the
// common ancestor, returning the blocks to connect (ascending) and the
// blocks to disconnect (most recent first).
func (m *Monitor) findDelta(ctx context.Context, best chain.Header) ([]*chain.Block, []*chain.Block, error) {
	var newBranch []chain.Header
	var toDisconnect []*chain.Block

	cursor := best
	old := m.lastKnownTip

	for cursor.Height > old.Height {
		newBranch = append(newBranch, cursor)
		prev, err := m.source.PrevHeader(ctx, cursor)
		if err != nil {
			return nil, nil, err
		}
		cursor = prev
	}
	for old.Height > cursor.Height {
		block, err := m.blockFor(ctx, old)
		if err != nil {
			return nil, nil, err
		}
		toDisconnect = append(toDisconnect, block)
		prev, err := m.prevOf(ctx, old)
		if err != nil {
			return nil, nil, err
		}
		old = prev
	}
	for cursor.Hash != old.Hash {
		newBranch = append(newBranch, cursor)
		prev, err := m.source.PrevHeader(ctx, cursor)
		if err != nil {
			return nil, nil, err
		}
		cursor = prev

		block, err := m.blockFor(ctx, old)
		if err != nil {
			return nil, nil, err
		}
		toDisconnect = append(toDisconnect, block)
		oldPrev, err := m.prevOf(ctx, old)
		if err != nil {
			return nil, nil, err
		}
		old = oldPrev
	}

	// newBranch was collected tip-first; fetch and reverse into ascending
	// connect order.
	toConnect := make([]*chain.Block, len(newBranch))
	for i, header := range newBranch {
		block, err := m.source.Block(ctx, header)
		if err != nil {
			return nil, nil, err
		}
		toConnect[len(newBranch)-1-i] = block
	}

	return toConnect, toDisconnect, nil
}

// blockFor serves a block from the cache, falling back to the source (which
// can still serve reorged blocks by hash).
func (m *Monitor) blockFor(ctx context.Context, header chain.Header) (*chain.Block, error) {
	if block, ok := m.cache[header.Hash]; ok {
		return block, nil
	}
	return m.source.Block(ctx, header)
}

func (m *Monitor) prevOf(ctx context.Context, header chain.Header) (chain.Header, error) {
	if block, ok := m.cache[header.PrevHash]; ok {
		return block.Header, nil
	}
	return m.source.PrevHeader(ctx, header)
}

func (m *Monitor) pruneCache() {
	if m.lastKnownTip.Height < m.opts.CacheDepth {
		return
	}
	floor := m.lastKnownTip.Height - m.opts.CacheDepth
	for hash, block := range m.cache {
		if block.Header.Height < floor {
			delete(m.cache, hash)
		}
	}
}
