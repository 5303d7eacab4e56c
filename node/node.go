// Package node assembles the tower: it opens the store, connects the chain
// source, rebuilds every component from persisted state and starts the chain
// monitor that drives them.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/net/netutil"

	"github.com/ltwatch/towerd/config"
	"github.com/ltwatch/towerd/internal/carrier"
	"github.com/ltwatch/towerd/internal/chain"
	"github.com/ltwatch/towerd/internal/chainmon"
	"github.com/ltwatch/towerd/internal/gatekeeper"
	"github.com/ltwatch/towerd/internal/responder"
	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/internal/watcher"
	"github.com/ltwatch/towerd/libs/log"
	"github.com/ltwatch/towerd/libs/service"
)

// Node is the running tower process.
type Node struct {
	service.BaseService

	config *config.Config
	logger log.Logger

	store   *store.Store
	monitor *chainmon.Monitor
	watcher *watcher.Watcher

	prometheusSrv *http.Server
}

// New builds a Node against a bitcoind backend.
func New(cfg *config.Config, logger log.Logger) (*Node, error) {
	source, err := chain.NewBitcoindSource(chain.BitcoindConfig{
		Host: cfg.Bitcoind.RPCAddr,
		User: cfg.Bitcoind.RPCUser,
		Pass: cfg.Bitcoind.RPCPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bitcoind: %w", err)
	}

	db, err := dbm.NewGoLevelDB("towerd", cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	towerSK, err := LoadTowerKey(cfg.TowerKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load tower key: %w", err)
	}

	return newWithDeps(cfg, logger, source, source, store.New(db), towerSK)
}

// newWithDeps wires the components around an arbitrary chain source and
// broadcaster, so tests can assemble a full tower on a mock chain.
func newWithDeps(cfg *config.Config, logger log.Logger, source chain.Source,
	broadcaster carrier.Broadcaster, s *store.Store, towerSK *btcec.PrivateKey) (*Node, error) {

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ChainMonitor.PollTimeout)
	defer cancel()

	tip, err := source.BestHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain tip: %w", err)
	}

	// A persisted tip means we went down mid-chain; resuming from it makes
	// the first poll replay everything missed while offline.
	startHeader := tip
	if stored, found, err := s.LastKnownHeader(); err != nil {
		return nil, err
	} else if found {
		startHeader = stored
		logger.Info("resuming from persisted tip",
			"height", stored.Height, "chain_height", tip.Height)
	}

	metrics := nodeMetrics(cfg.Instrumentation)

	gk, err := gatekeeper.New(logger.With("module", "gatekeeper"), metrics.gatekeeper, s,
		startHeader.Height, gatekeeper.Params{
			SubscriptionSlots:    cfg.Tower.SubscriptionSlots,
			SubscriptionDuration: cfg.Tower.SubscriptionDuration,
			ExpiryDelta:          cfg.Tower.ExpiryDelta,
			SlotSize:             cfg.Tower.SlotSize,
		})
	if err != nil {
		return nil, err
	}

	car := carrier.New(logger.With("module", "carrier"), broadcaster, source,
		cfg.ChainMonitor.PollTimeout)

	resp, err := responder.New(logger.With("module", "responder"), metrics.responder, car, gk, s)
	if err != nil {
		return nil, err
	}
	resp.SetParams(responder.Params{
		ConfirmationThreshold: cfg.Responder.ConfirmationThreshold,
		IrrevocablyResolved:   cfg.Responder.IrrevocablyResolved,
	})

	w, err := watcher.New(logger.With("module", "watcher"), metrics.watcher, gk, resp, s,
		towerSK, startHeader.Height)
	if err != nil {
		return nil, err
	}

	if gk.IsFresh() && w.IsFresh() && resp.IsFresh() {
		logger.Info("fresh bootstrap, no state to recover")
	}

	// The watcher must see each block before the responder, and the
	// gatekeeper must purge last.
	monitor := chainmon.New(logger.With("module", "chainmon"), metrics.chainmon, source, s,
		startHeader, []chainmon.BlockListener{w, resp, gk}, chainmon.Options{
			PollingDelta: cfg.ChainMonitor.PollingDelta,
			PollTimeout:  cfg.ChainMonitor.PollTimeout,
			CacheDepth:   cfg.ChainMonitor.CacheDepth,
		})

	if err := warmCache(ctx, monitor, source, startHeader, cfg.ChainMonitor.BootstrapBlocks); err != nil {
		return nil, fmt.Errorf("failed to warm block cache: %w", err)
	}

	n := &Node{
		config:  cfg,
		logger:  logger,
		store:   s,
		monitor: monitor,
		watcher: w,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)

	logger.Info("tower assembled", "tower_id", w.TowerID().String(),
		"height", startHeader.Height)

	return n, nil
}

// warmCache loads the n most recent blocks into the monitor's cache so a
// reorg hitting right after startup can still be unwound.
func warmCache(ctx context.Context, monitor *chainmon.Monitor, source chain.Source,
	tip chain.Header, n uint32) error {

	blocks := make([]*chain.Block, 0, n)
	cursor := tip
	for i := uint32(0); i < n; i++ {
		block, err := source.Block(ctx, cursor)
		if err != nil {
			return err
		}
		blocks = append(blocks, block)

		if cursor.Height == 0 {
			break
		}
		prev, err := source.PrevHeader(ctx, cursor)
		if err != nil {
			return err
		}
		cursor = prev
	}

	monitor.WarmCache(blocks)
	return nil
}

// Watcher exposes the client-facing API surface of the running tower.
func (n *Node) Watcher() *watcher.Watcher {
	return n.watcher
}

// OnStart catches up with the chain, then starts the poll loop and, when
// configured, the Prometheus endpoint.
func (n *Node) OnStart(ctx context.Context) error {
	if err := n.monitor.PollBestTip(ctx); err != nil {
		return fmt.Errorf("initial chain sync failed: %w", err)
	}

	if err := n.monitor.Start(ctx); err != nil {
		return err
	}

	if n.config.Instrumentation.Prometheus {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation)
	}
	return nil
}

// OnStop shuts the monitor down and closes the store.
func (n *Node) OnStop() {
	if err := n.monitor.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		n.logger.Error("failed to stop chain monitor", "err", err)
	}

	if n.prometheusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			n.logger.Error("prometheus server shutdown error", "err", err)
		}
	}

	if err := n.store.Close(); err != nil {
		n.logger.Error("failed to close store", "err", err)
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for
// metrics collectors on addr.
func (n *Node) startPrometheusServer(cfg *config.InstrumentationConfig) *http.Server {
	srv := &http.Server{
		Addr:    cfg.PrometheusListenAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		listener, err := net.Listen("tcp", cfg.PrometheusListenAddr)
		if err != nil {
			n.logger.Error("failed to listen for prometheus collectors", "err", err)
			return
		}
		listener = netutil.LimitListener(listener, cfg.MaxOpenConnections)

		if err := srv.Serve(listener); err != http.ErrServerClosed {
			n.logger.Error("prometheus server terminated", "err", err)
		}
	}()
	return srv
}
