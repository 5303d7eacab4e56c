package service

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ltwatch/towerd/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service (without resetting it).
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until the
	// context terminates. If the service is already running, Start must
	// report an error.
	Start(context.Context) error

	// Stop terminates the service. It is safe to call after the context
	// given to Start has been canceled.
	Stop() error

	// IsRunning returns true while the service is running.
	IsRunning() bool

	// Wait blocks until the service is stopped.
	Wait()

	// String returns a representation of the service.
	String() string
}

// Implementation describes the callbacks the BaseService wraps. OnStart and
// OnStop are guaranteed to be called at most once each.
type Implementation interface {
	Service

	// Called by the service's Start method.
	OnStart(context.Context) error

	// Called by Stop, or when the service's context is canceled.
	OnStop()
}

// BaseService provides the common started/stopped bookkeeping for the tower's
// long-running components (watcher, responder, chain monitor, node). Embed it
// and override OnStart/OnStop.
//
// The caller must ensure Start and Stop are not called concurrently.
type BaseService struct {
	logger  log.Logger
	name    string
	started uint32 // atomic
	stopped uint32 // atomic
	quit    chan struct{}

	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	return &BaseService{
		logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start starts the service and calls its OnStart method. An error is returned
// if the service is already running or was already stopped. The service stops
// itself when ctx is canceled.
func (bs *BaseService) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&bs.started, 0, 1) {
		return ErrAlreadyStarted
	}
	if atomic.LoadUint32(&bs.stopped) == 1 {
		atomic.StoreUint32(&bs.started, 0)
		return ErrAlreadyStopped
	}

	bs.logger.Info("starting service", "service", bs.name)

	if err := bs.impl.OnStart(ctx); err != nil {
		atomic.StoreUint32(&bs.started, 0)
		return err
	}

	go func() {
		select {
		case <-bs.quit:
			// stopped explicitly
		case <-ctx.Done():
			if bs.impl.IsRunning() {
				if err := bs.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
					bs.logger.Error("error stopping service", "service", bs.name, "err", err)
				}
			}
		}
	}()

	return nil
}

// Stop calls OnStop and closes the quit channel. An error is returned if the
// service is already stopped or was never started.
func (bs *BaseService) Stop() error {
	if !atomic.CompareAndSwapUint32(&bs.stopped, 0, 1) {
		return ErrAlreadyStopped
	}
	if atomic.LoadUint32(&bs.started) == 0 {
		atomic.StoreUint32(&bs.stopped, 0)
		return ErrNotStarted
	}

	bs.logger.Info("stopping service", "service", bs.name)
	bs.impl.OnStop()
	close(bs.quit)

	return nil
}

// IsRunning returns true while the service has been started and not yet
// stopped.
func (bs *BaseService) IsRunning() bool {
	return atomic.LoadUint32(&bs.started) == 1 && atomic.LoadUint32(&bs.stopped) == 0
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String returns the service name.
func (bs *BaseService) String() string { return bs.name }
