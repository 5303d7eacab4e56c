package service

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/ltwatch/towerd/libs/log"
)

type testService struct {
	BaseService
	started chan struct{}
}

func newTestService() *testService {
	ts := &testService{started: make(chan struct{}, 1)}
	ts.BaseService = *NewBaseService(log.NewNopLogger(), "testService", ts)
	return ts
}

func (ts *testService) OnStart(ctx context.Context) error {
	ts.started <- struct{}{}
	return nil
}

func (ts *testService) OnStop() {}

func TestBaseServiceStartStop(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService()
	require.NoError(t, ts.Start(ctx))
	<-ts.started
	require.True(t, ts.IsRunning())

	require.Error(t, ts.Start(ctx))

	require.NoError(t, ts.Stop())
	require.False(t, ts.IsRunning())
	ts.Wait()

	require.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)
}

func TestBaseServiceContextCancel(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())

	ts := newTestService()
	require.NoError(t, ts.Start(ctx))
	<-ts.started

	cancel()
	ts.Wait()

	require.Eventually(t, func() bool { return !ts.IsRunning() },
		time.Second, 10*time.Millisecond)
}
