package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genmedia/comfy-worker/core"
)

type fakeChecker struct {
	healthy atomic.Bool
}

func (c *fakeChecker) Health(ctx context.Context) error {
	if c.healthy.Load() {
		return nil
	}
	return errors.New("connection refused")
}

// fakeRunner stands in for the engine process. With a non-nil exitErr it
// exits as soon as it is waited on; otherwise it runs until stopped.
type fakeRunner struct {
	exitErr  error
	stopc    chan struct{}
	stopOnce sync.Once
}

func newFakeRunner(exitErr error) *fakeRunner {
	return &fakeRunner{exitErr: exitErr, stopc: make(chan struct{})}
}

func (r *fakeRunner) Start(ctx context.Context) error { return nil }

func (r *fakeRunner) Wait() error {
	if r.exitErr != nil {
		return r.exitErr
	}
	<-r.stopc
	return nil
}

func (r *fakeRunner) Stop() error {
	r.stopOnce.Do(func() { close(r.stopc) })
	return nil
}

func (r *fakeRunner) Pid() int { return 4242 }

func testSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ProbeInterval:     5 * time.Millisecond,
		StartupTimeout:    2 * time.Second,
		HealthInterval:    5 * time.Millisecond,
		HealthTimeout:     50 * time.Millisecond,
		MaxHealthFailures: 2,
		MaxRestarts:       3,
		RestartWindow:     time.Minute,
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []core.EngineState
}

func (r *stateRecorder) record(old, new core.EngineState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, new)
}

func (r *stateRecorder) snapshot() []core.EngineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.EngineState, len(r.states))
	copy(out, r.states)
	return out
}

func TestSupervisorStopsAfterExhaustedRestartBudget(t *testing.T) {
	require := require.New(t)
	checker := &fakeChecker{}
	newRunner := func() ProcessRunner { return newFakeRunner(errors.New("exit status 1")) }

	sup := NewSupervisor(checker, newRunner, testSupervisorConfig())
	rec := &stateRecorder{}
	sup.OnStateChange(rec.record)

	require.NoError(sup.Start(context.Background()))
	err := sup.WaitUntilReady(context.Background(), 2*time.Second)
	require.Error(err)
	require.ErrorIs(err, core.ErrEngineUnavailable)

	want := []core.EngineState{
		core.EngineStarting, core.EngineCrashed,
		core.EngineStarting, core.EngineCrashed,
		core.EngineStarting, core.EngineCrashed,
		core.EngineStopped,
	}
	require.Eventually(func() bool {
		return len(rec.snapshot()) == len(want)
	}, time.Second, 5*time.Millisecond)
	require.Equal(want, rec.snapshot())
	require.Equal(core.EngineStopped, sup.State())
	require.Error(sup.Err())
}

func TestSupervisorRecoversWithinRestartBudget(t *testing.T) {
	require := require.New(t)
	checker := &fakeChecker{}
	checker.healthy.Store(true)

	// First three start attempts crash immediately, the fourth stays up.
	var attempts int32
	newRunner := func() ProcessRunner {
		if atomic.AddInt32(&attempts, 1) <= 3 {
			return newFakeRunner(errors.New("exit status 1"))
		}
		return newFakeRunner(nil)
	}

	cfg := testSupervisorConfig()
	cfg.MaxRestarts = 4
	sup := NewSupervisor(checker, newRunner, cfg)
	require.NoError(sup.Start(context.Background()))
	defer sup.Stop()

	require.NoError(sup.WaitUntilReady(context.Background(), 2*time.Second))
	require.Equal(core.EngineReady, sup.State())
	require.EqualValues(4, atomic.LoadInt32(&attempts))
	require.Equal(3, sup.Handle().Restarts)
}

func TestSupervisorDegradedThenRecovered(t *testing.T) {
	require := require.New(t)
	checker := &fakeChecker{}
	checker.healthy.Store(true)
	newRunner := func() ProcessRunner { return newFakeRunner(nil) }

	cfg := testSupervisorConfig()
	cfg.MaxHealthFailures = 1000
	sup := NewSupervisor(checker, newRunner, cfg)
	require.NoError(sup.Start(context.Background()))
	defer sup.Stop()
	require.NoError(sup.WaitUntilReady(context.Background(), 2*time.Second))

	checker.healthy.Store(false)
	require.Eventually(func() bool {
		return sup.State() == core.EngineDegraded
	}, time.Second, time.Millisecond)

	checker.healthy.Store(true)
	require.Eventually(func() bool {
		return sup.State() == core.EngineReady
	}, time.Second, time.Millisecond)
}

func TestSupervisorCrashesAfterConsecutiveHealthFailures(t *testing.T) {
	require := require.New(t)
	checker := &fakeChecker{}
	checker.healthy.Store(true)
	newRunner := func() ProcessRunner { return newFakeRunner(nil) }

	cfg := testSupervisorConfig()
	cfg.MaxRestarts = 1
	sup := NewSupervisor(checker, newRunner, cfg)
	rec := &stateRecorder{}
	sup.OnStateChange(rec.record)
	require.NoError(sup.Start(context.Background()))
	require.NoError(sup.WaitUntilReady(context.Background(), 2*time.Second))

	checker.healthy.Store(false)
	require.Eventually(func() bool {
		return sup.State() == core.EngineStopped
	}, time.Second, time.Millisecond)

	require.Contains(rec.snapshot(), core.EngineCrashed)
	require.Error(sup.Err())
}

func TestSupervisorWaitUntilReadyTimeout(t *testing.T) {
	require := require.New(t)
	checker := &fakeChecker{} // never healthy
	newRunner := func() ProcessRunner { return newFakeRunner(nil) }

	sup := NewSupervisor(checker, newRunner, testSupervisorConfig())
	require.NoError(sup.Start(context.Background()))
	defer sup.Stop()

	err := sup.WaitUntilReady(context.Background(), 30*time.Millisecond)
	require.Error(err)
	require.ErrorIs(err, core.ErrEngineUnavailable)
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	require := require.New(t)
	checker := &fakeChecker{}
	checker.healthy.Store(true)
	newRunner := func() ProcessRunner { return newFakeRunner(nil) }

	sup := NewSupervisor(checker, newRunner, testSupervisorConfig())
	require.NoError(sup.Start(context.Background()))
	require.NoError(sup.WaitUntilReady(context.Background(), 2*time.Second))

	sup.Stop()
	require.Equal(core.EngineStopped, sup.State())
	sup.Stop()
	require.Equal(core.EngineStopped, sup.State())
}

func TestSupervisorDoubleStart(t *testing.T) {
	require := require.New(t)
	checker := &fakeChecker{}
	checker.healthy.Store(true)
	newRunner := func() ProcessRunner { return newFakeRunner(nil) }

	sup := NewSupervisor(checker, newRunner, testSupervisorConfig())
	require.NoError(sup.Start(context.Background()))
	defer sup.Stop()
	require.Error(sup.Start(context.Background()))
}
