package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genmedia/comfy-worker/clog"
	"github.com/genmedia/comfy-worker/core"
	"github.com/genmedia/comfy-worker/monitor"
)

// HealthChecker is the probe surface the supervisor needs from the engine API.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type SupervisorConfig struct {
	// ProbeInterval paces the readiness probe after a process start.
	ProbeInterval time.Duration
	// StartupTimeout bounds how long a started process may take to become ready.
	StartupTimeout time.Duration
	// HealthInterval paces steady-state health checks once ready.
	HealthInterval time.Duration
	// HealthTimeout bounds a single health check call.
	HealthTimeout time.Duration
	// MaxHealthFailures consecutive missed checks transition Degraded to Crashed.
	MaxHealthFailures int
	// MaxRestarts start attempts may crash within RestartWindow before the
	// supervisor gives up and goes to Stopped.
	MaxRestarts   int
	RestartWindow time.Duration
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ProbeInterval:     500 * time.Millisecond,
		StartupTimeout:    3 * time.Minute,
		HealthInterval:    5 * time.Second,
		HealthTimeout:     5 * time.Second,
		MaxHealthFailures: 2,
		MaxRestarts:       3,
		RestartWindow:     10 * time.Minute,
	}
}

// ProcessHandle is the supervisor's view of the subordinate process.
type ProcessHandle struct {
	Pid       int
	State     core.EngineState
	StartedAt time.Time
	Restarts  int
}

// Supervisor owns the engine process lifecycle: start, readiness probing,
// steady-state health watching and bounded crash restarts.
type Supervisor struct {
	cfg       SupervisorConfig
	checker   HealthChecker
	newRunner func() ProcessRunner

	mu        sync.Mutex
	state     core.EngineState
	changed   chan struct{}
	callbacks []func(old, new core.EngineState)
	handle    ProcessHandle
	crashes   []time.Time
	fatalErr  error
	started   bool

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Compile-time assertion to ensure Supervisor implements EngineSupervisor.
var _ core.EngineSupervisor = (*Supervisor)(nil)

func NewSupervisor(checker HealthChecker, newRunner func() ProcessRunner, cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		checker:   checker,
		newRunner: newRunner,
		state:     core.EngineStopped,
		changed:   make(chan struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the supervision loop. It returns immediately; use
// WaitUntilReady to gate on the engine accepting submissions.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.supervise(ctx)
	return nil
}

// Stop terminates the engine process and the supervision loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	if started {
		<-s.done
	} else {
		s.setState(core.EngineStopped)
	}
}

func (s *Supervisor) State() core.EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error that sent the supervisor to Stopped, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Handle returns a snapshot of the supervised process state.
func (s *Supervisor) Handle() ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	h.State = s.state
	return h
}

// OnStateChange registers cb to be invoked on every state transition.
// Callbacks run synchronously in transition order; keep them cheap.
func (s *Supervisor) OnStateChange(cb func(old, new core.EngineState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// WaitUntilReady blocks until the engine reaches Ready, the supervisor fails
// fatally, or timeout elapses.
func (s *Supervisor) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		state := s.state
		changed := s.changed
		fatalErr := s.fatalErr
		s.mu.Unlock()

		if state == core.EngineReady {
			return nil
		}
		if fatalErr != nil {
			return fatalErr
		}
		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("engine not ready after %s: %w", timeout, core.ErrEngineUnavailable)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) setState(next core.EngineState) {
	s.mu.Lock()
	old := s.state
	if old == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.handle.State = next
	close(s.changed)
	s.changed = make(chan struct{})
	cbs := make([]func(old, new core.EngineState), len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	clog.Infof(context.Background(), "Engine state change old=%s new=%s", old, next)
	if monitor.Enabled {
		monitor.EngineState(next.String())
	}
	for _, cb := range cbs {
		cb(old, next)
	}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.fatalErr = err
	s.mu.Unlock()
	s.setState(core.EngineStopped)
}

// recordCrash notes a crash and reports whether the restart budget within the
// sliding window is exhausted.
func (s *Supervisor) recordCrash() bool {
	now := time.Now()
	s.mu.Lock()
	s.crashes = append(s.crashes, now)
	kept := s.crashes[:0]
	for _, t := range s.crashes {
		if now.Sub(t) <= s.cfg.RestartWindow {
			kept = append(kept, t)
		}
	}
	s.crashes = kept
	exhausted := len(s.crashes) >= s.cfg.MaxRestarts
	s.mu.Unlock()
	return exhausted
}

func (s *Supervisor) stopRequested() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Supervisor) supervise(ctx context.Context) {
	defer close(s.done)
	attempt := 0
	for {
		if s.stopRequested() || ctx.Err() != nil {
			s.setState(core.EngineStopped)
			return
		}
		attempt++
		lctx := clog.AddAttempt(ctx, uint64(attempt))
		s.setState(core.EngineStarting)

		proc := s.newRunner()
		if err := proc.Start(ctx); err != nil {
			clog.Errorf(lctx, "Engine process failed to start err=%q", err)
			if s.onCrash(fmt.Errorf("engine process failed to start: %w", err)) {
				return
			}
			continue
		}
		s.mu.Lock()
		s.handle.Pid = proc.Pid()
		s.handle.StartedAt = time.Now()
		if attempt > 1 {
			s.handle.Restarts++
		}
		s.mu.Unlock()
		clog.Infof(lctx, "Engine process started pid=%d", proc.Pid())

		exitc := make(chan error, 1)
		go func() { exitc <- proc.Wait() }()

		ready, exited := s.awaitReady(ctx, exitc)
		if s.stopRequested() || ctx.Err() != nil {
			proc.Stop()
			s.setState(core.EngineStopped)
			return
		}
		if !ready {
			if !exited {
				proc.Stop()
			}
			clog.Errorf(lctx, "Engine did not become ready within %s", s.cfg.StartupTimeout)
			if s.onCrash(fmt.Errorf("engine exited or timed out before ready: %w", core.ErrEngineUnavailable)) {
				return
			}
			continue
		}

		s.setState(core.EngineReady)
		fatal := s.watch(ctx, proc, exitc)
		if fatal {
			return
		}
		// Crashed within budget, loop to restart.
		if monitor.Enabled {
			monitor.EngineRestarted()
		}
	}
}

// onCrash transitions to Crashed and, when the restart budget is exhausted,
// to Stopped with a fatal error. Returns true when the loop must end.
func (s *Supervisor) onCrash(cause error) bool {
	s.setState(core.EngineCrashed)
	if s.recordCrash() {
		s.fail(fmt.Errorf("engine restart budget exhausted (%d crashes within %s): %w",
			s.cfg.MaxRestarts, s.cfg.RestartWindow, cause))
		return true
	}
	return false
}

// awaitReady probes the health endpoint until it succeeds, the process exits
// or the startup timeout elapses. Returns (ready, processExited).
func (s *Supervisor) awaitReady(ctx context.Context, exitc <-chan error) (bool, bool) {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-s.quit:
			return false, false
		case <-ctx.Done():
			return false, false
		case err := <-exitc:
			clog.Errorf(ctx, "Engine process exited before ready err=%q", err)
			return false, true
		case <-deadline.C:
			return false, false
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
			err := s.checker.Health(hctx)
			cancel()
			if err == nil {
				return true, false
			}
		}
	}
}

// watch runs the steady-state health loop. Returns true when the supervision
// loop must end (deliberate stop or exhausted restart budget).
func (s *Supervisor) watch(ctx context.Context, proc ProcessRunner, exitc <-chan error) bool {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.quit:
			proc.Stop()
			<-exitc
			s.setState(core.EngineStopped)
			return true
		case <-ctx.Done():
			proc.Stop()
			<-exitc
			s.setState(core.EngineStopped)
			return true
		case err := <-exitc:
			clog.Errorf(ctx, "Engine process exited err=%q", err)
			return s.onCrash(fmt.Errorf("engine process exited: %v", err))
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
			err := s.checker.Health(hctx)
			cancel()
			if err != nil {
				failures++
				clog.Warningf(ctx, "Engine health check missed failures=%d err=%q", failures, err)
				if failures >= s.cfg.MaxHealthFailures {
					proc.Stop()
					<-exitc
					return s.onCrash(fmt.Errorf("engine failed %d consecutive health checks", failures))
				}
				s.setState(core.EngineDegraded)
				continue
			}
			if failures > 0 {
				clog.Infof(ctx, "Engine health check recovered")
			}
			failures = 0
			s.setState(core.EngineReady)
		}
	}
}
