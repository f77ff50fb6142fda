package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
)

const processStopTimeout = 8 * time.Second

// ProcessRunner abstracts the subordinate engine process so the supervisor
// can be tested without launching anything.
type ProcessRunner interface {
	// Start launches the process. It does not wait for the engine to be ready.
	Start(ctx context.Context) error
	// Wait blocks until the process exits and returns its exit error, if any.
	Wait() error
	// Stop terminates the process, escalating to a kill if it does not exit.
	Stop() error
	Pid() int
}

type execRunner struct {
	path string
	args []string
	dir  string

	mu        sync.Mutex
	cmd       *exec.Cmd
	killTimer *time.Timer
}

// NewExecRunner returns a factory producing runners that launch the engine
// binary with the given arguments, working directory dir.
func NewExecRunner(path string, args []string, dir string) func() ProcessRunner {
	return func() ProcessRunner {
		return &execRunner{path: path, args: args, dir: dir}
	}
}

func (r *execRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return errors.New("process already started")
	}
	cmd := exec.Command(r.path, r.args...)
	cmd.Dir = r.dir

	// Capture engine output for diagnostics. The content is not interpreted.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start engine process: %w", err)
	}
	r.cmd = cmd

	go logLines("engine", stdout)
	go logLines("engine-err", stderr)
	return nil
}

func logLines(tag string, rd interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		glog.Infof("%s: %s", tag, scanner.Text())
	}
}

func (r *execRunner) Wait() error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return errors.New("process not started")
	}
	err := cmd.Wait()
	r.mu.Lock()
	if r.killTimer != nil {
		r.killTimer.Stop()
		r.killTimer = nil
	}
	r.mu.Unlock()
	return err
}

func (r *execRunner) Stop() error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	// Escalate if the process ignores SIGTERM. Wait cancels the timer once
	// the process has exited.
	r.mu.Lock()
	if r.killTimer == nil {
		r.killTimer = time.AfterFunc(processStopTimeout, func() {
			cmd.Process.Kill()
		})
	}
	r.mu.Unlock()
	return nil
}

func (r *execRunner) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}
