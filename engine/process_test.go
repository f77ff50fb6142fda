package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecRunnerStopEndsProcess(t *testing.T) {
	require := require.New(t)
	r := NewExecRunner("sleep", []string{"60"}, "")()
	require.NoError(r.Start(context.Background()))
	require.NotZero(r.Pid())

	done := make(chan error, 1)
	go func() { done <- r.Wait() }()

	require.NoError(r.Stop())
	select {
	case err := <-done:
		require.Error(err) // terminated by signal
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after stop")
	}

	// The kill escalation timer is cancelled once the process has exited.
	er := r.(*execRunner)
	er.mu.Lock()
	require.Nil(er.killTimer)
	er.mu.Unlock()
}

func TestExecRunnerErrors(t *testing.T) {
	require := require.New(t)

	r := NewExecRunner("/nonexistent-binary-for-this-test", nil, "")()
	require.Error(r.Wait()) // not started
	require.NoError(r.Stop())
	require.Error(r.Start(context.Background()))

	r = NewExecRunner("sleep", []string{"60"}, "")()
	require.NoError(r.Start(context.Background()))
	require.Error(r.Start(context.Background())) // already started
	require.NoError(r.Stop())
	r.Wait()
}
