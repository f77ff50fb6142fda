package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTransitionsForward(t *testing.T) {
	require := require.New(t)
	job := NewJob("job-1", []byte(`{}`))
	require.Equal(JobQueued, job.State())

	require.NoError(job.Transition(JobSubmitted))
	require.NoError(job.Transition(JobRunning))
	require.NoError(job.Transition(JobSucceeded))
	require.Equal(JobSucceeded, job.State())
}

func TestJobTransitionsMonotonic(t *testing.T) {
	assert := assert.New(t)
	job := NewJob("job-1", []byte(`{}`))
	assert.NoError(job.Transition(JobRunning))
	// no transition back to Queued or Submitted once Running
	assert.Error(job.Transition(JobSubmitted))
	assert.Error(job.Transition(JobQueued))
	assert.Equal(JobRunning, job.State())
}

func TestJobTerminalStatesAreFinal(t *testing.T) {
	assert := assert.New(t)
	for _, terminal := range []JobState{JobSucceeded, JobFailed, JobTimedOut} {
		job := NewJob("job-1", nil)
		assert.NoError(job.Transition(terminal))
		assert.Error(job.Transition(JobTimedOut))
		assert.Error(job.Transition(JobSucceeded))
		assert.Equal(terminal, job.State())
		assert.True(job.State().Terminal())
	}
}

func TestStateStrings(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("Queued", JobQueued.String())
	assert.Equal("TimedOut", JobTimedOut.String())
	assert.Equal("Ready", EngineReady.String())
	assert.Equal("Degraded", EngineDegraded.String())
}
