package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type JobState int

const (
	JobQueued JobState = iota
	JobSubmitted
	JobRunning
	JobSucceeded
	JobFailed
	JobTimedOut
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "Queued"
	case JobSubmitted:
		return "Submitted"
	case JobRunning:
		return "Running"
	case JobSucceeded:
		return "Succeeded"
	case JobFailed:
		return "Failed"
	case JobTimedOut:
		return "TimedOut"
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s >= JobSucceeded
}

// ArtifactKind is the declared content kind of a generated output file.
type ArtifactKind string

const (
	ArtifactImage ArtifactKind = "image"
	ArtifactVideo ArtifactKind = "video"
	ArtifactAudio ArtifactKind = "audio"
)

// OutputArtifact references a generated media file. Immutable once created.
type OutputArtifact struct {
	Path   string       `json:"path"`
	Kind   ArtifactKind `json:"kind"`
	Size   int64        `json:"size"`
	NodeID string       `json:"node_id"` // request graph node that produced the file
}

// InputAsset is an input file shipped with the job payload, base64 encoded.
type InputAsset struct {
	Name string `json:"name"`
	Data string `json:"image"`
}

// JobInput is the translated form of the external job payload: the engine's
// native request graph plus any referenced input assets.
type JobInput struct {
	Workflow json.RawMessage `json:"workflow"`
	Assets   []InputAsset    `json:"images,omitempty"`
}

// Job is one unit of external work. Owned by the job bridge from the moment
// it is pulled until the queue platform acknowledges the result.
type Job struct {
	ID       string
	Payload  json.RawMessage
	PulledAt time.Time

	mu        sync.Mutex
	state     JobState
	Artifacts []OutputArtifact
	ErrDetail string
}

func NewJob(id string, payload json.RawMessage) *Job {
	return &Job{
		ID:       id,
		Payload:  payload,
		PulledAt: time.Now(),
		state:    JobQueued,
	}
}

func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to next. Transitions are monotonic: a job never
// moves backwards and never leaves a terminal state.
func (j *Job) Transition(next JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return fmt.Errorf("job %s already terminal in state %s, cannot move to %s", j.ID, j.state, next)
	}
	if next <= j.state {
		return fmt.Errorf("job %s cannot move backwards from %s to %s", j.ID, j.state, next)
	}
	j.state = next
	return nil
}
