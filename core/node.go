/*
Package core contains the data model and shared state of the worker.
*/
package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrWorkerNode = errors.New("ErrWorkerNode")

// WorkerVersion is set at build time.
var WorkerVersion = "0.1.0-unstable"

type EngineState int

const (
	EngineStopped EngineState = iota
	EngineStarting
	EngineReady
	EngineDegraded
	EngineCrashed
)

func (s EngineState) String() string {
	switch s {
	case EngineStopped:
		return "Stopped"
	case EngineStarting:
		return "Starting"
	case EngineReady:
		return "Ready"
	case EngineDegraded:
		return "Degraded"
	case EngineCrashed:
		return "Crashed"
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// OutputFile is one file reference reported by the engine for a finished
// request graph node.
type OutputFile struct {
	Filename  string
	Subfolder string
	Kind      ArtifactKind
	// FullPath is the absolute path the engine claims to have written to.
	// May be empty on older engines.
	FullPath string
}

// NodeOutput groups the files produced by one node of the request graph,
// in the order the engine reported them.
type NodeOutput struct {
	NodeID string
	Files  []OutputFile
}

// HistoryResult is the engine's view of a submitted request.
type HistoryResult struct {
	Completed bool
	ErrDetail string // non-empty when the engine reports an execution error
	Outputs   []NodeOutput
}

// GenerationEngine is the local engine's request API. The engine itself is
// opaque; this is the only surface the worker consumes.
type GenerationEngine interface {
	// Health returns nil when the engine accepts submissions.
	Health(ctx context.Context) error
	// SubmitPrompt queues a request graph and returns the engine's request id.
	SubmitPrompt(ctx context.Context, workflow []byte) (string, error)
	// History reports progress and outputs for a previously submitted request.
	// Returns nil result (no error) while the engine has nothing to report yet.
	History(ctx context.Context, requestID string) (*HistoryResult, error)
	// UploadAsset stores an input file where the request graph can reference it.
	UploadAsset(ctx context.Context, name string, data []byte) error
}

// EngineSupervisor is the lifecycle view of the supervised engine process.
type EngineSupervisor interface {
	State() EngineState
	WaitUntilReady(ctx context.Context, timeout time.Duration) error
	OnStateChange(cb func(old, new EngineState))
}

// ArtifactStore publishes finished artifacts where the queue platform's
// caller can fetch them. Implemented by the drivers package.
type ArtifactStore interface {
	SaveData(ctx context.Context, name string, data []byte) (string, error)
}

// WorkerNode owns the process-wide state: one engine, one supervisor. It is
// passed by reference so tests can swap in a fake engine endpoint.
type WorkerNode struct {
	Engine     GenerationEngine
	Supervisor EngineSupervisor
	WorkDir    string
	OutputDir  string
	// Store is where finished artifacts are uploaded. Nil means results carry
	// local paths instead of URLs.
	Store ArtifactStore
}

// NewWorkerNode creates a new worker node. Supervisor may be nil for setups
// where the engine process is managed externally.
func NewWorkerNode(eng GenerationEngine, sup EngineSupervisor, workDir, outputDir string) (*WorkerNode, error) {
	if eng == nil {
		return nil, ErrWorkerNode
	}
	return &WorkerNode{Engine: eng, Supervisor: sup, WorkDir: workDir, OutputDir: outputDir}, nil
}
