package core

import (
	"errors"
	"fmt"
)

var ErrEngineUnavailable = errors.New("ErrEngineUnavailable")
var ErrEngineNotReady = errors.New("ErrEngineNotReady")
var ErrJobTimedOut = errors.New("ErrJobTimedOut")

// Error classes reported to the queue platform in acknowledgements.
const (
	ErrorClassEngineNotReady  = "EngineNotReady"
	ErrorClassInvalidPayload  = "InvalidPayload"
	ErrorClassEngineExecution = "EngineExecution"
	ErrorClassTimedOut        = "TimedOut"
	ErrorClassInternal        = "Internal"
)

// InvalidPayloadError marks a job input as permanently unprocessable. The
// defect is in the input, not the environment, so it is never retried.
type InvalidPayloadError struct {
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", e.Reason)
}

// EngineExecutionError carries the engine's own error detail verbatim so the
// caller can diagnose the failed request graph.
type EngineExecutionError struct {
	Detail string
}

func (e *EngineExecutionError) Error() string {
	return fmt.Sprintf("engine execution error: %s", e.Detail)
}
