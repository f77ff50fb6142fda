/*
Package queue is the worker's view of the external serverless job platform.
The platform owns pull retry semantics and redelivery of retriable failures;
this package only pulls jobs and acknowledges results.
*/
package queue

import (
	"context"

	"github.com/genmedia/comfy-worker/core"
)

// Result is the terminal outcome reported back for one job. The platform's
// caller always receives either a Succeeded result with complete artifacts or
// a terminal failure with a classification and detail, never a silent drop.
type Result struct {
	JobID     string                `json:"id"`
	State     string                `json:"status"`
	Artifacts []core.OutputArtifact `json:"artifacts,omitempty"`
	// ErrorClass is one of the core.ErrorClass* values.
	ErrorClass  string `json:"error_class,omitempty"`
	ErrorDetail string `json:"error,omitempty"`
	// Retriable tells the platform it may redeliver the job, e.g. when the
	// engine was not ready. Permanent failures are never redelivered.
	Retriable bool `json:"retriable,omitempty"`
	// RefreshWorker asks the platform to recycle this worker after the job.
	RefreshWorker bool `json:"refresh_worker,omitempty"`
}

// Queue is the consumed interface to the job platform.
type Queue interface {
	// PullNextJob returns the next job, or (nil, nil) when none is available.
	PullNextJob(ctx context.Context) (*core.Job, error)
	// Acknowledge reports the terminal result for a job. The job is destroyed
	// on the worker once the platform accepts the result.
	Acknowledge(ctx context.Context, jobID string, res *Result) error
}
