/*
Package bridge drains jobs from the external queue platform and drives them
through the local generation engine.
*/
package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dustin/go-humanize"
	gocache "github.com/patrickmn/go-cache"

	"github.com/genmedia/comfy-worker/clog"
	"github.com/genmedia/comfy-worker/common"
	"github.com/genmedia/comfy-worker/core"
	"github.com/genmedia/comfy-worker/monitor"
	"github.com/genmedia/comfy-worker/queue"
)

const ackTimeout = 30 * time.Second

type Config struct {
	// MaxConcurrency bounds how many jobs may be submitted or running at once.
	MaxConcurrency int
	// PollInterval paces progress polling per submitted job.
	PollInterval time.Duration
	// JobTimeout bounds a job's total tracked duration after submission.
	JobTimeout time.Duration
	// IdleWait is how long to wait after an empty pull before pulling again.
	IdleWait time.Duration
	// ResultCacheTTL keeps finalized results around so duplicate deliveries
	// are re-acknowledged without resubmitting to the engine.
	ResultCacheTTL time.Duration
	// RefreshWorker asks the platform to recycle the worker after each job.
	RefreshWorker bool
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 1,
		PollInterval:   30 * time.Second,
		JobTimeout:     time.Hour,
		IdleWait:       time.Second,
		ResultCacheTTL: 10 * time.Minute,
	}
}

// Bridge owns every pulled job from pull to acknowledgement.
type Bridge struct {
	node *core.WorkerNode
	q    queue.Queue
	cfg  Config

	slots    chan struct{}
	results  *gocache.Cache
	inFlight int32
	wg       sync.WaitGroup
}

func New(node *core.WorkerNode, q queue.Queue, cfg Config) (*Bridge, error) {
	if node == nil || q == nil {
		return nil, errors.New("bridge needs a worker node and a queue")
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("invalid max concurrency %d", cfg.MaxConcurrency)
	}
	return &Bridge{
		node:    node,
		q:       q,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxConcurrency),
		results: gocache.New(cfg.ResultCacheTTL, 2*cfg.ResultCacheTTL),
	}, nil
}

// Run pulls jobs until ctx is cancelled, then waits for in-flight jobs to
// finish. Pull errors back off exponentially; the platform owns redelivery.
func (b *Bridge) Run(ctx context.Context) error {
	clog.Infof(ctx, "Job bridge started maxConcurrency=%d pollInterval=%v jobTimeout=%v",
		b.cfg.MaxConcurrency, b.cfg.PollInterval, b.cfg.JobTimeout)

	expb := backoff.NewExponentialBackOff()
	expb.MaxInterval = time.Minute
	expb.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			break
		}
		job, err := b.q.PullNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := expb.NextBackOff()
			clog.Errorf(ctx, "Error pulling job, backing off wait=%v err=%q", wait, err)
			if !sleepCtx(ctx, wait) {
				break
			}
			continue
		}
		expb.Reset()
		if job == nil {
			if !sleepCtx(ctx, b.cfg.IdleWait) {
				break
			}
			continue
		}
		if monitor.Enabled {
			monitor.JobPulled()
		}
		b.wg.Add(1)
		go func(job *core.Job) {
			defer b.wg.Done()
			b.process(ctx, job)
		}(job)
	}

	clog.Infof(ctx, "Job bridge stopping, waiting for in-flight jobs")
	b.wg.Wait()
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) process(ctx context.Context, job *core.Job) {
	ctx = clog.AddJobID(ctx, job.ID)

	// A duplicate delivery of an already finalized job is re-acknowledged
	// from the result cache, never resubmitted to the engine.
	if cached, ok := b.results.Get(job.ID); ok {
		clog.Infof(ctx, "Duplicate delivery of finalized job, re-acknowledging")
		b.acknowledge(ctx, job.ID, cached.(*queue.Result))
		return
	}

	// Jobs beyond the concurrency limit wait here in Queued state. A job the
	// worker pulled but never ran still gets acknowledged on shutdown: the
	// platform must never see a silent drop.
	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		job.Transition(core.JobFailed)
		b.finalize(ctx, job, &queue.Result{
			JobID:       job.ID,
			State:       core.JobFailed.String(),
			ErrorClass:  core.ErrorClassInternal,
			ErrorDetail: "worker shutting down",
			Retriable:   true,
		})
		return
	}
	defer func() {
		<-b.slots
		if monitor.Enabled {
			monitor.JobsInFlight(int(atomic.AddInt32(&b.inFlight, -1)))
		}
	}()
	if monitor.Enabled {
		monitor.JobsInFlight(int(atomic.AddInt32(&b.inFlight, 1)))
	}

	res := b.execute(ctx, job)
	b.finalize(ctx, job, res)
}

// execute drives one job to a terminal state and returns its result.
func (b *Bridge) execute(ctx context.Context, job *core.Job) *queue.Result {
	// The engine must be Ready before any submission. Not-ready jobs go back
	// to the platform for redelivery instead of being dropped.
	if b.node.Supervisor != nil && b.node.Supervisor.State() != core.EngineReady {
		clog.Warningf(ctx, "Engine not ready state=%s, returning job for retry", b.node.Supervisor.State())
		job.Transition(core.JobFailed)
		return &queue.Result{
			JobID:       job.ID,
			State:       core.JobFailed.String(),
			ErrorClass:  core.ErrorClassEngineNotReady,
			ErrorDetail: core.ErrEngineNotReady.Error(),
			Retriable:   true,
		}
	}

	input, err := translate(job.Payload)
	if err != nil {
		// The defect is in the input, not the environment: permanent failure.
		clog.Errorf(ctx, "Invalid job payload err=%q", err)
		job.Transition(core.JobFailed)
		return &queue.Result{
			JobID:       job.ID,
			State:       core.JobFailed.String(),
			ErrorClass:  core.ErrorClassInvalidPayload,
			ErrorDetail: err.Error(),
		}
	}

	for _, asset := range input.Assets {
		data, derr := base64.StdEncoding.DecodeString(asset.Data)
		if derr != nil {
			clog.Errorf(ctx, "Could not decode input asset name=%s err=%q", asset.Name, derr)
			job.Transition(core.JobFailed)
			return &queue.Result{
				JobID:       job.ID,
				State:       core.JobFailed.String(),
				ErrorClass:  core.ErrorClassInvalidPayload,
				ErrorDetail: fmt.Sprintf("input asset %s is not valid base64: %v", asset.Name, derr),
			}
		}
		if uerr := b.node.Engine.UploadAsset(ctx, asset.Name, data); uerr != nil {
			clog.Errorf(ctx, "Could not upload input asset name=%s err=%q", asset.Name, uerr)
			job.Transition(core.JobFailed)
			return &queue.Result{
				JobID:       job.ID,
				State:       core.JobFailed.String(),
				ErrorClass:  core.ErrorClassInternal,
				ErrorDetail: fmt.Sprintf("could not upload input asset %s: %v", asset.Name, uerr),
				Retriable:   true,
			}
		}
		clog.V(common.DEBUG).Infof(ctx, "Uploaded input asset name=%s bytes=%d", asset.Name, len(data))
	}

	requestID, err := b.node.Engine.SubmitPrompt(ctx, input.Workflow)
	if err != nil {
		clog.Errorf(ctx, "Engine rejected submission err=%q", err)
		job.Transition(core.JobFailed)
		res := &queue.Result{JobID: job.ID, State: core.JobFailed.String()}
		var execErr *core.EngineExecutionError
		if errors.As(err, &execErr) {
			res.ErrorClass = core.ErrorClassEngineExecution
			res.ErrorDetail = execErr.Detail
		} else {
			res.ErrorClass = core.ErrorClassInternal
			res.ErrorDetail = err.Error()
			res.Retriable = true
		}
		return res
	}
	ctx = clog.AddRequestID(ctx, requestID)
	job.Transition(core.JobSubmitted)
	clog.Infof(ctx, "Job submitted to engine")

	return b.track(ctx, job, requestID)
}

// track polls the engine for progress until completion or timeout. A timed
// out job stops being tracked; stopping the engine-side work is best-effort
// and not required.
func (b *Bridge) track(ctx context.Context, job *core.Job, requestID string) *queue.Result {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(b.cfg.JobTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			job.Transition(core.JobFailed)
			return &queue.Result{
				JobID:       job.ID,
				State:       core.JobFailed.String(),
				ErrorClass:  core.ErrorClassInternal,
				ErrorDetail: "worker shutting down",
				Retriable:   true,
			}
		case <-deadline.C:
			clog.Errorf(ctx, "Job exceeded max duration timeout=%v", b.cfg.JobTimeout)
			job.Transition(core.JobTimedOut)
			return &queue.Result{
				JobID:       job.ID,
				State:       core.JobTimedOut.String(),
				ErrorClass:  core.ErrorClassTimedOut,
				ErrorDetail: core.ErrJobTimedOut.Error(),
			}
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, b.cfg.PollInterval)
			hist, err := b.node.Engine.History(hctx, requestID)
			cancel()
			if err != nil {
				// Transient poll failures are bounded by the job timeout.
				clog.Warningf(ctx, "Error polling job progress err=%q", err)
				continue
			}
			if hist == nil {
				continue
			}
			if !hist.Completed {
				if job.State() == core.JobSubmitted {
					job.Transition(core.JobRunning)
				}
				continue
			}
			if hist.ErrDetail != "" {
				clog.Errorf(ctx, "Engine reported execution error detail=%q", hist.ErrDetail)
				job.Transition(core.JobFailed)
				return &queue.Result{
					JobID:       job.ID,
					State:       core.JobFailed.String(),
					ErrorClass:  core.ErrorClassEngineExecution,
					ErrorDetail: hist.ErrDetail,
				}
			}
			return b.collectArtifacts(ctx, job, hist.Outputs)
		}
	}
}

// collectArtifacts validates every output file in engine-reported order and,
// when an object store is configured, publishes each one there. Partial
// output is never reported as success: one bad artifact fails the job.
func (b *Bridge) collectArtifacts(ctx context.Context, job *core.Job, outputs []core.NodeOutput) *queue.Result {
	var artifacts []core.OutputArtifact
	for _, node := range outputs {
		for _, f := range node.Files {
			path, size, err := b.resolveArtifact(f)
			if err != nil {
				clog.Errorf(ctx, "Output artifact check failed node=%s file=%s err=%q", node.NodeID, f.Filename, err)
				job.Transition(core.JobFailed)
				return &queue.Result{
					JobID:       job.ID,
					State:       core.JobFailed.String(),
					ErrorClass:  core.ErrorClassEngineExecution,
					ErrorDetail: fmt.Sprintf("output artifact %s: %v", f.Filename, err),
				}
			}
			if b.node.Store != nil {
				url, serr := b.storeArtifact(ctx, job.ID, f, path)
				if serr != nil {
					// The file itself is fine; the environment failed, so the
					// platform may redeliver.
					clog.Errorf(ctx, "Could not store output artifact file=%s err=%q", f.Filename, serr)
					job.Transition(core.JobFailed)
					return &queue.Result{
						JobID:       job.ID,
						State:       core.JobFailed.String(),
						ErrorClass:  core.ErrorClassInternal,
						ErrorDetail: fmt.Sprintf("could not store output artifact %s: %v", f.Filename, serr),
						Retriable:   true,
					}
				}
				path = url
			}
			clog.V(common.DEBUG).Infof(ctx, "Collected artifact node=%s path=%s kind=%s size=%s",
				node.NodeID, path, f.Kind, humanize.Bytes(uint64(size)))
			artifacts = append(artifacts, core.OutputArtifact{
				Path:   path,
				Kind:   f.Kind,
				Size:   size,
				NodeID: node.NodeID,
			})
		}
	}
	if len(artifacts) == 0 {
		job.Transition(core.JobFailed)
		return &queue.Result{
			JobID:       job.ID,
			State:       core.JobFailed.String(),
			ErrorClass:  core.ErrorClassEngineExecution,
			ErrorDetail: "no output artifacts found in the generation results",
		}
	}

	job.Artifacts = artifacts
	job.Transition(core.JobSucceeded)
	return &queue.Result{
		JobID:     job.ID,
		State:     core.JobSucceeded.String(),
		Artifacts: artifacts,
	}
}

// storeArtifact uploads one validated output file to the object store and
// returns its URL. Objects are keyed by job so concurrent jobs with
// same-named outputs cannot clobber each other.
func (b *Bridge) storeArtifact(ctx context.Context, jobID string, f core.OutputFile, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	key := path.Join(jobID, f.Subfolder, f.Filename)
	return b.node.Store.SaveData(ctx, key, data)
}

// resolveArtifact locates an output file, preferring the engine-provided
// absolute path, and verifies it exists with non-zero size.
func (b *Bridge) resolveArtifact(f core.OutputFile) (string, int64, error) {
	var candidates []string
	if f.FullPath != "" {
		candidates = append(candidates, f.FullPath)
	}
	candidates = append(candidates, filepath.Join(b.node.OutputDir, f.Subfolder, f.Filename))

	var lastErr error = os.ErrNotExist
	for _, path := range candidates {
		fi, err := os.Stat(path)
		if err != nil {
			lastErr = err
			continue
		}
		if fi.Size() == 0 {
			return "", 0, fmt.Errorf("file %s is empty", path)
		}
		return path, fi.Size(), nil
	}
	return "", 0, fmt.Errorf("file does not exist in the output folder: %w", lastErr)
}

// finalize reports the terminal result and caches it for duplicate deliveries.
func (b *Bridge) finalize(ctx context.Context, job *core.Job, res *queue.Result) {
	res.RefreshWorker = b.cfg.RefreshWorker
	b.results.Set(job.ID, res, gocache.DefaultExpiration)

	dur := time.Since(job.PulledAt)
	b.acknowledge(ctx, job.ID, res)
	if monitor.Enabled {
		monitor.JobCompleted(res.State, res.ErrorClass, dur)
	}
	clog.Infof(ctx, "Job finalized state=%s errorClass=%s artifacts=%d dur=%v",
		res.State, res.ErrorClass, len(res.Artifacts), dur)
}

// acknowledge reports a result even when the pull context was cancelled:
// the platform must never see a silent drop.
func (b *Bridge) acknowledge(ctx context.Context, jobID string, res *queue.Result) {
	actx, cancel := context.WithTimeout(clog.Clone(context.Background(), ctx), ackTimeout)
	defer cancel()
	if err := b.q.Acknowledge(actx, jobID, res); err != nil {
		clog.Errorf(ctx, "Could not acknowledge job result err=%q", err)
	}
}

// translate maps the external job payload into the engine's native request
// graph. The payload may arrive as a JSON object or as a JSON-encoded string
// containing one.
func translate(payload json.RawMessage) (*core.JobInput, error) {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		return nil, &core.InvalidPayloadError{Reason: "please provide input"}
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, &core.InvalidPayloadError{Reason: "invalid JSON format in input"}
		}
		raw = []byte(inner)
	}
	var input core.JobInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, &core.InvalidPayloadError{Reason: "invalid JSON format in input"}
	}
	if len(input.Workflow) == 0 || string(input.Workflow) == "null" {
		return nil, &core.InvalidPayloadError{Reason: "missing 'workflow' parameter"}
	}
	for _, asset := range input.Assets {
		if asset.Name == "" || asset.Data == "" {
			return nil, &core.InvalidPayloadError{Reason: "'images' must be a list of objects with 'name' and 'image' keys"}
		}
	}
	return &input, nil
}
