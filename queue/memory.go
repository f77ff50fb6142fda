package queue

import (
	"context"
	"sync"

	"github.com/genmedia/comfy-worker/core"
)

// MemQueue is a channel-backed in-memory queue used by tests and local runs.
type MemQueue struct {
	jobs chan *core.Job

	mu   sync.Mutex
	acks map[string][]*Result
}

var _ Queue = (*MemQueue)(nil)

func NewMemQueue(buffer int) *MemQueue {
	return &MemQueue{
		jobs: make(chan *core.Job, buffer),
		acks: make(map[string][]*Result),
	}
}

// Push enqueues a job for delivery.
func (q *MemQueue) Push(job *core.Job) {
	q.jobs <- job
}

func (q *MemQueue) PullNextJob(ctx context.Context) (*core.Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

func (q *MemQueue) Acknowledge(ctx context.Context, jobID string, res *Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks[jobID] = append(q.acks[jobID], res)
	return nil
}

// Acks returns every acknowledgement recorded for a job, in order.
func (q *MemQueue) Acks(jobID string) []*Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Result, len(q.acks[jobID]))
	copy(out, q.acks[jobID])
	return out
}
