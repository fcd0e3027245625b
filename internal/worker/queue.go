// Package worker runs the bounded pool that claims queued jobs from the
// broker and drives the repackaging pipeline, with retry and backoff.
package worker

import (
	"context"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/metrics"
)

// Queue is the in-process broker carrying job claims from the controller to
// the workers.  FIFO, bounded by the high-water mark; a full queue rejects
// admission with Overloaded so clients back off at the edge.
type Queue struct {
	ch chan string
}

// NewQueue builds a queue with the given high-water mark.
func NewQueue(highWater int) *Queue {
	return &Queue{ch: make(chan string, highWater)}
}

// Enqueue adds a job id without blocking.  The controller must only enqueue
// a job once, and never one in a non-terminal state it already enqueued.
func (q *Queue) Enqueue(id string) error {
	select {
	case q.ch <- id:
		metrics.SetQueueDepth(len(q.ch))
		return nil
	default:
		return fault.New(fault.Overloaded, "queue is full, retry later")
	}
}

// Dequeue blocks until a job id is available or ctx is cancelled.  Claims
// are exclusive: each id is delivered to exactly one worker.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		metrics.SetQueueDepth(len(q.ch))
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Depth reports the current backlog.
func (q *Queue) Depth() int { return len(q.ch) }
