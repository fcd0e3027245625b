// Package events implements the per-job progress fan-out bus.
//
// Topic identifier equals job id.  Every published event is first appended
// to the durable store (so reconnecting clients can replay the retained
// window), then handed to each live subscription's bounded queue.  A
// dedicated delivery goroutine per subscription drains the queue onto the
// outbound channel, so one stalled consumer never blocks the publisher or
// its siblings.
//
// Overflow policy: when a subscription's queue is full, the oldest
// undelivered non-terminal event is dropped and a gap marker recorded.
// Terminal events are never dropped — publication blocks briefly, bounded
// by the publish timeout, after which the subscription is closed with
// SlowConsumer.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
)

// Log is the durable side of the bus, implemented by the job store.
type Log interface {
	AppendEvent(ctx context.Context, ev *jobstore.Event) (int64, error)
	EventsSince(ctx context.Context, jobID string, after int64) ([]jobstore.Event, error)
}

// Options tune the bus; zero values fall back to the defaults below.
type Options struct {
	// BufferSize is the per-subscription queue depth.
	BufferSize int

	// PublishTimeout bounds how long a terminal publication may block on a
	// full subscription before it is closed with SlowConsumer.
	PublishTimeout time.Duration

	// MaxSubscriptionsPerJob is advisory: exceeding it is logged, not
	// rejected, since extra subscribers share the topic anyway.
	MaxSubscriptionsPerJob int
}

func (o *Options) fill() {
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.MaxSubscriptionsPerJob <= 0 {
		o.MaxSubscriptionsPerJob = 64
	}
}

// Bus is the process-wide fan-out hub.
type Bus struct {
	log    Log
	logger *zap.Logger
	opts   Options

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs []*Subscription
}

// New creates a Bus backed by the given durable log.
func New(log Log, logger *zap.Logger, opts Options) *Bus {
	opts.fill()
	return &Bus{
		log:    log,
		logger: logger.Named("events"),
		opts:   opts,
		topics: make(map[string]*topic),
	}
}

// Publish appends ev durably (assigning its sequence number) and delivers it
// to every live subscription on the topic.  Non-blocking in the common case;
// see the package comment for the overflow policy.
func (b *Bus) Publish(ctx context.Context, ev jobstore.Event) error {
	if _, err := b.log.AppendEvent(ctx, &ev); err != nil {
		return err
	}

	b.mu.Lock()
	t := b.topics[ev.JobID]
	var subs []*Subscription
	if t != nil {
		subs = append(subs, t.subs...)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.offer(ev, b.opts.PublishTimeout)
	}
	return nil
}

// Subscribe registers a live consumer for jobID and replays retained events
// with seq > since before any new ones.  The returned Subscription's C
// channel is closed after the terminal event, on Unsubscribe, or when the
// consumer is too slow (Err then reports SlowConsumer).
func (b *Bus) Subscribe(ctx context.Context, jobID string, since int64) (*Subscription, error) {
	sub := newSubscription(jobID, b.opts.BufferSize, b)

	// Register before reading the log: an event published concurrently is
	// then either in the replay snapshot or offered live, and the seq
	// cursor in offer() deduplicates the overlap.
	b.mu.Lock()
	t := b.topics[jobID]
	if t == nil {
		t = &topic{}
		b.topics[jobID] = t
	}
	t.subs = append(t.subs, sub)
	n := len(t.subs)
	b.mu.Unlock()

	if n > b.opts.MaxSubscriptionsPerJob {
		b.logger.Warn("subscription count above cap",
			zap.String("job_id", jobID), zap.Int("count", n))
	}

	stored, err := b.log.EventsSince(ctx, jobID, since)
	if err != nil {
		b.Unsubscribe(sub)
		return nil, err
	}
	sub.seedReplay(stored)

	go sub.pump()
	return sub, nil
}

// Unsubscribe removes sub from its topic and releases its buffers.
// Idempotent; safe to call after the subscription already closed itself.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.detach(sub)
	sub.close(nil)
}

func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[sub.jobID]
	if t == nil {
		return
	}
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
	if len(t.subs) == 0 {
		delete(b.topics, sub.jobID)
	}
}

// SubscriberCount reports live subscriptions for a job.  Used by tests.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.topics[jobID]; t != nil {
		return len(t.subs)
	}
	return 0
}
