package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
)

// Subscription is one live consumer of a topic.  Events arrive on C in
// sequence order; C closes after the terminal event, after Unsubscribe, or
// when the subscription is evicted as a slow consumer (see Err).
type Subscription struct {
	jobID string
	bus   *Bus
	cap   int

	mu   sync.Mutex
	cond *sync.Cond

	// queue is the bounded handoff between Publish and the pump goroutine.
	queue []jobstore.Event

	// gapped is set when an undelivered event was dropped; the pump emits
	// one synthetic gap marker before the next delivery and clears it.
	gapped bool

	// lastEnqueued deduplicates the replay/live overlap window.
	lastEnqueued int64

	// replaying buffers live offers into pending until seedReplay merges
	// the stored snapshot, preserving sequence order.
	replaying bool
	pending   []jobstore.Event

	closed bool
	err    error

	done     chan struct{}
	doneOnce sync.Once
	out      chan jobstore.Event

	lastAck atomic.Int64
}

func newSubscription(jobID string, depth int, b *Bus) *Subscription {
	s := &Subscription{
		jobID:     jobID,
		bus:       b,
		cap:       depth,
		replaying: true,
		done:      make(chan struct{}),
		out:       make(chan jobstore.Event),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// C is the event stream.  Closed when the subscription ends.
func (s *Subscription) C() <-chan jobstore.Event { return s.out }

// JobID returns the topic this subscription is bound to.
func (s *Subscription) JobID() string { return s.jobID }

// Err reports why the stream closed: nil for normal termination or
// unsubscribe, a SlowConsumer fault when the bus evicted the consumer.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ack records the client's last-delivered cursor.  Advisory: the value is
// only stored for LastAck; delivery and gap handling do not consult it.
func (s *Subscription) Ack(seq int64) { s.lastAck.Store(seq) }

// LastAck returns the most recent client-acknowledged sequence.
func (s *Subscription) LastAck() int64 { return s.lastAck.Load() }

// seedReplay installs the stored snapshot and merges any events offered
// live while the snapshot was being read.
func (s *Subscription) seedReplay(stored []jobstore.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range stored {
		s.queue = append(s.queue, ev)
		if ev.Seq > s.lastEnqueued {
			s.lastEnqueued = ev.Seq
		}
	}
	for _, ev := range s.pending {
		s.enqueueLocked(ev)
	}
	s.pending = nil
	s.replaying = false
	s.cond.Broadcast()
}

// offer hands one event to this subscription, applying the overflow policy.
// Called by Publish with no bus lock held.
func (s *Subscription) offer(ev jobstore.Event, publishTimeout time.Duration) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.replaying {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	if ev.Seq != 0 && ev.Seq <= s.lastEnqueued {
		s.mu.Unlock()
		return
	}

	if len(s.queue) >= s.cap && ev.Kind == jobstore.KindTerminal {
		// Terminal events are never dropped: block briefly for the pump to
		// drain, then give up on the consumer entirely.
		deadline := time.Now().Add(publishTimeout)
		wake := time.AfterFunc(publishTimeout, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		for len(s.queue) >= s.cap && !s.closed {
			if !time.Now().Before(deadline) {
				wake.Stop()
				s.closeLocked(fault.New(fault.SlowConsumer,
					"subscriber for job %s too slow for terminal event", s.jobID))
				s.mu.Unlock()
				s.bus.detach(s)
				return
			}
			s.cond.Wait()
		}
		wake.Stop()
		if s.closed {
			s.mu.Unlock()
			return
		}
	}

	s.enqueueLocked(ev)
	s.mu.Unlock()
}

// enqueueLocked appends ev, dropping the oldest non-terminal event first
// when the queue is full.
func (s *Subscription) enqueueLocked(ev jobstore.Event) {
	if ev.Seq != 0 && ev.Seq <= s.lastEnqueued {
		return
	}
	if len(s.queue) >= s.cap {
		dropped := false
		for i, q := range s.queue {
			if q.Kind != jobstore.KindTerminal {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			// Queue holds only a terminal event; anything after it is bogus.
			return
		}
		s.gapped = true
	}
	s.queue = append(s.queue, ev)
	if ev.Seq > s.lastEnqueued {
		s.lastEnqueued = ev.Seq
	}
	s.cond.Broadcast()
}

// pump is the per-subscription delivery goroutine: it moves events from the
// bounded queue to the outbound channel, inserting gap markers where the
// overflow policy dropped events.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		gapped := s.gapped
		s.gapped = false
		s.mu.Unlock()

		if gapped {
			marker := jobstore.Event{
				JobID:   s.jobID,
				Kind:    jobstore.KindLog,
				Message: "events dropped: subscriber fell behind",
				Gap:     true,
				TS:      time.Now().UTC(),
			}
			select {
			case s.out <- marker:
			case <-s.done:
				close(s.out)
				return
			}
		}

		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}

		// The event counts against the queue bound until it is delivered;
		// remove it now unless the overflow policy already dropped it.
		s.mu.Lock()
		if len(s.queue) > 0 && s.queue[0].Seq == ev.Seq {
			s.queue = s.queue[1:]
		}
		s.cond.Broadcast()
		s.mu.Unlock()

		if ev.Kind == jobstore.KindTerminal {
			s.bus.detach(s)
			s.close(nil)
			close(s.out)
			return
		}
	}
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	s.closeLocked(err)
	s.mu.Unlock()
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.cond.Broadcast()
	s.doneOnce.Do(func() { close(s.done) })
}
