package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
)

// memLog is an in-memory events.Log for bus tests.
type memLog struct {
	mu     sync.Mutex
	events map[string][]jobstore.Event
}

func newMemLog() *memLog {
	return &memLog{events: make(map[string][]jobstore.Event)}
}

func (m *memLog) AppendEvent(_ context.Context, ev *jobstore.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Seq = int64(len(m.events[ev.JobID]) + 1)
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	m.events[ev.JobID] = append(m.events[ev.JobID], *ev)
	return ev.Seq, nil
}

func (m *memLog) EventsSince(_ context.Context, jobID string, after int64) ([]jobstore.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []jobstore.Event
	for _, ev := range m.events[jobID] {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestBus(opts Options) *Bus {
	return New(newMemLog(), zap.NewNop(), opts)
}

func publishN(t *testing.T, b *Bus, jobID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.Publish(context.Background(), jobstore.Event{
			JobID: jobID, Kind: jobstore.KindStatus, Progress: i,
		}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
}

func collect(t *testing.T, sub *Subscription, timeout time.Duration) []jobstore.Event {
	t.Helper()
	var out []jobstore.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestOrderedDelivery(t *testing.T) {
	b := newTestBus(Options{})
	sub, err := b.Subscribe(context.Background(), "j1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(sub)

	publishN(t, b, "j1", 5)
	if err := b.Publish(context.Background(), jobstore.Event{
		JobID: "j1", Kind: jobstore.KindTerminal, Status: jobstore.StatusCompleted,
	}); err != nil {
		t.Fatalf("publish terminal: %v", err)
	}

	got := collect(t, sub, 2*time.Second)
	if len(got) != 6 {
		t.Fatalf("got %d events, want 6", len(got))
	}
	for i, ev := range got {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
	if got[5].Kind != jobstore.KindTerminal {
		t.Errorf("last event kind = %s, want terminal", got[5].Kind)
	}
	if err := sub.Err(); err != nil {
		t.Errorf("normal termination reported error: %v", err)
	}
}

func TestReplaySince(t *testing.T) {
	b := newTestBus(Options{})
	publishN(t, b, "j1", 5)

	sub, err := b.Subscribe(context.Background(), "j1", 3)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(sub)

	var got []jobstore.Event
	for len(got) < 2 {
		select {
		case ev := <-sub.C():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	if got[0].Seq != 4 || got[1].Seq != 5 {
		t.Errorf("replay since 3 delivered seqs %d,%d; want 4,5", got[0].Seq, got[1].Seq)
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := newTestBus(Options{BufferSize: 4, PublishTimeout: 200 * time.Millisecond})

	prompt, err := b.Subscribe(context.Background(), "j1", 0)
	if err != nil {
		t.Fatalf("subscribe prompt: %v", err)
	}
	slow, err := b.Subscribe(context.Background(), "j1", 0)
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	_ = slow // never read

	done := make(chan []jobstore.Event, 1)
	go func() { done <- collect(t, prompt, 5*time.Second) }()

	publishN(t, b, "j1", 10)
	start := time.Now()
	if err := b.Publish(context.Background(), jobstore.Event{
		JobID: "j1", Kind: jobstore.KindTerminal, Status: jobstore.StatusCompleted,
	}); err != nil {
		t.Fatalf("publish terminal: %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("terminal publish blocked %s", took)
	}

	got := <-done
	if len(got) == 0 || got[len(got)-1].Kind != jobstore.KindTerminal {
		t.Fatalf("prompt subscriber missed terminal; got %d events", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq && !got[i].Gap && !got[i-1].Gap {
			t.Errorf("out of order: seq %d after %d", got[i].Seq, got[i-1].Seq)
		}
	}

	// The slow subscriber must end up evicted with SlowConsumer.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := slow.Err(); err != nil && fault.CodeOf(err) == fault.SlowConsumer {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slow subscriber not evicted; err = %v", slow.Err())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOverflowDropsOldestAndMarksGap(t *testing.T) {
	b := newTestBus(Options{BufferSize: 2, PublishTimeout: 100 * time.Millisecond})
	sub, err := b.Subscribe(context.Background(), "j1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(sub)

	// Fill well past the buffer before the consumer reads anything, then
	// give the pump a moment to move the first event out of the queue.
	publishN(t, b, "j1", 10)
	time.Sleep(50 * time.Millisecond)

	got := collect(t, sub, time.Second)
	var sawGap bool
	for _, ev := range got {
		if ev.Gap {
			sawGap = true
		}
	}
	if !sawGap {
		t.Error("expected a gap marker after overflow")
	}
	var last int64
	for _, ev := range got {
		if ev.Gap {
			continue
		}
		if ev.Seq <= last {
			t.Errorf("sequence regressed: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := newTestBus(Options{})
	sub, err := b.Subscribe(context.Background(), "j1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if n := b.SubscriberCount("j1"); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}
