package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/metrics"
)

// Publisher is the event-bus side of the store.  The Service appends every
// observable change here before returning to the caller; the bus handles
// fan-out and durable retention.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// cancelHandle is the per-job cooperative cancellation signal.
type cancelHandle struct {
	ch   chan struct{}
	once sync.Once
}

func (h *cancelHandle) signal() { h.once.Do(func() { close(h.ch) }) }

// Service owns all Job mutations.  Reads go straight to the Store; writes go
// through Update, which enforces the state machine (via the Store's
// compare-and-set) and publishes to the Event Bus before returning.
type Service struct {
	st     Store
	pub    Publisher
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[string]*cancelHandle
}

// NewService wires the store and the event publisher together.
func NewService(st Store, pub Publisher, logger *zap.Logger) *Service {
	return &Service{
		st:      st,
		pub:     pub,
		logger:  logger.Named("jobstore"),
		cancels: make(map[string]*cancelHandle),
	}
}

// Create validates the origin and inserts a pending job.
func (s *Service) Create(ctx context.Context, origin Origin, platform, suffix string) (*Job, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if suffix == "" {
		suffix = DefaultSuffix
	}
	if !SuffixRe.MatchString(suffix) {
		return nil, fault.New(fault.InvalidArgument, "suffix %q must match %s", suffix, SuffixRe)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Origin:    origin,
		Platform:  platform,
		Suffix:    suffix,
		Status:    StatusPending,
		Progress:  0,
		Stage:     "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.st.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.pub.Publish(ctx, Event{
		JobID:  job.ID,
		Kind:   KindStatus,
		Status: job.Status,
		Stage:  job.Stage,
	}); err != nil {
		s.logger.Warn("publish create event", zap.String("job_id", job.ID), zap.Error(err))
	}
	return job, nil
}

// Get returns a snapshot or fault.NotFound.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	job, err := s.st.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fault.New(fault.NotFound, "unknown job %s", id)
	}
	return job, nil
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	return s.st.ListRecent(ctx, limit)
}

func (s *Service) ListCompleted(ctx context.Context, limit int) ([]*Job, error) {
	return s.st.ListCompleted(ctx, limit)
}

// Update applies patch atomically and publishes the resulting event.
//
// Event volume is capped: a pure progress tick is only forwarded when the
// progress strictly increased or the stage changed.  Status changes, errors,
// metadata, outputs and terminal transitions always go out.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*Job, error) {
	prev, err := s.st.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fault.New(fault.NotFound, "unknown job %s", id)
	}

	job, err := s.st.UpdateJob(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	if job.Status.Terminal() && !prev.Status.Terminal() {
		metrics.JobFinished(string(job.Status))
		s.dropCancel(id)
	}

	if !s.worthPublishing(prev, job, patch) {
		return job, nil
	}

	ev := Event{
		JobID:     job.ID,
		Kind:      KindStatus,
		Status:    job.Status,
		Progress:  job.Progress,
		Stage:     job.Stage,
		Message:   job.Message,
		Meta:      patch.Meta,
		Output:    patch.Output,
		Error:     job.Error,
		ErrorCode: job.ErrorCode,
	}
	if job.Status.Terminal() {
		ev.Kind = KindTerminal
		ev.Meta = job.Meta
		ev.Output = job.Output
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish update event", zap.String("job_id", id), zap.Error(err))
	}
	return job, nil
}

func (s *Service) worthPublishing(prev, cur *Job, patch Patch) bool {
	switch {
	case cur.Status.Terminal(),
		cur.Status != prev.Status,
		cur.Stage != prev.Stage,
		cur.Progress > prev.Progress,
		patch.Error != nil,
		patch.Meta != nil,
		patch.Output != nil:
		return true
	}
	return false
}

// Log appends a free-form line to the job's event stream.  Lines are capped
// so a chatty subprocess cannot grow the store unboundedly per event.
func (s *Service) Log(ctx context.Context, id, line string) {
	const maxLine = 2048
	if len(line) > maxLine {
		line = line[:maxLine] + "…"
	}
	if err := s.pub.Publish(ctx, Event{JobID: id, Kind: KindLog, Message: line}); err != nil {
		s.logger.Warn("publish log event", zap.String("job_id", id), zap.Error(err))
	}
}

// Cancel marks a non-terminal job cancelled and signals its owning worker.
// Cancellation of a terminal job is fault.InvalidState.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fault.New(fault.InvalidState, "job %s already %s", id, job.Status)
	}

	// Signal first so an in-flight pipeline starts unwinding while the store
	// write happens.
	s.mu.Lock()
	if h, ok := s.cancels[id]; ok {
		h.signal()
	}
	s.mu.Unlock()

	st := StatusCancelled
	msg := "cancelled by user"
	if _, err := s.Update(ctx, id, Patch{Status: &st, Message: &msg}); err != nil {
		// The worker may have reached a terminal state concurrently; that is
		// not an error from the caller's point of view.
		if fault.CodeOf(err) == fault.InvalidState {
			return nil
		}
		return err
	}
	return nil
}

// WatchCancel returns the cancellation channel for id, registering one if
// needed.  The worker selects on it at every blocking boundary; release must
// be called once the attempt finishes.
func (s *Service) WatchCancel(id string) (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.cancels[id]
	if !ok {
		h = &cancelHandle{ch: make(chan struct{})}
		s.cancels[id] = h
	}
	return h.ch, func() { s.dropCancel(id) }
}

func (s *Service) dropCancel(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

// ---- retention plumbing used by the artifact reaper ----

func (s *Service) ListRetained(ctx context.Context) ([]*Job, error) {
	return s.st.ListRetained(ctx)
}

// ClearOutput detaches the output descriptor after the reaper deleted the
// file.  The job tombstone keeps its terminal status.
func (s *Service) ClearOutput(ctx context.Context, id string) error {
	return s.st.ClearOutput(ctx, id)
}

// TombstoneExpired strips expired terminal jobs down to id + status.
func (s *Service) TombstoneExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return s.st.TombstoneExpired(ctx, cutoff)
}
