package worker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/resline/dify-plugin-repackaging/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging/internal/config"
	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging/internal/metrics"
	"github.com/resline/dify-plugin-repackaging/internal/pipeline"
)

// Runner executes one pipeline attempt for a job.  Satisfied by
// *pipeline.Runner.
type Runner interface {
	Run(ctx context.Context, job *jobstore.Job) error
}

// Pool claims jobs from the queue and executes pipelines with bounded
// concurrency: at most cfg.WorkerCount pipelines run at any moment.
type Pool struct {
	cfg    *config.Config
	jobs   *jobstore.Service
	runner Runner
	art    *artifacts.Store
	queue  *Queue
	logger *zap.Logger
}

// New builds a Pool.
func New(cfg *config.Config, jobs *jobstore.Service, runner Runner,
	art *artifacts.Store, queue *Queue, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		jobs:   jobs,
		runner: runner,
		art:    art,
		queue:  queue,
		logger: logger.Named("worker"),
	}
}

// Run dispatches until ctx is cancelled, then waits for in-flight pipelines
// to unwind.  Call it in a dedicated goroutine.
func (p *Pool) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(p.cfg.WorkerCount))
	g, gctx := errgroup.WithContext(ctx)

	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.WorkerCount))

	for {
		id, err := p.queue.Dequeue(gctx)
		if err != nil {
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			p.process(gctx, id)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// process runs one claimed job to a terminal state, retrying transient
// failures with exponential backoff and full jitter.
func (p *Pool) process(ctx context.Context, id string) {
	log := p.logger.With(zap.String("job_id", id))

	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		log.Warn("load claimed job", zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		// Cancelled while queued; nothing to run.
		p.art.ReleaseWorkspace(id)
		return
	}

	cancelCh, release := p.jobs.WatchCancel(id)
	defer release()

	jctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancelCh:
			stop()
		case <-jctx.Done():
		}
	}()

	metrics.PipelineStarted()
	defer metrics.PipelineDone()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("pipeline panicked", zap.Any("panic", rec), zap.Stack("stack"))
			p.finish(ctx, id, jobstore.StatusFailed, fault.New(fault.Internal, "internal error"))
		}
	}()

	for attempt := 0; ; attempt++ {
		err := p.runner.Run(jctx, job)
		switch {
		case err == nil:
			return

		case pipeline.Superseded(err):
			// Terminal state written elsewhere (controller cancel); just
			// clean up our side.
			p.art.ReleaseWorkspace(id)
			return

		case jctx.Err() != nil:
			if cancelled(cancelCh) {
				p.finish(ctx, id, jobstore.StatusCancelled, fault.New(fault.InvalidState, "cancelled by user"))
			} else {
				// Process shutdown: the job stays non-terminal and is lost,
				// per the crash semantics.  The workspace survives for the
				// orphan reaper.
				log.Warn("pipeline interrupted by shutdown")
			}
			return

		case fault.Transient(err) && attempt < p.cfg.MaxRetryAttempts:
			delay := p.backoff(attempt)
			p.jobs.Log(ctx, id, fmt.Sprintf(
				"[system] attempt %d failed (%s), retrying in %s",
				attempt+1, fault.Message(err), delay.Round(time.Millisecond)))
			log.Info("retrying job",
				zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))

			select {
			case <-time.After(delay):
			case <-jctx.Done():
				continue // Run returns on the cancelled jctx; the case above then ends the job
			}

			// Retry resets progress but preserves id and metadata.
			st := jobstore.StatusDownloading
			zero := 0
			stageName := "retrying"
			if _, uerr := p.jobs.Update(jctx, id, jobstore.Patch{
				Status: &st, Progress: &zero, Stage: &stageName,
			}); uerr != nil {
				p.art.ReleaseWorkspace(id)
				return
			}
			continue

		default:
			p.finish(ctx, id, jobstore.StatusFailed, err)
			return
		}
	}
}

// finish writes the terminal transition and releases the workspace.  An
// InvalidState answer means someone else already terminated the job.
func (p *Pool) finish(ctx context.Context, id string, status jobstore.Status, cause error) {
	patch := jobstore.Patch{Status: &status}
	if status == jobstore.StatusFailed {
		msg := fault.Message(cause)
		code := string(fault.CodeOf(cause))
		patch.Error = &msg
		patch.ErrorCode = &code
		patch.Message = &msg
	} else {
		msg := "cancelled by user"
		patch.Message = &msg
	}

	if _, err := p.jobs.Update(ctx, id, patch); err != nil && fault.CodeOf(err) != fault.InvalidState {
		p.logger.Warn("write terminal state", zap.String("job_id", id), zap.Error(err))
	}
	if err := p.art.ReleaseWorkspace(id); err != nil {
		p.logger.Warn("release workspace", zap.String("job_id", id), zap.Error(err))
	}
}

// backoff returns the delay before retry n: full jitter over an
// exponentially growing, capped window.
func (p *Pool) backoff(attempt int) time.Duration {
	window := p.cfg.RetryBackoffBase() << attempt
	if ceil := p.cfg.RetryBackoffCap(); window > ceil {
		window = ceil
	}
	return time.Duration(rand.Int63n(int64(window) + 1))
}

func cancelled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
