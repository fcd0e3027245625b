// Package pipeline executes the staged repackaging of one plugin: fetch the
// source package, extract and inspect it, download its Python dependencies
// as wheels, rewrite it to install from those wheels, repack, and publish
// the output.
//
// Stages are restartable: each completed stage leaves a marker file in the
// workspace, and a re-invoked pipeline resumes from the earliest unfinished
// stage.  Cancellation is checked at every stage boundary and at least once
// per second around subprocess waits.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging/internal/config"
	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging/internal/metrics"
)

// errSuperseded is returned when a job reached a terminal state under our
// feet (controller-side cancellation).  The worker stops without writing a
// second terminal transition.
var errSuperseded = errors.New("job reached terminal state elsewhere")

// Superseded reports whether err means the job was terminated externally.
func Superseded(err error) bool { return errors.Is(err, errSuperseded) }

// Runner executes pipelines.  One Runner is shared by all workers.
type Runner struct {
	cfg    *config.Config
	jobs   *jobstore.Service
	art    *artifacts.Store
	logger *zap.Logger
}

// New builds a Runner.
func New(cfg *config.Config, jobs *jobstore.Service, art *artifacts.Store, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, jobs: jobs, art: art, logger: logger.Named("pipeline")}
}

// state is the per-attempt scratch carried between stages.
type state struct {
	job       *jobstore.Job
	workspace string
	inputPath string
	pkgDir    string
	stem      string
	meta      *jobstore.PluginMeta
	output    *jobstore.OutputDescriptor
}

type stageFn func(ctx context.Context, st *state) error

type stage struct {
	name   string
	status jobstore.Status
	// enter/exit are the progress band bounds from the component design.
	enter, exit int
	run         stageFn
}

// Run executes all stages for job.  It does not write the failed status —
// classification and retry are the worker's call — but it does finalize
// completed jobs itself.  ctx carries both the shutdown signal and the
// per-job cancellation.
func (r *Runner) Run(ctx context.Context, job *jobstore.Job) error {
	log := r.logger.With(zap.String("job_id", job.ID))

	ws, err := r.art.AllocateWorkspace(job.ID)
	if err != nil {
		return err
	}
	st := &state{
		job:       job,
		workspace: ws,
		inputPath: filepath.Join(ws, "input.difypkg"),
		pkgDir:    filepath.Join(ws, "pkg"),
		meta:      job.Meta,
	}

	stages := []stage{
		{"fetch", jobstore.StatusDownloading, 0, 30, r.fetch},
		{"extract", jobstore.StatusProcessing, 30, 40, r.extract},
		{"resolve", jobstore.StatusProcessing, 40, 80, r.resolve},
		{"rewrite", jobstore.StatusProcessing, 80, 90, r.rewrite},
		{"repack", jobstore.StatusProcessing, 90, 98, r.repack},
	}

	for _, sg := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if st.done(sg.name) {
			switch sg.name {
			case "extract":
				// Cheap and feeds st.meta/st.stem to later stages; re-run
				// it, and restart from Fetch when the workspace turned out
				// corrupt.
				if err := r.extract(ctx, st); err != nil {
					log.Warn("workspace corrupt on resume, restarting from fetch", zap.Error(err))
					st.clearMarkers()
					return r.runFrom(ctx, st, stages, 0, log)
				}
				continue
			case "repack":
				// Never skipped: st.output must be rebuilt, and
				// PublishOutput is idempotent for identical content.
			default:
				log.Info("stage already complete, skipping", zap.String("stage", sg.name))
				continue
			}
		}
		if err := r.runStage(ctx, st, sg, log); err != nil {
			return err
		}
	}

	return r.finalize(ctx, st, log)
}

// runFrom restarts execution at stage index i after a corrupt resume.
func (r *Runner) runFrom(ctx context.Context, st *state, stages []stage, i int, log *zap.Logger) error {
	for ; i < len(stages); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runStage(ctx, st, stages[i], log); err != nil {
			return err
		}
	}
	return r.finalize(ctx, st, log)
}

func (r *Runner) runStage(ctx context.Context, st *state, sg stage, log *zap.Logger) error {
	if err := r.progress(ctx, st.job.ID, sg.status, sg.enter, sg.name, ""); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout())
	defer cancel()

	started := time.Now()
	err := sg.run(sctx, st)
	metrics.ObserveStage(sg.name, time.Since(started))

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sctx.Err() != nil && fault.CodeOf(err) == fault.Internal {
			err = fault.Wrap(stageTimeoutCode(sg.name), err, "%s stage timed out", sg.name)
		}
		log.Warn("stage failed", zap.String("stage", sg.name), zap.Error(err))
		return err
	}

	if err := st.mark(sg.name); err != nil {
		log.Warn("write stage marker", zap.String("stage", sg.name), zap.Error(err))
	}
	if err := r.progress(ctx, st.job.ID, sg.status, sg.exit, sg.name, ""); err != nil {
		return err
	}
	log.Info("stage complete",
		zap.String("stage", sg.name),
		zap.Duration("took", time.Since(started)))
	return nil
}

// finalize is the 98–100% band: persist the completed status together with
// the output descriptor and metadata, then release the workspace.
func (r *Runner) finalize(ctx context.Context, st *state, log *zap.Logger) error {
	status := jobstore.StatusCompleted
	progress := 100
	stageName := "done"
	msg := fmt.Sprintf("repackaged as %s", st.output.Filename)
	if _, err := r.jobs.Update(ctx, st.job.ID, jobstore.Patch{
		Status:   &status,
		Progress: &progress,
		Stage:    &stageName,
		Message:  &msg,
		Meta:     st.meta,
		Output:   st.output,
	}); err != nil {
		if fault.CodeOf(err) == fault.InvalidState {
			return errSuperseded
		}
		return err
	}
	if err := r.art.ReleaseWorkspace(st.job.ID); err != nil {
		log.Warn("release workspace", zap.Error(err))
	}
	log.Info("job completed", zap.String("output", st.output.Filename))
	return nil
}

// progress writes a status/progress/stage patch.  An InvalidState answer
// means the job went terminal elsewhere; surface that as errSuperseded.
func (r *Runner) progress(ctx context.Context, id string, status jobstore.Status, pct int, stageName, msg string) error {
	patch := jobstore.Patch{Status: &status, Progress: &pct, Stage: &stageName}
	if msg != "" {
		patch.Message = &msg
	}
	if _, err := r.jobs.Update(ctx, id, patch); err != nil {
		if fault.CodeOf(err) == fault.InvalidState {
			return errSuperseded
		}
		return err
	}
	return nil
}

// stageTimeoutCode maps a timed-out stage to its taxonomy class.
func stageTimeoutCode(stageName string) fault.Code {
	switch stageName {
	case "fetch":
		return fault.FetchFailed
	case "resolve":
		return fault.DependencyResolutionFailed
	case "repack":
		return fault.PackagingFailed
	}
	return fault.Internal
}

// ---- stage markers ----

func (st *state) markerPath(name string) string {
	return filepath.Join(st.workspace, ".done-"+name)
}

func (st *state) done(name string) bool {
	_, err := os.Stat(st.markerPath(name))
	return err == nil
}

func (st *state) mark(name string) error {
	return os.WriteFile(st.markerPath(name), nil, 0o600)
}

func (st *state) clearMarkers() {
	entries, err := os.ReadDir(st.workspace)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".done-") {
			os.Remove(filepath.Join(st.workspace, e.Name()))
		}
	}
}
