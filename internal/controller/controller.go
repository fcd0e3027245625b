// Package controller registers the HTTP admission surface using vanilla
// net/http (Go 1.22+ mux).  It validates input, creates and enqueues jobs,
// and serves status, listings, downloads and cancellation.
package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging/internal/config"
	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/gateway"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging/internal/metrics"
	"github.com/resline/dify-plugin-repackaging/internal/worker"
)

const maxListLimit = 100

// Controller wires the admission endpoints to the job store, the broker
// queue, the artifact store and the progress gateway.
type Controller struct {
	cfg    *config.Config
	jobs   *jobstore.Service
	queue  *worker.Queue
	art    *artifacts.Store
	gw     *gateway.Gateway
	logger *zap.Logger
}

// New builds the Controller.
func New(cfg *config.Config, jobs *jobstore.Service, queue *worker.Queue,
	art *artifacts.Store, gw *gateway.Gateway, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		jobs:   jobs,
		queue:  queue,
		art:    art,
		gw:     gw,
		logger: logger.Named("controller"),
	}
}

// Handler builds and returns the application HTTP handler.
func (c *Controller) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", c.createTask)
	mux.HandleFunc("POST /tasks/marketplace", c.createMarketplaceTask)
	mux.HandleFunc("POST /tasks/upload", c.createUploadTask)

	mux.HandleFunc("GET /tasks", c.listRecent)
	mux.HandleFunc("GET /files", c.listCompleted)
	mux.HandleFunc("GET /tasks/{id}", c.getTask)
	mux.HandleFunc("GET /tasks/{id}/download", c.download)
	mux.HandleFunc("DELETE /tasks/{id}", c.cancel)

	mux.HandleFunc("GET /ws/tasks/{id}", c.gw.Handler())

	mux.HandleFunc("GET /healthz", c.health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /admin/reap", c.forceReap)

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	writeJSON(w, fault.HTTPStatus(code), map[string]string{
		"error":      fault.Message(err),
		"error_code": string(code),
	})
}

// ---- create paths ----

type createRequest struct {
	URL               string                    `json:"url,omitempty"`
	MarketplacePlugin *jobstore.MarketplaceRef `json:"marketplace_plugin,omitempty"`
	Platform          string                    `json:"platform,omitempty"`
	Suffix            string                    `json:"suffix,omitempty"`
}

func (c *Controller) createTask(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fault.Wrap(fault.InvalidArgument, err, "invalid JSON body"))
		return
	}

	var origin jobstore.Origin
	switch {
	case body.URL != "" && body.MarketplacePlugin != nil:
		writeError(w, fault.New(fault.InvalidArgument, "provide exactly one of url or marketplace_plugin"))
		return
	case body.URL != "":
		origin = jobstore.Origin{Kind: jobstore.OriginURL, URL: body.URL}
	case body.MarketplacePlugin != nil:
		origin = jobstore.Origin{Kind: jobstore.OriginMarketplace, Marketplace: body.MarketplacePlugin}
	default:
		writeError(w, fault.New(fault.InvalidArgument, "provide exactly one of url or marketplace_plugin"))
		return
	}

	c.admit(w, r, origin, body.Platform, body.Suffix)
}

func (c *Controller) createMarketplaceTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		jobstore.MarketplaceRef
		Platform string `json:"platform,omitempty"`
		Suffix   string `json:"suffix,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fault.Wrap(fault.InvalidArgument, err, "invalid JSON body"))
		return
	}
	origin := jobstore.Origin{
		Kind:        jobstore.OriginMarketplace,
		Marketplace: &jobstore.MarketplaceRef{Author: body.Author, Name: body.Name, Version: body.Version},
	}
	c.admit(w, r, origin, body.Platform, body.Suffix)
}

func (c *Controller) createUploadTask(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, fault.Wrap(fault.InvalidArgument, err, "invalid multipart body"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fault.Wrap(fault.InvalidArgument, err, "file field is required"))
		return
	}
	defer file.Close()

	if !strings.HasSuffix(header.Filename, ".difypkg") {
		writeError(w, fault.New(fault.InvalidArgument, "uploaded file must end with .difypkg"))
		return
	}
	if header.Size > c.cfg.DownloadSizeCapBytes {
		writeError(w, fault.New(fault.InvalidArgument, "uploaded file exceeds the size cap"))
		return
	}

	// Stage the handoff before the job exists; the path is keyed by a fresh
	// id so a failed admission leaves at most one stray file for the reaper.
	staged := c.art.UploadPath(uuid.NewString())
	if err := saveUpload(file, header.Size, staged); err != nil {
		c.logger.Warn("stage upload", zap.Error(err))
		writeError(w, fault.Wrap(fault.Internal, err, "could not stage upload"))
		return
	}

	origin := jobstore.Origin{
		Kind:       jobstore.OriginUpload,
		UploadPath: staged,
		UploadName: header.Filename,
	}
	c.admit(w, r, origin, r.FormValue("platform"), r.FormValue("suffix"))
}

// admit runs the shared tail of all three create paths: validation,
// job allocation, enqueue.
func (c *Controller) admit(w http.ResponseWriter, r *http.Request, origin jobstore.Origin, platform, suffix string) {
	if !c.cfg.PlatformAllowed(platform) {
		writeError(w, fault.New(fault.InvalidArgument, "platform %q is not supported", platform))
		return
	}
	if c.queue.Depth() >= c.cfg.QueueHighWaterMark {
		writeError(w, fault.New(fault.Overloaded, "service is at capacity, retry later"))
		return
	}

	job, err := c.jobs.Create(r.Context(), origin, platform, suffix)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := c.queue.Enqueue(job.ID); err != nil {
		st := jobstore.StatusFailed
		msg := "queue unavailable"
		code := string(fault.Overloaded)
		if _, uerr := c.jobs.Update(r.Context(), job.ID, jobstore.Patch{
			Status: &st, Error: &msg, ErrorCode: &code, Message: &msg,
		}); uerr != nil {
			c.logger.Warn("fail unenqueued job", zap.String("job_id", job.ID), zap.Error(uerr))
		}
		writeError(w, err)
		return
	}

	c.logger.Info("job admitted",
		zap.String("job_id", job.ID),
		zap.String("origin", string(origin.Kind)),
		zap.String("platform", platform))
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": job.ID,
		"status":  string(job.Status),
	})
}

// ---- read paths ----

func (c *Controller) getTask(w http.ResponseWriter, r *http.Request) {
	job, err := c.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (c *Controller) listRecent(w http.ResponseWriter, r *http.Request) {
	jobs, err := c.jobs.ListRecent(r.Context(), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": emptyAsList(jobs)})
}

func (c *Controller) listCompleted(w http.ResponseWriter, r *http.Request) {
	jobs, err := c.jobs.ListCompleted(r.Context(), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": emptyAsList(jobs)})
}

func (c *Controller) download(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rc, desc, err := c.art.OpenOutput(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", desc.Filename))
	if _, err := io.Copy(w, rc); err != nil {
		c.logger.Debug("download aborted", zap.String("job_id", id), zap.Error(err))
	}
}

func (c *Controller) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := c.jobs.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": id,
		"status":  string(jobstore.StatusCancelled),
	})
}

// ---- system ----

func (c *Controller) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": c.queue.Depth(),
		"workers":     c.cfg.WorkerCount,
	})
}

// forceReap runs one reap cycle outside the timer, for operators.
func (c *Controller) forceReap(w http.ResponseWriter, r *http.Request) {
	c.art.Reap(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reaped"})
}

// ---- helpers ----

func listLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func emptyAsList(jobs []*jobstore.Job) []*jobstore.Job {
	if jobs == nil {
		return []*jobstore.Job{}
	}
	return jobs
}

func saveUpload(src io.Reader, size int64, dest string) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(src, size)); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
