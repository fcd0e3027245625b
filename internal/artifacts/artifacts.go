// Package artifacts manages the on-disk resources of jobs: ephemeral
// per-job workspaces under work/, staged upload handoffs under
// work/uploads/, and retained outputs under out/ with TTL-based reaping.
//
// Every path handed out is confined to the data root after symlink
// resolution, and filenames are validated before touching the filesystem.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
)

const (
	// orphanAge is how old an untracked workspace must be before the
	// reaper removes it.
	orphanAge = time.Hour

	// maxFilenameLen caps output filenames well below common FS limits.
	maxFilenameLen = 200
)

// Store owns the work/ and out/ roots under the configured data directory.
type Store struct {
	root     string
	workRoot string
	outRoot  string

	retention time.Duration
	minFree   int64
	logger    *zap.Logger

	// now is swappable so retention tests can advance time.
	now func() time.Time

	// onExpire detaches the output descriptor from the job record after the
	// reaper deletes a file.  Wired to jobstore at startup.
	onExpire func(ctx context.Context, jobID string) error

	mu      sync.Mutex
	active  map[string]struct{}                    // job ids with a live workspace
	outputs map[string]*jobstore.OutputDescriptor // job id → retained output
}

// New creates the directory layout under root and returns the Store.
func New(root string, retention time.Duration, minFree int64, logger *zap.Logger) (*Store, error) {
	s := &Store{
		root:      root,
		workRoot:  filepath.Join(root, "work"),
		outRoot:   filepath.Join(root, "out"),
		retention: retention,
		minFree:   minFree,
		logger:    logger.Named("artifacts"),
		now:       time.Now,
		active:    make(map[string]struct{}),
		outputs:   make(map[string]*jobstore.OutputDescriptor),
	}
	for _, dir := range []string{s.workRoot, s.outRoot, filepath.Join(s.workRoot, "uploads")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return s, nil
}

// SetOnExpire wires the reaper's descriptor-detach callback.
func (s *Store) SetOnExpire(fn func(ctx context.Context, jobID string) error) { s.onExpire = fn }

// ---- workspaces ----

// AllocateWorkspace creates work/<job_id>/ with private mode and returns its
// absolute path.  Re-allocating an existing workspace returns the same path
// so a re-invoked pipeline can resume from partial outputs.
func (s *Store) AllocateWorkspace(jobID string) (string, error) {
	if err := safeName(jobID); err != nil {
		return "", err
	}
	if err := s.checkFreeSpace(); err != nil {
		return "", err
	}

	dir := filepath.Join(s.workRoot, jobID)
	if err := os.Mkdir(dir, 0o700); err != nil && !os.IsExist(err) {
		return "", fmt.Errorf("mkdir workspace: %w", err)
	}

	s.mu.Lock()
	s.active[jobID] = struct{}{}
	s.mu.Unlock()
	return dir, nil
}

// WorkspacePath returns where the job's workspace lives, without creating it.
func (s *Store) WorkspacePath(jobID string) string {
	return filepath.Join(s.workRoot, jobID)
}

// ReleaseWorkspace recursively deletes the job's workspace.  Idempotent and
// safe to call on partial failure.
func (s *Store) ReleaseWorkspace(jobID string) error {
	if err := safeName(jobID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.workRoot, jobID)); err != nil {
		return fmt.Errorf("release workspace %s: %w", jobID, err)
	}
	os.Remove(s.UploadPath(jobID))
	return nil
}

// UploadPath is the staged-upload handoff location for a job.  The
// controller writes the uploaded file here before enqueueing.
func (s *Store) UploadPath(jobID string) string {
	return filepath.Join(s.workRoot, "uploads", jobID+".difypkg")
}

// ---- outputs ----

// PublishOutput atomically moves the finished package from the workspace
// into out/<job_id>/<filename>, computes size and content hash, and stamps
// the retention deadline.  Idempotent: republishing identical content for
// the same job returns the descriptor already on record.
func (s *Store) PublishOutput(jobID, sourcePath, filename string) (*jobstore.OutputDescriptor, error) {
	if err := safeName(jobID); err != nil {
		return nil, err
	}
	if err := safeName(filename); err != nil {
		return nil, err
	}

	destDir := filepath.Join(s.outRoot, jobID)
	dest := filepath.Join(destDir, filename)
	if err := s.confine(destDir); err != nil {
		return nil, err
	}

	srcHash, srcSize, err := hashFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("hash output: %w", err)
	}

	s.mu.Lock()
	prior := s.outputs[jobID]
	s.mu.Unlock()
	if prior != nil && prior.SHA256 == srcHash && prior.Filename == filename {
		os.Remove(sourcePath)
		return prior, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir output dir: %w", err)
	}
	if err := os.Rename(sourcePath, dest); err != nil {
		// work/ and out/ normally share a filesystem; fall back to a copy
		// when they do not.
		if cerr := copyFile(sourcePath, dest); cerr != nil {
			return nil, fmt.Errorf("publish output: %w", cerr)
		}
		os.Remove(sourcePath)
	}

	now := s.now().UTC()
	desc := &jobstore.OutputDescriptor{
		Filename:  filename,
		Size:      srcSize,
		SHA256:    srcHash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}

	s.mu.Lock()
	s.outputs[jobID] = desc
	s.mu.Unlock()

	s.logger.Info("output published",
		zap.String("job_id", jobID),
		zap.String("filename", filename),
		zap.String("size", humanize.Bytes(uint64(srcSize))),
		zap.Time("expires_at", desc.ExpiresAt))
	return desc, nil
}

// OpenOutput returns a streaming reader for the job's retained output, or
// fault.NotFound when there is none or its retention expired.
func (s *Store) OpenOutput(jobID string) (io.ReadCloser, *jobstore.OutputDescriptor, error) {
	if err := safeName(jobID); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	desc := s.outputs[jobID]
	s.mu.Unlock()
	if desc == nil {
		return nil, nil, fault.New(fault.NotFound, "no output for job %s", jobID)
	}
	if !s.now().Before(desc.ExpiresAt) {
		return nil, nil, fault.New(fault.NotFound, "output for job %s expired", jobID)
	}

	f, err := os.Open(filepath.Join(s.outRoot, jobID, desc.Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fault.New(fault.NotFound, "output for job %s missing", jobID)
		}
		return nil, nil, err
	}
	return f, desc, nil
}

// Restore rehydrates the retention index from job records persisted across
// a restart, dropping descriptors whose files vanished.
func (s *Store) Restore(jobs []*jobstore.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if job.Output == nil {
			continue
		}
		path := filepath.Join(s.outRoot, job.ID, job.Output.Filename)
		if _, err := os.Stat(path); err != nil {
			s.logger.Warn("retained output missing on restore",
				zap.String("job_id", job.ID), zap.String("path", path))
			continue
		}
		s.outputs[job.ID] = job.Output
	}
	s.logger.Info("retention index restored", zap.Int("outputs", len(s.outputs)))
}

// ---- reaping ----

// Reap removes outputs past their retention deadline and orphaned
// workspaces older than an hour.
func (s *Store) Reap(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var expired []string
	for id, desc := range s.outputs {
		if !now.Before(desc.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.outputs, id)
	}
	s.mu.Unlock()

	for _, id := range expired {
		if err := os.RemoveAll(filepath.Join(s.outRoot, id)); err != nil {
			s.logger.Warn("reap output", zap.String("job_id", id), zap.Error(err))
		}
		if s.onExpire != nil {
			if err := s.onExpire(ctx, id); err != nil {
				s.logger.Warn("detach expired output", zap.String("job_id", id), zap.Error(err))
			}
		}
		s.logger.Info("output reaped", zap.String("job_id", id))
	}

	s.reapOrphans(now)
}

// reapOrphans removes work/ entries that no live job owns and that have not
// been touched for orphanAge.
func (s *Store) reapOrphans(now time.Time) {
	entries, err := os.ReadDir(s.workRoot)
	if err != nil {
		s.logger.Warn("scan work root", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.Name() == "uploads" {
			s.reapStaleUploads(now)
			continue
		}
		s.mu.Lock()
		_, live := s.active[e.Name()]
		s.mu.Unlock()
		if live {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < orphanAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.workRoot, e.Name())); err != nil {
			s.logger.Warn("reap orphan workspace", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		s.logger.Info("orphan workspace reaped", zap.String("dir", e.Name()))
	}
}

// reapStaleUploads removes handoff files whose job never claimed them.
func (s *Store) reapStaleUploads(now time.Time) {
	dir := filepath.Join(s.workRoot, "uploads")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < orphanAge {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			s.logger.Info("stale upload reaped", zap.String("file", e.Name()))
		}
	}
}

// RunReaper reaps on the given interval until ctx is cancelled.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(ctx)
		}
	}
}

// ---- path safety ----

// safeName rejects anything that could traverse outside the data root:
// path separators, parent references, NUL bytes, and oversized names.
func safeName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fault.New(fault.InvalidArgument, "empty or reserved filename")
	case len(name) > maxFilenameLen:
		return fault.New(fault.InvalidArgument, "filename too long (%d bytes)", len(name))
	case strings.ContainsAny(name, "/\\\x00"):
		return fault.New(fault.InvalidArgument, "filename contains a path separator or NUL")
	case strings.Contains(name, ".."):
		return fault.New(fault.InvalidArgument, "filename contains a parent reference")
	}
	return nil
}

// confine verifies that path stays under the data root after symlink
// resolution.  The deepest existing ancestor is resolved, so confinement
// holds for paths about to be created too.
func (s *Store) confine(path string) error {
	resolvedRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return fmt.Errorf("resolve data root: %w", err)
	}

	probe := path
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
				return fault.New(fault.InvalidArgument, "path escapes data root")
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return fault.New(fault.InvalidArgument, "path escapes data root")
		}
		probe = parent
	}
}

// checkFreeSpace fails workspace allocation when the filesystem is nearly
// full, so a doomed pipeline fails fast instead of mid-resolve.
func (s *Store) checkFreeSpace() error {
	if s.minFree <= 0 {
		return nil
	}
	var st unix.Statfs_t
	if err := unix.Statfs(s.workRoot, &st); err != nil {
		// Statfs failing is not worth refusing work over.
		s.logger.Warn("statfs", zap.Error(err))
		return nil
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	if free < s.minFree {
		return fault.New(fault.Overloaded, "low disk space: %s free",
			humanize.Bytes(uint64(free)))
	}
	return nil
}

// ---- file helpers ----

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
