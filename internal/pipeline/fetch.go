package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
)

// fetch obtains the source .difypkg into the workspace (0–30% band).
func (r *Runner) fetch(ctx context.Context, st *state) error {
	origin := st.job.Origin
	switch origin.Kind {
	case jobstore.OriginUpload:
		return r.fetchUpload(st)
	case jobstore.OriginURL:
		return r.fetchURL(ctx, st, origin.URL)
	case jobstore.OriginMarketplace:
		return r.fetchURL(ctx, st, r.marketplaceURL(origin.Marketplace))
	}
	return fault.New(fault.InvalidArgument, "unknown origin kind %q", origin.Kind)
}

// marketplaceURL composes the canonical download URL for a coordinate.
func (r *Runner) marketplaceURL(m *jobstore.MarketplaceRef) string {
	base := strings.TrimRight(r.cfg.MarketplaceBaseURL, "/")
	return fmt.Sprintf("%s/api/v1/plugins/%s/%s/%s/download",
		base, url.PathEscape(m.Author), url.PathEscape(m.Name), url.PathEscape(m.Version))
}

// fetchUpload moves the controller-staged file into the workspace.
func (r *Runner) fetchUpload(st *state) error {
	staged := st.job.Origin.UploadPath
	if err := os.Rename(staged, st.inputPath); err != nil {
		if os.IsNotExist(err) {
			// Already moved by a previous attempt.
			if _, serr := os.Stat(st.inputPath); serr == nil {
				return nil
			}
			return fault.Wrap(fault.FetchFailed, err, "staged upload missing")
		}
		return fault.Wrap(fault.FetchFailed, err, "move staged upload")
	}
	st.stem = stemOf(st.job.Origin.UploadName)
	return nil
}

// fetchURL downloads rawURL into the workspace, enforcing the redirect
// bound, the content-length cap, and the total-duration cap.
func (r *Runner) fetchURL(ctx context.Context, st *state, rawURL string) error {
	sizeCap := r.cfg.DownloadSizeCapBytes

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DownloadDurationCap())
	defer cancel()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= r.cfg.DownloadMaxRedirects {
				return fmt.Errorf("more than %d redirects", r.cfg.DownloadMaxRedirects)
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("redirect to unsupported scheme %q", req.URL.Scheme)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(dctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fault.Wrap(fault.FetchFailed, err, "build download request")
	}

	resp, err := client.Do(req)
	if err != nil {
		if dctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fault.New(fault.FetchFailed, "download exceeded %s", r.cfg.DownloadDurationCap())
		}
		return fault.Retryable(fault.FetchFailed, err, "download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := fault.New(fault.FetchFailed, "download returned HTTP %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			e.Retry = true
		}
		return e
	}
	if resp.ContentLength > sizeCap {
		return fault.New(fault.FetchFailed, "package is %s, cap is %s",
			humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(sizeCap)))
	}

	out, err := os.OpenFile(st.inputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create input file: %w", err)
	}
	defer out.Close()

	written, err := r.copyWithProgress(dctx, st, out, resp.Body, resp.ContentLength, sizeCap)
	if err != nil {
		os.Remove(st.inputPath)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dctx.Err() == context.DeadlineExceeded {
			return fault.New(fault.FetchFailed, "download exceeded %s", r.cfg.DownloadDurationCap())
		}
		return err
	}
	if resp.ContentLength > 0 && written < resp.ContentLength {
		os.Remove(st.inputPath)
		return fault.Retryable(fault.FetchFailed, nil,
			"truncated transfer: got %d of %d bytes", written, resp.ContentLength)
	}

	// Stem from the final URL after redirects, falling back to the manifest
	// name later if the path carries no usable filename.
	st.stem = stemOf(path.Base(resp.Request.URL.Path))

	r.logger.Info("package fetched",
		zap.String("job_id", st.job.ID),
		zap.String("size", humanize.Bytes(uint64(written))))
	return nil
}

// copyWithProgress streams body to out in chunks, enforcing the size cap,
// checking cancellation between chunks, and mapping bytes onto the fetch
// stage's 0–30% band when the total is known.
func (r *Runner) copyWithProgress(ctx context.Context, st *state, out *os.File, body io.Reader, total, sizeCap int64) (int64, error) {
	buf := make([]byte, 256<<10)
	var written int64
	lastTick := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if written+int64(n) > sizeCap {
				return written, fault.New(fault.FetchFailed, "package exceeds %s cap",
					humanize.Bytes(uint64(sizeCap)))
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write input file: %w", werr)
			}
			written += int64(n)

			if total > 0 && time.Since(lastTick) >= time.Second {
				lastTick = time.Now()
				pct := int(written * 30 / total)
				if pct > 29 {
					pct = 29
				}
				msg := fmt.Sprintf("downloaded %s of %s",
					humanize.Bytes(uint64(written)), humanize.Bytes(uint64(total)))
				if err := r.progress(ctx, st.job.ID, jobstore.StatusDownloading, pct, "fetch", msg); err != nil {
					return written, err
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fault.Retryable(fault.FetchFailed, rerr, "read download stream")
		}
	}
}

// stemOf strips the package extension from a candidate filename, returning
// "" when the name is unusable.
func stemOf(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return ""
	}
	if !strings.HasSuffix(name, ".difypkg") {
		return ""
	}
	return strings.TrimSuffix(name, ".difypkg")
}
