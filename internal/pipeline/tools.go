package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
)

// resolve downloads all declared Python dependencies as wheels for the
// selected platform tag into the package's wheels/ directory (40–80% band).
func (r *Runner) resolve(ctx context.Context, st *state) error {
	reqPath := filepath.Join(st.pkgDir, requirementsFile)
	wheels := filepath.Join(st.pkgDir, wheelsDir)
	if err := os.MkdirAll(wheels, 0o755); err != nil {
		return fmt.Errorf("mkdir wheels: %w", err)
	}

	if _, err := os.Stat(reqPath); os.IsNotExist(err) {
		r.jobs.Log(ctx, st.job.ID, "[system] package declares no requirements, skipping wheel download")
		return nil
	}

	argv := []string{r.cfg.PipCommand, "download",
		"-r", requirementsFile,
		"-d", wheelsDir,
	}
	if st.job.Platform != "" {
		argv = append(argv,
			"--platform", st.job.Platform,
			"--only-binary", ":all:",
		)
	}
	if r.cfg.PackagingMirrorURL != "" {
		argv = append(argv, "-i", r.cfg.PackagingMirrorURL)
	}

	res, err := r.runCommand(ctx, st.job.ID, argv, st.pkgDir)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		e := fault.New(fault.DependencyResolutionFailed,
			"wheel download failed (exit %d): %s", res.exitCode, truncate(res.tailString(), 1024))
		// SIGKILL without an explicit cap breach, and mirror-side 5xx
		// answers, are worth another attempt.
		if res.signaled || mentionsServerError(res.tail) {
			e.Retry = true
		}
		return e
	}
	return nil
}

// repack invokes the plugin-archive tool to produce the final package and
// publishes it to the artifact store (90–98% band).
func (r *Runner) repack(ctx context.Context, st *state) error {
	tool, err := r.pluginTool()
	if err != nil {
		return err
	}
	if st.stem == "" {
		st.stem = st.job.ID
	}
	outName := packageFilename(st.stem, st.job.Suffix)
	outPath := filepath.Join(st.workspace, outName)

	argv := []string{tool, "plugin", "package", st.pkgDir, "-o", outPath}
	res, err := r.runCommand(ctx, st.job.ID, argv, st.workspace)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return fault.New(fault.PackagingFailed,
			"plugin packaging failed (exit %d): %s", res.exitCode, truncate(res.tailString(), 1024))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fault.Wrap(fault.PackagingFailed, err, "packaging tool produced no output")
	}

	desc, err := r.art.PublishOutput(st.job.ID, outPath, outName)
	if err != nil {
		return err
	}
	st.output = desc
	return nil
}

// pluginTool selects the platform-specific plugin-archive binary by host
// OS and architecture.
func (r *Runner) pluginTool() (string, error) {
	name := fmt.Sprintf("dify-plugin-%s-%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	tool := filepath.Join(r.cfg.PluginToolDir, name)
	if _, err := os.Stat(tool); err != nil {
		return "", fault.Wrap(fault.PackagingFailed, err, "plugin tool %s not installed", name)
	}
	return tool, nil
}

// mentionsServerError scans tool output for mirror-side 5xx failures.
func mentionsServerError(tail []string) bool {
	for _, line := range tail {
		for _, marker := range []string{"HTTP error 5", " 500 ", " 502 ", " 503 ", " 504 ", "Connection reset", "Read timed out"} {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
