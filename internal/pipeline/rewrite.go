package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	wheelsDir        = "wheels"
	requirementsFile = "requirements.txt"
)

// pip directives that make the installer use the bundled wheels instead of
// the network.  Prepended to requirements.txt by the rewrite stage.
var offlineDirectives = []string{
	"--no-index",
	"--find-links=./" + wheelsDir,
}

// rewrite modifies the extracted package so it installs from the bundled
// wheels (80–90% band): requirements.txt gains the offline directives, and
// the package ignore-lists are amended so wheels/ survives repacking.
// Idempotent: re-running leaves an already-rewritten package unchanged.
func (r *Runner) rewrite(ctx context.Context, st *state) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reqPath := filepath.Join(st.pkgDir, requirementsFile)
	raw, err := os.ReadFile(reqPath)
	switch {
	case os.IsNotExist(err):
		// No requirements — nothing to point at the wheels, but the ignore
		// lists still need amending so an empty wheels/ dir is carried.
	case err != nil:
		return fmt.Errorf("read %s: %w", requirementsFile, err)
	default:
		rewritten := prependDirectives(string(raw))
		if rewritten != string(raw) {
			if err := os.WriteFile(reqPath, []byte(rewritten), 0o644); err != nil {
				return fmt.Errorf("rewrite %s: %w", requirementsFile, err)
			}
			r.jobs.Log(ctx, st.job.ID, "requirements.txt rewritten for offline install")
		}
	}

	for _, ignore := range []string{".difyignore", ".gitignore"} {
		if err := unignoreWheels(filepath.Join(st.pkgDir, ignore)); err != nil {
			return fmt.Errorf("amend %s: %w", ignore, err)
		}
	}
	return nil
}

// prependDirectives adds the offline install directives unless present.
func prependDirectives(content string) string {
	var missing []string
	for _, d := range offlineDirectives {
		if !containsLine(content, d) {
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		return content
	}
	return strings.Join(missing, "\n") + "\n" + content
}

// unignoreWheels appends a negated wheels pattern to an ignore file so the
// archive tool keeps the bundled wheels.  Missing files are left missing.
func unignoreWheels(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	content := string(raw)
	negation := "!" + wheelsDir + "/"
	if containsLine(content, negation) {
		return nil
	}
	if !strings.HasSuffix(content, "\n") && content != "" {
		content += "\n"
	}
	content += negation + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func containsLine(content, want string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}
