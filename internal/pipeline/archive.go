package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
)

// manifest is the subset of the plugin manifest the service cares about.
type manifest struct {
	Name        string `yaml:"name"`
	Author      string `yaml:"author"`
	Version     string `yaml:"version"`
	Description any    `yaml:"description"` // string or localised map
	Label       any    `yaml:"label"`
}

// extract opens the fetched archive, reads the manifest, populates plugin
// metadata, and unpacks the package tree into the workspace (30–40% band).
func (r *Runner) extract(ctx context.Context, st *state) error {
	zr, err := zip.OpenReader(st.inputPath)
	if err != nil {
		return fault.Wrap(fault.InvalidPackage, err, "package is not a readable archive")
	}
	defer zr.Close()

	var mf *zip.File
	for _, f := range zr.File {
		if f.Name == "manifest.yaml" || f.Name == "manifest.yml" {
			mf = f
			break
		}
	}
	if mf == nil {
		return fault.New(fault.InvalidPackage, "archive has no manifest")
	}

	var m manifest
	if err := readYAML(mf, &m); err != nil {
		return fault.Wrap(fault.InvalidPackage, err, "manifest is malformed")
	}
	if m.Name == "" {
		return fault.New(fault.InvalidPackage, "manifest has no plugin name")
	}

	st.meta = &jobstore.PluginMeta{
		Name:        m.Name,
		Author:      m.Author,
		Version:     m.Version,
		Description: describeString(m.Description, m.Label),
	}
	if st.stem == "" {
		st.stem = m.Name
		if m.Version != "" {
			st.stem = m.Name + "-" + m.Version
		}
	}

	// Uncompressed size bound: a zip bomb should not fill the disk.
	uncompressedCap := r.cfg.DownloadSizeCapBytes * 4
	var total int64

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		total += int64(f.UncompressedSize64)
		if total > uncompressedCap {
			return fault.New(fault.InvalidPackage, "archive expands beyond the size cap")
		}
		if err := extractOne(f, st.pkgDir); err != nil {
			return err
		}
	}

	meta := st.meta
	if _, err := r.jobs.Update(ctx, st.job.ID, jobstore.Patch{Meta: meta}); err != nil {
		if fault.CodeOf(err) == fault.InvalidState {
			return errSuperseded
		}
		return err
	}
	return nil
}

// extractOne writes a single archive entry under destRoot with a zip-slip
// guard: the cleaned entry path must stay inside destRoot.
func extractOne(f *zip.File, destRoot string) error {
	name := filepath.Clean(f.Name)
	if name == "." || strings.HasPrefix(name, ".."+string(filepath.Separator)) || name == ".." || filepath.IsAbs(name) {
		return fault.New(fault.InvalidPackage, "archive entry %q escapes the package root", f.Name)
	}
	dest := filepath.Join(destRoot, name)
	if !strings.HasPrefix(dest, destRoot+string(filepath.Separator)) {
		return fault.New(fault.InvalidPackage, "archive entry %q escapes the package root", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if f.Mode()&os.ModeSymlink != 0 {
		// Symlinks inside plugin archives are not honoured; their targets
		// could point outside the workspace.
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fault.Wrap(fault.InvalidPackage, err, "open archive entry %q", f.Name)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fault.Wrap(fault.InvalidPackage, err, "extract archive entry %q", f.Name)
	}
	return out.Close()
}

func readYAML(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, 1<<20))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, v)
}

// describeString flattens the manifest description, which may be a plain
// string or a localised map; label's en_US entry is the fallback.
func describeString(desc, label any) string {
	if s := localised(desc); s != "" {
		return s
	}
	return localised(label)
}

func localised(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, key := range []string{"en_US", "en", "en-US"} {
			if s, ok := t[key].(string); ok && s != "" {
				return s
			}
		}
		for _, s := range t {
			if str, ok := s.(string); ok && str != "" {
				return str
			}
		}
	}
	return ""
}

// packageFilename derives the output name: <stem>-<suffix>.difypkg.
func packageFilename(stem, suffix string) string {
	return fmt.Sprintf("%s-%s.difypkg", stem, suffix)
}
