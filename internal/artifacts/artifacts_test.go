package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), 24*time.Hour, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func writeSource(t *testing.T, s *Store, jobID, content string) string {
	t.Helper()
	ws, err := s.AllocateWorkspace(jobID)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	src := filepath.Join(ws, "result.difypkg")
	if err := os.WriteFile(src, []byte(content), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return src
}

func TestSafeName(t *testing.T) {
	for _, ok := range []string{"x-offline.difypkg", "agent-0.0.9-offline.difypkg", "a_b.c"} {
		if err := safeName(ok); err != nil {
			t.Errorf("safeName(%q) = %v, want nil", ok, err)
		}
	}
	for _, bad := range []string{
		"", ".", "..", "a/b", `a\b`, "a\x00b", "../etc/passwd",
		string(make([]byte, maxFilenameLen+1)),
	} {
		if err := safeName(bad); err == nil {
			t.Errorf("safeName(%q) = nil, want error", bad)
		}
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	s := newTestStore(t)

	ws, err := s.AllocateWorkspace("job1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	info, err := os.Stat(ws)
	if err != nil {
		t.Fatalf("stat workspace: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("workspace mode = %o, want 0700", info.Mode().Perm())
	}

	// Re-allocation returns the same path for resume.
	again, err := s.AllocateWorkspace("job1")
	if err != nil || again != ws {
		t.Errorf("re-allocate = (%q, %v), want (%q, nil)", again, err, ws)
	}

	if err := s.ReleaseWorkspace("job1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(ws); !os.IsNotExist(err) {
		t.Errorf("workspace still present after release")
	}
	// Idempotent.
	if err := s.ReleaseWorkspace("job1"); err != nil {
		t.Errorf("second release: %v", err)
	}
}

func TestPublishOutputIdempotent(t *testing.T) {
	s := newTestStore(t)

	src := writeSource(t, s, "job1", "package-bytes")
	desc, err := s.PublishOutput("job1", src, "x-offline.difypkg")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if desc.Size != int64(len("package-bytes")) || desc.SHA256 == "" {
		t.Errorf("descriptor incomplete: %+v", desc)
	}

	// Same content again: identical descriptor.
	src2 := writeSource(t, s, "job1", "package-bytes")
	desc2, err := s.PublishOutput("job1", src2, "x-offline.difypkg")
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if desc2.SHA256 != desc.SHA256 || desc2.Filename != desc.Filename || !desc2.CreatedAt.Equal(desc.CreatedAt) {
		t.Errorf("republish changed descriptor: %+v vs %+v", desc, desc2)
	}

	rc, got, err := s.OpenOutput("job1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	raw, _ := io.ReadAll(rc)
	if string(raw) != "package-bytes" {
		t.Errorf("read back %q", raw)
	}
	if got.SHA256 != desc.SHA256 {
		t.Errorf("descriptor mismatch on open")
	}
}

func TestPublishRejectsUnsafeFilename(t *testing.T) {
	s := newTestStore(t)
	src := writeSource(t, s, "job1", "x")
	if _, err := s.PublishOutput("job1", src, "../escape.difypkg"); fault.CodeOf(err) != fault.InvalidArgument {
		t.Errorf("expected InvalidArgument for traversal filename, got %v", err)
	}
}

func TestRetentionExpiry(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	s.now = func() time.Time { return now }

	src := writeSource(t, s, "job1", "data")
	if _, err := s.PublishOutput("job1", src, "x-offline.difypkg"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var cleared []string
	s.SetOnExpire(func(_ context.Context, id string) error {
		cleared = append(cleared, id)
		return nil
	})

	// Within TTL: still downloadable, reap is a no-op.
	s.Reap(context.Background())
	if _, _, err := s.OpenOutput("job1"); err != nil {
		t.Fatalf("open before expiry: %v", err)
	}

	// Past TTL: open fails, reap removes the file and detaches.
	now = now.Add(25 * time.Hour)
	if _, _, err := s.OpenOutput("job1"); fault.CodeOf(err) != fault.NotFound {
		t.Errorf("expected NotFound after expiry, got %v", err)
	}
	s.Reap(context.Background())
	if len(cleared) != 1 || cleared[0] != "job1" {
		t.Errorf("onExpire calls = %v, want [job1]", cleared)
	}
	if _, err := os.Stat(filepath.Join(s.outRoot, "job1")); !os.IsNotExist(err) {
		t.Errorf("output dir survived the reaper")
	}
}

func TestReapOrphanWorkspaces(t *testing.T) {
	s := newTestStore(t)

	// An orphan: on disk, not tracked as active, old mtime.
	orphan := filepath.Join(s.workRoot, "dead-job")
	if err := os.Mkdir(orphan, 0o700); err != nil {
		t.Fatalf("mkdir orphan: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(orphan, old, old)

	// A live workspace with the same age must survive.
	live, err := s.AllocateWorkspace("live-job")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	os.Chtimes(live, old, old)

	s.Reap(context.Background())

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan workspace survived")
	}
	if _, err := os.Stat(live); err != nil {
		t.Error("live workspace was reaped")
	}
}
