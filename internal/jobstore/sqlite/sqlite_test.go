package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newJob(id string) *jobstore.Job {
	now := time.Now().UTC()
	return &jobstore.Job{
		ID:        id,
		Origin:    jobstore.Origin{Kind: jobstore.OriginURL, URL: "https://example.com/x.difypkg"},
		Suffix:    "offline",
		Status:    jobstore.StatusPending,
		Stage:     "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateGetRoundtrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	if err := db.CreateJob(ctx, newJob("j1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := db.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected job, got nil")
	}
	if got.Status != jobstore.StatusPending || got.Origin.URL != "https://example.com/x.difypkg" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	missing, err := db.GetJob(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown id, got %+v", missing)
	}
}

func TestUpdateTransitions(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	if err := db.CreateJob(ctx, newJob("j1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	step := func(to jobstore.Status) error {
		_, err := db.UpdateJob(ctx, "j1", jobstore.Patch{Status: &to})
		return err
	}

	// pending → completed is illegal.
	if err := step(jobstore.StatusCompleted); fault.CodeOf(err) != fault.InvalidState {
		t.Errorf("pending→completed: expected InvalidState, got %v", err)
	}

	for _, to := range []jobstore.Status{
		jobstore.StatusDownloading, jobstore.StatusProcessing, jobstore.StatusCompleted,
	} {
		if err := step(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	// Terminal states are absorbing.
	if err := step(jobstore.StatusDownloading); fault.CodeOf(err) != fault.InvalidState {
		t.Errorf("completed→downloading: expected InvalidState, got %v", err)
	}

	got, _ := db.GetJob(ctx, "j1")
	if got.CompletedAt == nil {
		t.Error("completed job has no completed_at")
	}
}

func TestUpdatePreservesUnspecifiedFields(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	if err := db.CreateJob(ctx, newJob("j1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	meta := &jobstore.PluginMeta{Name: "agent", Author: "langgenius", Version: "0.0.9"}
	if _, err := db.UpdateJob(ctx, "j1", jobstore.Patch{Meta: meta}); err != nil {
		t.Fatalf("set meta: %v", err)
	}

	p := 42
	if _, err := db.UpdateJob(ctx, "j1", jobstore.Patch{Progress: &p}); err != nil {
		t.Fatalf("set progress: %v", err)
	}

	got, _ := db.GetJob(ctx, "j1")
	if got.Meta == nil || got.Meta.Name != "agent" {
		t.Errorf("meta lost on unrelated patch: %+v", got.Meta)
	}
	if got.Progress != 42 {
		t.Errorf("progress = %d, want 42", got.Progress)
	}
}

func TestUpdateUnknownJob(t *testing.T) {
	db := openTest(t)
	p := 1
	_, err := db.UpdateJob(context.Background(), "ghost", jobstore.Patch{Progress: &p})
	if fault.CodeOf(err) != fault.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestEventSequenceAndRetention(t *testing.T) {
	db := openTest(t) // eventKeep = 4
	ctx := context.Background()
	if err := db.CreateJob(ctx, newJob("j1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 6; i++ {
		ev := &jobstore.Event{JobID: "j1", Kind: jobstore.KindStatus, Progress: i}
		seq, err := db.AppendEvent(ctx, ev)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", seq, i+1)
		}
	}

	events, err := db.EventsSince(ctx, "j1", 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("retained %d events, want 4", len(events))
	}
	// Oldest retained is seq 3; order must be ascending and gap-free.
	for i, ev := range events {
		if ev.Seq != int64(i+3) {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, i+3)
		}
	}

	later, _ := db.EventsSince(ctx, "j1", 5)
	if len(later) != 1 || later[0].Seq != 6 {
		t.Errorf("since 5: got %+v", later)
	}
}

func TestListOrdering(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		j := newJob(id)
		j.CreatedAt = j.CreatedAt.Add(time.Duration(i) * time.Second)
		j.UpdatedAt = j.CreatedAt
		if err := db.CreateJob(ctx, j); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	recent, err := db.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "c" || recent[2].ID != "a" {
		t.Errorf("recent order wrong: %v", ids(recent))
	}

	// Complete "a" only; files view should contain just it.
	for _, to := range []jobstore.Status{jobstore.StatusDownloading, jobstore.StatusProcessing, jobstore.StatusCompleted} {
		st := to
		if _, err := db.UpdateJob(ctx, "a", jobstore.Patch{Status: &st}); err != nil {
			t.Fatalf("advance a: %v", err)
		}
	}
	done, err := db.ListCompleted(ctx, 10)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(done) != 1 || done[0].ID != "a" {
		t.Errorf("completed view wrong: %v", ids(done))
	}
}

func TestTombstoneExpired(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	if err := db.CreateJob(ctx, newJob("j1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, to := range []jobstore.Status{jobstore.StatusDownloading, jobstore.StatusProcessing} {
		st := to
		if _, err := db.UpdateJob(ctx, "j1", jobstore.Patch{Status: &st}); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	st := jobstore.StatusFailed
	msg := "boom"
	if _, err := db.UpdateJob(ctx, "j1", jobstore.Patch{Status: &st, Error: &msg}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := db.AppendEvent(ctx, &jobstore.Event{JobID: "j1", Kind: jobstore.KindTerminal}); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := db.TombstoneExpired(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if n != 1 {
		t.Fatalf("tombstoned %d rows, want 1", n)
	}

	got, _ := db.GetJob(ctx, "j1")
	if !got.Tombstone || got.Status != jobstore.StatusFailed {
		t.Errorf("tombstone keeps id+status: %+v", got)
	}
	if got.Error != "" || got.Meta != nil || got.Stage != "" {
		t.Errorf("tombstone carries stripped fields: %+v", got)
	}
	events, _ := db.EventsSince(ctx, "j1", 0)
	if len(events) != 0 {
		t.Errorf("tombstoned job still has %d events", len(events))
	}
}

func ids(jobs []*jobstore.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
