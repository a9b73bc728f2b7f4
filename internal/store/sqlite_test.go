package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/todomirror/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "todos.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestNewSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	n, err := s.Count(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Count() = %d, %v; want 0", n, err)
	}
}

func TestCreate_StoresAndEmitsFullRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	todo := types.Todo{ID: "01HQZX3V8K9YJ2M4N6P7R8S9T0", Title: "Buy milk", CreatedAt: 1700000000000, CreatedBy: "alice"}
	stored, created, ev, err := s.Create(ctx, todo)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !created || ev == nil {
		t.Fatalf("created = %v, ev = %v; want a new record and an event", created, ev)
	}
	if stored != todo {
		t.Errorf("stored = %+v, want %+v", stored, todo)
	}
	if ev.Deleted || ev.Record.Title == nil || *ev.Record.Title != "Buy milk" || ev.Record.CreatedBy == nil {
		t.Errorf("event = %+v, want full upsert", ev)
	}

	got, err := s.Get(ctx, todo.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != todo {
		t.Errorf("Get() = %+v, want %+v", got, todo)
	}
}

func TestCreate_IdempotentOnID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := types.Todo{ID: "A", Title: "first", CreatedAt: 1}
	if _, _, _, err := s.Create(ctx, first); err != nil {
		t.Fatal(err)
	}
	stored, created, ev, err := s.Create(ctx, types.Todo{ID: "A", Title: "second", CreatedAt: 2})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created || ev != nil {
		t.Error("duplicate create must not report a new record or an event")
	}
	if stored.Title != "first" {
		t.Errorf("stored.Title = %q, want first", stored.Title)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestCreate_DefaultsCreatedAt(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.UnixMilli(1700000000123) }

	stored, _, _, err := s.Create(context.Background(), types.Todo{ID: "A", Title: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if stored.CreatedAt != 1700000000123 {
		t.Errorf("CreatedAt = %d, want clock time", stored.CreatedAt)
	}
}

func TestCreate_LegacyRecordWithoutAuthor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := s.Create(ctx, types.Todo{ID: "A", Title: "x", CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatedBy != "" {
		t.Errorf("CreatedBy = %q, want empty", got.CreatedBy)
	}
}

func TestUpdate_MergesPresentFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, types.Todo{ID: "A", Title: "a", CreatedAt: 1, CreatedBy: "alice"})

	got, ev, err := s.Update(ctx, "A", types.Patch{Completed: ptr(true), CreatedBy: ptr("mallory")})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !got.Completed || got.Title != "a" || got.CreatedBy != "alice" {
		t.Errorf("record = %+v, want completed with title and author kept", got)
	}
	if ev.Record.Title != nil || ev.Record.CreatedBy != nil || ev.Record.Completed == nil {
		t.Errorf("event = %+v, want completed only", ev.Record)
	}

	got, _, err = s.Update(ctx, "A", types.Patch{Title: ptr("b")})
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "b" || !got.Completed {
		t.Errorf("record = %+v", got)
	}
}

func TestUpdate_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Update(ctx, "missing", types.Patch{Title: ptr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
	if _, _, err := s.Update(ctx, "A", types.Patch{CreatedAt: ptr(int64(5))}); !errors.Is(err, ErrEmptyPatch) {
		t.Errorf("Update(no fields) error = %v, want ErrEmptyPatch", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, types.Todo{ID: "A", Title: "a", CreatedAt: 1})

	ev, err := s.Delete(ctx, "A")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !ev.Deleted || ev.Record.ID != "A" {
		t.Errorf("event = %+v", ev)
	}
	if _, err := s.Get(ctx, "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
	if _, err := s.Delete(ctx, "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestSearch_NewestFirstAndBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"A", "B", "C"} {
		s.Create(ctx, types.Todo{ID: id, Title: id, CreatedAt: int64(i + 1)})
	}

	all, err := s.Search(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "C" || all[2].ID != "A" {
		t.Errorf("Search(10) = %+v, want C, B, A", all)
	}

	two, _ := s.Search(ctx, 2)
	if len(two) != 2 {
		t.Errorf("Search(2) returned %d records", len(two))
	}

	if _, err := s.Search(ctx, 0); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("Search(0) error = %v, want ErrInvalidLimit", err)
	}
}

func TestChangesAfter_RecordsEveryWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, types.Todo{ID: "A", Title: "a", CreatedAt: 1, CreatedBy: "alice"})
	s.Create(ctx, types.Todo{ID: "A", Title: "dup", CreatedAt: 1})
	s.Update(ctx, "A", types.Patch{Completed: ptr(true)})
	s.Delete(ctx, "A")

	entries, err := s.ChangesAfter(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3 (duplicate create is not a change)", len(entries))
	}
	wantOps := []string{OperationUpsert, OperationUpsert, OperationDelete}
	for i, e := range entries {
		if e.Operation != wantOps[i] || e.TodoID != "A" {
			t.Errorf("entry %d = %+v", i, e)
		}
		if i > 0 && e.Sequence <= entries[i-1].Sequence {
			t.Errorf("sequence not increasing at %d", i)
		}
	}
	if entries[0].SourceID != "alice" {
		t.Errorf("SourceID = %q, want author", entries[0].SourceID)
	}
	if !entries[2].Event.Deleted {
		t.Error("last entry should be a deletion event")
	}

	tail, err := s.ChangesAfter(ctx, entries[1].Sequence, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].Sequence != entries[2].Sequence {
		t.Errorf("ChangesAfter(second) = %+v", tail)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := RunMigrations(s.db); err != nil {
		t.Fatalf("second migration should be a no-op, got %v", err)
	}
}

func TestCompactChangeLog_ExportsAndRemovesExpiredPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	clock := base
	s.now = func() time.Time { return clock }
	s.Create(ctx, types.Todo{ID: "A", Title: "a", CreatedBy: "alice"})
	clock = base.Add(time.Hour)
	s.Update(ctx, "A", types.Patch{Completed: ptr(true)})
	clock = base.Add(48 * time.Hour)
	s.Delete(ctx, "A")

	dir := filepath.Join(t.TempDir(), "audit")
	res, err := s.CompactChangeLog(ctx, base.Add(24*time.Hour), dir)
	if err != nil {
		t.Fatalf("CompactChangeLog() error = %v", err)
	}
	if res.Exported != 2 || res.Deleted != 2 {
		t.Errorf("result = %+v, want 2 exported and deleted", res)
	}
	if filepath.Dir(res.AuditFile) != dir {
		t.Errorf("AuditFile = %q, want inside %q", res.AuditFile, dir)
	}

	data, err := os.ReadFile(res.AuditFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("audit lines = %d, want 2", len(lines))
	}
	var first ChangeLogEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.TodoID != "A" || first.SourceID != "alice" || !first.CreatedAt.Equal(base) {
		t.Errorf("first audit entry = %+v", first)
	}

	left, err := s.ChangesAfter(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || !left[0].Event.Deleted {
		t.Errorf("remaining entries = %+v, want only the deletion", left)
	}
}

func TestCompactChangeLog_NothingExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, types.Todo{ID: "A", Title: "a"})

	dir := filepath.Join(t.TempDir(), "audit")
	res, err := s.CompactChangeLog(ctx, time.Now().Add(-time.Hour), dir)
	if err != nil {
		t.Fatal(err)
	}
	if res != (CompactionResult{}) {
		t.Errorf("result = %+v, want zero", res)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("audit directory should not be created when nothing expires")
	}
}
