package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hyperengineering/todomirror/internal/types"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return newSQLiteStore(db), mock
}

func expectDone(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

var errDisk = errors.New("disk I/O error")

func TestSearch_QueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, title").WillReturnError(errDisk)

	if _, err := s.Search(context.Background(), 10); !errors.Is(err, errDisk) {
		t.Errorf("Search() error = %v, want wrapped disk error", err)
	}
	expectDone(t, mock)
}

func TestSearch_ScanError(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "title"}).AddRow("A", "a")
	mock.ExpectQuery("SELECT id, title").WillReturnRows(rows)

	if _, err := s.Search(context.Background(), 10); err == nil {
		t.Error("Search() error = nil for short row")
	}
	expectDone(t, mock)
}

func TestCreate_InsertErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, title").WithArgs("A").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "completed", "created_at", "created_by"}))
	mock.ExpectExec("INSERT INTO todos").WillReturnError(errDisk)
	mock.ExpectRollback()

	_, _, _, err := s.Create(context.Background(), types.Todo{ID: "A", Title: "a", CreatedAt: 1})
	if !errors.Is(err, errDisk) {
		t.Errorf("Create() error = %v", err)
	}
	expectDone(t, mock)
}

func TestCreate_ChangeLogErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, title").WithArgs("A").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "completed", "created_at", "created_by"}))
	mock.ExpectExec("INSERT INTO todos").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO change_log").WillReturnError(errDisk)
	mock.ExpectRollback()

	_, created, ev, err := s.Create(context.Background(), types.Todo{ID: "A", Title: "a", CreatedAt: 1})
	if !errors.Is(err, errDisk) || created || ev != nil {
		t.Errorf("Create() = %v, %v, %v", created, ev, err)
	}
	expectDone(t, mock)
}

func TestCreate_CommitError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, title").WithArgs("A").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "completed", "created_at", "created_by"}))
	mock.ExpectExec("INSERT INTO todos").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO change_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errDisk)

	if _, _, _, err := s.Create(context.Background(), types.Todo{ID: "A", Title: "a", CreatedAt: 1}); !errors.Is(err, errDisk) {
		t.Errorf("Create() error = %v", err)
	}
	expectDone(t, mock)
}

func TestDelete_MissingRowRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM todos").WithArgs("A").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if _, err := s.Delete(context.Background(), "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
	expectDone(t, mock)
}

func TestUpdate_WriteError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, title").WithArgs("A").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "completed", "created_at", "created_by"}).
			AddRow("A", "a", false, int64(1), nil))
	mock.ExpectExec("UPDATE todos SET").WillReturnError(errDisk)
	mock.ExpectRollback()

	title := "b"
	if _, _, err := s.Update(context.Background(), "A", types.Patch{Title: &title}); !errors.Is(err, errDisk) {
		t.Errorf("Update() error = %v", err)
	}
	expectDone(t, mock)
}

func TestCount_Error(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errDisk)

	if _, err := s.Count(context.Background()); !errors.Is(err, errDisk) {
		t.Errorf("Count() error = %v", err)
	}
	expectDone(t, mock)
}

func TestSentinelErrors(t *testing.T) {
	for _, err := range []error{ErrNotFound, ErrEmptyPatch, ErrInvalidLimit} {
		if err == nil || err.Error() == "" {
			t.Errorf("sentinel %v has no message", err)
		}
	}
}
