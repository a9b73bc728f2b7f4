package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/todomirror/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed todo collection.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dbPath, applies pragmas and runs
// migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database lives only as long as its connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newSQLiteStore(db), nil
}

func newSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectTodoColumns = `SELECT id, title, completed, created_at, created_by FROM todos`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTodo(row rowScanner) (types.Todo, error) {
	var t types.Todo
	var createdBy sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Completed, &t.CreatedAt, &createdBy); err != nil {
		return types.Todo{}, err
	}
	t.CreatedBy = createdBy.String
	return t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Search returns at most limit records, newest first.
func (s *SQLiteStore) Search(ctx context.Context, limit int) ([]types.Todo, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.db.QueryContext(ctx,
		selectTodoColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer rows.Close()

	todos := make([]types.Todo, 0)
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		todos = append(todos, t)
	}
	return todos, rows.Err()
}

// Get returns the record with id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (types.Todo, error) {
	t, err := scanTodo(s.db.QueryRowContext(ctx, selectTodoColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Todo{}, ErrNotFound
	}
	if err != nil {
		return types.Todo{}, fmt.Errorf("get todo: %w", err)
	}
	return t, nil
}

// Create inserts todo, or returns the stored record when the id exists.
func (s *SQLiteStore) Create(ctx context.Context, todo types.Todo) (types.Todo, bool, *types.ChangeEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Todo{}, false, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanTodo(tx.QueryRowContext(ctx, selectTodoColumns+` WHERE id = ?`, todo.ID))
	switch {
	case err == nil:
		return existing, false, nil, nil
	case !errors.Is(err, sql.ErrNoRows):
		return types.Todo{}, false, nil, fmt.Errorf("check existing todo: %w", err)
	}

	now := s.now().UTC()
	if todo.CreatedAt == 0 {
		todo.CreatedAt = now.UnixMilli()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO todos (id, title, completed, created_at, created_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, todo.ID, todo.Title, todo.Completed, todo.CreatedAt, nullableString(todo.CreatedBy), now.Format(time.RFC3339Nano))
	if err != nil {
		return types.Todo{}, false, nil, fmt.Errorf("insert todo: %w", err)
	}

	ev := types.Upsert(types.PatchOf(todo))
	if _, err := appendChange(ctx, tx, ev, todo.CreatedBy, now); err != nil {
		return types.Todo{}, false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return types.Todo{}, false, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return todo, true, &ev, nil
}

// Update overwrites the title and completed fields present in patch. The
// returned event carries only those fields.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch types.Patch) (types.Todo, *types.ChangeEvent, error) {
	applied := types.Patch{ID: id, Title: patch.Title, Completed: patch.Completed}
	if applied.Empty() {
		return types.Todo{}, nil, ErrEmptyPatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Todo{}, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	todo, err := scanTodo(tx.QueryRowContext(ctx, selectTodoColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Todo{}, nil, ErrNotFound
	}
	if err != nil {
		return types.Todo{}, nil, fmt.Errorf("get todo: %w", err)
	}
	applied.Apply(&todo)

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE todos SET title = ?, completed = ?, updated_at = ? WHERE id = ?
	`, todo.Title, todo.Completed, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return types.Todo{}, nil, fmt.Errorf("update todo: %w", err)
	}

	ev := types.Upsert(applied)
	if _, err := appendChange(ctx, tx, ev, "", now); err != nil {
		return types.Todo{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return types.Todo{}, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return todo, &ev, nil
}

// Delete removes the record with id. Deleting an absent id returns ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (*types.ChangeEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete todo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	ev := types.Deletion(id)
	if _, err := appendChange(ctx, tx, ev, "", s.now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &ev, nil
}

// Count returns the number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM todos`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count todos: %w", err)
	}
	return count, nil
}
