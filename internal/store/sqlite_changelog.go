package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/todomirror/internal/types"
)

// Change log operations.
const (
	OperationUpsert = "upsert"
	OperationDelete = "delete"
)

// ChangeLogEntry is one accepted write, in commit order.
type ChangeLogEntry struct {
	Sequence  int64             `json:"sequence"`
	TodoID    string            `json:"todo_id"`
	Operation string            `json:"operation"`
	Event     types.ChangeEvent `json:"event"`
	SourceID  string            `json:"source_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

const insertChangeLogSQL = `
	INSERT INTO change_log (todo_id, operation, payload, source_id, created_at)
	VALUES (?, ?, ?, ?, ?)`

// appendChange records ev inside tx and returns its sequence number.
func appendChange(ctx context.Context, tx *sql.Tx, ev types.ChangeEvent, sourceID string, at time.Time) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal change event: %w", err)
	}
	op := OperationUpsert
	if ev.Deleted {
		op = OperationDelete
	}
	res, err := tx.ExecContext(ctx, insertChangeLogSQL,
		ev.Record.ID, op, string(payload), sourceID, at.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	return res.LastInsertId()
}

// ChangesAfter returns entries with sequence > after, up to limit.
func (s *SQLiteStore) ChangesAfter(ctx context.Context, after int64, limit int) ([]ChangeLogEntry, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, todo_id, operation, payload, source_id, created_at
		FROM change_log
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := make([]ChangeLogEntry, 0)
	for rows.Next() {
		var e ChangeLogEntry
		var payload, createdAt string
		if err := rows.Scan(&e.Sequence, &e.TodoID, &e.Operation, &payload, &e.SourceID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("decode change log payload %d: %w", e.Sequence, err)
		}
		var parseErr error
		if e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt); parseErr != nil {
			slog.Warn("change_log: failed to parse created_at", "value", createdAt, "error", parseErr)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CompactionResult describes one compaction pass.
type CompactionResult struct {
	Exported  int64
	Deleted   int64
	AuditFile string // empty when nothing was compacted
}

// CompactChangeLog removes the oldest run of entries created before cutoff.
// The removed entries are first written to a JSON Lines file in auditDir.
// Entries are removed in sequence order, so the log stays a contiguous
// suffix of the write history.
func (s *SQLiteStore) CompactChangeLog(ctx context.Context, cutoff time.Time, auditDir string) (CompactionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, todo_id, operation, payload, source_id, created_at
		FROM change_log
		ORDER BY sequence ASC
	`)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("query change log: %w", err)
	}

	var expired []ChangeLogEntry
	for rows.Next() {
		var e ChangeLogEntry
		var payload, createdAt string
		if err := rows.Scan(&e.Sequence, &e.TodoID, &e.Operation, &payload, &e.SourceID, &createdAt); err != nil {
			rows.Close()
			return CompactionResult{}, fmt.Errorf("scan change log entry: %w", err)
		}
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil || !e.CreatedAt.Before(cutoff) {
			break
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			rows.Close()
			return CompactionResult{}, fmt.Errorf("decode change log payload %d: %w", e.Sequence, err)
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return CompactionResult{}, fmt.Errorf("iterate change log: %w", err)
	}
	if len(expired) == 0 {
		return CompactionResult{}, nil
	}

	first, last := expired[0].Sequence, expired[len(expired)-1].Sequence
	auditFile, err := writeAudit(auditDir, first, last, expired)
	if err != nil {
		return CompactionResult{}, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM change_log WHERE sequence <= ?`, last)
	if err != nil {
		os.Remove(auditFile)
		return CompactionResult{}, fmt.Errorf("delete change log entries: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		os.Remove(auditFile)
		return CompactionResult{}, fmt.Errorf("commit compaction: %w", err)
	}

	return CompactionResult{
		Exported:  int64(len(expired)),
		Deleted:   deleted,
		AuditFile: auditFile,
	}, nil
}

// writeAudit writes entries as JSON Lines to auditDir and returns the path.
func writeAudit(auditDir string, first, last int64, entries []ChangeLogEntry) (string, error) {
	if err := os.MkdirAll(auditDir, 0755); err != nil {
		return "", fmt.Errorf("create audit directory: %w", err)
	}
	path := filepath.Join(auditDir, fmt.Sprintf("changelog-%012d-%012d.jsonl", first, last))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create audit file: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write audit entry %d: %w", e.Sequence, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close audit file: %w", err)
	}
	return path, nil
}
