// Package worker runs background maintenance for the reference backend.
package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hyperengineering/todomirror/internal/archive"
	"github.com/hyperengineering/todomirror/internal/store"
)

// ChangeLogCompactor is implemented by *store.SQLiteStore.
type ChangeLogCompactor interface {
	CompactChangeLog(ctx context.Context, cutoff time.Time, auditDir string) (store.CompactionResult, error)
}

// Compactor trims the backend change log on a fixed interval. Entries older
// than the retention window are exported to an audit file, which is then
// handed to the archive uploader.
type Compactor struct {
	store     ChangeLogCompactor
	uploader  archive.Uploader
	interval  time.Duration
	retention time.Duration
	auditDir  string
	now       func() time.Time
}

// NewCompactor creates a change log compactor. A nil uploader keeps audit
// files local.
func NewCompactor(s ChangeLogCompactor, u archive.Uploader, interval, retention time.Duration, auditDir string) *Compactor {
	if u == nil {
		u = archive.NoopUploader{}
	}
	return &Compactor{
		store:     s,
		uploader:  u,
		interval:  interval,
		retention: retention,
		auditDir:  auditDir,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled. The first pass happens one interval
// after start so the server is not loaded during startup.
func (c *Compactor) Run(ctx context.Context) {
	slog.Info("change log compactor started",
		"component", "worker",
		"worker", "changelog-compaction",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("change log compactor stopped",
				"component", "worker",
				"worker", "changelog-compaction",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.Compact(ctx)
		}
	}
}

// Compact runs one pass and reports whether it succeeded. Upload failures
// are logged but leave the pass successful since the audit file is kept.
func (c *Compactor) Compact(ctx context.Context) bool {
	start := c.now()
	cutoff := start.Add(-c.retention)

	res, err := c.store.CompactChangeLog(ctx, cutoff, c.auditDir)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Error("change log compaction failed",
			"component", "worker",
			"worker", "changelog-compaction",
			"error", err,
		)
		return false
	}

	if res.AuditFile == "" {
		slog.Debug("no change log entries to compact",
			"component", "worker",
			"worker", "changelog-compaction",
			"cutoff", cutoff,
		)
		return true
	}

	slog.Info("change log compacted",
		"component", "worker",
		"worker", "changelog-compaction",
		"entries_exported", res.Exported,
		"entries_deleted", res.Deleted,
		"audit_file", res.AuditFile,
		"duration_ms", c.now().Sub(start).Milliseconds(),
	)

	if err := c.uploader.Upload(ctx, filepath.Base(res.AuditFile), res.AuditFile); err != nil {
		slog.Warn("audit file upload failed, keeping local copy",
			"component", "worker",
			"worker", "changelog-compaction",
			"audit_file", res.AuditFile,
			"error", err,
		)
	}
	return true
}
