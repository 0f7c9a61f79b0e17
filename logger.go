package memgo

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/claimlog"
)

// Logger wraps slog.Logger with memgo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithTenant adds a tenant field to the logger.
func (l *Logger) WithTenant(tenant claim.TenantID) *Logger {
	return &Logger{
		Logger: l.Logger.With("tenant", string(tenant)),
	}
}

// WithID adds a claim id field to the logger (useful for tagging operations).
func (l *Logger) WithID(id claim.ID) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", uint64(id)),
	}
}

// WithCount adds a count field to the logger.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{
		Logger: l.Logger.With("count", count),
	}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, tenant claim.TenantID, id claim.ID, seq claim.Sequence, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"tenant", string(tenant),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"tenant", string(tenant),
			"id", uint64(id),
			"seq", uint64(seq),
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, tenant claim.TenantID, id claim.ID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"tenant", string(tenant),
			"id", uint64(id),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"tenant", string(tenant),
			"id", uint64(id),
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, tenant claim.TenantID, topK, returned int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"tenant", string(tenant),
			"top_k", topK,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"tenant", string(tenant),
			"top_k", topK,
			"returned", returned,
		)
	}
}

// LogCheckpoint logs a checkpoint operation.
func (l *Logger) LogCheckpoint(ctx context.Context, tenant claim.TenantID, report CheckpointReport, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"tenant", string(tenant),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint completed",
			"tenant", string(tenant),
			"snapshot", report.Snapshot,
			"snapshot_seq", uint64(report.SnapshotSeq),
			"live_claims", report.LiveClaims,
			"compacted", report.Compacted,
		)
	}
}

// LogReplay logs the outcome of one partition replay.
func (l *Logger) LogReplay(ctx context.Context, report *claimlog.ReplayReport) {
	if report.CorruptTail != nil {
		l.WarnContext(ctx, "replay recovered valid prefix, corrupt tail discarded",
			"tenant", string(report.Tenant),
			"restored_claims", report.RestoredClaims,
			"last_seq", uint64(report.LastSeq),
			"truncated_bytes", report.TruncatedBytes,
			"corrupt_offset", report.CorruptTail.Offset,
			"reason", report.CorruptTail.Reason,
		)
		return
	}
	l.InfoContext(ctx, "replay completed",
		"tenant", string(report.Tenant),
		"snapshot_records", report.SnapshotRecords,
		"log_records", report.LogRecords,
		"restored_claims", report.RestoredClaims,
		"last_seq", uint64(report.LastSeq),
		"probe_hit", report.ProbeHit,
	)
}

// LogRepair logs an index rebuild.
func (l *Logger) LogRepair(ctx context.Context, tenant claim.TenantID, rebuilt int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index repair failed",
			"tenant", string(tenant),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index repair completed",
			"tenant", string(tenant),
			"rebuilt", rebuilt,
		)
	}
}

// LogArchive logs an archive transfer.
func (l *Logger) LogArchive(ctx context.Context, tenant claim.TenantID, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "archive transfer failed",
			"tenant", string(tenant),
			"key", key,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "archive transfer completed",
			"tenant", string(tenant),
			"key", key,
		)
	}
}
