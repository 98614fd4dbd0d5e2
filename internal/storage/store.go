// Package storage is the durable, transactional home for context pages,
// task records, checkpoints, and audit log entries (spec §4.1/§6). The
// Store interface is the only contract the rest of the kernel depends on;
// Postgres is the one realization, grounded directly on the original
// core's raw-SQL storage layer.
package storage

import (
	"context"
	"encoding/json"

	"github.com/agentkernel/kernel/internal/types"
)

// Stats summarizes the durable store's contents.
type Stats struct {
	Pages        int
	Tasks        int
	Checkpoints  int
	AuditEntries int
	SizeBytes    int64
}

// Store is the durable persistence contract every kernel component above
// it depends on. Every operation may fail with a transient storage error
// (wrapped with kernelerr.ErrStorage); callers surface failures and never
// swallow them.
type Store interface {
	// EnsureSchema creates the backing tables and indexes if absent. Safe
	// to call concurrently from multiple initializers; all converge on
	// the same final schema.
	EnsureSchema(ctx context.Context) error

	// SavePage upserts a page keyed by ID, overwriting mutable fields.
	SavePage(ctx context.Context, page *types.ContextPage) error

	// LoadPage returns the page with the given id, or (nil, nil) if
	// absent.
	LoadPage(ctx context.Context, id types.PageID) (*types.ContextPage, error)

	// SaveTask upserts a task record keyed by AgentPid.
	SaveTask(ctx context.Context, task *types.TaskInfo) error

	// LoadTask returns the task record for pid, or (nil, nil) if absent.
	LoadTask(ctx context.Context, pid types.AgentPid) (*types.TaskInfo, error)

	// CreateCheckpoint inserts a new checkpoint row atomically and
	// returns its fresh, unique id.
	CreateCheckpoint(ctx context.Context, pid types.AgentPid, stateJSON json.RawMessage, previous *types.CheckpointID) (types.CheckpointID, error)

	// LoadCheckpoint returns the opaque state snapshot for id, or
	// (nil, nil) if absent.
	LoadCheckpoint(ctx context.Context, id types.CheckpointID) (json.RawMessage, error)

	// LoadCheckpointChain returns every checkpoint recorded for pid,
	// oldest first.
	LoadCheckpointChain(ctx context.Context, pid types.AgentPid) ([]types.Checkpoint, error)

	// AppendAudit appends an audit log entry. If audit logging is
	// disabled in configuration, this is a no-op that still reports
	// success.
	AppendAudit(ctx context.Context, entry *types.AuditLogEntry) error

	// AuditTrail returns the most recent audit entries for pid, newest
	// first, bounded by limit.
	AuditTrail(ctx context.Context, pid types.AgentPid, limit int) ([]types.AuditLogEntry, error)

	// Statistics reports aggregate counts across all four tables.
	Statistics(ctx context.Context) (Stats, error)

	// Close releases underlying resources (connection pool).
	Close()
}
