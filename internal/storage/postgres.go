package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Store backed by a pgx connection pool. It
// issues raw SQL directly against the four tables schemaDDL declares,
// mirroring the original core's storage layer rather than going through an
// ORM.
type PostgresStore struct {
	pool          *pgxpool.Pool
	auditDisabled bool
}

// NewPostgresStore opens a connection pool against cfg and configures its
// sizing. It does not create the schema; call EnsureSchema for that.
func NewPostgresStore(ctx context.Context, cfg *config.StorageConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, kernelerr.WrapStorage("parse dsn", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, kernelerr.WrapStorage("open pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, kernelerr.WrapStorage("ping", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an already-constructed pool, useful for
// tests that provision a container-backed database directly.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, auditDisabled bool) *PostgresStore {
	return &PostgresStore{pool: pool, auditDisabled: auditDisabled}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return kernelerr.WrapStorage("ensure schema", err)
	}
	return nil
}

func (s *PostgresStore) SavePage(ctx context.Context, page *types.ContextPage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO context_pages (
			id, agent_pid, content, importance, page_type,
			last_accessed, created_at, token_count, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			importance = EXCLUDED.importance,
			page_type = EXCLUDED.page_type,
			last_accessed = EXCLUDED.last_accessed,
			token_count = EXCLUDED.token_count,
			status = EXCLUDED.status
	`, page.ID, string(page.AgentPid), page.Content, page.Importance, string(page.PageType),
		page.LastAccessed, page.CreatedAt, int32(page.TokenCount), string(page.Status))
	if err != nil {
		return kernelerr.WrapStorage("save page", err)
	}
	return nil
}

func (s *PostgresStore) LoadPage(ctx context.Context, id types.PageID) (*types.ContextPage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, agent_pid, content, importance, page_type,
		       last_accessed, created_at, token_count, status
		FROM context_pages WHERE id = $1
	`, id)

	var (
		p          types.ContextPage
		pageType   string
		status     string
		tokenCount int32
	)
	if err := row.Scan(&p.ID, (*string)(&p.AgentPid), &p.Content, &p.Importance, &pageType,
		&p.LastAccessed, &p.CreatedAt, &tokenCount, &status); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, kernelerr.WrapStorage("load page", err)
	}
	p.PageType = types.PageType(stringToPageType(pageType))
	p.Status = types.PageStatus(stringToPageStatus(status))
	p.TokenCount = uint32(tokenCount)
	return &p, nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task *types.TaskInfo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_info (
			agent_pid, name, task, status, priority,
			created_at, last_run_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_pid) DO UPDATE SET
			name = EXCLUDED.name,
			task = EXCLUDED.task,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			last_run_at = EXCLUDED.last_run_at,
			completed_at = EXCLUDED.completed_at
	`, string(task.AgentPid), task.Name, task.Task, string(task.Status), int32(task.Priority),
		task.CreatedAt, task.LastRunAt, task.CompletedAt)
	if err != nil {
		return kernelerr.WrapStorage("save task", err)
	}
	return nil
}

func (s *PostgresStore) LoadTask(ctx context.Context, pid types.AgentPid) (*types.TaskInfo, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_pid, name, task, status, priority,
		       created_at, last_run_at, completed_at
		FROM task_info WHERE agent_pid = $1
	`, string(pid))

	var (
		t        types.TaskInfo
		status   string
		priority int32
	)
	if err := row.Scan((*string)(&t.AgentPid), &t.Name, &t.Task, &status, &priority,
		&t.CreatedAt, &t.LastRunAt, &t.CompletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, kernelerr.WrapStorage("load task", err)
	}
	t.Status = types.TaskStatus(stringToTaskStatus(status))
	t.Priority = uint8(priority)
	return &t, nil
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, pid types.AgentPid, stateJSON json.RawMessage, previous *types.CheckpointID) (types.CheckpointID, error) {
	id := types.NewCheckpointID()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, agent_pid, state, created_at, previous_checkpoint)
		VALUES ($1, $2, $3, $4, $5)
	`, id, string(pid), stateJSON, time.Now().UTC(), previous)
	if err != nil {
		return types.CheckpointID{}, kernelerr.WrapStorage("create checkpoint", err)
	}
	return id, nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, id types.CheckpointID) (json.RawMessage, error) {
	row := s.pool.QueryRow(ctx, `SELECT state FROM checkpoints WHERE id = $1`, id)
	var state json.RawMessage
	if err := row.Scan(&state); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, kernelerr.WrapStorage("load checkpoint", err)
	}
	return state, nil
}

func (s *PostgresStore) LoadCheckpointChain(ctx context.Context, pid types.AgentPid) ([]types.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_pid, state, created_at, previous_checkpoint
		FROM checkpoints WHERE agent_pid = $1
		ORDER BY created_at ASC
	`, string(pid))
	if err != nil {
		return nil, kernelerr.WrapStorage("load checkpoint chain", err)
	}
	defer rows.Close()

	var chain []types.Checkpoint
	for rows.Next() {
		var c types.Checkpoint
		if err := rows.Scan(&c.ID, (*string)(&c.AgentPid), &c.State, &c.CreatedAt, &c.PreviousCheckpoint); err != nil {
			return nil, kernelerr.WrapStorage("scan checkpoint", err)
		}
		chain = append(chain, c)
	}
	if err := rows.Err(); err != nil {
		return nil, kernelerr.WrapStorage("iterate checkpoint chain", err)
	}
	return chain, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *types.AuditLogEntry) error {
	if s.auditDisabled {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (
			timestamp, agent_pid, action_type,
			input_data, output_data, reasoning, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.Timestamp, string(entry.AgentPid), entry.ActionType,
		entry.InputData, entry.OutputData, entry.Reasoning, int64(entry.DurationMs))
	if err != nil {
		return kernelerr.WrapStorage("append audit", err)
	}
	return nil
}

func (s *PostgresStore) AuditTrail(ctx context.Context, pid types.AgentPid, limit int) ([]types.AuditLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, agent_pid, action_type, input_data, output_data, reasoning, duration_ms
		FROM audit_logs
		WHERE agent_pid = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, string(pid), int64(limit))
	if err != nil {
		return nil, kernelerr.WrapStorage("audit trail", err)
	}
	defer rows.Close()

	var entries []types.AuditLogEntry
	for rows.Next() {
		var (
			e          types.AuditLogEntry
			durationMs int64
		)
		if err := rows.Scan(&e.Timestamp, (*string)(&e.AgentPid), &e.ActionType,
			&e.InputData, &e.OutputData, &e.Reasoning, &durationMs); err != nil {
			return nil, kernelerr.WrapStorage("scan audit entry", err)
		}
		e.DurationMs = uint64(durationMs)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, kernelerr.WrapStorage("iterate audit trail", err)
	}
	return entries, nil
}

func (s *PostgresStore) Statistics(ctx context.Context) (Stats, error) {
	var stats Stats
	queries := []struct {
		sql string
		dst *int
	}{
		{`SELECT COUNT(*) FROM context_pages`, &stats.Pages},
		{`SELECT COUNT(*) FROM task_info`, &stats.Tasks},
		{`SELECT COUNT(*) FROM checkpoints`, &stats.Checkpoints},
		{`SELECT COUNT(*) FROM audit_logs`, &stats.AuditEntries},
	}
	for _, q := range queries {
		if err := s.pool.QueryRow(ctx, q.sql).Scan(q.dst); err != nil {
			return Stats{}, kernelerr.WrapStorage(fmt.Sprintf("statistics: %s", q.sql), err)
		}
	}
	return stats, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
