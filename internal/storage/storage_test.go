package storage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/agentkernel/kernel/internal/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestStore provisions a PostgresStore against an external database
// (CI_DATABASE_URL) when set, or a throwaway testcontainer otherwise. The
// backing container/connection is torn down when the test ends.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("kernel_test"),
			postgres.WithUsername("kernel"),
			postgres.WithPassword("kernel"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		var err2 error
		connStr, err2 = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err2)
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	store := NewPostgresStoreFromPool(pool, false)
	require.NoError(t, store.EnsureSchema(ctx))

	t.Cleanup(store.Close)
	return store
}

func TestPostgresStorePageRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	page := types.NewContextPage("agent-1", "hello world", 0.5, types.PageUser, 4)
	require.NoError(t, store.SavePage(ctx, page))

	loaded, err := store.LoadPage(ctx, page.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, page.Content, loaded.Content)
	require.Equal(t, page.PageType, loaded.PageType)
	require.Equal(t, page.Status, loaded.Status)

	loaded.Status = types.PageSwapped
	require.NoError(t, store.SavePage(ctx, loaded))

	reloaded, err := store.LoadPage(ctx, page.ID)
	require.NoError(t, err)
	require.Equal(t, types.PageSwapped, reloaded.Status)
}

func TestPostgresStoreLoadPageMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	loaded, err := store.LoadPage(ctx, types.NewPageID())
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestPostgresStoreTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &types.TaskInfo{
		AgentPid:  "agent-2",
		Name:      "triage",
		Task:      "investigate alert",
		Status:    types.TaskPending,
		Priority:  50,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.SaveTask(ctx, task))

	loaded, err := store.LoadTask(ctx, task.AgentPid)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, task.Name, loaded.Name)
	require.Equal(t, types.TaskPending, loaded.Status)

	task.Status = types.TaskRunning
	require.NoError(t, store.SaveTask(ctx, task))

	reloaded, err := store.LoadTask(ctx, task.AgentPid)
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, reloaded.Status)
}

func TestPostgresStoreCheckpointChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pid := types.AgentPid("agent-3")
	state1 := json.RawMessage(`{"step":1}`)
	id1, err := store.CreateCheckpoint(ctx, pid, state1, nil)
	require.NoError(t, err)

	state2 := json.RawMessage(`{"step":2}`)
	id2, err := store.CreateCheckpoint(ctx, pid, state2, &id1)
	require.NoError(t, err)

	loaded, err := store.LoadCheckpoint(ctx, id2)
	require.NoError(t, err)
	require.JSONEq(t, string(state2), string(loaded))

	chain, err := store.LoadCheckpointChain(ctx, pid)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, id1, chain[0].ID)
	require.Equal(t, id2, chain[1].ID)
	require.NotNil(t, chain[1].PreviousCheckpoint)
	require.Equal(t, id1, *chain[1].PreviousCheckpoint)
}

func TestPostgresStoreAuditTrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pid := types.AgentPid("agent-4")
	for i := 0; i < 3; i++ {
		entry := &types.AuditLogEntry{
			Timestamp:  time.Now().UTC(),
			AgentPid:   pid,
			ActionType: "tool_call",
			DurationMs: uint64(i),
		}
		require.NoError(t, store.AppendAudit(ctx, entry))
	}

	trail, err := store.AuditTrail(ctx, pid, 2)
	require.NoError(t, err)
	require.Len(t, trail, 2)
}

func TestPostgresStoreAuditDisabledIsNoop(t *testing.T) {
	store := newTestStore(t)
	store.auditDisabled = true
	ctx := context.Background()

	entry := &types.AuditLogEntry{Timestamp: time.Now().UTC(), AgentPid: "agent-5", ActionType: "noop"}
	require.NoError(t, store.AppendAudit(ctx, entry))

	trail, err := store.AuditTrail(ctx, "agent-5", 10)
	require.NoError(t, err)
	require.Empty(t, trail)
}

func TestPostgresStoreStatistics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	page := types.NewContextPage("agent-6", "x", 0.1, types.PageWorking, 1)
	require.NoError(t, store.SavePage(ctx, page))

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.Pages, 1)
}
