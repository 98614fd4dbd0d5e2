package scheduler

import (
	stdcontext "context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/storage"
	"github.com/agentkernel/kernel/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	checkpoints map[types.CheckpointID]json.RawMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{checkpoints: make(map[types.CheckpointID]json.RawMessage)}
}

func (f *fakeStore) EnsureSchema(stdcontext.Context) error { return nil }
func (f *fakeStore) SavePage(stdcontext.Context, *types.ContextPage) error { return nil }
func (f *fakeStore) LoadPage(stdcontext.Context, types.PageID) (*types.ContextPage, error) {
	return nil, nil
}
func (f *fakeStore) SaveTask(stdcontext.Context, *types.TaskInfo) error { return nil }
func (f *fakeStore) LoadTask(stdcontext.Context, types.AgentPid) (*types.TaskInfo, error) {
	return nil, nil
}
func (f *fakeStore) CreateCheckpoint(_ stdcontext.Context, _ types.AgentPid, state json.RawMessage, _ *types.CheckpointID) (types.CheckpointID, error) {
	id := types.NewCheckpointID()
	f.checkpoints[id] = state
	return id, nil
}
func (f *fakeStore) LoadCheckpoint(_ stdcontext.Context, id types.CheckpointID) (json.RawMessage, error) {
	return f.checkpoints[id], nil
}
func (f *fakeStore) LoadCheckpointChain(stdcontext.Context, types.AgentPid) ([]types.Checkpoint, error) {
	return nil, nil
}
func (f *fakeStore) AppendAudit(stdcontext.Context, *types.AuditLogEntry) error { return nil }
func (f *fakeStore) AuditTrail(stdcontext.Context, types.AgentPid, int) ([]types.AuditLogEntry, error) {
	return nil, nil
}
func (f *fakeStore) Statistics(stdcontext.Context) (storage.Stats, error) {
	return storage.Stats{}, nil
}
func (f *fakeStore) Close() {}

func newTestScheduler(t *testing.T, cfg *config.SchedulerConfig) (*Scheduler, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return New(cfg, store), store
}

// Scenario 4: priority scheduling — the highest-priority ready process is
// selected first, regardless of queue order.
func TestSchedulerPrioritySelection(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.Policy = types.PolicyPriority
	s, _ := newTestScheduler(t, cfg)
	ctx := stdcontext.Background()

	s.AddProcess(types.NewAgentProcess("low", "low priority", 10))
	s.AddProcess(types.NewAgentProcess("high", "high priority", 90))
	s.AddProcess(types.NewAgentProcess("mid", "mid priority", 50))

	selected, err := s.Schedule(ctx)
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, types.AgentPid("high"), selected.Pid)
	assert.Equal(t, types.StateRunning, selected.State)
}

func TestSchedulerRoundRobinFIFO(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.Policy = types.PolicyRoundRobin
	s, _ := newTestScheduler(t, cfg)
	ctx := stdcontext.Background()

	s.AddProcess(types.NewAgentProcess("first", "first", 10))
	s.AddProcess(types.NewAgentProcess("second", "second", 90))

	selected, err := s.Schedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.AgentPid("first"), selected.Pid)
}

func TestSchedulerFairSelectsLeastUsed(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.Policy = types.PolicyFair
	s, _ := newTestScheduler(t, cfg)
	ctx := stdcontext.Background()

	s.AddProcess(types.NewAgentProcess("heavy", "heavy", 10))
	s.AddProcess(types.NewAgentProcess("light", "light", 10))

	ok, err := s.RequestResources(ctx, "heavy", 500)
	require.NoError(t, err)
	require.True(t, ok)

	selected, err := s.Schedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.AgentPid("light"), selected.Pid)
}

func TestSchedulerDeadlineEarliestFirst(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.Policy = types.PolicyDeadline
	s, _ := newTestScheduler(t, cfg)
	ctx := stdcontext.Background()

	soon := time.Now().Add(time.Minute)
	later := time.Now().Add(time.Hour)

	p1 := types.NewAgentProcess("no-deadline", "no deadline", 10)
	p2 := types.NewAgentProcess("later", "later deadline", 10)
	p2.Deadline = &later
	p3 := types.NewAgentProcess("soon", "soon deadline", 10)
	p3.Deadline = &soon

	s.AddProcess(p1)
	s.AddProcess(p2)
	s.AddProcess(p3)

	selected, err := s.Schedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.AgentPid("soon"), selected.Pid)
}

// Scenario 5: preemption — a running process whose window usage exceeds
// the threshold is moved back to ready before the next selection.
func TestSchedulerPreemption(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.PreemptionThreshold = 100
	s, _ := newTestScheduler(t, cfg)
	ctx := stdcontext.Background()

	s.AddProcess(types.NewAgentProcess("runner", "runner", 50))
	selected, err := s.Schedule(ctx)
	require.NoError(t, err)
	require.Equal(t, types.AgentPid("runner"), selected.Pid)

	s.mu.Lock()
	s.resourceUsage["runner"].WindowTokens = 200
	s.mu.Unlock()

	s.AddProcess(types.NewAgentProcess("other", "other", 10))
	reselected, err := s.Schedule(ctx)
	require.NoError(t, err)

	process := s.Process("runner")
	require.NotNil(t, process)
	assert.Equal(t, types.StateReady, process.State)
	assert.NotNil(t, reselected)
}

func TestSchedulerRequestResourcesMonotonicCounters(t *testing.T) {
	s, _ := newTestScheduler(t, config.DefaultSchedulerConfig())
	ctx := stdcontext.Background()
	s.AddProcess(types.NewAgentProcess("p1", "p1", 10))

	ok, err := s.RequestResources(ctx, "p1", 100)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.RequestResources(ctx, "p1", 200)
	require.NoError(t, err)
	require.True(t, ok)

	s.mu.Lock()
	usage := s.resourceUsage["p1"]
	s.mu.Unlock()
	assert.EqualValues(t, 300, usage.TotalTokens)
	assert.EqualValues(t, 300, usage.WindowTokens)
	assert.EqualValues(t, 2, usage.APICalls)
}

func TestSchedulerRequestResourcesRejectsOverQuota(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.PreemptionThreshold = 50
	s, _ := newTestScheduler(t, cfg)
	ctx := stdcontext.Background()
	s.AddProcess(types.NewAgentProcess("p1", "p1", 10))

	ok, err := s.RequestResources(ctx, "p1", 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchedulerSuspendCreatesCheckpointAndChain(t *testing.T) {
	s, store := newTestScheduler(t, config.DefaultSchedulerConfig())
	ctx := stdcontext.Background()
	s.AddProcess(types.NewAgentProcess("p1", "p1", 10))

	id1, err := s.SuspendProcess(ctx, "p1", true)
	require.NoError(t, err)
	require.NotNil(t, id1)
	require.Contains(t, store.checkpoints, *id1)

	s.ResumeProcess("p1")
	id2, err := s.SuspendProcess(ctx, "p1", true)
	require.NoError(t, err)
	require.NotNil(t, id2)
	assert.NotEqual(t, *id1, *id2)
}

// Queue-membership invariant: a process appears in exactly one queue (or
// none, if terminated) at any time.
func TestSchedulerQueueMembershipInvariant(t *testing.T) {
	s, _ := newTestScheduler(t, config.DefaultSchedulerConfig())
	ctx := stdcontext.Background()
	s.AddProcess(types.NewAgentProcess("p1", "p1", 10))

	_, err := s.Schedule(ctx)
	require.NoError(t, err)
	assertSingleQueueMembership(t, s, "p1")

	_, err = s.SuspendProcess(ctx, "p1", false)
	require.NoError(t, err)
	assertSingleQueueMembership(t, s, "p1")

	s.ResumeProcess("p1")
	assertSingleQueueMembership(t, s, "p1")

	s.TerminateProcess("p1", "test complete")
	assertSingleQueueMembership(t, s, "p1")
}

func assertSingleQueueMembership(t *testing.T, s *Scheduler, pid types.AgentPid) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, p := range s.running {
		if p == pid {
			count++
		}
	}
	for e := s.ready.Front(); e != nil; e = e.Next() {
		if e.Value.(types.AgentPid) == pid {
			count++
		}
	}
	for e := s.waiting.Front(); e != nil; e = e.Next() {
		if e.Value.(types.AgentPid) == pid {
			count++
		}
	}
	assert.LessOrEqual(t, count, 1)
}
