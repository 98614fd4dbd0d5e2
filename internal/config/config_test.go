package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentkernel/kernel/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesRecognizedOptions(t *testing.T) {
	cfg := Default()

	assert.EqualValues(t, 128000, cfg.Context.MaxContextTokens)
	assert.EqualValues(t, 20000, cfg.Context.WorkingMemoryLimit)
	assert.EqualValues(t, 80000, cfg.Context.SessionContextLimit)
	assert.Equal(t, types.EvictionLruImportance, cfg.Context.PageReplacementPolicy)
	assert.EqualValues(t, 1000, cfg.Context.PageSize)

	assert.Equal(t, types.PolicyPriority, cfg.Scheduler.Policy)
	assert.Equal(t, 5000*time.Millisecond, cfg.Scheduler.DefaultTimeSlice)
	assert.Equal(t, 100, cfg.Scheduler.MaxPendingTasks)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.SchedulingInterval)
	assert.EqualValues(t, 10000, cfg.Scheduler.PreemptionThreshold)

	assert.True(t, cfg.Kernel.EnableSandbox)
}

func TestContextConfigResidentCapacity(t *testing.T) {
	cfg := DefaultContextConfig()
	// 128000 / 1000 * 2 = 256
	assert.Equal(t, 256, cfg.ResidentCapacity())

	cfg.PageSize = 0
	assert.Equal(t, 1, cfg.ResidentCapacity())

	cfg.PageSize = 1_000_000
	cfg.MaxContextTokens = 1
	assert.Equal(t, 1, cfg.ResidentCapacity())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"), "")
	require.NoError(t, err)
	assert.EqualValues(t, 128000, cfg.Context.MaxContextTokens)
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	content := "context:\n  max_context_tokens: 4096\n  page_size: 128\nscheduler:\n  policy: RoundRobin\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.EqualValues(t, 4096, cfg.Context.MaxContextTokens)
	assert.EqualValues(t, 128, cfg.Context.PageSize)
	assert.Equal(t, types.PolicyRoundRobin, cfg.Scheduler.Policy)
}

func TestStorageConfigValidate(t *testing.T) {
	cfg := DefaultStorageConfig()
	assert.NoError(t, cfg.Validate())

	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	assert.Error(t, cfg.Validate())

	cfg.MaxIdleConns = 0
	cfg.MaxOpenConns = 0
	assert.Error(t, cfg.Validate())
}
