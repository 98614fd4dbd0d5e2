package config

import "github.com/agentkernel/kernel/internal/types"

// ContextConfig controls the Context Manager's two-tier page store.
type ContextConfig struct {
	// MaxContextTokens bounds total resident-tier token usage; eviction
	// triggers once it is exceeded.
	MaxContextTokens uint64 `yaml:"max_context_tokens"`

	// WorkingMemoryLimit and SessionContextLimit are advisory budgets
	// surfaced to callers assembling working vs. session-scoped context;
	// the Context Manager itself enforces only MaxContextTokens.
	WorkingMemoryLimit  uint64 `yaml:"working_memory_limit"`
	SessionContextLimit uint64 `yaml:"session_context_limit"`

	// PageReplacementPolicy selects which resident page is evicted first
	// under pressure.
	PageReplacementPolicy types.EvictionPolicy `yaml:"page_replacement_policy"`

	// PageSize is the nominal token size of one page, used to derive the
	// resident tier's LRU capacity (MaxContextTokens / PageSize * 2,
	// clamped to at least 1).
	PageSize uint64 `yaml:"page_size"`
}

// DefaultContextConfig returns the built-in context manager defaults.
func DefaultContextConfig() *ContextConfig {
	return &ContextConfig{
		MaxContextTokens:      128000,
		WorkingMemoryLimit:    20000,
		SessionContextLimit:   80000,
		PageReplacementPolicy: types.EvictionLruImportance,
		PageSize:              1000,
	}
}

// ResidentCapacity derives the LRU resident tier's page capacity.
func (c *ContextConfig) ResidentCapacity() int {
	if c.PageSize == 0 {
		return 1
	}
	capacity := int(c.MaxContextTokens / c.PageSize * 2)
	if capacity < 1 {
		return 1
	}
	return capacity
}
