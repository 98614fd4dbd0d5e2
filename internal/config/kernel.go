package config

import "time"

// KernelConfig controls the kernel's own run loop and shutdown behavior.
type KernelConfig struct {
	// MaxContextTokens mirrors ContextConfig.MaxContextTokens. It is
	// recognized and loaded but not consulted by the kernel; the Context
	// Manager enforces ContextConfig.MaxContextTokens.
	MaxContextTokens uint64 `yaml:"max_context_tokens"`

	// TimeSlice is the nominal per-iteration budget. It is recognized and
	// loaded but not consulted or reported; tick pacing is RunTickInterval.
	TimeSlice time.Duration `yaml:"time_slice"`

	// EnableSandbox toggles whether the Security Sandbox is consulted
	// before executing an agent step.
	EnableSandbox bool `yaml:"enable_sandbox"`

	// ShutdownTimeout bounds how long Shutdown waits for best-effort
	// checkpointing of active processes before force-terminating the
	// remainder.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RunTickInterval is the sleep between Run loop iterations.
	RunTickInterval time.Duration `yaml:"run_tick_interval"`

	// AuditLoggingEnabled gates whether the kernel mirrors sandbox
	// violations to Storage.AppendAudit. Checkpoint descriptions are
	// mirrored regardless, and the store itself does not read this flag.
	AuditLoggingEnabled bool `yaml:"audit_logging_enabled"`
}

// DefaultKernelConfig returns the built-in kernel defaults.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		MaxContextTokens:    128000,
		TimeSlice:           5000 * time.Millisecond,
		EnableSandbox:       true,
		ShutdownTimeout:     15 * time.Second,
		RunTickInterval:     100 * time.Millisecond,
		AuditLoggingEnabled: true,
	}
}
