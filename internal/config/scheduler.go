package config

import (
	"time"

	"github.com/agentkernel/kernel/internal/types"
)

// SchedulerConfig controls process scheduling and preemption.
type SchedulerConfig struct {
	// Policy selects which ready process is picked next.
	Policy types.SchedulingPolicy `yaml:"policy"`

	// DefaultTimeSlice is the nominal run duration per schedule tick. It
	// is recognized and loaded but not consulted by the Scheduler or the
	// kernel.
	DefaultTimeSlice time.Duration `yaml:"default_time_slice"`

	// MaxPendingTasks is the nominal ready queue depth limit. The
	// Scheduler does not enforce it: AddProcess always enqueues.
	MaxPendingTasks int `yaml:"max_pending_tasks"`

	// SchedulingInterval is the nominal scheduling tick period. It is
	// recognized and loaded but not consulted; the kernel run loop paces
	// itself with KernelConfig.RunTickInterval.
	SchedulingInterval time.Duration `yaml:"scheduling_interval"`

	// PreemptionThreshold is the window-token count above which a
	// running process is preempted back to ready.
	PreemptionThreshold uint64 `yaml:"preemption_threshold"`
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Policy:              types.PolicyPriority,
		DefaultTimeSlice:    5000 * time.Millisecond,
		MaxPendingTasks:     100,
		SchedulingInterval:  100 * time.Millisecond,
		PreemptionThreshold: 10000,
	}
}
