// Package kernel wires the Context Manager, Scheduler, and Security
// Sandbox into the single run loop an operator starts, checkpoints, and
// stops: spawn an agent, let the loop tick it forward, suspend or
// restore its state across process restarts.
package kernel

import (
	stdcontext "context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentkernel/kernel/internal/config"
	kctx "github.com/agentkernel/kernel/internal/context"
	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/scheduler"
	"github.com/agentkernel/kernel/internal/security"
	"github.com/agentkernel/kernel/internal/storage"
	"github.com/agentkernel/kernel/internal/tokenest"
	"github.com/agentkernel/kernel/internal/types"
)

// LLMDispatcher is the one-method boundary between the kernel and
// whatever turns an assembled context into an LLM call. The kernel
// depends on it but never implements it.
type LLMDispatcher interface {
	Dispatch(ctx stdcontext.Context, pid types.AgentPid, messages []types.Message) error
}

// State is a position in the kernel's own lifecycle state machine.
type State = types.KernelState

const (
	StateInitializing = types.KernelInitializing
	StateRunning      = types.KernelRunning
	StatePaused       = types.KernelPaused
	StateShuttingDown = types.KernelShuttingDown
	StateShutdown     = types.KernelShutdown
)

// checkpointEnvelope is the JSON value mirrored to the audit trail
// alongside a checkpoint's raw process state, carrying the human
// description and timestamp the store's checkpoints table has no column
// for.
type checkpointEnvelope struct {
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Kernel is the top-level orchestrator: one Context Manager, one
// Scheduler, and an optional Security Sandbox, driven by a single run
// loop.
type Kernel struct {
	cfg     *config.KernelConfig
	store   storage.Store
	context *kctx.Manager
	sched   *scheduler.Scheduler
	sandbox *security.Sandbox
	llm     LLMDispatcher

	mu    sync.Mutex
	state State

	stopCh  chan struct{}
	stopped chan struct{}
}

// New constructs a Kernel in state Initializing. It ensures the backing
// schema exists before returning. llm may be nil; ExecuteAgentStep then
// skips dispatch and only accounts for resource usage.
func New(cfg *config.Config, store storage.Store, llm LLMDispatcher) (*Kernel, error) {
	if err := store.EnsureSchema(stdcontext.Background()); err != nil {
		return nil, kernelerr.WrapStorage("kernel init: ensure schema", err)
	}

	manager, err := kctx.NewManager(cfg.Context, store)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg.Kernel,
		store:   store,
		context: manager,
		sched:   scheduler.New(cfg.Scheduler, store),
		llm:     llm,
		state:   StateInitializing,
	}
	if cfg.Kernel.EnableSandbox {
		k.sandbox = security.NewSandbox()
	}
	return k, nil
}

func (k *Kernel) setState(s State) {
	k.mu.Lock()
	k.state = s
	k.mu.Unlock()
}

// State returns the kernel's current lifecycle state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Scheduler exposes the kernel's Scheduler for read-only inspection by
// the control surface (process listing, status snapshots).
func (k *Kernel) Scheduler() *scheduler.Scheduler {
	return k.sched
}

// Context exposes the kernel's Context Manager for read-only inspection by
// the control surface (aggregate status snapshots).
func (k *Kernel) Context() *kctx.Manager {
	return k.context
}

func (k *Kernel) requireState(op string, want ...State) error {
	k.mu.Lock()
	current := k.state
	k.mu.Unlock()
	for _, w := range want {
		if current == w {
			return nil
		}
	}
	wantStrs := make([]string, len(want))
	for i, w := range want {
		wantStrs[i] = string(w)
	}
	return kernelerr.NewInvalidState(op, string(current), wantStrs...)
}

// SpawnAgent registers a new agent process and allocates its System and
// Task context pages. Requires the kernel to be Initializing or Running.
func (k *Kernel) SpawnAgent(ctx stdcontext.Context, name string, priority uint8, systemPrompt, task string) (types.AgentPid, error) {
	if err := k.requireState("spawn agent", StateInitializing, StateRunning); err != nil {
		return "", err
	}

	pid := types.AgentPid(uuid.NewString())
	process := types.NewAgentProcess(pid, name, priority)
	k.sched.AddProcess(process)
	k.setState(StateRunning)

	if k.sandbox != nil {
		k.sandbox.CreateSandbox(pid, security.NewSecurityPolicy(security.LevelStandard))
	}

	if _, err := k.context.AllocatePage(ctx, pid, systemPrompt, 1.0, types.PageSystem); err != nil {
		return "", err
	}
	if _, err := k.context.AllocatePage(ctx, pid, task, 0.9, types.PageTask); err != nil {
		return "", err
	}

	taskInfo := &types.TaskInfo{
		AgentPid:  pid,
		Name:      name,
		Task:      task,
		Status:    types.TaskRunning,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	if err := k.store.SaveTask(ctx, taskInfo); err != nil {
		return "", err
	}

	slog.Info("kernel: agent spawned", "pid", pid, "name", name, "priority", priority)
	return pid, nil
}

// CreateCheckpoint suspends pid with a checkpoint and mirrors its
// description to the audit trail, since the checkpoints table persists
// only the opaque process state. Requires the kernel to be Running.
func (k *Kernel) CreateCheckpoint(ctx stdcontext.Context, pid types.AgentPid, description string) (types.CheckpointID, error) {
	if err := k.requireState("create checkpoint", StateRunning); err != nil {
		return types.CheckpointID{}, err
	}

	id, err := k.sched.SuspendProcess(ctx, pid, true)
	if err != nil {
		return types.CheckpointID{}, err
	}
	if id == nil {
		return types.CheckpointID{}, kernelerr.ErrNotFound
	}

	envelope, _ := json.Marshal(checkpointEnvelope{Description: description, CreatedAt: time.Now().UTC()})
	_ = k.store.AppendAudit(ctx, &types.AuditLogEntry{
		Timestamp:  time.Now().UTC(),
		AgentPid:   pid,
		ActionType: "Checkpoint",
		OutputData: envelope,
		Reasoning:  description,
	})

	slog.Info("kernel: checkpoint created", "pid", pid, "checkpoint_id", *id, "description", description)
	return *id, nil
}

// RestoreCheckpoint loads a persisted checkpoint's opaque state and
// registers a fresh process around it, named "Restored Agent" at
// priority 50. Requires the kernel to be Initializing or Running.
func (k *Kernel) RestoreCheckpoint(ctx stdcontext.Context, id types.CheckpointID) (types.AgentPid, error) {
	if err := k.requireState("restore checkpoint", StateInitializing, StateRunning); err != nil {
		return "", err
	}

	state, err := k.store.LoadCheckpoint(ctx, id)
	if err != nil {
		return "", err
	}
	if state == nil {
		return "", kernelerr.ErrNotFound
	}

	pid := types.AgentPid(uuid.NewString())
	process := types.NewAgentProcess(pid, "Restored Agent", 50)
	process.Context = state
	process.CheckpointID = &id
	k.sched.AddProcess(process)
	k.setState(StateRunning)

	slog.Info("kernel: checkpoint restored", "pid", pid, "checkpoint_id", id)
	return pid, nil
}

// Run drives the main scheduling loop until ctx is cancelled, Shutdown
// is called, or maxIterations ticks have elapsed (nil means unbounded).
// On exit it sets state Paused, unless Shutdown already moved it past
// that.
func (k *Kernel) Run(ctx stdcontext.Context, maxIterations *int) error {
	k.setState(StateRunning)

	k.mu.Lock()
	k.stopCh = make(chan struct{})
	stopped := make(chan struct{})
	k.stopped = stopped
	k.mu.Unlock()
	defer close(stopped)

	iterations := 0
	for {
		if maxIterations != nil && iterations >= *maxIterations {
			break
		}

		select {
		case <-ctx.Done():
			k.setState(StatePaused)
			return ctx.Err()
		case <-k.stopCh:
			return nil
		default:
		}

		process, err := k.sched.Schedule(ctx)
		if err != nil {
			slog.Error("kernel: schedule failed", "error", err)
		} else if process != nil {
			k.ExecuteAgentStep(ctx, process.Pid)
		}

		iterations++
		k.sleep(k.tickInterval())
	}

	k.setState(StatePaused)
	return nil
}

func (k *Kernel) sleep(d time.Duration) {
	select {
	case <-k.stopCh:
	case <-time.After(d):
	}
}

// tickInterval returns the configured poll interval with +/-20% jitter,
// avoiding lockstep ticking across multiple kernel instances.
func (k *Kernel) tickInterval() time.Duration {
	base := k.cfg.RunTickInterval
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	jitter := base / 5
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// ExecuteAgentStep assembles pid's cache-optimized context, estimates the
// tokens it needs, and requests them from the Scheduler. On grant it
// records usage and dispatches to the LLM boundary (if one is wired); on
// refusal it logs and skips this tick.
func (k *Kernel) ExecuteAgentStep(ctx stdcontext.Context, pid types.AgentPid) {
	if k.sandbox != nil {
		if err := k.sandbox.CheckOperation(pid, security.Operation{Kind: security.OpSystemCall, Target: "execute_step"}); err != nil {
			k.mirrorViolation(ctx, pid, err)
			return
		}
	}

	messages, err := k.context.GetAgentContext(ctx, pid, true)
	if err != nil {
		slog.Error("kernel: context assembly failed", "pid", pid, "error", err)
		return
	}

	var needed uint64
	for _, m := range messages {
		needed += uint64(m.TokenCount)
	}
	if needed == 0 {
		needed = uint64(tokenest.Estimate(""))
	}

	granted, err := k.sched.RequestResources(ctx, pid, needed)
	if err != nil {
		slog.Error("kernel: request resources failed", "pid", pid, "error", err)
		return
	}
	if !granted {
		slog.Warn("kernel: resource request denied, skipping tick", "pid", pid, "needed", needed)
		return
	}

	if k.llm == nil {
		return
	}
	if err := k.llm.Dispatch(ctx, pid, messages); err != nil {
		slog.Error("kernel: llm dispatch failed", "pid", pid, "error", err)
	}
}

func (k *Kernel) mirrorViolation(ctx stdcontext.Context, pid types.AgentPid, err error) {
	slog.Warn("kernel: sandbox denied step", "pid", pid, "error", err)
	if !k.cfg.AuditLoggingEnabled {
		return
	}
	violation, ok := kernelerr.AsSecurityViolation(err)
	if !ok {
		return
	}
	detail, _ := json.Marshal(violation)
	_ = k.store.AppendAudit(ctx, &types.AuditLogEntry{
		Timestamp:  time.Now().UTC(),
		AgentPid:   pid,
		ActionType: "SecurityViolation",
		OutputData: detail,
		Reasoning:  violation.Detail,
	})
}

// Shutdown stops the run loop, best-effort checkpoints every active
// process within the configured timeout, and force-terminates whatever
// is left. Safe to call whether or not Run is currently looping.
func (k *Kernel) Shutdown(ctx stdcontext.Context) error {
	k.setState(StateShuttingDown)

	k.mu.Lock()
	stopCh := k.stopCh
	stopped := k.stopped
	k.mu.Unlock()
	if stopCh != nil {
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
	}
	if stopped != nil {
		<-stopped
	}

	deadline := time.Now().Add(k.cfg.ShutdownTimeout)
	pids := k.sched.ActivePids()

	for _, pid := range pids {
		if time.Now().After(deadline) {
			break
		}
		if _, err := k.sched.SuspendProcess(ctx, pid, true); err != nil {
			slog.Warn("kernel: shutdown checkpoint failed", "pid", pid, "error", err)
		}
	}
	for _, pid := range pids {
		if process := k.sched.Process(pid); process != nil && process.IsActive() {
			k.sched.TerminateProcess(pid, "shutdown: drain timeout exceeded")
		}
	}

	k.setState(StateShutdown)
	slog.Info("kernel: shutdown complete")
	return nil
}
