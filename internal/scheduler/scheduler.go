// Package scheduler selects which ready agent process runs next and tracks
// per-process resource consumption against a sliding window quota. Queue
// membership and the process table are entirely in-memory; durable
// checkpoint state is delegated to Storage.
package scheduler

import (
	"container/list"
	stdcontext "context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/storage"
	"github.com/agentkernel/kernel/internal/types"
)

// Stats is a point-in-time snapshot of scheduler occupancy.
type Stats struct {
	Running          string
	ReadyQueueSize   int
	WaitingQueueSize int
	TotalProcesses   int
	ActiveProcesses  int
}

// Scheduler owns the ready/running/waiting queues and the process table.
// Acquired after any Context Manager lock per the kernel's global lock
// order.
type Scheduler struct {
	cfg   *config.SchedulerConfig
	store storage.Store

	mu             sync.Mutex
	ready          *list.List // element type types.AgentPid
	running        []types.AgentPid
	waiting        *list.List
	processes      map[types.AgentPid]*types.AgentProcess
	resourceUsage  map[types.AgentPid]*types.ResourceUsage
	lastCheckpoint map[types.AgentPid]types.CheckpointID
}

// New constructs an empty Scheduler.
func New(cfg *config.SchedulerConfig, store storage.Store) *Scheduler {
	return &Scheduler{
		cfg:            cfg,
		store:          store,
		ready:          list.New(),
		waiting:        list.New(),
		processes:      make(map[types.AgentPid]*types.AgentProcess),
		resourceUsage:  make(map[types.AgentPid]*types.ResourceUsage),
		lastCheckpoint: make(map[types.AgentPid]types.CheckpointID),
	}
}

// AddProcess registers a new process in state Ready and enqueues it.
func (s *Scheduler) AddProcess(process *types.AgentProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processes[process.Pid] = process
	s.ready.PushBack(process.Pid)
	s.resourceUsage[process.Pid] = &types.ResourceUsage{LastActive: time.Now().UTC()}
	slog.Info("scheduler: process added to ready queue", "pid", process.Pid)
}

// Schedule runs the preemption sweep, then selects and promotes the next
// ready process per the configured policy. Returns (nil, nil) when no
// process is ready.
func (s *Scheduler) Schedule(ctx stdcontext.Context) (*types.AgentProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkPreemptionLocked()

	pid, ok := s.selectNextLocked()
	if !ok {
		return nil, nil
	}

	process, exists := s.processes[pid]
	if !exists {
		return nil, nil
	}
	process.State = types.StateRunning
	s.running = append(s.running, pid)
	return process.Clone(), nil
}

func (s *Scheduler) checkPreemptionLocked() {
	var toSuspend []types.AgentPid
	for _, pid := range s.running {
		if usage, ok := s.resourceUsage[pid]; ok && usage.WindowTokens > s.cfg.PreemptionThreshold {
			toSuspend = append(toSuspend, pid)
		}
	}

	for _, pid := range toSuspend {
		s.removeFromRunningLocked(pid)
		s.ready.PushBack(pid)
		if process, ok := s.processes[pid]; ok {
			process.State = types.StateReady
		}
		slog.Info("scheduler: process preempted", "pid", pid)
	}
}

func (s *Scheduler) removeFromRunningLocked(pid types.AgentPid) {
	for i, p := range s.running {
		if p == pid {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) selectNextLocked() (types.AgentPid, bool) {
	switch s.cfg.Policy {
	case types.PolicyRoundRobin:
		return s.selectRoundRobinLocked()
	case types.PolicyFair:
		return s.selectFairLocked()
	case types.PolicyDeadline:
		return s.selectDeadlineLocked()
	default: // Priority
		return s.selectPriorityLocked()
	}
}

func (s *Scheduler) selectPriorityLocked() (types.AgentPid, bool) {
	var best *list.Element
	var bestPriority uint8
	for e := s.ready.Front(); e != nil; e = e.Next() {
		pid := e.Value.(types.AgentPid)
		process, ok := s.processes[pid]
		if !ok {
			continue
		}
		if best == nil || process.Priority > bestPriority {
			best = e
			bestPriority = process.Priority
		}
	}
	return s.popLocked(best)
}

func (s *Scheduler) selectRoundRobinLocked() (types.AgentPid, bool) {
	return s.popLocked(s.ready.Front())
}

func (s *Scheduler) selectFairLocked() (types.AgentPid, bool) {
	var best *list.Element
	var minUsage uint64
	for e := s.ready.Front(); e != nil; e = e.Next() {
		pid := e.Value.(types.AgentPid)
		usage, ok := s.resourceUsage[pid]
		if !ok {
			continue
		}
		if best == nil || usage.TotalTokens < minUsage {
			best = e
			minUsage = usage.TotalTokens
		}
	}
	return s.popLocked(best)
}

// selectDeadlineLocked implements earliest-deadline-first: the ready
// process with the earliest non-nil Deadline is selected; a process with
// no Deadline set never outranks one that has it set.
func (s *Scheduler) selectDeadlineLocked() (types.AgentPid, bool) {
	var best *list.Element
	var bestDeadline time.Time
	for e := s.ready.Front(); e != nil; e = e.Next() {
		pid := e.Value.(types.AgentPid)
		process, ok := s.processes[pid]
		if !ok || process.Deadline == nil {
			continue
		}
		if best == nil || process.Deadline.Before(bestDeadline) {
			best = e
			bestDeadline = *process.Deadline
		}
	}
	if best == nil {
		// No deadlined process is ready; fall back to FIFO among the
		// undeadlined rest rather than starving the queue entirely.
		return s.popLocked(s.ready.Front())
	}
	return s.popLocked(best)
}

func (s *Scheduler) popLocked(e *list.Element) (types.AgentPid, bool) {
	if e == nil {
		return "", false
	}
	pid := e.Value.(types.AgentPid)
	s.ready.Remove(e)
	return pid, true
}

// RequestResources atomically checks the pid's window usage against the
// preemption threshold and, if within budget, records the consumption.
// Refusal is reported as a boolean, not an error.
func (s *Scheduler) RequestResources(ctx stdcontext.Context, pid types.AgentPid, tokensNeeded uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.resourceUsage[pid]
	if !ok {
		return false, nil
	}

	if usage.WindowTokens+tokensNeeded > s.cfg.PreemptionThreshold {
		slog.Warn("scheduler: resource request rejected, quota exceeded", "pid", pid)
		return false, nil
	}

	usage.WindowTokens += tokensNeeded
	usage.TotalTokens += tokensNeeded
	usage.APICalls++
	usage.LastActive = time.Now().UTC()
	return true, nil
}

// SuspendProcess moves a Ready or Running process to Suspended/waiting.
// When createCheckpoint is true, the process's opaque Context blob is
// persisted via Storage and linked to the pid's previous checkpoint, if
// any, for chain traversal.
func (s *Scheduler) SuspendProcess(ctx stdcontext.Context, pid types.AgentPid, createCheckpoint bool) (*types.CheckpointID, error) {
	s.mu.Lock()
	process, ok := s.processes[pid]
	canSuspend := ok && (process.State == types.StateRunning || process.State == types.StateReady)
	if !canSuspend {
		s.mu.Unlock()
		return nil, nil
	}

	prevState := process.State
	process.State = types.StateSuspended
	s.removeFromRunningLocked(pid)
	s.removeFromListLocked(s.ready, pid)
	s.removeFromListLocked(s.waiting, pid)
	s.waiting.PushBack(pid)

	if !createCheckpoint {
		s.mu.Unlock()
		return nil, nil
	}

	contextBlob := append([]byte(nil), process.Context...)
	var previous *types.CheckpointID
	if id, ok := s.lastCheckpoint[pid]; ok {
		previous = &id
	}
	s.mu.Unlock()

	id, err := s.store.CreateCheckpoint(ctx, pid, contextBlob, previous)
	if err != nil {
		s.mu.Lock()
		if process, ok := s.processes[pid]; ok && process.State == types.StateSuspended {
			process.State = prevState
			s.removeFromListLocked(s.waiting, pid)
			if prevState == types.StateRunning {
				s.running = append(s.running, pid)
			} else {
				s.ready.PushBack(pid)
			}
		}
		s.mu.Unlock()
		return nil, kernelerr.WrapStorage("suspend: create checkpoint", err)
	}

	s.mu.Lock()
	if process, ok := s.processes[pid]; ok {
		process.CheckpointID = &id
	}
	s.lastCheckpoint[pid] = id
	s.mu.Unlock()

	slog.Info("scheduler: checkpoint created", "pid", pid, "checkpoint_id", id)
	return &id, nil
}

func (s *Scheduler) removeFromListLocked(l *list.List, pid types.AgentPid) {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(types.AgentPid) == pid {
			l.Remove(e)
			return
		}
	}
}

// WaitProcess marks a process Waiting (blocked on an external event, not
// queued for scheduling).
func (s *Scheduler) WaitProcess(pid types.AgentPid, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if process, ok := s.processes[pid]; ok {
		process.State = types.StateWaiting
		s.removeFromRunningLocked(pid)
		s.removeFromListLocked(s.ready, pid)
		slog.Info("scheduler: process waiting", "pid", pid, "reason", reason)
	}
}

// ResumeProcess moves a Suspended or Waiting process back to Ready.
func (s *Scheduler) ResumeProcess(pid types.AgentPid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	process, ok := s.processes[pid]
	if !ok || (process.State != types.StateSuspended && process.State != types.StateWaiting) {
		return
	}
	process.State = types.StateReady
	s.removeFromListLocked(s.waiting, pid)
	s.ready.PushBack(pid)
	slog.Info("scheduler: process resumed", "pid", pid)
}

// TerminateProcess marks a process Terminated and removes it from every
// queue.
func (s *Scheduler) TerminateProcess(pid types.AgentPid, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	process, ok := s.processes[pid]
	if !ok {
		return
	}
	process.State = types.StateTerminated
	s.removeFromRunningLocked(pid)
	s.removeFromListLocked(s.ready, pid)
	s.removeFromListLocked(s.waiting, pid)
	slog.Info("scheduler: process terminated", "pid", pid, "reason", reason)
}

// ClearWindowUsage resets every process's sliding-window token counter,
// called at each quota-window boundary.
func (s *Scheduler) ClearWindowUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, usage := range s.resourceUsage {
		usage.WindowTokens = 0
	}
}

// Stats reports a point-in-time snapshot of queue occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runningName string
	if len(s.running) > 0 {
		if process, ok := s.processes[s.running[0]]; ok {
			runningName = process.Name
		}
	}

	active := 0
	for _, process := range s.processes {
		if process.IsActive() {
			active++
		}
	}

	return Stats{
		Running:          runningName,
		ReadyQueueSize:   s.ready.Len(),
		WaitingQueueSize: s.waiting.Len(),
		TotalProcesses:   len(s.processes),
		ActiveProcesses:  active,
	}
}

// ActivePids returns every pid currently Ready, Running, or Waiting, in
// no particular order.
func (s *Scheduler) ActivePids() []types.AgentPid {
	s.mu.Lock()
	defer s.mu.Unlock()

	pids := make([]types.AgentPid, 0, len(s.processes))
	for pid, process := range s.processes {
		if process.IsActive() {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Process returns a copy of the process record for pid, or nil if absent.
func (s *Scheduler) Process(pid types.AgentPid) *types.AgentProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	process, ok := s.processes[pid]
	if !ok {
		return nil
	}
	return process.Clone()
}
