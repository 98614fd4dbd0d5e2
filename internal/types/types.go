// Package types defines the data model shared by every kernel subsystem:
// pages, processes, resource usage, and the persisted records that back
// them. Nothing in this package talks to storage, a lock, or a clock other
// than time.Now — it is the vocabulary the rest of the kernel is written
// against.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentPid is an opaque, kernel-assigned identifier for a logical agent
// process. Never assigned by callers.
type AgentPid string

// PageID identifies a ContextPage.
type PageID = uuid.UUID

// CheckpointID identifies a persisted Checkpoint.
type CheckpointID = uuid.UUID

// NewPageID returns a fresh, unique page identifier.
func NewPageID() PageID { return uuid.New() }

// NewCheckpointID returns a fresh, unique checkpoint identifier.
func NewCheckpointID() CheckpointID { return uuid.New() }

// PageType classifies a ContextPage's role in an assembled prompt.
type PageType string

const (
	PageSystem     PageType = "System"
	PageUser       PageType = "User"
	PageWorking    PageType = "Working"
	PageLongTerm   PageType = "LongTerm"
	PageToolResult PageType = "ToolResult"
	PageTask       PageType = "Task"
	PageTools      PageType = "Tools"
)

// IsValid reports whether t is one of the closed set of page types.
func (t PageType) IsValid() bool {
	switch t {
	case PageSystem, PageUser, PageWorking, PageLongTerm, PageToolResult, PageTask, PageTools:
		return true
	default:
		return false
	}
}

// assemblyPriority is the cache-optimized ordering weight for each page
// type: higher sorts first. Stable-prefix content (system/task/tools)
// stays at the front of an assembled prompt to maximize KV-cache reuse.
func (t PageType) assemblyPriority() int {
	switch t {
	case PageSystem:
		return 5
	case PageTask:
		return 4
	case PageTools:
		return 3
	case PageWorking:
		return 2
	case PageToolResult:
		return 1
	default: // User, LongTerm
		return 0
	}
}

// AssemblyPriority exposes the cache-optimized ordering weight used during
// context assembly (see internal/context).
func AssemblyPriority(t PageType) int { return t.assemblyPriority() }

// MessageRole is the role a PageType maps to when assembled into a prompt
// message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Role maps a page type to the message role it is rendered under.
func (t PageType) Role() MessageRole {
	switch t {
	case PageSystem:
		return RoleSystem
	case PageUser:
		return RoleUser
	case PageTask, PageTools, PageLongTerm:
		return RoleSystem
	default: // Working, ToolResult
		return RoleAssistant
	}
}

// PageStatus records which tier currently owns a page. Never both.
type PageStatus string

const (
	PageInMemory PageStatus = "InMemory"
	PageSwapped  PageStatus = "Swapped"
	PageLoading  PageStatus = "Loading"
)

// ContextPage is the atom of an agent's attention window. Content and
// TokenCount are immutable after NewContextPage constructs the page;
// LastAccessed updates only on a successful page access.
type ContextPage struct {
	ID           PageID
	AgentPid     AgentPid
	Content      string
	Importance   float64
	PageType     PageType
	TokenCount   uint32
	CreatedAt    time.Time
	LastAccessed time.Time
	Status       PageStatus
}

// NewContextPage constructs a page with a fresh id, clamped importance, and
// status InMemory. tokenCount must already be computed by the caller (see
// internal/tokenest) — it is immutable from this point on.
func NewContextPage(pid AgentPid, content string, importance float64, pageType PageType, tokenCount uint32) *ContextPage {
	now := time.Now().UTC()
	return &ContextPage{
		ID:           NewPageID(),
		AgentPid:     pid,
		Content:      content,
		Importance:   clamp01(importance),
		PageType:     pageType,
		TokenCount:   tokenCount,
		CreatedAt:    now,
		LastAccessed: now,
		Status:       PageInMemory,
	}
}

// Clone returns a value copy of the page, safe to hand to a caller that
// must not observe later mutation.
func (p *ContextPage) Clone() *ContextPage {
	cp := *p
	return &cp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ProcessState is a position in the AgentProcess state machine.
type ProcessState string

const (
	StateReady      ProcessState = "Ready"
	StateRunning    ProcessState = "Running"
	StateWaiting    ProcessState = "Waiting"
	StateSuspended  ProcessState = "Suspended"
	StateCompleted  ProcessState = "Completed"
	StateTerminated ProcessState = "Terminated"
)

// AgentProcess is the scheduling atom: one logical agent.
//
// Context is an opaque, agent-private blob (JSON). Callers outside the
// owning Scheduler must not mutate an AgentProcess directly — obtain
// copies via the Scheduler's API, which returns Clone()'d values.
type AgentProcess struct {
	Pid          AgentPid
	Name         string
	Priority     uint8
	State        ProcessState
	Context      json.RawMessage
	ErrorCount   uint32
	MaxErrors    uint32
	LastError    string
	CheckpointID *CheckpointID
	// Deadline is an explicit, optional per-process deadline consulted by
	// the Deadline scheduling policy. A process with no deadline set
	// never outranks one that has it set.
	Deadline *time.Time
}

// NewAgentProcess constructs a process in state Ready with default error
// budget 3, matching the original kernel's defaults.
func NewAgentProcess(pid AgentPid, name string, priority uint8) *AgentProcess {
	return &AgentProcess{
		Pid:       pid,
		Name:      name,
		Priority:  priority,
		State:     StateReady,
		Context:   json.RawMessage(`{}`),
		MaxErrors: 3,
	}
}

// IsActive reports whether the process is in a non-terminal, schedulable
// state.
func (p *AgentProcess) IsActive() bool {
	switch p.State {
	case StateReady, StateRunning, StateWaiting:
		return true
	default:
		return false
	}
}

// Clone returns a value copy safe for a caller to hold and read without
// racing the owning Scheduler's mutations.
func (p *AgentProcess) Clone() *AgentProcess {
	cp := *p
	if p.CheckpointID != nil {
		id := *p.CheckpointID
		cp.CheckpointID = &id
	}
	if p.Deadline != nil {
		d := *p.Deadline
		cp.Deadline = &d
	}
	// json.RawMessage is a []byte; copy it so the clone cannot observe or
	// cause mutation of the original's backing array.
	if p.Context != nil {
		cp.Context = append(json.RawMessage(nil), p.Context...)
	}
	return &cp
}

// ResourceUsage tracks a process's token and API consumption.
// WindowTokens resets at each quota-window boundary; TotalTokens is
// monotonically increasing for the lifetime of the process.
type ResourceUsage struct {
	TotalTokens  uint64
	WindowTokens uint64
	APICalls     uint64
	RuntimeMs    uint64
	LastActive   time.Time
}

// TaskStatus is the lifecycle status of a persisted TaskInfo record.
type TaskStatus string

const (
	TaskPending   TaskStatus = "Pending"
	TaskRunning   TaskStatus = "Running"
	TaskSuspended TaskStatus = "Suspended"
	TaskCompleted TaskStatus = "Completed"
	TaskFailed    TaskStatus = "Failed"
	TaskCanceled  TaskStatus = "Canceled"
)

// TaskInfo is the persisted description of what an agent is working on.
type TaskInfo struct {
	AgentPid    AgentPid
	Name        string
	Task        string
	Status      TaskStatus
	Priority    uint8
	CreatedAt   time.Time
	LastRunAt   *time.Time
	CompletedAt *time.Time
}

// AuditLogEntry is an append-only record of a kernel- or sandbox-observed
// action. InputData/OutputData are opaque JSON.
type AuditLogEntry struct {
	Timestamp  time.Time
	AgentPid   AgentPid
	ActionType string
	InputData  json.RawMessage
	OutputData json.RawMessage
	Reasoning  string
	DurationMs uint64
}

// Checkpoint is a durable, opaque snapshot of a process's state.
// PreviousCheckpoint links checkpoints for the same agent into a chain,
// oldest to newest.
type Checkpoint struct {
	ID                 CheckpointID
	AgentPid           AgentPid
	Description        string
	State              json.RawMessage
	CreatedAt          time.Time
	PreviousCheckpoint *CheckpointID
}

// KernelState is a position in the kernel's own lifecycle state machine.
type KernelState string

const (
	KernelInitializing KernelState = "Initializing"
	KernelRunning      KernelState = "Running"
	KernelPaused       KernelState = "Paused"
	KernelShuttingDown KernelState = "ShuttingDown"
	KernelShutdown     KernelState = "Shutdown"
)

// SchedulingPolicy selects which ready process runs next.
type SchedulingPolicy string

const (
	PolicyPriority   SchedulingPolicy = "Priority"
	PolicyRoundRobin SchedulingPolicy = "RoundRobin"
	PolicyFair       SchedulingPolicy = "Fair"
	PolicyDeadline   SchedulingPolicy = "Deadline"
)

// IsValid reports whether p is one of the closed set of scheduling
// policies.
func (p SchedulingPolicy) IsValid() bool {
	switch p {
	case PolicyPriority, PolicyRoundRobin, PolicyFair, PolicyDeadline:
		return true
	default:
		return false
	}
}

// EvictionPolicy selects which resident page is swapped out under memory
// pressure.
type EvictionPolicy string

const (
	EvictionLru                EvictionPolicy = "Lru"
	EvictionLruImportance      EvictionPolicy = "LruImportance"
	EvictionImportance         EvictionPolicy = "Importance"
	EvictionSemanticSimilarity EvictionPolicy = "SemanticSimilarity"
)

// IsValid reports whether p is one of the closed set of eviction policies.
func (p EvictionPolicy) IsValid() bool {
	switch p {
	case EvictionLru, EvictionLruImportance, EvictionImportance, EvictionSemanticSimilarity:
		return true
	default:
		return false
	}
}
