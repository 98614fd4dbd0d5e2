// Package security implements the kernel's per-process sandbox: a
// permission policy consulted before network, filesystem, or syscall
// operations, and an in-memory ring of recent violations.
package security

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/types"
)

// PermissionLevel is the coarse enforcement mode for a sandbox.
type PermissionLevel string

const (
	LevelRestricted   PermissionLevel = "Restricted"
	LevelStandard     PermissionLevel = "Standard"
	LevelUnrestricted PermissionLevel = "Unrestricted"
)

// OperationKind identifies the category of a guarded operation.
type OperationKind string

const (
	OpNetworkAccess OperationKind = "NetworkAccess"
	OpFileAccess    OperationKind = "FileAccess"
	OpSystemCall    OperationKind = "SystemCall"
)

// Operation is a single guarded action an agent process wants to perform.
// Target is the network address, file path, or syscall name depending on
// Kind.
type Operation struct {
	Kind   OperationKind
	Target string
}

// SecurityPolicy is a per-process permission configuration. Build one via
// NewSecurityPolicy rather than a struct literal, matching the fluent
// builder the rest of this package's operations are tested against.
type SecurityPolicy struct {
	Level           PermissionLevel
	AllowNetwork    bool
	AllowFilesystem bool
	AllowSyscalls   bool
	PathAllowlist   []string
}

// NewSecurityPolicy returns a policy at the given level with the original
// kernel's defaults: network and filesystem allowed, syscalls denied, and
// `/workspace` and `/tmp` writable. Unrestricted forces every toggle on;
// Restricted forces every toggle off, matching the original's builder
// semantics where the level, once Unrestricted or Restricted, overrides
// any toggle set before it.
func NewSecurityPolicy(level PermissionLevel) *SecurityPolicy {
	p := &SecurityPolicy{
		Level:           level,
		AllowNetwork:    true,
		AllowFilesystem: true,
		AllowSyscalls:   false,
		PathAllowlist:   []string{"/workspace", "/tmp"},
	}
	return p.applyLevelDefaults()
}

func (p *SecurityPolicy) applyLevelDefaults() *SecurityPolicy {
	switch p.Level {
	case LevelUnrestricted:
		p.AllowNetwork = true
		p.AllowFilesystem = true
		p.AllowSyscalls = true
	case LevelRestricted:
		p.AllowNetwork = false
		p.AllowFilesystem = false
		p.AllowSyscalls = false
	}
	return p
}

// WithNetwork sets the network-access toggle, then re-applies any
// Unrestricted/Restricted level override.
func (p *SecurityPolicy) WithNetwork(allow bool) *SecurityPolicy {
	p.AllowNetwork = allow
	return p.applyLevelDefaults()
}

// WithFilesystem sets the filesystem-access toggle.
func (p *SecurityPolicy) WithFilesystem(allow bool) *SecurityPolicy {
	p.AllowFilesystem = allow
	return p.applyLevelDefaults()
}

// WithSyscalls sets the syscall-access toggle.
func (p *SecurityPolicy) WithSyscalls(allow bool) *SecurityPolicy {
	p.AllowSyscalls = allow
	return p.applyLevelDefaults()
}

// WithPathAllowlist replaces the filesystem path allowlist.
func (p *SecurityPolicy) WithPathAllowlist(paths ...string) *SecurityPolicy {
	p.PathAllowlist = paths
	return p
}

// CheckPermission evaluates op against the policy's level and toggles.
// Restricted denies everything with Critical severity; Unrestricted
// allows everything; Standard applies the toggles and, for filesystem
// access, the path allowlist.
func (p *SecurityPolicy) CheckPermission(pid types.AgentPid, op Operation) *kernelerr.SecurityViolation {
	switch p.Level {
	case LevelUnrestricted:
		return nil
	case LevelRestricted:
		return &kernelerr.SecurityViolation{
			Kind:     string(op.Kind),
			Severity: kernelerr.SeverityCritical,
			Pid:      string(pid),
			Detail:   "all operations are blocked in restricted mode",
		}
	default:
		return p.checkStandard(pid, op)
	}
}

func (p *SecurityPolicy) checkStandard(pid types.AgentPid, op Operation) *kernelerr.SecurityViolation {
	switch op.Kind {
	case OpNetworkAccess:
		if p.AllowNetwork {
			return nil
		}
		return &kernelerr.SecurityViolation{
			Kind: string(op.Kind), Severity: kernelerr.SeverityMedium, Pid: string(pid),
			Detail: "network access to '" + op.Target + "' is not allowed in standard mode",
		}
	case OpFileAccess:
		if !p.AllowFilesystem {
			return &kernelerr.SecurityViolation{
				Kind: string(op.Kind), Severity: kernelerr.SeverityHigh, Pid: string(pid),
				Detail: "filesystem access to '" + op.Target + "' is not allowed in standard mode",
			}
		}
		return p.checkPathAllowlist(pid, op.Target)
	case OpSystemCall:
		if p.AllowSyscalls {
			return nil
		}
		return &kernelerr.SecurityViolation{
			Kind: string(op.Kind), Severity: kernelerr.SeverityHigh, Pid: string(pid),
			Detail: "system call '" + op.Target + "' is not allowed in standard mode",
		}
	default:
		return nil
	}
}

func (p *SecurityPolicy) checkPathAllowlist(pid types.AgentPid, path string) *kernelerr.SecurityViolation {
	for _, allowed := range p.PathAllowlist {
		if strings.HasPrefix(path, allowed) {
			return nil
		}
	}
	return &kernelerr.SecurityViolation{
		Kind: string(OpFileAccess), Severity: kernelerr.SeverityMedium, Pid: string(pid),
		Detail: "path '" + path + "' is not allowed",
	}
}

const auditRingCapacity = 500

// Sandbox manages every process's policy and a shared, capped in-memory
// violation ring independent of whether Storage mirroring is enabled.
type Sandbox struct {
	mu        sync.Mutex
	policies  map[types.AgentPid]*SecurityPolicy
	audit     []kernelerr.SecurityViolation
	auditNext int
	auditFull bool
	dropped   uint64
}

// NewSandbox constructs an empty Sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{
		policies: make(map[types.AgentPid]*SecurityPolicy),
		audit:    make([]kernelerr.SecurityViolation, 0, auditRingCapacity),
	}
}

// CreateSandbox registers policy for pid.
func (s *Sandbox) CreateSandbox(pid types.AgentPid, policy *SecurityPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[pid] = policy
	slog.Info("security: sandbox created", "pid", pid, "level", policy.Level)
}

// Policy returns the policy registered for pid, or nil if none exists.
func (s *Sandbox) Policy(pid types.AgentPid) *SecurityPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policies[pid]
}

// CheckOperation consults pid's policy (a pid with no registered sandbox
// is allowed unconditionally, matching the original's permissive
// default) and records any violation in the audit ring.
func (s *Sandbox) CheckOperation(pid types.AgentPid, op Operation) error {
	s.mu.Lock()
	policy, ok := s.policies[pid]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	violation := policy.CheckPermission(pid, op)
	if violation == nil {
		return nil
	}

	s.recordViolation(*violation)
	slog.Warn("security: violation", "pid", pid, "kind", violation.Kind, "severity", violation.Severity, "detail", violation.Detail)
	return violation
}

func (s *Sandbox) recordViolation(v kernelerr.SecurityViolation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audit) < auditRingCapacity {
		s.audit = append(s.audit, v)
		return
	}
	s.audit[s.auditNext] = v
	s.auditNext = (s.auditNext + 1) % auditRingCapacity
	s.auditFull = true
	s.dropped++
}

// AuditLog returns up to limit of the most recent violations for pid,
// newest first.
func (s *Sandbox) AuditLog(pid types.AgentPid, limit int) []kernelerr.SecurityViolation {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.orderedAuditLocked()
	var matches []kernelerr.SecurityViolation
	for i := len(ordered) - 1; i >= 0 && len(matches) < limit; i-- {
		if ordered[i].Pid == string(pid) {
			matches = append(matches, ordered[i])
		}
	}
	return matches
}

func (s *Sandbox) orderedAuditLocked() []kernelerr.SecurityViolation {
	if !s.auditFull {
		return append([]kernelerr.SecurityViolation(nil), s.audit...)
	}
	ordered := make([]kernelerr.SecurityViolation, 0, len(s.audit))
	ordered = append(ordered, s.audit[s.auditNext:]...)
	ordered = append(ordered, s.audit[:s.auditNext]...)
	return ordered
}

// DroppedViolations reports how many violations have been evicted from
// the ring since it first filled.
func (s *Sandbox) DroppedViolations() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
