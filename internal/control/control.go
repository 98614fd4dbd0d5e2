// Package control exposes a running kernel over a Unix domain socket so
// the CLI's stop/ps/status subcommands can reach a process they did not
// start. Built on net/rpc rather than the pack's grpc/protobuf pair (see
// DESIGN.md) since a three-method local control plane has no need for a
// wire-format or load-balancing story.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"os"
	"sync"

	"github.com/agentkernel/kernel/internal/kernel"
	"github.com/agentkernel/kernel/internal/types"
)

// DefaultSocketPath returns $XDG_RUNTIME_DIR/kernel.sock, falling back to
// /tmp/kernel.sock when the environment variable is unset.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/kernel.sock"
	}
	return "/tmp/kernel.sock"
}

// ProcessInfo is the gob-serializable projection of an AgentProcess
// returned by ListProcesses.
type ProcessInfo struct {
	Pid      types.AgentPid
	Name     string
	Priority uint8
	State    types.ProcessState
}

// StatusReply is a point-in-time snapshot of kernel, scheduler, and
// context manager state, returned over the control socket rather than a
// scrape endpoint.
type StatusReply struct {
	KernelState      types.KernelState
	ReadyQueueSize   int
	WaitingQueueSize int
	TotalProcesses   int
	ActiveProcesses  int
	Running          string

	ContextCurrentUsage  uint64
	ContextMaxTokens     uint64
	ContextUsagePercent  float64
	ContextResidentCount int
	ContextSwappedCount  int
	ContextByType        map[types.PageType]int
	ContextCacheHitRate  float64
}

// Empty is the argument type for RPCs that take no parameters; net/rpc
// requires a concrete pointer type even when there is nothing to send.
type Empty struct{}

// KernelControl is the RPC receiver registered against the kernel's
// control socket. Every method takes a request pointer and a reply
// pointer per net/rpc's calling convention.
type KernelControl struct {
	k *kernel.Kernel
}

// New constructs a KernelControl bound to k.
func New(k *kernel.Kernel) *KernelControl {
	return &KernelControl{k: k}
}

// Stop gracefully shuts down the bound kernel.
func (c *KernelControl) Stop(_ *Empty, reply *Empty) error {
	if err := c.k.Shutdown(context.Background()); err != nil {
		return err
	}
	*reply = Empty{}
	return nil
}

// ListProcesses returns a snapshot of every active process.
func (c *KernelControl) ListProcesses(_ *Empty, reply *[]ProcessInfo) error {
	pids := c.k.Scheduler().ActivePids()
	infos := make([]ProcessInfo, 0, len(pids))
	for _, pid := range pids {
		if p := c.k.Scheduler().Process(pid); p != nil {
			infos = append(infos, ProcessInfo{Pid: p.Pid, Name: p.Name, Priority: p.Priority, State: p.State})
		}
	}
	*reply = infos
	return nil
}

// Status returns an aggregate snapshot combining scheduler queue depths,
// process counts by state, and context manager usage.
func (c *KernelControl) Status(_ *Empty, reply *StatusReply) error {
	stats := c.k.Scheduler().Stats()
	ctxStats := c.k.Context().Stats()
	*reply = StatusReply{
		KernelState:      c.k.State(),
		ReadyQueueSize:   stats.ReadyQueueSize,
		WaitingQueueSize: stats.WaitingQueueSize,
		TotalProcesses:   stats.TotalProcesses,
		ActiveProcesses:  stats.ActiveProcesses,
		Running:          stats.Running,

		ContextCurrentUsage:  ctxStats.CurrentUsage,
		ContextMaxTokens:     ctxStats.MaxTokens,
		ContextUsagePercent:  ctxStats.UsagePercent,
		ContextResidentCount: ctxStats.ResidentCount,
		ContextSwappedCount:  ctxStats.SwappedCount,
		ContextByType:        ctxStats.ByType,
		ContextCacheHitRate:  ctxStats.CacheHitRate,
	}
	return nil
}

// Server listens on a Unix domain socket and serves a KernelControl until
// Close is called.
type Server struct {
	listener net.Listener
	mu       sync.Mutex
	closed   bool
}

// Serve registers control against the standard net/rpc server, removes
// any stale socket file at path, listens, and serves in a background
// goroutine. Call Close to stop and remove the socket.
func Serve(path string, control *KernelControl) (*Server, error) {
	_ = os.Remove(path)

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("KernelControl", control); err != nil {
		return nil, fmt.Errorf("control: register service: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", path, err)
	}

	s := &Server{listener: listener}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				slog.Warn("control: accept failed", "error", err)
				return
			}
			go rpcServer.ServeConn(conn)
		}
	}()

	slog.Info("control: listening", "socket", path)
	return s, nil
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.listener.Close()
}

// Client dials a running kernel's control socket.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := rpc.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", path, err)
	}
	return &Client{rpc: conn}, nil
}

// Stop requests a graceful shutdown of the remote kernel.
func (c *Client) Stop() error {
	return c.rpc.Call("KernelControl.Stop", &Empty{}, &Empty{})
}

// ListProcesses fetches the remote kernel's active process list.
func (c *Client) ListProcesses() ([]ProcessInfo, error) {
	var reply []ProcessInfo
	if err := c.rpc.Call("KernelControl.ListProcesses", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Status fetches the remote kernel's status snapshot.
func (c *Client) Status() (StatusReply, error) {
	var reply StatusReply
	err := c.rpc.Call("KernelControl.Status", &Empty{}, &reply)
	return reply, err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}
