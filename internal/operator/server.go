// Package operator — server.go
//
// Unix domain socket server for octokernel operator inspection and
// force-termination.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/octokernel/operator.sock (configurable).
// Permissions: 0600.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"identity","exec_id":7}
//	  → Returns the identity's kind, trust domain, liveness, cancellation
//	    state, and current usage counters.
//
//	{"cmd":"terminate","task_id":3,"reason":"Cancelled"}
//	  → Force-terminates a task with the given ExitReason (Normal, Failure,
//	    Cancelled, Timeout; default Cancelled).
//	  → Response: {"ok":true,"task_id":3}
//
//	{"cmd":"capability_valid","cap_id":42,"task_id":3}
//	  → Returns whether a capability is currently Valid for that task.
//
//	{"cmd":"identities"}
//	  → Returns every recorded identity-log event (created/terminated).
//
//	{"cmd":"force_invalidate_capability","cap_id":42}
//	  → Invalidates a capability regardless of owner or durability, bypassing
//	    the normal drop/owner checks. Fault-injection / red-team override.
//
//	{"cmd":"force_cancel","exec_id":7,"reason":"operator pin"}
//	  → Sets an identity's cancellation flag without terminating its task.
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernel"
	"github.com/octokernel/octokernel/internal/ledger"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd    string `json:"cmd"`
	ExecId uint64 `json:"exec_id,omitempty"`
	TaskId uint64 `json:"task_id,omitempty"`
	CapId  uint64 `json:"cap_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// IdentitySnapshot is the JSON-friendly view of a ledger identity.
type IdentitySnapshot struct {
	ExecId       uint64        `json:"exec_id"`
	Kind         string        `json:"kind"`
	TrustDomain  string        `json:"trust_domain"`
	Alive        bool          `json:"alive"`
	Cancelled    bool          `json:"cancelled"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	Usage        ledger.Usage  `json:"usage"`
}

// IdentityLogEntry is the JSON-friendly view of a kernel.IdentityEvent.
type IdentityLogEntry struct {
	Seq    uint64 `json:"seq"`
	ExecId uint64 `json:"exec_id"`
	Kind   string `json:"kind"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK         bool               `json:"ok"`
	Error      string             `json:"error,omitempty"`
	ExecId     uint64             `json:"exec_id,omitempty"`
	TaskId     uint64             `json:"task_id,omitempty"`
	Identity   *IdentitySnapshot  `json:"identity,omitempty"`
	Valid      bool               `json:"valid,omitempty"`
	Identities []IdentityLogEntry `json:"identities,omitempty"`
}

// Server is the operator Unix domain socket server, backed directly by a
// *kernel.Kernel.
type Server struct {
	socketPath string
	kernel     *kernel.Kernel
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server bound to k.
func NewServer(socketPath string, k *kernel.Kernel, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		kernel:     k,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "identity":
		return s.cmdIdentity(req)
	case "terminate":
		return s.cmdTerminate(req)
	case "capability_valid":
		return s.cmdCapabilityValid(req)
	case "identities":
		return s.cmdIdentities()
	case "force_invalidate_capability":
		return s.cmdForceInvalidateCapability(req)
	case "force_cancel":
		return s.cmdForceCancel(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdIdentity(req Request) Response {
	if req.ExecId == 0 {
		return Response{OK: false, Error: "exec_id required for identity"}
	}
	id, ok := s.kernel.GetIdentity(ids.ExecutionId(req.ExecId))
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("execution id %d not found", req.ExecId)}
	}
	cancelled, reason := id.Cancelled()
	return Response{
		OK: true,
		Identity: &IdentitySnapshot{
			ExecId:       req.ExecId,
			Kind:         id.Kind.String(),
			TrustDomain:  id.TrustDomain,
			Alive:        id.Alive(),
			Cancelled:    cancelled,
			CancelReason: reason,
			Usage:        id.Usage(),
		},
	}
}

func (s *Server) cmdTerminate(req Request) Response {
	if req.TaskId == 0 {
		return Response{OK: false, Error: "task_id required for terminate"}
	}
	reason := parseExitReason(req.Reason)
	if err := s.kernel.TerminateTaskWithReason(ids.TaskId(req.TaskId), reason); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: task force-terminated", zap.Uint64("task_id", req.TaskId), zap.String("reason", reason.String()))
	return Response{OK: true, TaskId: req.TaskId}
}

func (s *Server) cmdCapabilityValid(req Request) Response {
	if req.CapId == 0 || req.TaskId == 0 {
		return Response{OK: false, Error: "cap_id and task_id required for capability_valid"}
	}
	valid := s.kernel.IsCapabilityValid(req.CapId, ids.TaskId(req.TaskId))
	return Response{OK: true, Valid: valid}
}

func (s *Server) cmdIdentities() Response {
	events := s.kernel.IdentityAuditLog()
	out := make([]IdentityLogEntry, 0, len(events))
	for _, e := range events {
		out = append(out, IdentityLogEntry{Seq: e.Seq, ExecId: uint64(e.ExecutionId), Kind: e.Kind})
	}
	return Response{OK: true, Identities: out}
}

func (s *Server) cmdForceInvalidateCapability(req Request) Response {
	if req.CapId == 0 {
		return Response{OK: false, Error: "cap_id required for force_invalidate_capability"}
	}
	if err := s.kernel.ForceInvalidateCapability(req.CapId); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: capability force-invalidated", zap.Uint64("cap_id", req.CapId))
	return Response{OK: true}
}

func (s *Server) cmdForceCancel(req Request) Response {
	if req.ExecId == 0 {
		return Response{OK: false, Error: "exec_id required for force_cancel"}
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator override"
	}
	if err := s.kernel.ForceCancelIdentity(ids.ExecutionId(req.ExecId), reason); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: identity force-cancelled", zap.Uint64("exec_id", req.ExecId), zap.String("reason", reason))
	return Response{OK: true, ExecId: req.ExecId}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// parseExitReason converts a reason name to a ledger.ExitReason, defaulting
// to Cancelled for an empty or unrecognized name (a force-terminate is, by
// definition, not the task's own normal exit).
func parseExitReason(name string) ledger.ExitReason {
	switch name {
	case "Normal":
		return ledger.ExitNormal
	case "Failure":
		return ledger.ExitFailure
	case "Timeout":
		return ledger.ExitTimeout
	default:
		return ledger.ExitCancelled
	}
}
