package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/adapters"
	"github.com/nextlevelbuilder/hiboss/internal/auth"
	"github.com/nextlevelbuilder/hiboss/internal/cron"
	"github.com/nextlevelbuilder/hiboss/internal/executor"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// maxFrameBytes bounds one newline-framed request.
const maxFrameBytes = 4 << 20

// handlerFunc is one dispatched method. Handlers receive the resolved
// principal, never the raw token.
type handlerFunc func(ctx context.Context, p auth.Principal, params json.RawMessage) (any, error)

// Server accepts connections on the daemon's unix socket and dispatches
// newline-framed JSON requests.
type Server struct {
	store    *store.Store
	authn    *auth.Authenticator
	policy   *auth.PolicyEngine
	router   *router.Router
	exec     *executor.Executor
	mat      *cron.Materializer
	registry *adapters.Registry
	logger   *slog.Logger

	socketPath string
	agentHome  func(name string) string // "" disables home-dir cleanup
	now        func() time.Time
	startedAt  time.Time

	handlers map[string]handlerFunc

	mu sync.Mutex
	ln net.Listener
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAgentHome wires per-agent home directory resolution so
// agent.delete can remove the directory along with the row.
func WithAgentHome(fn func(name string) string) ServerOption {
	return func(s *Server) { s.agentHome = fn }
}

// WithServerClock pins the time source for tests.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer wires the IPC server. Call Serve to start accepting.
func NewServer(st *store.Store, authn *auth.Authenticator, policy *auth.PolicyEngine,
	r *router.Router, exec *executor.Executor, mat *cron.Materializer,
	registry *adapters.Registry, socketPath string, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:      st,
		authn:      authn,
		policy:     policy,
		router:     r,
		exec:       exec,
		mat:        mat,
		registry:   registry,
		logger:     logger,
		socketPath: socketPath,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.startedAt = s.now()
	s.handlers = s.methodTable()
	return s
}

// Serve listens on the unix socket until ctx is cancelled. The socket
// file is recreated on start and removed on stop.
func (s *Server) Serve(ctx context.Context) error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("ipc listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("ipc accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
	wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

// handleConn serves one connection: requests and responses are single
// JSON lines, processed in order.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		resp := Response{}
		if err := json.Unmarshal(line, &req); err != nil {
			resp.Error = invalidParams("malformed request: %v", err)
		} else {
			resp = s.dispatch(ctx, req)
		}
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("ipc write failed", "error", err)
			return
		}
	}
}

// dispatch authenticates, authorizes, and runs one request.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}

	result, err := s.call(ctx, req)
	if err != nil {
		resp.Error = toError(err)
		s.logger.Debug("ipc request failed", "method", req.Method, "code", resp.Error.Code, "error", resp.Error.Message)
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Code: CodeInternal, Message: fmt.Sprintf("encode result: %v", err)}
		return resp
	}
	resp.Result = raw
	return resp
}

func (s *Server) call(ctx context.Context, req Request) (any, error) {
	if req.Method == "" {
		return nil, invalidParams("method is required")
	}
	// Memory methods belong to the semantic-memory backend, which this
	// daemon does not embed.
	if strings.HasPrefix(req.Method, "memory.") {
		return nil, &Error{Code: CodeInternal, Message: "memory backend not configured"}
	}
	handler, ok := s.handlers[req.Method]
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}

	// Until setup completes no boss token or agent exists, so no token
	// can resolve to a principal. The setup methods stay reachable;
	// setup.execute authenticates in-band against any stored boss hash.
	if req.Method == "setup.check" || req.Method == "setup.execute" {
		completed, err := s.store.SetupCompleted(ctx)
		if err != nil {
			return nil, err
		}
		if !completed {
			return handler(ctx, auth.Principal{}, req.Params)
		}
	}

	var creds struct {
		Token string `json:"token"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &creds); err != nil {
			return nil, invalidParams("malformed params: %v", err)
		}
	}
	principal, err := s.authn.Resolve(ctx, creds.Token)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Check(principal, req.Method); err != nil {
		return nil, err
	}
	return handler(ctx, principal, req.Params)
}

// methodTable maps wire method names to handlers.
func (s *Server) methodTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		"envelope.send": s.handleEnvelopeSend,
		"envelope.list": s.handleEnvelopeList,
		"envelope.get":  s.handleEnvelopeGet,

		"cron.create":  s.handleCronCreate,
		"cron.list":    s.handleCronList,
		"cron.enable":  s.handleCronEnable,
		"cron.disable": s.handleCronDisable,
		"cron.delete":  s.handleCronDelete,
		"cron.explain": s.handleCronExplain,

		"agent.register":           s.handleAgentRegister,
		"agent.set":                s.handleAgentSet,
		"agent.list":               s.handleAgentList,
		"agent.status":             s.handleAgentStatus,
		"agent.delete":             s.handleAgentDelete,
		"agent.bind":               s.handleAgentBind,
		"agent.unbind":             s.handleAgentUnbind,
		"agent.refresh":            s.handleAgentRefresh,
		"agent.abort":              s.handleAgentAbort,
		"agent.self":               s.handleAgentSelf,
		"agent.session-policy.set": s.handleSessionPolicySet,

		"daemon.status": s.handleDaemonStatus,
		"daemon.ping":   s.handleDaemonPing,
		"daemon.time":   s.handleDaemonTime,

		"setup.check":   s.handleSetupCheck,
		"setup.execute": s.handleSetupExecute,

		"boss.verify":  s.handleBossVerify,
		"reaction.set": s.handleReactionSet,
	}
}
