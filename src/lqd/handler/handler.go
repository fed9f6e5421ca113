// Package handler runs the daemon's unix-socket server loop: it accepts CLI
// connections, decodes framed requests, dispatches them to the report engine
// or the admin handlers, and shuts the daemon down when idle.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/akesson/language-query/src/lqd/controller/docstore"
	"github.com/akesson/language-query/src/lqd/controller/report"
	"github.com/akesson/language-query/src/lqd/entity"
	"github.com/akesson/language-query/src/lqd/gateway/langserver"
	"github.com/akesson/language-query/src/lqd/internal/clock"
	"github.com/akesson/language-query/src/lqd/internal/core"
	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
	"github.com/akesson/language-query/src/lqd/internal/querycache"
	"github.com/akesson/language-query/src/lqd/internal/registry"
	"github.com/akesson/language-query/src/lqd/internal/wire"
	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyIdleTimeout   = "server.idleTimeout"
	_configKeyIdleInterval  = "server.idleCheckInterval"
	_configKeyMaxFrameBytes = "server.maxFrameBytes"

	_defaultIdleTimeout  = 5 * time.Minute
	_defaultIdleInterval = 30 * time.Second
)

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(func(*Server) {}),
)

// Params define values to be used by the server.
type Params struct {
	fx.In

	Config     config.Provider
	Report     report.Controller
	Docs       docstore.Store
	Cache      querycache.Cache
	Gateway    langserver.Gateway
	Registry   *registry.Registry
	LogBuffer  *core.LogBuffer
	Root       entity.WorkspaceRoot
	Clock      clock.Clock
	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

// Server is the daemon's request loop.
type Server struct {
	report     report.Controller
	docs       docstore.Store
	cache      querycache.Cache
	gateway    langserver.Gateway
	registry   *registry.Registry
	logBuffer  *core.LogBuffer
	root       string
	clock      clock.Clock
	shutdowner fx.Shutdowner
	logger     *zap.SugaredLogger
	stats      tally.Scope

	idleTimeout   time.Duration
	idleInterval  time.Duration
	maxFrameBytes uint32

	listener net.Listener
	started  time.Time
	done     chan struct{}

	mu           sync.Mutex
	conns        map[uuid.UUID]net.Conn
	pending      map[string]entity.PendingRequest
	lastActivity time.Time
	stopping     bool
}

// New creates the server and ties its listener to the fx lifecycle.
func New(p Params) (*Server, error) {
	idleTimeout := _defaultIdleTimeout
	if err := p.Config.Get(_configKeyIdleTimeout).Populate(&idleTimeout); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyIdleTimeout, err)
	}
	idleInterval := _defaultIdleInterval
	if err := p.Config.Get(_configKeyIdleInterval).Populate(&idleInterval); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyIdleInterval, err)
	}
	maxFrameBytes := uint32(wire.DefaultMaxFrameBytes)
	if err := p.Config.Get(_configKeyMaxFrameBytes).Populate(&maxFrameBytes); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyMaxFrameBytes, err)
	}

	s := &Server{
		report:        p.Report,
		docs:          p.Docs,
		cache:         p.Cache,
		gateway:       p.Gateway,
		registry:      p.Registry,
		logBuffer:     p.LogBuffer,
		root:          string(p.Root),
		clock:         p.Clock,
		shutdowner:    p.Shutdowner,
		logger:        p.Logger.With("component", "server"),
		stats:         p.Stats.SubScope("server"),
		idleTimeout:   idleTimeout,
		idleInterval:  idleInterval,
		maxFrameBytes: maxFrameBytes,
		done:          make(chan struct{}),
		conns:         make(map[uuid.UUID]net.Conn),
		pending:       make(map[string]entity.PendingRequest),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: s.start,
		OnStop:  s.stop,
	})
	return s, nil
}

func (s *Server) start(ctx context.Context) error {
	socketPath, err := s.registry.SocketPath(s.root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("creating runtime directory: %w", err)
	}
	// A previous daemon that died uncleanly may have left the socket behind.
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", socketPath, err)
	}
	s.listener = listener
	s.started = s.clock.Now()
	s.mu.Lock()
	s.lastActivity = s.started
	s.mu.Unlock()

	id, err := s.registry.WorkspaceID(s.root)
	if err != nil {
		listener.Close()
		return err
	}
	if err := s.registry.WriteSession(&entity.WorkspaceSession{
		ID:            id,
		WorkspaceRoot: s.root,
		Socket:        socketPath,
		PID:           os.Getpid(),
		Created:       s.started,
	}); err != nil {
		listener.Close()
		return err
	}

	s.logger.Infow("daemon listening", "socket", socketPath, "workspace", s.root)
	go s.acceptLoop()
	go s.idleLoop()
	return nil
}

func (s *Server) stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	conns := make([]net.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}

	if err := s.registry.Release(s.root); err != nil {
		s.logger.Warnw("releasing session lock", "error", err)
	}
	if socketPath, err := s.registry.SocketPath(s.root); err == nil {
		os.Remove(socketPath)
	}
	s.logger.Infow("daemon stopped")
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warnw("accept failed", "error", err)
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	id := uuid.Must(uuid.NewV4())
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[id] = conn
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
	s.stats.Counter("connections").Inc(1)

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.lastActivity = s.clock.Now()
		s.mu.Unlock()
		conn.Close()
	}()

	reader := wire.NewReader(conn, s.maxFrameBytes)
	for {
		req, err := reader.NextRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// A malformed frame poisons the stream; answer once and close
			// only this connection.
			var protocolErr *lqerrors.ProtocolError
			if errors.As(err, &protocolErr) {
				wire.WriteFrame(conn, &wire.Response{Error: &wire.ResponseError{
					Kind:    lqerrors.KindProtocol,
					Message: err.Error(),
				}})
			}
			s.logger.Debugw("closing connection", "error", err)
			return
		}

		s.touch()
		resp, stopAfterReply := s.dispatch(id, req)
		if err := wire.WriteFrame(conn, resp); err != nil {
			s.logger.Debugw("writing response failed", "error", err)
			return
		}
		if stopAfterReply {
			// Acknowledge first, then shut down the whole daemon.
			s.logger.Infow("stop requested")
			if err := s.shutdowner.Shutdown(); err != nil {
				s.logger.Errorw("shutdown request failed", "error", err)
			}
			return
		}
	}
}

// dispatch runs one request and builds its response. The second return marks
// the stop method, which replies before the daemon exits.
func (s *Server) dispatch(connID uuid.UUID, req *wire.Request) (*wire.Response, bool) {
	s.trackPending(connID, req)
	defer s.untrackPending(req.ID)
	timer := s.stats.Tagged(map[string]string{"method": req.Method}).Timer("request").Start()
	defer timer.Stop()

	// Upstream computations outlive the requesting connection: another
	// waiter attached through the cache may still need the result.
	ctx := context.Background()

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case wire.MethodSymbolDocs:
		var params entity.SymbolParams
		if err = unmarshalParams(req.Params, &params); err == nil {
			result, err = s.report.Docs(ctx, params)
		}
	case wire.MethodSymbolImpl:
		var params entity.SymbolParams
		if err = unmarshalParams(req.Params, &params); err == nil {
			result, err = s.report.Implementation(ctx, params)
		}
	case wire.MethodSymbolReferences:
		var params entity.SymbolParams
		if err = unmarshalParams(req.Params, &params); err == nil {
			result, err = s.report.References(ctx, params)
		}
	case wire.MethodSymbolResolve:
		var params entity.ResolveParams
		if err = unmarshalParams(req.Params, &params); err == nil {
			result, err = s.report.Resolve(ctx, params)
		}
	case wire.MethodStatus:
		result = s.status()
	case wire.MethodLogs:
		result = &entity.LogsResult{Lines: s.logBuffer.Lines()}
	case wire.MethodStop:
		return okResponse(req.ID, map[string]string{"status": "stopping"}), true
	default:
		err = &lqerrors.ProtocolError{Reason: fmt.Sprintf("unknown method %q", req.Method)}
	}

	if err != nil {
		s.stats.Tagged(map[string]string{"method": req.Method}).Counter("error").Inc(1)
		return &wire.Response{ID: req.ID, Error: &wire.ResponseError{
			Kind:    lqerrors.WireKind(err),
			Message: err.Error(),
		}}, false
	}
	return okResponse(req.ID, result), false
}

func (s *Server) status() *entity.StatusResult {
	return &entity.StatusResult{
		Status:        "running",
		Workspace:     s.root,
		PID:           os.Getpid(),
		UptimeSeconds: int64(s.clock.Now().Sub(s.started).Seconds()),
		Languages:     s.gateway.States(),
		OpenDocuments: s.docs.OpenCount(),
		CacheEntries:  s.cache.Len(),
	}
}

// idleLoop exits the daemon once no connections have been open for longer
// than the idle timeout.
func (s *Server) idleLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.clock.After(s.idleInterval):
		}

		s.mu.Lock()
		idle := len(s.conns) == 0 && s.clock.Now().Sub(s.lastActivity) > s.idleTimeout
		s.mu.Unlock()
		if idle {
			s.logger.Infow("idle timeout reached, shutting down", "idleTimeout", s.idleTimeout)
			if err := s.shutdowner.Shutdown(); err != nil {
				s.logger.Errorw("shutdown request failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) touch() {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

func (s *Server) trackPending(connID uuid.UUID, req *wire.Request) {
	s.mu.Lock()
	s.pending[req.ID] = entity.PendingRequest{
		ID:       req.ID,
		Conn:     connID,
		Method:   req.Method,
		Received: s.clock.Now(),
	}
	count := len(s.pending)
	s.mu.Unlock()
	s.stats.Gauge("pending_requests").Update(float64(count))
}

func (s *Server) untrackPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	count := len(s.pending)
	s.mu.Unlock()
	s.stats.Gauge("pending_requests").Update(float64(count))
}

// PendingCount reports the number of requests currently being served.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return &lqerrors.ProtocolError{Reason: "missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &lqerrors.ProtocolError{Reason: fmt.Sprintf("decoding params: %v", err)}
	}
	return nil
}

func okResponse(id string, result interface{}) *wire.Response {
	payload, err := json.Marshal(result)
	if err != nil {
		return &wire.Response{ID: id, Error: &wire.ResponseError{
			Kind:    lqerrors.KindInternal,
			Message: fmt.Sprintf("encoding result: %v", err),
		}}
	}
	return &wire.Response{ID: id, Result: payload}
}
