package langserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/akesson/language-query/src/lqd/controller/docstore"
	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

// State is the connection lifecycle state for one language.
type State int32

const (
	// StateUninitialized means no server has been started yet.
	StateUninitialized State = iota
	// StateStarting means the server process is up but the initialize
	// handshake has not completed.
	StateStarting
	// StateReady means queries are forwarded.
	StateReady
	// StateDegraded means the server crashed and the next query restarts it.
	StateDegraded
	// StateTerminated means the restart cap was exceeded; queries fail fast
	// until a manual reset.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Process is a handle on a spawned server subprocess.
type Process interface {
	Wait() error
	Kill() error
}

// SpawnFunc launches a language server and returns its stdio stream and a
// process handle.
type SpawnFunc func(ctx context.Context, command []string, workspaceRoot string) (io.ReadWriteCloser, Process, error)

type stdioPipe struct {
	io.ReadCloser
	io.WriteCloser
}

func (p stdioPipe) Close() error {
	werr := p.WriteCloser.Close()
	rerr := p.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

type osProcess struct{ cmd *exec.Cmd }

func (p osProcess) Wait() error { return p.cmd.Wait() }
func (p osProcess) Kill() error { return p.cmd.Process.Kill() }

func spawnSubprocess(ctx context.Context, command []string, workspaceRoot string) (io.ReadWriteCloser, Process, error) {
	if len(command) == 0 {
		return nil, nil, fmt.Errorf("empty server command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workspaceRoot
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %q: %w", command[0], err)
	}
	return stdioPipe{ReadCloser: stdout, WriteCloser: stdin}, osProcess{cmd: cmd}, nil
}

type connectionParams struct {
	language     string
	config       LanguageConfig
	root         string
	docs         docstore.Store
	spawn        SpawnFunc
	queryTimeout time.Duration
	initTimeout  time.Duration
	restartCap   int
	logger       *zap.SugaredLogger
	stats        tally.Scope
}

type connection struct {
	language     string
	cfg          LanguageConfig
	root         string
	docs         docstore.Store
	spawn        SpawnFunc
	queryTimeout time.Duration
	initTimeout  time.Duration
	restartCap   int
	logger       *zap.SugaredLogger
	stats        tally.Scope

	mu       sync.Mutex
	state    State
	restarts int
	server   protocol.Server
	rpc      jsonrpc2.Conn
	proc     Process
	// generation guards the crash monitor against reporting on a process
	// that was already replaced or deliberately stopped.
	generation int
}

func newConnection(p connectionParams) *connection {
	return &connection{
		language:     p.language,
		cfg:          p.config,
		root:         p.root,
		docs:         p.docs,
		spawn:        p.spawn,
		queryTimeout: p.queryTimeout,
		initTimeout:  p.initTimeout,
		restartCap:   p.restartCap,
		logger:       p.logger,
		stats:        p.stats,
	}
}

func (c *connection) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ensureReady returns the server once the connection is Ready, starting or
// restarting the subprocess when needed. The lock is held across the
// handshake so concurrent first queries share one start.
func (c *connection) ensureReady(ctx context.Context) (protocol.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateReady:
		return c.server, nil
	case StateTerminated:
		return nil, &lqerrors.LanguageServerUnavailableError{Language: c.language, Restarts: c.restarts}
	}

	if err := c.startLocked(ctx); err != nil {
		return nil, err
	}
	return c.server, nil
}

func (c *connection) startLocked(ctx context.Context) error {
	c.state = StateStarting
	c.logger.Infow("starting language server", "command", c.cfg.Command)

	rwc, proc, err := c.spawn(ctx, c.cfg.Command, c.root)
	if err != nil {
		c.recordFailureLocked()
		return &lqerrors.UpstreamUnavailableError{Language: c.language}
	}

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))
	conn.Go(context.Background(), jsonrpc2.MethodNotFoundHandler)
	server := protocol.ServerDispatcher(conn, c.logger.Desugar())

	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()
	if err := c.initialize(initCtx, server); err != nil {
		conn.Close()
		proc.Kill()
		c.recordFailureLocked()
		c.logger.Warnw("initialize handshake failed", "error", err)
		return &lqerrors.UpstreamUnavailableError{Language: c.language}
	}

	c.replayLocked(ctx, server)

	c.server = server
	c.rpc = conn
	c.proc = proc
	c.generation++
	c.state = StateReady
	c.stats.Counter("started").Inc(1)
	c.logger.Infow("language server ready", "restarts", c.restarts)

	go c.monitor(proc, c.generation)
	return nil
}

func (c *connection) initialize(ctx context.Context, server protocol.Server) error {
	params := &protocol.InitializeParams{
		ProcessID:    int32(os.Getpid()),
		RootURI:      uri.File(c.root),
		Capabilities: protocol.ClientCapabilities{},
	}
	if _, err := server.Initialize(ctx, params); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := server.Initialized(ctx, &protocol.InitializedParams{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// replayLocked re-opens every tracked document owned by this language so the
// restarted server sees the same open set as before the crash.
func (c *connection) replayLocked(ctx context.Context, server protocol.Server) {
	for _, doc := range c.docs.Documents() {
		if !c.owns(doc.Path) {
			continue
		}
		if err := server.DidOpen(ctx, didOpenParams(c.language, doc)); err != nil {
			c.logger.Warnw("document replay failed", "path", doc.Path, "error", err)
		}
	}
}

func (c *connection) owns(path string) bool {
	ext := extOf(path)
	for _, candidate := range c.cfg.Extensions {
		if strings.ToLower(candidate) == ext {
			return true
		}
	}
	return false
}

func (c *connection) recordFailureLocked() {
	c.restarts++
	c.stats.Counter("crash").Inc(1)
	if c.restarts > c.restartCap {
		c.state = StateTerminated
		c.logger.Errorw("restart cap exceeded, terminating connection", "restarts", c.restarts)
		return
	}
	c.state = StateDegraded
}

func (c *connection) monitor(proc Process, generation int) {
	err := proc.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation || c.state == StateTerminated {
		return
	}
	c.logger.Warnw("language server exited", "error", err)
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	c.server = nil
	c.recordFailureLocked()
}

func (c *connection) hover(ctx context.Context, path string, pos protocol.Position) (*protocol.Hover, error) {
	server, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	hover, err := server.Hover(qctx, &protocol.HoverParams{
		TextDocumentPositionParams: positionParams(path, pos),
	})
	if err != nil {
		return nil, c.queryError(qctx, protocol.MethodTextDocumentHover, err)
	}
	c.noteSuccess()
	return hover, nil
}

func (c *connection) definition(ctx context.Context, path string, pos protocol.Position) ([]protocol.Location, error) {
	server, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	locations, err := server.Definition(qctx, &protocol.DefinitionParams{
		TextDocumentPositionParams: positionParams(path, pos),
	})
	if err != nil {
		return nil, c.queryError(qctx, protocol.MethodTextDocumentDefinition, err)
	}
	c.noteSuccess()
	return locations, nil
}

func (c *connection) references(ctx context.Context, path string, pos protocol.Position, includeDecl bool) ([]protocol.Location, error) {
	server, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	locations, err := server.References(qctx, &protocol.ReferenceParams{
		TextDocumentPositionParams: positionParams(path, pos),
		Context:                    protocol.ReferenceContext{IncludeDeclaration: includeDecl},
	})
	if err != nil {
		return nil, c.queryError(qctx, protocol.MethodTextDocumentReferences, err)
	}
	c.noteSuccess()
	return locations, nil
}

func (c *connection) documentSymbols(ctx context.Context, path string) ([]interface{}, error) {
	server, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	symbols, err := server.DocumentSymbol(qctx, &protocol.DocumentSymbolParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri.File(path)},
	})
	if err != nil {
		return nil, c.queryError(qctx, protocol.MethodTextDocumentDocumentSymbol, err)
	}
	c.noteSuccess()
	return symbols, nil
}

func (c *connection) workspaceSymbols(ctx context.Context, query string) ([]protocol.SymbolInformation, error) {
	server, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	symbols, err := server.Symbols(qctx, &protocol.WorkspaceSymbolParams{Query: query})
	if err != nil {
		return nil, c.queryError(qctx, protocol.MethodWorkspaceSymbol, err)
	}
	c.noteSuccess()
	return symbols, nil
}

func (c *connection) handleDocEvent(ctx context.Context, event docstore.Event) {
	c.mu.Lock()
	server := c.server
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		// The open set is replayed on the next start.
		return
	}

	var err error
	switch event.Kind {
	case docstore.EventOpened:
		err = server.DidOpen(ctx, didOpenParams(c.language, event.Doc))
	case docstore.EventChanged:
		err = server.DidChange(ctx, &protocol.DidChangeTextDocumentParams{
			TextDocument: protocol.VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri.File(event.Doc.Path)},
				Version:                event.Doc.Version,
			},
			ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: event.Doc.Text}},
		})
	case docstore.EventClosed:
		err = server.DidClose(ctx, &protocol.DidCloseTextDocumentParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri.File(event.Doc.Path)},
		})
	}
	if err != nil {
		c.logger.Warnw("document sync notification failed", "path", event.Doc.Path, "error", err)
	}
}

// queryError maps a failed upstream call to the typed error the caller
// reports: the bounded wait expiring is a timeout, a crash mid-query is
// unavailability.
func (c *connection) queryError(ctx context.Context, method string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		c.stats.Counter("timeout").Inc(1)
		return &lqerrors.UpstreamTimeoutError{Method: method, Timeout: c.queryTimeout}
	}
	c.mu.Lock()
	crashed := c.state != StateReady
	c.mu.Unlock()
	if crashed {
		return &lqerrors.UpstreamUnavailableError{Language: c.language}
	}
	return fmt.Errorf("upstream %q query: %w", method, err)
}

// noteSuccess resets the consecutive-restart budget once the restarted server
// answers a query.
func (c *connection) noteSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady {
		c.restarts = 0
	}
}

func (c *connection) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(context.Background())
	c.restarts = 0
	c.state = StateUninitialized
	c.logger.Infow("connection reset")
}

func (c *connection) shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ctx)
	c.state = StateTerminated
	return nil
}

func (c *connection) stopLocked(ctx context.Context) {
	if c.server != nil {
		// Orderly protocol shutdown, best effort.
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		if err := c.server.Shutdown(sctx); err == nil {
			c.server.Exit(sctx)
		}
		cancel()
	}
	// Bump the generation so the monitor ignores the deliberate exit.
	c.generation++
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	if c.proc != nil {
		c.proc.Kill()
		c.proc = nil
	}
	c.server = nil
}

func extOf(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

func positionParams(path string, pos protocol.Position) protocol.TextDocumentPositionParams {
	return protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri.File(path)},
		Position:     pos,
	}
}

func didOpenParams(language string, doc docstore.Document) *protocol.DidOpenTextDocumentParams {
	return &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        uri.File(doc.Path),
			LanguageID: protocol.LanguageIdentifier(language),
			Version:    doc.Version,
			Text:       doc.Text,
		},
	}
}
