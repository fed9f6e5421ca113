// Package client is the CLI-side dispatcher: it resolves or starts the
// workspace daemon, sends one framed request over the unix socket, and decodes
// the framed response. Argument parsing and output rendering live outside.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/akesson/language-query/src/lqd/entity"
	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
	"github.com/akesson/language-query/src/lqd/internal/registry"
	"github.com/akesson/language-query/src/lqd/internal/wire"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const _defaultDialTimeout = 3 * time.Second

// Dispatcher sends requests to the workspace daemon, starting it when needed.
type Dispatcher struct {
	registry    *registry.Registry
	dial        registry.DialFunc
	dialTimeout time.Duration
	logger      *zap.SugaredLogger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDialFunc overrides how the daemon socket is dialed.
func WithDialFunc(dial registry.DialFunc) Option {
	return func(d *Dispatcher) { d.dial = dial }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a Dispatcher on top of the session registry.
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		dial: func(socket string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("unix", socket, timeout)
		},
		dialTimeout: _defaultDialTimeout,
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch resolves the daemon for workspaceRoot, sends one request and
// decodes the result into result. Error responses come back as a
// *wire.ResponseError carrying the typed kind.
func (d *Dispatcher) Dispatch(ctx context.Context, workspaceRoot, method string, params, result interface{}) error {
	session, err := d.registry.ResolveOrStart(ctx, workspaceRoot)
	if err != nil {
		return err
	}

	conn, err := d.dial(session.Socket, d.dialTimeout)
	if err != nil {
		return fmt.Errorf("dialing daemon at %q: %w", session.Socket, err)
	}
	defer conn.Close()

	id := uuid.Must(uuid.NewV4()).String()
	req := &wire.Request{ID: id, Method: method}
	if params != nil {
		payload, err := marshalParams(params)
		if err != nil {
			return err
		}
		req.Params = payload
	}
	if err := wire.WriteFrame(conn, req); err != nil {
		return fmt.Errorf("sending %q request: %w", method, err)
	}

	resp, err := wire.NewReader(conn, 0).NextResponse()
	if err != nil {
		return fmt.Errorf("reading %q response: %w", method, err)
	}
	if resp.ID != id {
		return &lqerrors.ProtocolError{Reason: fmt.Sprintf("response id %q does not match request id %q", resp.ID, id)}
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	if err := unmarshalResult(resp.Result, result); err != nil {
		return err
	}
	return nil
}

func marshalParams(v interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return payload, nil
}

func unmarshalResult(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &lqerrors.ProtocolError{Reason: fmt.Sprintf("decoding result: %v", err)}
	}
	return nil
}

// Docs fetches the full symbol report.
func (d *Dispatcher) Docs(ctx context.Context, workspaceRoot string, params entity.SymbolParams) (*entity.SymbolReport, error) {
	var report entity.SymbolReport
	if err := d.Dispatch(ctx, workspaceRoot, wire.MethodSymbolDocs, params, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Implementation fetches the symbol report with a definition excerpt.
func (d *Dispatcher) Implementation(ctx context.Context, workspaceRoot string, params entity.SymbolParams) (*entity.SymbolReport, error) {
	var report entity.SymbolReport
	if err := d.Dispatch(ctx, workspaceRoot, wire.MethodSymbolImpl, params, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// References fetches the capped reference listing.
func (d *Dispatcher) References(ctx context.Context, workspaceRoot string, params entity.SymbolParams) (*entity.ReferencesSection, error) {
	var refs entity.ReferencesSection
	if err := d.Dispatch(ctx, workspaceRoot, wire.MethodSymbolReferences, params, &refs); err != nil {
		return nil, err
	}
	return &refs, nil
}

// Resolve ranks workspace symbols against a bare name.
func (d *Dispatcher) Resolve(ctx context.Context, workspaceRoot string, params entity.ResolveParams) (*entity.ResolveResult, error) {
	var result entity.ResolveResult
	if err := d.Dispatch(ctx, workspaceRoot, wire.MethodSymbolResolve, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status fetches daemon status, starting the daemon if necessary.
func (d *Dispatcher) Status(ctx context.Context, workspaceRoot string) (*entity.StatusResult, error) {
	var status entity.StatusResult
	if err := d.Dispatch(ctx, workspaceRoot, wire.MethodStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Logs fetches the daemon's buffered log lines.
func (d *Dispatcher) Logs(ctx context.Context, workspaceRoot string) (*entity.LogsResult, error) {
	var logs entity.LogsResult
	if err := d.Dispatch(ctx, workspaceRoot, wire.MethodLogs, nil, &logs); err != nil {
		return nil, err
	}
	return &logs, nil
}

// Stop shuts down the workspace daemon if one is running.
func (d *Dispatcher) Stop(ctx context.Context, workspaceRoot string) error {
	return d.registry.Stop(ctx, workspaceRoot)
}
