// Package langserver manages one language-server subprocess per configured
// language and exposes the typed queries the report engine needs. Servers are
// started lazily on first query and restarted after crashes up to a cap.
package langserver

import (
	"context"
	"fmt"
	"time"

	"github.com/akesson/language-query/src/lqd/controller/docstore"
	"github.com/akesson/language-query/src/lqd/entity"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_configKeyLanguages   = "languages"
	_configKeyQueryTimout = "upstream.queryTimeout"
	_configKeyInitTimeout = "upstream.initializeTimeout"
	_configKeyRestartCap  = "upstream.restartCap"

	_defaultQueryTimeout = 8 * time.Second
	_defaultInitTimeout  = 30 * time.Second
	_defaultRestartCap   = 3
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// LanguageConfig describes how to launch one language's server and which
// files it owns.
type LanguageConfig struct {
	Command    []string `yaml:"command"`
	Extensions []string `yaml:"extensions"`
}

// Gateway is the capability surface over the managed language servers.
// Queries are routed to a language by the file's extension.
type Gateway interface {
	Hover(ctx context.Context, path string, pos protocol.Position) (*protocol.Hover, error)
	Definition(ctx context.Context, path string, pos protocol.Position) ([]protocol.Location, error)
	References(ctx context.Context, path string, pos protocol.Position, includeDecl bool) ([]protocol.Location, error)
	DocumentSymbols(ctx context.Context, path string) ([]interface{}, error)
	// WorkspaceSymbols routes by the context file owning the query.
	WorkspaceSymbols(ctx context.Context, contextPath, query string) ([]protocol.SymbolInformation, error)

	// HandleDocEvent forwards a document transition to the owning language
	// server. Events for languages that are not running are dropped; the open
	// set is replayed from the document store on every (re)start.
	HandleDocEvent(ctx context.Context, event docstore.Event)

	// States reports the connection state per configured language.
	States() map[string]string
	// Reset returns a Terminated language to Uninitialized so the next query
	// retries from a clean slate.
	Reset(language string) error
	// Shutdown terminates every running server.
	Shutdown(ctx context.Context) error
}

// Params define values to be used by the language server gateway.
type Params struct {
	fx.In

	Config    config.Provider
	Docs      docstore.Store
	Root      entity.WorkspaceRoot
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	Stats     tally.Scope

	Spawn SpawnFunc `optional:"true"`
}

type gateway struct {
	conns  map[string]*connection
	logger *zap.SugaredLogger
}

// New creates the gateway and ties server teardown to the fx lifecycle.
func New(p Params) (Gateway, error) {
	languages := make(map[string]LanguageConfig)
	if err := p.Config.Get(_configKeyLanguages).Populate(&languages); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyLanguages, err)
	}
	if len(languages) == 0 {
		return nil, fmt.Errorf("no languages configured under %q", _configKeyLanguages)
	}

	queryTimeout := _defaultQueryTimeout
	if err := p.Config.Get(_configKeyQueryTimout).Populate(&queryTimeout); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyQueryTimout, err)
	}
	initTimeout := _defaultInitTimeout
	if err := p.Config.Get(_configKeyInitTimeout).Populate(&initTimeout); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyInitTimeout, err)
	}
	restartCap := _defaultRestartCap
	if err := p.Config.Get(_configKeyRestartCap).Populate(&restartCap); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyRestartCap, err)
	}

	spawn := p.Spawn
	if spawn == nil {
		spawn = spawnSubprocess
	}

	g := &gateway{
		conns:  make(map[string]*connection, len(languages)),
		logger: p.Logger.With("component", "langserver"),
	}
	for language, cfg := range languages {
		g.conns[language] = newConnection(connectionParams{
			language:     language,
			config:       cfg,
			root:         string(p.Root),
			docs:         p.Docs,
			spawn:        spawn,
			queryTimeout: queryTimeout,
			initTimeout:  initTimeout,
			restartCap:   restartCap,
			logger:       g.logger.With("language", language),
			stats:        p.Stats.SubScope("langserver").Tagged(map[string]string{"language": language}),
		})
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: g.Shutdown,
	})
	return g, nil
}

func (g *gateway) Hover(ctx context.Context, path string, pos protocol.Position) (*protocol.Hover, error) {
	c, err := g.connFor(path)
	if err != nil {
		return nil, err
	}
	return c.hover(ctx, path, pos)
}

func (g *gateway) Definition(ctx context.Context, path string, pos protocol.Position) ([]protocol.Location, error) {
	c, err := g.connFor(path)
	if err != nil {
		return nil, err
	}
	return c.definition(ctx, path, pos)
}

func (g *gateway) References(ctx context.Context, path string, pos protocol.Position, includeDecl bool) ([]protocol.Location, error) {
	c, err := g.connFor(path)
	if err != nil {
		return nil, err
	}
	return c.references(ctx, path, pos, includeDecl)
}

func (g *gateway) DocumentSymbols(ctx context.Context, path string) ([]interface{}, error) {
	c, err := g.connFor(path)
	if err != nil {
		return nil, err
	}
	return c.documentSymbols(ctx, path)
}

func (g *gateway) WorkspaceSymbols(ctx context.Context, contextPath, query string) ([]protocol.SymbolInformation, error) {
	c, err := g.connFor(contextPath)
	if err != nil {
		return nil, err
	}
	return c.workspaceSymbols(ctx, query)
}

func (g *gateway) HandleDocEvent(ctx context.Context, event docstore.Event) {
	c, err := g.connFor(event.Doc.Path)
	if err != nil {
		return
	}
	c.handleDocEvent(ctx, event)
}

func (g *gateway) States() map[string]string {
	states := make(map[string]string, len(g.conns))
	for language, c := range g.conns {
		states[language] = c.currentState().String()
	}
	return states
}

func (g *gateway) Reset(language string) error {
	c, ok := g.conns[language]
	if !ok {
		return fmt.Errorf("unknown language %q", language)
	}
	c.reset()
	return nil
}

func (g *gateway) Shutdown(ctx context.Context) error {
	var err error
	for _, c := range g.conns {
		err = multierr.Append(err, c.shutdown(ctx))
	}
	return err
}

func (g *gateway) connFor(path string) (*connection, error) {
	for _, c := range g.conns {
		if c.owns(path) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no language configured for %q", path)
}
