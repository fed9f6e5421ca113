package langserver

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/akesson/language-query/src/lqd/controller/docstore"
	"github.com/akesson/language-query/src/lqd/entity"
	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
	"github.com/akesson/language-query/src/lqd/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

// fakeLSP is an in-memory language server speaking jsonrpc2 over a pipe.
type fakeLSP struct {
	mu        sync.Mutex
	methods   []string
	spawns    int
	hoverText string
	hangHover bool
	procs     []*fakeProcess
}

type fakeProcess struct {
	done chan struct{}
	once sync.Once
	conn io.Closer
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return errors.New("process exited")
}

func (p *fakeProcess) Kill() error {
	p.once.Do(func() {
		p.conn.Close()
		close(p.done)
	})
	return nil
}

func (f *fakeLSP) spawn(ctx context.Context, command []string, root string) (io.ReadWriteCloser, Process, error) {
	clientSide, serverSide := net.Pipe()

	srv := jsonrpc2.NewConn(jsonrpc2.NewStream(serverSide))
	srv.Go(context.Background(), f.handle)

	proc := &fakeProcess{done: make(chan struct{}), conn: serverSide}
	f.mu.Lock()
	f.spawns++
	f.procs = append(f.procs, proc)
	f.mu.Unlock()
	return clientSide, proc, nil
}

func (f *fakeLSP) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	f.mu.Lock()
	f.methods = append(f.methods, req.Method())
	hang := f.hangHover
	hover := f.hoverText
	f.mu.Unlock()

	switch req.Method() {
	case protocol.MethodInitialize:
		return reply(ctx, &protocol.InitializeResult{}, nil)
	case protocol.MethodTextDocumentHover:
		if hang {
			select {
			case <-ctx.Done():
			case <-time.After(300 * time.Millisecond):
			}
		}
		return reply(ctx, &protocol.Hover{
			Contents: protocol.MarkupContent{Kind: protocol.Markdown, Value: hover},
		}, nil)
	case protocol.MethodTextDocumentReferences:
		return reply(ctx, []protocol.Location{}, nil)
	case protocol.MethodWorkspaceSymbol:
		return reply(ctx, []protocol.SymbolInformation{}, nil)
	default:
		return reply(ctx, nil, nil)
	}
}

func (f *fakeLSP) seen(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.methods {
		if m == method {
			count++
		}
	}
	return count
}

func (f *fakeLSP) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func (f *fakeLSP) crashCurrent(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	require.NotEmpty(t, f.procs)
	proc := f.procs[len(f.procs)-1]
	f.mu.Unlock()
	proc.Kill()
}

const _testYAML = `
languages:
  rust:
    command: ["fake-analyzer"]
    extensions: [".rs"]
upstream:
  queryTimeout: 2s
  initializeTimeout: 2s
  restartCap: 1
`

func newTestGateway(t *testing.T, yaml string, spawn SpawnFunc) (Gateway, docstore.Store) {
	t.Helper()
	if yaml == "" {
		yaml = _testYAML
	}
	provider, err := config.NewYAML(config.Source(strings.NewReader(yaml)))
	require.NoError(t, err)

	docs := docstore.New(docstore.Params{
		FS:     fs.New(),
		Logger: zap.NewNop().Sugar(),
		Stats:  tally.NewTestScope("test", nil),
	})

	lc := fxtest.NewLifecycle(t)
	g, err := New(Params{
		Config:    provider,
		Docs:      docs,
		Root:      entity.WorkspaceRoot(t.TempDir()),
		Lifecycle: lc,
		Logger:    zap.NewNop().Sugar(),
		Stats:     tally.NewTestScope("test", nil),
		Spawn:     spawn,
	})
	require.NoError(t, err)
	lc.RequireStart()
	t.Cleanup(lc.RequireStop)
	return g, docs
}

func TestLazyStartAndHover(t *testing.T) {
	fake := &fakeLSP{hoverText: "```rust\npub struct Config\n```"}
	g, _ := newTestGateway(t, "", fake.spawn)

	assert.Equal(t, map[string]string{"rust": "uninitialized"}, g.States())
	assert.Zero(t, fake.spawnCount(), "no server before the first query")

	hover, err := g.Hover(context.Background(), "/ws/src/lib.rs", protocol.Position{Line: 3, Character: 8})
	require.NoError(t, err)
	assert.Contains(t, hover.Contents.Value, "pub struct Config")
	assert.Equal(t, map[string]string{"rust": "ready"}, g.States())

	_, err = g.Hover(context.Background(), "/ws/src/lib.rs", protocol.Position{Line: 3, Character: 8})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.spawnCount(), "second query reuses the running server")
	assert.Equal(t, 1, fake.seen(protocol.MethodInitialize))
}

func TestUnconfiguredExtensionFailsWithoutSpawn(t *testing.T) {
	fake := &fakeLSP{}
	g, _ := newTestGateway(t, "", fake.spawn)

	_, err := g.Hover(context.Background(), "/ws/main.py", protocol.Position{})
	assert.Error(t, err)
	assert.Zero(t, fake.spawnCount())
}

func TestCrashRestartsAndReplaysDocuments(t *testing.T) {
	fake := &fakeLSP{hoverText: "fn main()"}
	g, docs := newTestGateway(t, "", fake.spawn)

	dir := t.TempDir()
	path := filepath.Join(dir, "main.rs")
	require.NoError(t, os.WriteFile(path, []byte("fn main() {}\n"), 0o644))
	_, err := docs.EnsureOpen(context.Background(), path)
	require.NoError(t, err)

	_, err = g.Hover(context.Background(), path, protocol.Position{})
	require.NoError(t, err)
	require.Equal(t, 1, fake.spawnCount())
	assert.Equal(t, 1, fake.seen(protocol.MethodTextDocumentDidOpen), "open set replayed on start")

	fake.crashCurrent(t)
	require.Eventually(t, func() bool {
		return g.States()["rust"] == "degraded"
	}, time.Second, 5*time.Millisecond)

	// Next query restarts the server and replays the open document.
	_, err = g.Hover(context.Background(), path, protocol.Position{})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.spawnCount())
	assert.Equal(t, 2, fake.seen(protocol.MethodTextDocumentDidOpen))
	assert.Equal(t, "ready", g.States()["rust"])
}

func TestRestartCapTerminatesUntilReset(t *testing.T) {
	var spawns int
	failingSpawn := func(ctx context.Context, command []string, root string) (io.ReadWriteCloser, Process, error) {
		spawns++
		return nil, nil, errors.New("exec failed")
	}
	g, _ := newTestGateway(t, "", failingSpawn)

	var unavailable *lqerrors.UpstreamUnavailableError
	_, err := g.Hover(context.Background(), "/ws/a.rs", protocol.Position{})
	require.ErrorAs(t, err, &unavailable)
	_, err = g.Hover(context.Background(), "/ws/a.rs", protocol.Position{})
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "terminated", g.States()["rust"])

	// Fail fast without another spawn attempt.
	var terminated *lqerrors.LanguageServerUnavailableError
	_, err = g.Hover(context.Background(), "/ws/a.rs", protocol.Position{})
	require.ErrorAs(t, err, &terminated)
	assert.Equal(t, 2, spawns)

	require.NoError(t, g.Reset("rust"))
	assert.Equal(t, "uninitialized", g.States()["rust"])
	_, err = g.Hover(context.Background(), "/ws/a.rs", protocol.Position{})
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, spawns, "reset re-arms the restart budget")
}

func TestQueryTimeout(t *testing.T) {
	fake := &fakeLSP{hangHover: true}
	g, _ := newTestGateway(t, `
languages:
  rust:
    command: ["fake-analyzer"]
    extensions: [".rs"]
upstream:
  queryTimeout: 50ms
  initializeTimeout: 2s
  restartCap: 1
`, fake.spawn)

	_, err := g.Hover(context.Background(), "/ws/a.rs", protocol.Position{})
	var timeout *lqerrors.UpstreamTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, protocol.MethodTextDocumentHover, timeout.Method)
}

func TestDocEventForwarding(t *testing.T) {
	fake := &fakeLSP{hoverText: "x"}
	g, _ := newTestGateway(t, "", fake.spawn)

	// Events before any server is running are dropped.
	g.HandleDocEvent(context.Background(), docstore.Event{
		Kind: docstore.EventChanged,
		Doc:  docstore.Document{Path: "/ws/a.rs", Version: 2, Text: "v2"},
	})
	assert.Zero(t, fake.spawnCount())

	_, err := g.Hover(context.Background(), "/ws/a.rs", protocol.Position{})
	require.NoError(t, err)

	g.HandleDocEvent(context.Background(), docstore.Event{
		Kind: docstore.EventChanged,
		Doc:  docstore.Document{Path: "/ws/a.rs", Version: 3, Text: "v3"},
	})
	g.HandleDocEvent(context.Background(), docstore.Event{
		Kind: docstore.EventClosed,
		Doc:  docstore.Document{Path: "/ws/a.rs", Version: 3},
	})
	assert.Eventually(t, func() bool {
		return fake.seen(protocol.MethodTextDocumentDidChange) == 1 &&
			fake.seen(protocol.MethodTextDocumentDidClose) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestResetUnknownLanguage(t *testing.T) {
	fake := &fakeLSP{}
	g, _ := newTestGateway(t, "", fake.spawn)
	assert.Error(t, g.Reset("cobol"))
}
