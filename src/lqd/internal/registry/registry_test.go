package registry

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/akesson/language-query/src/lqd/entity"
	"github.com/akesson/language-query/src/lqd/internal/clock"
	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
	"github.com/akesson/language-query/src/lqd/internal/fs"
	"github.com/akesson/language-query/src/lqd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, string) {
	t.Helper()
	runtimeDir := t.TempDir()
	base := []Option{
		WithRuntimeDir(runtimeDir),
		WithStartTimeout(2 * time.Second),
	}
	return New(fs.New(), clock.New(), append(base, opts...)...), runtimeDir
}

// fakeDaemonSpawn simulates a daemon: it binds the workspace socket and
// rewrites the lock file with a live pid, like the real daemon's OnStart.
func fakeDaemonSpawn(t *testing.T, r *Registry, delay time.Duration) (SpawnFunc, *sync.WaitGroup) {
	t.Helper()
	var wg sync.WaitGroup
	spawn := func(workspaceRoot string) (int, error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(delay)

			socketPath, err := r.SocketPath(workspaceRoot)
			require.NoError(t, err)
			ln, err := net.Listen("unix", socketPath)
			require.NoError(t, err)
			t.Cleanup(func() { ln.Close() })
			go func() {
				for {
					conn, err := ln.Accept()
					if err != nil {
						return
					}
					conn.Close()
				}
			}()

			session, err := r.Session(workspaceRoot)
			require.NoError(t, err)
			require.NoError(t, r.WriteSession(session))
		}()
		return os.Getpid(), nil
	}
	return spawn, &wg
}

func TestWorkspaceIDStable(t *testing.T) {
	r, _ := newTestRegistry(t)
	root := t.TempDir()

	first, err := r.WorkspaceID(root)
	require.NoError(t, err)
	second, err := r.WorkspaceID(root)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 12)

	other, err := r.WorkspaceID(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestResolveOrStartSpawnsDaemon(t *testing.T) {
	r, _ := newTestRegistry(t)
	spawn, wg := fakeDaemonSpawn(t, r, 0)
	WithSpawnFunc(spawn)(r)

	root := t.TempDir()
	session, err := r.ResolveOrStart(context.Background(), root)
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, os.Getpid(), session.PID)
	expected, err := r.SocketPath(root)
	require.NoError(t, err)
	assert.Equal(t, expected, session.Socket)
}

func TestResolveOrStartReusesLiveDaemon(t *testing.T) {
	r, _ := newTestRegistry(t)
	spawnCount := 0
	spawn, wg := fakeDaemonSpawn(t, r, 0)
	WithSpawnFunc(func(root string) (int, error) {
		spawnCount++
		return spawn(root)
	})(r)

	root := t.TempDir()
	first, err := r.ResolveOrStart(context.Background(), root)
	require.NoError(t, err)
	wg.Wait()

	second, err := r.ResolveOrStart(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, 1, spawnCount)
	assert.Equal(t, first.Socket, second.Socket)
	assert.Equal(t, first.PID, second.PID)
}

func TestResolveOrStartConcurrentCallersConverge(t *testing.T) {
	r, _ := newTestRegistry(t)
	var spawnMu sync.Mutex
	spawnCount := 0
	spawn, wg := fakeDaemonSpawn(t, r, 20*time.Millisecond)
	WithSpawnFunc(func(root string) (int, error) {
		spawnMu.Lock()
		spawnCount++
		spawnMu.Unlock()
		return spawn(root)
	})(r)

	root := t.TempDir()
	const callers = 8
	sessions := make([]*entity.WorkspaceSession, callers)
	var callerWg sync.WaitGroup
	for i := 0; i < callers; i++ {
		callerWg.Add(1)
		go func(i int) {
			defer callerWg.Done()
			s, err := r.ResolveOrStart(context.Background(), root)
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	callerWg.Wait()
	wg.Wait()

	assert.Equal(t, 1, spawnCount, "exactly one daemon must be spawned")
	for _, s := range sessions {
		require.NotNil(t, s)
		assert.Equal(t, sessions[0].Socket, s.Socket)
		assert.Equal(t, sessions[0].PID, s.PID)
	}
}

func TestResolveOrStartReclaimsStaleLock(t *testing.T) {
	r, runtimeDir := newTestRegistry(t, WithAliveFunc(func(pid int) bool { return pid == os.Getpid() }))
	spawn, wg := fakeDaemonSpawn(t, r, 0)
	WithSpawnFunc(spawn)(r)

	root := t.TempDir()
	lockPath, err := r.LockPath(root)
	require.NoError(t, err)

	// A lock left behind by a dead daemon.
	stale, err := json.Marshal(entity.WorkspaceSession{PID: 999999999, WorkspaceRoot: root, Socket: filepath.Join(runtimeDir, "gone.sock")})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lockPath, stale, 0o644))

	session, err := r.ResolveOrStart(context.Background(), root)
	require.NoError(t, err)
	wg.Wait()
	assert.Equal(t, os.Getpid(), session.PID)
}

func TestResolveOrStartTimeout(t *testing.T) {
	r, _ := newTestRegistry(t, WithStartTimeout(150*time.Millisecond))
	// Spawn succeeds but the daemon never binds its socket.
	WithSpawnFunc(func(root string) (int, error) { return os.Getpid(), nil })(r)

	root := t.TempDir()
	_, err := r.ResolveOrStart(context.Background(), root)

	var timeoutErr *lqerrors.DaemonStartTimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	// The lock stays behind for the next caller to reclaim.
	lockPath, lockErr := r.LockPath(root)
	require.NoError(t, lockErr)
	_, statErr := os.Stat(lockPath)
	assert.NoError(t, statErr)
}

func TestStopSendsRequestAndRemovesArtifacts(t *testing.T) {
	r, _ := newTestRegistry(t)
	root := t.TempDir()

	socketPath, err := r.SocketPath(root)
	require.NoError(t, err)
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := wire.NewReader(conn, 0).NextRequest()
		if err != nil {
			return
		}
		received <- req.Method
		wire.WriteFrame(conn, &wire.Response{ID: req.ID, Result: json.RawMessage(`{"stopping":true}`)})
	}()

	session, err := r.Session(root)
	require.NoError(t, err)
	require.NoError(t, r.WriteSession(session))

	require.NoError(t, r.Stop(context.Background(), root))
	assert.Equal(t, "stop", <-received)

	lockPath, err := r.LockPath(root)
	require.NoError(t, err)
	_, statErr := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStopWithoutDaemonIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.NoError(t, r.Stop(context.Background(), t.TempDir()))
}
