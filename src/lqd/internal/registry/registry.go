// Package registry maps workspace roots to live daemon sessions. The lock
// file on disk is the single point of truth: at most one live daemon exists
// per workspace root, and concurrent starters converge on the winner's
// socket.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/akesson/language-query/src/lqd/entity"
	"github.com/akesson/language-query/src/lqd/internal/clock"
	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
	"github.com/akesson/language-query/src/lqd/internal/fs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	_idHexChars  = 12
	_pollEvery   = 50 * time.Millisecond
	_dialTimeout = 250 * time.Millisecond

	// WorkspaceEnv carries the workspace root to a spawned daemon process.
	WorkspaceEnv = "LQD_WORKSPACE"
)

// DefaultStartTimeout bounds the wait for a freshly spawned daemon to accept
// connections.
const DefaultStartTimeout = 10 * time.Second

// SpawnFunc starts a daemon process for the given workspace root and returns
// its pid.
type SpawnFunc func(workspaceRoot string) (pid int, err error)

// DialFunc probes an endpoint for connectability.
type DialFunc func(socket string, timeout time.Duration) (net.Conn, error)

// Registry resolves and manages workspace daemon sessions.
type Registry struct {
	fs           fs.FS
	clock        clock.Clock
	logger       *zap.SugaredLogger
	runtimeDir   string
	startTimeout time.Duration
	spawn        SpawnFunc
	dial         DialFunc
	alive        func(pid int) bool
}

// Option customizes Registry behavior, mainly for tests.
type Option func(*Registry)

// WithRuntimeDir overrides the directory holding socket and lock files.
func WithRuntimeDir(dir string) Option {
	return func(r *Registry) { r.runtimeDir = dir }
}

// WithStartTimeout overrides the daemon startup deadline.
func WithStartTimeout(d time.Duration) Option {
	return func(r *Registry) { r.startTimeout = d }
}

// WithSpawnFunc overrides how a daemon process is started.
func WithSpawnFunc(spawn SpawnFunc) Option {
	return func(r *Registry) { r.spawn = spawn }
}

// WithDialFunc overrides the socket connectability probe.
func WithDialFunc(dial DialFunc) Option {
	return func(r *Registry) { r.dial = dial }
}

// WithAliveFunc overrides the process liveness probe.
func WithAliveFunc(alive func(pid int) bool) Option {
	return func(r *Registry) { r.alive = alive }
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates a Registry with OS-backed defaults.
func New(filesystem fs.FS, clk clock.Clock, opts ...Option) *Registry {
	r := &Registry{
		fs:           filesystem,
		clock:        clk,
		logger:       zap.NewNop().Sugar(),
		runtimeDir:   defaultRuntimeDir(),
		startTimeout: DefaultStartTimeout,
		spawn:        spawnDaemon,
		dial: func(socket string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("unix", socket, timeout)
		},
		alive: processAlive,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorkspaceID derives the stable identifier used for socket and lock naming.
func (r *Registry) WorkspaceID(workspaceRoot string) (string, error) {
	canonical, err := r.fs.Canonicalize(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("canonicalizing workspace root %q: %w", workspaceRoot, err)
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:_idHexChars], nil
}

// SocketPath returns the unix socket path for the workspace.
func (r *Registry) SocketPath(workspaceRoot string) (string, error) {
	id, err := r.WorkspaceID(workspaceRoot)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.runtimeDir, id+".sock"), nil
}

// LockPath returns the lock file path for the workspace.
func (r *Registry) LockPath(workspaceRoot string) (string, error) {
	id, err := r.WorkspaceID(workspaceRoot)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.runtimeDir, id+".lock"), nil
}

// ResolveOrStart returns the endpoint of the live daemon for workspaceRoot,
// starting one if needed. Concurrent callers converge on a single daemon: the
// lock claim decides the starter, losers wait on the winner's socket.
func (r *Registry) ResolveOrStart(ctx context.Context, workspaceRoot string) (*entity.WorkspaceSession, error) {
	if err := r.fs.MkdirAll(r.runtimeDir); err != nil {
		return nil, fmt.Errorf("creating runtime dir %q: %w", r.runtimeDir, err)
	}

	lockPath, err := r.LockPath(workspaceRoot)
	if err != nil {
		return nil, err
	}
	socketPath, err := r.SocketPath(workspaceRoot)
	if err != nil {
		return nil, err
	}

	deadline := r.clock.Now().Add(r.startTimeout)
	claimed := false

	for {
		if session, ok := r.liveSession(lockPath); ok {
			return session, nil
		}

		if !claimed {
			if err := r.claim(lockPath, workspaceRoot, socketPath); err == nil {
				claimed = true
				r.logger.Infow("starting daemon", "workspace", workspaceRoot, "socket", socketPath)
				pid, err := r.spawn(workspaceRoot)
				if err != nil {
					r.fs.Remove(lockPath)
					return nil, fmt.Errorf("spawning daemon: %w", err)
				}
				// Record the child pid so an abandoned start is reclaimable
				// once the child dies. The daemon rewrites the record with
				// full details when its socket is bound.
				r.recordSpawn(lockPath, workspaceRoot, socketPath, pid)
			} else if !os.IsExist(err) {
				return nil, fmt.Errorf("claiming lock %q: %w", lockPath, err)
			}
			// Lost the claim race: fall through and wait on the winner.
		}

		if r.clock.Now().After(deadline) {
			// The lock stays behind; the stale-pid check lets the next
			// caller reclaim it.
			return nil, &lqerrors.DaemonStartTimeoutError{Socket: socketPath, Timeout: r.startTimeout}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.clock.After(_pollEvery):
		}
	}
}

// Stop sends a shutdown request to the recorded daemon and removes the lock
// and socket. A workspace with no live daemon is not an error.
func (r *Registry) Stop(ctx context.Context, workspaceRoot string) error {
	lockPath, err := r.LockPath(workspaceRoot)
	if err != nil {
		return err
	}

	session, ok := r.liveSession(lockPath)
	if !ok {
		r.removeArtifacts(workspaceRoot)
		return nil
	}

	conn, err := r.dial(session.Socket, _dialTimeout)
	if err != nil {
		return fmt.Errorf("connecting to daemon at %q: %w", session.Socket, err)
	}
	defer conn.Close()

	if err := sendStop(conn); err != nil {
		return err
	}

	r.removeArtifacts(workspaceRoot)
	return nil
}

// WriteSession records the daemon's own session in the lock file. Called by
// the daemon once its socket is bound, overwriting any claim placeholder.
func (r *Registry) WriteSession(session *entity.WorkspaceSession) error {
	if err := r.fs.MkdirAll(r.runtimeDir); err != nil {
		return err
	}
	lockPath, err := r.LockPath(session.WorkspaceRoot)
	if err != nil {
		return err
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return r.fs.WriteFile(lockPath, data)
}

// Release removes the lock and socket files for the workspace.
func (r *Registry) Release(workspaceRoot string) error {
	return r.removeArtifacts(workspaceRoot)
}

// Session builds this process's own session record for the workspace.
func (r *Registry) Session(workspaceRoot string) (*entity.WorkspaceSession, error) {
	id, err := r.WorkspaceID(workspaceRoot)
	if err != nil {
		return nil, err
	}
	socketPath, err := r.SocketPath(workspaceRoot)
	if err != nil {
		return nil, err
	}
	canonical, err := r.fs.Canonicalize(workspaceRoot)
	if err != nil {
		return nil, err
	}
	return &entity.WorkspaceSession{
		ID:            id,
		WorkspaceRoot: canonical,
		Socket:        socketPath,
		PID:           os.Getpid(),
		Created:       r.clock.Now(),
	}, nil
}

// liveSession reads the lock file and reports whether it records a reachable
// daemon. Locks recording a dead pid are removed as stale.
func (r *Registry) liveSession(lockPath string) (*entity.WorkspaceSession, bool) {
	data, err := r.fs.ReadFile(lockPath)
	if err != nil {
		return nil, false
	}

	var session entity.WorkspaceSession
	if err := json.Unmarshal(data, &session); err != nil || session.PID == 0 {
		// A claim placeholder or corrupt lock; treat as not yet live.
		return nil, false
	}

	if !r.alive(session.PID) {
		r.logger.Infow("reclaiming stale session", "pid", session.PID, "lock", lockPath)
		r.fs.Remove(lockPath)
		if session.Socket != "" {
			r.fs.Remove(session.Socket)
		}
		return nil, false
	}

	conn, err := r.dial(session.Socket, _dialTimeout)
	if err != nil {
		// Alive but not accepting yet; the caller keeps polling.
		return nil, false
	}
	conn.Close()
	return &session, true
}

func (r *Registry) claim(lockPath, workspaceRoot, socketPath string) error {
	placeholder, err := json.Marshal(entity.WorkspaceSession{
		WorkspaceRoot: workspaceRoot,
		Socket:        socketPath,
	})
	if err != nil {
		return err
	}
	return r.fs.CreateExclusive(lockPath, placeholder)
}

// recordSpawn overwrites the claim placeholder with the spawned child's pid.
// Failures are non-fatal: the daemon rewrites the record itself once bound.
func (r *Registry) recordSpawn(lockPath, workspaceRoot, socketPath string, pid int) {
	data, err := json.Marshal(entity.WorkspaceSession{
		WorkspaceRoot: workspaceRoot,
		Socket:        socketPath,
		PID:           pid,
	})
	if err != nil {
		return
	}
	if err := r.fs.WriteFile(lockPath, data); err != nil {
		r.logger.Warnw("recording spawned pid", "lock", lockPath, "error", err)
	}
}

func (r *Registry) removeArtifacts(workspaceRoot string) error {
	lockPath, err := r.LockPath(workspaceRoot)
	if err != nil {
		return err
	}
	socketPath, err := r.SocketPath(workspaceRoot)
	if err != nil {
		return err
	}
	r.fs.Remove(lockPath)
	r.fs.Remove(socketPath)
	return nil
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "lqd")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("lqd-%d", os.Getuid()))
}

// processAlive reports whether pid refers to a running process we could
// signal. EPERM still means the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// spawnDaemon re-executes the current binary as a detached daemon for the
// workspace.
func spawnDaemon(workspaceRoot string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(executable)
	cmd.Dir = workspaceRoot
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", WorkspaceEnv, workspaceRoot))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it never lingers as a zombie.
	go cmd.Wait()

	return pid, nil
}
