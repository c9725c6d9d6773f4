// Package exec manages exec instances: commands run inside an already
// running container's guest VM, created and started independently so a
// caller can attach (or not) after the fact, the way `docker exec` splits
// "create" from "start".
//
// Actually spawning a process inside the guest is the VM runtime's job
// (spec.md's "platform virtualization library ... treated as a library
// dependency with the operations we invoke"); this package owns the exec
// instance's lifecycle, attach wiring and TTY/stderr-merge behavior around
// whatever VMRuntime implementation is injected.
package exec

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/idgen"
)

// UserSpec is the parsed form of an exec "user" string: "" (empty user),
// "uid:gid" (both numeric), or "name" (username, no group-name support).
type UserSpec struct {
	UID      *uint32
	GID      *uint32
	Username string
}

// ParseUserSpec parses Docker-style exec user strings.
func ParseUserSpec(s string) (UserSpec, error) {
	if s == "" {
		return UserSpec{}, nil
	}
	if !strings.Contains(s, ":") {
		return UserSpec{Username: s}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	uid, err := parseUint32(parts[0])
	if err != nil {
		return UserSpec{}, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "exec.ParseUserSpec", err)
	}
	gid, err := parseUint32(parts[1])
	if err != nil {
		return UserSpec{}, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "exec.ParseUserSpec", err)
	}
	return UserSpec{UID: &uid, GID: &gid}, nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// ProcessSpec describes the process to spawn in the guest.
type ProcessSpec struct {
	ContainerID string
	Cmd         []string
	Env         []string
	WorkDir     string
	User        UserSpec
	TTY         bool
}

// Process is a handle to a running guest process, implemented by the
// injected VMRuntime.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Stderr is nil when the process was started with TTY: true, since the
	// guest pty merges stderr into stdout.
	Stderr() io.Reader
	Resize(ws pty.Winsize) error
	Wait() (exitCode int, err error)
	Kill() error
}

// VMRuntime starts a process inside a running container's guest VM. The
// real implementation lives behind the platform virtualization library;
// this interface is what internal/exec depends on so it can be faked in
// tests.
type VMRuntime interface {
	StartProcess(ctx context.Context, containerID string, spec ProcessSpec) (Process, error)
}

// ContainerResolver reports whether a container is running, so Create can
// reject execs against a stopped container the way spec requires.
type ContainerResolver interface {
	IsRunning(ctx context.Context, containerID string) (bool, error)
}

// CreateRequest describes a new exec instance.
type CreateRequest struct {
	ContainerID   string
	Cmd           []string
	Env           []string
	WorkDir       string
	User          string
	TTY           bool
	AttachStdin   bool
	AttachStdout  bool
	AttachStderr  bool
}

// Info is a point-in-time snapshot of an exec instance's state.
type Info struct {
	ExecID      string
	ContainerID string
	Running     bool
	ExitCode    *int
	TTY         bool
}

type instance struct {
	mu sync.Mutex

	id      string
	req     CreateRequest
	user    UserSpec
	running bool
	exit    *int
	proc    Process
}

// Manager owns exec instances keyed by execID.
type Manager struct {
	mu       sync.Mutex
	execs    map[string]*instance
	runtime  VMRuntime
	resolver ContainerResolver
}

// NewManager builds an exec Manager over the given VM runtime and
// container-state resolver.
func NewManager(runtime VMRuntime, resolver ContainerResolver) *Manager {
	return &Manager{
		execs:    make(map[string]*instance),
		runtime:  runtime,
		resolver: resolver,
	}
}

// Create validates the request and registers a new, not-yet-started exec
// instance, returning its 64-hex execID.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	slog.InfoContext(ctx, "exec.Manager.Create", "container", req.ContainerID, "cmd", req.Cmd)

	if len(req.Cmd) == 0 {
		return "", bridgeerr.Newf(bridgeerr.KindInvalidArgument, "exec.Manager.Create", "command must not be empty")
	}
	running, err := m.resolver.IsRunning(ctx, req.ContainerID)
	if err != nil {
		return "", err
	}
	if !running {
		return "", bridgeerr.Newf(bridgeerr.KindStateConflict, "exec.Manager.Create", "container %s is not running", req.ContainerID)
	}
	user, err := ParseUserSpec(req.User)
	if err != nil {
		return "", err
	}

	id, err := idgen.ExecID()
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "exec.Manager.Create", err)
	}

	inst := &instance{id: id, req: req, user: user}
	m.mu.Lock()
	m.execs[id] = inst
	m.mu.Unlock()
	return id, nil
}

// StartOptions carries the attach streams a caller installs before Start,
// when attaching. Detached starts ignore these.
type StartOptions struct {
	Detach bool
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Start launches the guest process for execID. For an attached start the
// caller's stdin/stdout/stderr must already be set on opts: they are wired
// to the guest process before it can produce output, so no bytes are lost.
func (m *Manager) Start(ctx context.Context, execID string, opts StartOptions) error {
	inst, err := m.lookup(execID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.running || inst.proc != nil {
		return bridgeerr.Newf(bridgeerr.KindStateConflict, "exec.Manager.Start", "exec %s already started", execID)
	}

	spec := ProcessSpec{
		ContainerID: inst.req.ContainerID,
		Cmd:         inst.req.Cmd,
		Env:         inst.req.Env,
		WorkDir:     inst.req.WorkDir,
		User:        inst.user,
		TTY:         inst.req.TTY,
	}

	proc, err := m.runtime.StartProcess(ctx, inst.req.ContainerID, spec)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "exec.Manager.Start", err)
	}
	inst.proc = proc
	inst.running = true

	if !opts.Detach {
		m.wireAttach(inst, proc, opts)
	}

	go m.awaitExit(inst, proc)
	return nil
}

// wireAttach copies between the caller's attach streams and the guest
// process's stdio. In TTY mode stderr is never wired separately: the
// guest pty already merges it into stdout.
func (m *Manager) wireAttach(inst *instance, proc Process, opts StartOptions) {
	if opts.Stdin != nil {
		if in := proc.Stdin(); in != nil {
			go func() {
				io.Copy(in, opts.Stdin)
				in.Close()
			}()
		}
	}
	if opts.Stdout != nil {
		if out := proc.Stdout(); out != nil {
			go io.Copy(opts.Stdout, out)
		}
	}
	if !inst.req.TTY && opts.Stderr != nil {
		if errR := proc.Stderr(); errR != nil {
			go io.Copy(opts.Stderr, errR)
		}
	}
}

// awaitExit blocks for the guest process to exit, then records the exit
// code, flips running to false and drops the process handle.
func (m *Manager) awaitExit(inst *instance, proc Process) {
	code, err := proc.Wait()
	if err != nil {
		slog.Warn("exec.Manager: process wait failed", "exec", inst.id, "err", err)
	}

	inst.mu.Lock()
	inst.running = false
	ec := code
	inst.exit = &ec
	inst.proc = nil
	inst.mu.Unlock()
}

// Resize dispatches a terminal-size change to the guest process. It is a
// no-op for non-TTY execs.
func (m *Manager) Resize(execID string, cols, rows uint16) error {
	inst, err := m.lookup(execID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.req.TTY || inst.proc == nil {
		return nil
	}
	return inst.proc.Resize(pty.Winsize{Cols: cols, Rows: rows})
}

// Inspect returns a snapshot of the exec instance's current state.
func (m *Manager) Inspect(execID string) (Info, error) {
	inst, err := m.lookup(execID)
	if err != nil {
		return Info{}, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Info{
		ExecID:      inst.id,
		ContainerID: inst.req.ContainerID,
		Running:     inst.running,
		ExitCode:    inst.exit,
		TTY:         inst.req.TTY,
	}, nil
}

// Delete removes the in-memory exec record. If the process is still
// running it makes a best-effort attempt to kill it; a failure there does
// not fail Delete.
func (m *Manager) Delete(execID string) error {
	m.mu.Lock()
	inst, ok := m.execs[execID]
	if ok {
		delete(m.execs, execID)
	}
	m.mu.Unlock()
	if !ok {
		return bridgeerr.Newf(bridgeerr.KindNotFound, "exec.Manager.Delete", "exec %s not found", execID)
	}

	inst.mu.Lock()
	proc := inst.proc
	inst.mu.Unlock()
	if proc != nil {
		if err := proc.Kill(); err != nil {
			slog.Warn("exec.Manager.Delete: kill failed", "exec", execID, "err", err)
		}
	}
	return nil
}

func (m *Manager) lookup(execID string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.execs[execID]
	if !ok {
		return nil, bridgeerr.Newf(bridgeerr.KindNotFound, "exec.Manager", "exec %s not found", execID)
	}
	return inst, nil
}
