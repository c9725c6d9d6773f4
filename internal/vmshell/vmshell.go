// Package vmshell is the one concrete binding onto the platform
// virtualization library spec.md §1 places out of core scope ("treated
// as a library dependency with the operations we invoke"). No Go
// binding for it is retrieved in this module's dependency pack, so —
// the same way the teacher's applecontainer package wraps the real
// `container` CLI binary via os/exec instead of linking against it —
// this package shells out to an externally supplied VM helper binary
// for every operation exec.VMRuntime and container.VMLifecycle need.
package vmshell

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/creack/pty"

	execpkg "github.com/arcabridge/arcad/internal/exec"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/container"
)

// Runtime shells out to bin (an external VM helper tool) to boot guest
// VMs, signal their init process, spawn exec processes inside them, and
// wait for exit. It implements both exec.VMRuntime and
// container.VMLifecycle off the same external boundary, the way the
// teacher's ContainerSvc implements create/start/stop/exec/kill as one
// set of `container` CLI invocations.
type Runtime struct {
	bin string
}

// New builds a Runtime invoking bin for every operation. An empty bin
// defaults to "arcavm", the helper this project ships alongside arcad.
func New(bin string) *Runtime {
	if bin == "" {
		bin = "arcavm"
	}
	return &Runtime{bin: bin}
}

// bootHandle is the VMHandle/Process pairing returned by a successful
// Boot or StartProcess: the underlying *exec.Cmd plus whatever stdio
// pipes were wired up for it.
type bootHandle struct {
	cmd      *exec.Cmd
	cid      uint32
	pid      int
	stdin    io.WriteCloser
	stdout   io.Reader
	stderr   io.Reader
	ptmx     *os.File
	waitOnce sync.Once
	waitErr  error
	waitCode int
}

func (h *bootHandle) GuestCID() uint32  { return h.cid }
func (h *bootHandle) PID() int          { return h.pid }
func (h *bootHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *bootHandle) Stdout() io.Reader { return h.stdout }
func (h *bootHandle) Stderr() io.Reader { return h.stderr }

func (h *bootHandle) wait() (int, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		if h.ptmx != nil {
			h.ptmx.Close()
		}
		h.waitErr = err
		h.waitCode = exitCodeOf(err)
	})
	return h.waitCode, h.waitErr
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// bootResult is the JSON line the helper prints to stdout immediately
// after a successful boot, before the guest's own stdio takes over.
type bootResult struct {
	GuestCID uint32 `json:"guest_cid"`
	PID      int    `json:"pid"`
}

// Boot implements container.VMLifecycle.
func (r *Runtime) Boot(ctx context.Context, spec container.BootSpec) (container.VMHandle, error) {
	args := []string{"boot", "--container-id", spec.ContainerID}
	if spec.Plan != nil {
		args = append(args, "--writable", spec.Plan.Writable.HostPath)
		for _, l := range spec.Plan.Lowers {
			args = append(args, "--lower", l.HostPath)
		}
		for _, m := range spec.Plan.Mounts {
			encoded, err := json.Marshal(m)
			if err != nil {
				return nil, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "vmshell.Runtime.Boot", err)
			}
			args = append(args, "--mount", string(encoded))
		}
	}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}
	if spec.TTY {
		args = append(args, "--tty")
	}
	for _, e := range spec.Env {
		args = append(args, "--env", e)
	}
	if len(spec.Cmd) > 0 {
		args = append(args, "--")
		args = append(args, spec.Cmd...)
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	slog.InfoContext(ctx, "vmshell.Runtime.Boot", "cmd", strings.Join(cmd.Args, " "))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.Boot", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.Boot", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.Boot", err)
	}

	// The helper's first stdout line is the boot result; everything after
	// is the guest init process's own stdout.
	reader := bufio.NewReader(stdout)
	line, err := reader.ReadString('\n')
	if err != nil {
		cmd.Process.Kill()
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.Boot", fmt.Errorf("reading boot result: %w", err))
	}
	var res bootResult
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		cmd.Process.Kill()
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.Boot", fmt.Errorf("decoding boot result %q: %w", line, err))
	}

	return &bootHandle{cmd: cmd, cid: res.GuestCID, pid: res.PID, stdout: reader, stderr: stderr}, nil
}

// Signal implements container.VMLifecycle, mapping straight onto the
// helper's own `signal` subcommand the way ContainerSvc.Kill maps onto
// `container kill`.
func (r *Runtime) Signal(ctx context.Context, handle container.VMHandle, sig container.Signal) error {
	cmd := exec.CommandContext(ctx, r.bin, "signal", "--pid", strconv.Itoa(handle.PID()), "--signal", strconv.Itoa(int(sig)))
	slog.InfoContext(ctx, "vmshell.Runtime.Signal", "cmd", strings.Join(cmd.Args, " "))
	if out, err := cmd.CombinedOutput(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.Signal", fmt.Errorf("%s: %w", out, err))
	}
	return nil
}

// Wait implements container.VMLifecycle: blocks on the boot command's
// own exit, which the helper is expected to mirror to the guest init
// process's exit.
func (r *Runtime) Wait(ctx context.Context, handle container.VMHandle) (int, error) {
	h, ok := handle.(*bootHandle)
	if !ok {
		return -1, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "vmshell.Runtime.Wait", "handle not created by vmshell.Runtime.Boot")
	}
	return h.wait()
}

// StartProcess implements exec.VMRuntime: spawns a process inside an
// already-running container's guest VM via the helper's `exec`
// subcommand, wiring a pty when spec.TTY is set the same way
// ContainerSvc.Exec does for the real `container exec` CLI.
func (r *Runtime) StartProcess(ctx context.Context, containerID string, spec execpkg.ProcessSpec) (execpkg.Process, error) {
	args := []string{"exec", "--container-id", containerID}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}
	if spec.User.Username != "" {
		args = append(args, "--user", spec.User.Username)
	} else if spec.User.UID != nil {
		args = append(args, "--user", fmt.Sprintf("%d:%d", *spec.User.UID, derefOr(spec.User.GID, 0)))
	}
	if spec.TTY {
		args = append(args, "--tty")
	}
	for _, e := range spec.Env {
		args = append(args, "--env", e)
	}
	args = append(args, "--")
	args = append(args, spec.Cmd...)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	slog.InfoContext(ctx, "vmshell.Runtime.StartProcess", "cmd", strings.Join(cmd.Args, " "))

	if spec.TTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.StartProcess", err)
		}
		return &bootHandle{cmd: cmd, pid: cmd.Process.Pid, stdin: ptmx, stdout: ptmx, ptmx: ptmx}, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.StartProcess", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.StartProcess", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.StartProcess", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "vmshell.Runtime.StartProcess", err)
	}
	return &bootHandle{cmd: cmd, pid: cmd.Process.Pid, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func derefOr(p *uint32, def uint32) uint32 {
	if p == nil {
		return def
	}
	return *p
}

// Resize implements exec.Process's terminal-resize hook over the pty
// allocated by StartProcess; a no-op for non-TTY processes.
func (h *bootHandle) Resize(ws pty.Winsize) error {
	if h.ptmx == nil {
		return nil
	}
	return pty.Setsize(h.ptmx, &ws)
}

// Wait implements exec.Process.
func (h *bootHandle) Wait() (int, error) { return h.wait() }

// Kill implements exec.Process.
func (h *bootHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
