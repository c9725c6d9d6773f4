package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	execpkg "github.com/arcabridge/arcad/internal/exec"
)

// ExecCmd runs a command inside an already-running container and
// attaches the invoking terminal to it. Unlike sand's ExecCmd/ShellCmd,
// which drive an in-process *sand.SandBoxer the whole CLI process owns,
// this one builds its own App over the shared state database: the VM
// helper shell-out underlying every guest operation needs no handle held
// by the process that originally started the container, so a fresh CLI
// invocation can drive an exec against a container a separate `arcad
// daemon` process booted.
type ExecCmd struct {
	Container string   `arg:"" help:"container ID or name"`
	Cmd       []string `arg:"" passthrough:"" help:"command and arguments to run"`
	WorkDir   string   `help:"working directory inside the container"`
	User      string   `placeholder:"<user|uid[:gid]>" help:"user to run as"`
	Env       []string `placeholder:"KEY=VALUE" help:"environment variables to set"`
}

func (c *ExecCmd) Run(appctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, appctx.CLI)
	if err != nil {
		return err
	}
	defer app.Close()

	stdinFd := int(os.Stdin.Fd())
	tty := term.IsTerminal(stdinFd)

	execID, err := app.Execs.Create(ctx, execpkg.CreateRequest{
		ContainerID:  c.Container,
		Cmd:          c.Cmd,
		Env:          c.Env,
		WorkDir:      c.WorkDir,
		User:         c.User,
		TTY:          tty,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return err
	}
	defer app.Execs.Delete(execID)

	if tty {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("entering raw terminal mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	if err := app.Execs.Start(ctx, execID, execpkg.StartOptions{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}); err != nil {
		return err
	}

	if tty {
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go c.watchResize(app.Execs, execID, stdinFd, winch)
		winch <- syscall.SIGWINCH
	}

	return c.waitForExit(ctx, app.Execs, execID)
}

// watchResize propagates the controlling terminal's size to the guest
// process on every SIGWINCH, the resize half of the TTY passthrough
// containers.go's ContainerSvc.Exec leaves to its caller.
func (c *ExecCmd) watchResize(execs *execpkg.Manager, execID string, stdinFd int, winch <-chan os.Signal) {
	for range winch {
		w, h, err := term.GetSize(stdinFd)
		if err != nil {
			continue
		}
		execs.Resize(execID, uint16(w), uint16(h))
	}
}

// waitForExit polls Inspect until the exec instance stops running. The
// exec Manager exposes no blocking wait, only this point-in-time
// snapshot, so polling is the only option available to a caller outside
// the process that owns the instance's goroutines.
func (c *ExecCmd) waitForExit(ctx context.Context, execs *execpkg.Manager, execID string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info, err := execs.Inspect(execID)
			if err != nil {
				return err
			}
			if info.Running {
				continue
			}
			if info.ExitCode != nil && *info.ExitCode != 0 {
				return fmt.Errorf("command exited with code %d", *info.ExitCode)
			}
			return nil
		}
	}
}
