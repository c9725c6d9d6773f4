package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// DaemonCmd wires every core component together and runs until signaled,
// the in-process equivalent of what cmd/sand/daemon_cmd.go's "start"
// action does by forking a detached mux server. This daemon has no
// separate control-plane socket of its own: the HTTP Docker API server
// spec.md places out of core scope is expected to run in front of it.
type DaemonCmd struct{}

func (d *DaemonCmd) Run(appctx *Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, appctx.CLI)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Warn("daemon: shutdown cleanup failed", "err", err)
		}
	}()

	slog.InfoContext(ctx, "daemon: reconciling state from previous run")
	if err := app.Containers.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling container state: %w", err)
	}

	slog.InfoContext(ctx, "daemon: ready")
	<-ctx.Done()
	slog.InfoContext(ctx, "daemon: shutting down")
	return nil
}
