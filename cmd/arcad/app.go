package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/arcabridge/arcad/internal/container"
	execpkg "github.com/arcabridge/arcad/internal/exec"
	"github.com/arcabridge/arcad/internal/image"
	"github.com/arcabridge/arcad/internal/logio"
	"github.com/arcabridge/arcad/internal/network"
	"github.com/arcabridge/arcad/internal/overlay"
	"github.com/arcabridge/arcad/internal/portmap"
	"github.com/arcabridge/arcad/internal/store"
	"github.com/arcabridge/arcad/internal/telemetry"
	"github.com/arcabridge/arcad/internal/vmshell"
	"github.com/arcabridge/arcad/internal/volume"
)

// App is every core component wired together from one CLI invocation's
// flags. DaemonCmd builds one and keeps it alive for the process
// lifetime; ExecCmd builds one per invocation purely to reach the same
// SQLite-backed state a concurrently running daemon also has open (the
// VM helper shell-out underlying vms needs no in-memory handle from the
// process that originally booted the container).
type App struct {
	Store      *store.Store
	Containers *container.Manager
	Execs      *execpkg.Manager

	shutdownTelemetry func(context.Context) error
}

// buildApp opens the state database and constructs every manager over
// it. Callers must defer Close.
func buildApp(ctx context.Context, cli *CLI) (*App, error) {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "arcad",
		Endpoint:    cli.TelemetryEndpoint,
		Insecure:    cli.TelemetryInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry setup: %w", err)
	}

	st, err := store.Open(ctx, cli.DBPath)
	if err != nil {
		shutdownTelemetry(ctx)
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	images := image.NewManager(st)
	volumes := volume.NewManager(st, cli.VolumeRoot, nil)
	cache := overlay.NewLayerCache(st, cli.LayerCacheRoot, overlay.ExtUnpacker{}, nil)
	ov := overlay.NewOrchestrator(st, cache, cli.DiskRoot, nil, nil)

	ports := portmap.NewManager(nil)
	logs := logio.NewContainerLogManager(cli.DiskRoot)
	vms := vmshell.New(cli.VMHelperBin)

	backends := map[string]network.Backend{}
	for _, b := range []network.Backend{
		network.NewBridge(st, vms, nil),
		network.NewVLAN(st, nil, nil),
		network.NewVmnet(st),
	} {
		backends[b.Driver()] = b
	}

	containers := container.NewManager(st, images, volumes, ov, backends, ports, logs, vms)
	execs := execpkg.NewManager(vms, containers)

	return &App{
		Store:             st,
		Containers:        containers,
		Execs:             execs,
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

// Close releases the state database connection and flushes telemetry.
// Errors are returned joined; callers that only care about one still get
// both reported.
func (a *App) Close() error {
	ctx := context.Background()
	telemetryErr := a.shutdownTelemetry(ctx)
	storeErr := a.Store.Close()
	return errors.Join(telemetryErr, storeErr)
}
