package container

import (
	"context"
	"log/slog"

	"github.com/arcabridge/arcad/internal/store"
)

// Reconcile rebuilds in-memory state after a daemon restart (spec.md
// §4.11's startup reconciliation). The store itself is already open and
// migrated by the caller before constructing Manager (internal/store's
// Open runs migrateUp), so this covers the remaining steps: per-driver
// network reconciliation, container status repair, log-path
// registration, and policy-driven restart.
func (m *Manager) Reconcile(ctx context.Context) error {
	if err := m.reconcileNetworks(ctx); err != nil {
		return err
	}
	if err := m.reconcileContainers(ctx); err != nil {
		return err
	}
	return m.restartPolicyContainers(ctx)
}

// reconcileNetworks re-creates each backend's in-memory/control-plane
// state for every persisted network of that driver. Rebuilding the
// in-memory port allocator from persisted attachments (spec.md §4.7) is
// part of this: each backend's own Reconcile owns it, since only the
// backend knows which persisted fields are its allocator's bookkeeping
// (Bridge's vsock ports; other drivers have none).
func (m *Manager) reconcileNetworks(ctx context.Context) error {
	networks, err := m.store.LoadAllNetworks(ctx)
	if err != nil {
		return err
	}
	byDriver := make(map[string][]*store.Network)
	for _, n := range networks {
		byDriver[n.Driver] = append(byDriver[n.Driver], n)
	}
	for driver, backend := range m.networks {
		if err := backend.Reconcile(ctx, byDriver[driver]); err != nil {
			return err
		}
	}
	return nil
}

// reconcileContainers registers log paths for every persisted container
// (without truncating existing log files) and demotes any container
// recorded as running to exited, since no VM handle survives a daemon
// restart — there is nothing live for awaitExit to have caught.
func (m *Manager) reconcileContainers(ctx context.Context) error {
	containers, err := m.store.LoadAllContainers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		m.logs.RegisterExistingLogPaths(c.ID)

		if c.Status == store.StatusRunning || c.Status == store.StatusRestarting {
			unknown := -1
			if err := m.store.UpdateContainerStatus(ctx, c.ID, store.StatusExited, &unknown, nil); err != nil {
				slog.WarnContext(ctx, "container.Manager.Reconcile: failed to demote stale running container", "container", c.ID, "err", err)
				continue
			}
			slog.WarnContext(ctx, "container.Manager.Reconcile: no live VM handle for container recorded as running, marking exited", "container", c.ID)
		}
	}
	return nil
}

// restartPolicyContainers starts every exited container whose restart
// policy calls for it, in the order the store returns them (creation
// order).
func (m *Manager) restartPolicyContainers(ctx context.Context) error {
	restart, err := m.store.GetContainersToRestart(ctx)
	if err != nil {
		return err
	}
	for _, c := range restart {
		if err := m.Start(ctx, c.ID); err != nil {
			slog.ErrorContext(ctx, "container.Manager.Reconcile: restart failed", "container", c.ID, "err", err)
		}
	}
	return nil
}
