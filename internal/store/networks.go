package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

const networkCols = `id, name, driver, scope, created_at, subnet, gateway, ip_range, options_json, labels_json, is_default`

// SaveNetwork inserts or replaces a network row.
func (s *Store) SaveNetwork(ctx context.Context, n *Network) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO networks (id, name, driver, scope, created_at, subnet, gateway, ip_range, options_json, labels_json, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, driver=excluded.driver, scope=excluded.scope, subnet=excluded.subnet,
			gateway=excluded.gateway, ip_range=excluded.ip_range, options_json=excluded.options_json,
			labels_json=excluded.labels_json, is_default=excluded.is_default`,
		n.ID, n.Name, n.Driver, n.Scope, n.CreatedAt.Format(timeLayout), n.Subnet, n.Gateway,
		n.IPRange, n.OptionsJSON, n.LabelsJSON, boolToInt(n.IsDefault))
	return wrapUniqueViolation(err, "store.SaveNetwork", "name", n.Name)
}

// LoadAllNetworks returns every persisted network.
func (s *Store) LoadAllNetworks(ctx context.Context) ([]*Network, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+networkCols+` FROM networks ORDER BY created_at ASC`)
	if err != nil {
		return nil, dbErr(err, "store.LoadAllNetworks")
	}
	defer rows.Close()

	var out []*Network
	for rows.Next() {
		n, err := scanNetworkRow(rows)
		if err != nil {
			return nil, dbErr(err, "store.LoadAllNetworks")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetNetwork loads one network by ID.
func (s *Store) GetNetwork(ctx context.Context, id string) (*Network, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+networkCols+` FROM networks WHERE id=?`, id)
	n, err := scanNetworkRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerr.Newf(bridgeerr.KindNotFound, "store.GetNetwork", "network %s", id)
	}
	if err != nil {
		return nil, dbErr(err, "store.GetNetwork")
	}
	return n, nil
}

// GetDefaultNetwork returns the one network marked is_default, if any.
func (s *Store) GetDefaultNetwork(ctx context.Context) (*Network, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+networkCols+` FROM networks WHERE is_default=1 LIMIT 1`)
	n, err := scanNetworkRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerr.Newf(bridgeerr.KindNotFound, "store.GetDefaultNetwork", "no default network")
	}
	if err != nil {
		return nil, dbErr(err, "store.GetDefaultNetwork")
	}
	return n, nil
}

// DeleteNetwork removes a network row; CASCADE removes its attachments.
// Deleting the default network is a policy decision enforced by the
// caller (network.Manager), not the store.
func (s *Store) DeleteNetwork(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM networks WHERE id=?`, id)
	if err != nil {
		return dbErr(err, "store.DeleteNetwork")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bridgeerr.Newf(bridgeerr.KindNotFound, "store.DeleteNetwork", "network %s", id)
	}
	return nil
}

func scanNetworkRow(row rowScanner) (*Network, error) {
	var n Network
	var createdAt string
	var isDefault int
	err := row.Scan(&n.ID, &n.Name, &n.Driver, &n.Scope, &createdAt, &n.Subnet, &n.Gateway,
		&n.IPRange, &n.OptionsJSON, &n.LabelsJSON, &isDefault)
	if err != nil {
		return nil, err
	}
	n.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	n.IsDefault = isDefault != 0
	return &n, nil
}

// SaveNetworkAttachment does an INSERT OR REPLACE keyed on
// (container_id, network_id), matching spec.md §4.1's explicit contract.
func (s *Store) SaveNetworkAttachment(ctx context.Context, a *NetworkAttachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO network_attachments (container_id, network_id, ip, mac, aliases_json, attached_at, vsock_port)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id, network_id) DO UPDATE SET
			ip=excluded.ip, mac=excluded.mac, aliases_json=excluded.aliases_json, attached_at=excluded.attached_at,
			vsock_port=excluded.vsock_port`,
		a.ContainerID, a.NetworkID, a.IP, a.MAC, a.AliasesJSON, a.AttachedAt.Format(timeLayout), a.VsockPort)
	return dbErr(err, "store.SaveNetworkAttachment")
}

// LoadNetworkAttachments returns all attachments for a container.
func (s *Store) LoadNetworkAttachments(ctx context.Context, containerID string) ([]*NetworkAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, container_id, network_id, ip, mac, aliases_json, attached_at, vsock_port
		FROM network_attachments WHERE container_id=?`, containerID)
	if err != nil {
		return nil, dbErr(err, "store.LoadNetworkAttachments")
	}
	defer rows.Close()
	return scanAttachments(rows)
}

// LoadAllNetworkAttachments returns every persisted attachment, used at
// startup to rebuild the in-memory port allocator (spec.md §4.7).
func (s *Store) LoadAllNetworkAttachments(ctx context.Context) ([]*NetworkAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, container_id, network_id, ip, mac, aliases_json, attached_at, vsock_port FROM network_attachments`)
	if err != nil {
		return nil, dbErr(err, "store.LoadAllNetworkAttachments")
	}
	defer rows.Close()
	return scanAttachments(rows)
}

func scanAttachments(rows *sql.Rows) ([]*NetworkAttachment, error) {
	var out []*NetworkAttachment
	for rows.Next() {
		var a NetworkAttachment
		var attachedAt string
		if err := rows.Scan(&a.ID, &a.ContainerID, &a.NetworkID, &a.IP, &a.MAC, &a.AliasesJSON, &attachedAt, &a.VsockPort); err != nil {
			return nil, dbErr(err, "store.scanAttachments")
		}
		a.AttachedAt, _ = time.Parse(timeLayout, attachedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeleteNetworkAttachment removes a single (container,network) attachment.
func (s *Store) DeleteNetworkAttachment(ctx context.Context, containerID, networkID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM network_attachments WHERE container_id=? AND network_id=?`, containerID, networkID)
	return dbErr(err, "store.DeleteNetworkAttachment")
}

// GetNextSubnetByte returns the persisted allocator cursor.
func (s *Store) GetNextSubnetByte(ctx context.Context) (int, error) {
	var b int
	err := s.db.QueryRowContext(ctx, `SELECT next_subnet_byte FROM subnet_allocation WHERE id=1`).Scan(&b)
	if err != nil {
		return 0, dbErr(err, "store.GetNextSubnetByte")
	}
	return b, nil
}

// UpdateNextSubnetByte persists the allocator cursor.
func (s *Store) UpdateNextSubnetByte(ctx context.Context, b int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subnet_allocation SET next_subnet_byte=? WHERE id=1`, b)
	return dbErr(err, "store.UpdateNextSubnetByte")
}
