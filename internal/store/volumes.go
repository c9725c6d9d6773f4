package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

const volumeCols = `name, driver, format, mountpoint, created_at, labels_json, options_json`

// SaveVolume inserts or replaces a volume row.
func (s *Store) SaveVolume(ctx context.Context, v *Volume) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO volumes (name, driver, format, mountpoint, created_at, labels_json, options_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET driver=excluded.driver, format=excluded.format,
			mountpoint=excluded.mountpoint, labels_json=excluded.labels_json, options_json=excluded.options_json`,
		v.Name, v.Driver, v.Format, v.Mountpoint, v.CreatedAt.Format(timeLayout), v.LabelsJSON, v.OptionsJSON)
	return dbErr(err, "store.SaveVolume")
}

// LoadAllVolumes returns every persisted volume.
func (s *Store) LoadAllVolumes(ctx context.Context) ([]*Volume, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+volumeCols+` FROM volumes ORDER BY name ASC`)
	if err != nil {
		return nil, dbErr(err, "store.LoadAllVolumes")
	}
	defer rows.Close()

	var out []*Volume
	for rows.Next() {
		v, err := scanVolumeRow(rows)
		if err != nil {
			return nil, dbErr(err, "store.LoadAllVolumes")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVolume loads one volume by name.
func (s *Store) GetVolume(ctx context.Context, name string) (*Volume, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+volumeCols+` FROM volumes WHERE name=?`, name)
	v, err := scanVolumeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerr.Newf(bridgeerr.KindNotFound, "store.GetVolume", "volume %s", name)
	}
	if err != nil {
		return nil, dbErr(err, "store.GetVolume")
	}
	return v, nil
}

// DeleteVolume removes a volume row; NotFound if absent. CASCADE removes
// its mounts.
func (s *Store) DeleteVolume(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM volumes WHERE name=?`, name)
	if err != nil {
		return dbErr(err, "store.DeleteVolume")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bridgeerr.Newf(bridgeerr.KindNotFound, "store.DeleteVolume", "volume %s", name)
	}
	return nil
}

func scanVolumeRow(row rowScanner) (*Volume, error) {
	var v Volume
	var createdAt string
	err := row.Scan(&v.Name, &v.Driver, &v.Format, &v.Mountpoint, &createdAt, &v.LabelsJSON, &v.OptionsJSON)
	if err != nil {
		return nil, err
	}
	v.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &v, nil
}

// SaveVolumeMount inserts a (container, volume) mount relation.
func (s *Store) SaveVolumeMount(ctx context.Context, m *VolumeMount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO volume_mounts (container_id, volume_name, container_path, is_anonymous, mounted_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ContainerID, m.VolumeName, m.ContainerPath, boolToInt(m.IsAnonymous), m.MountedAt.Format(timeLayout))
	return dbErr(err, "store.SaveVolumeMount")
}

// GetVolumeMounts returns all mounts for a container.
func (s *Store) GetVolumeMounts(ctx context.Context, containerID string) ([]*VolumeMount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, container_id, volume_name, container_path, is_anonymous, mounted_at
		FROM volume_mounts WHERE container_id=?`, containerID)
	if err != nil {
		return nil, dbErr(err, "store.GetVolumeMounts")
	}
	defer rows.Close()
	return scanVolumeMounts(rows)
}

// GetVolumeUsers returns the distinct container IDs currently mounting a
// volume, used to decide InUse on delete (spec.md §4.5).
func (s *Store) GetVolumeUsers(ctx context.Context, volumeName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT container_id FROM volume_mounts WHERE volume_name=?`, volumeName)
	if err != nil {
		return nil, dbErr(err, "store.GetVolumeUsers")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr(err, "store.GetVolumeUsers")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteVolumeMounts removes every mount belonging to a container.
func (s *Store) DeleteVolumeMounts(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM volume_mounts WHERE container_id=?`, containerID)
	return dbErr(err, "store.DeleteVolumeMounts")
}

// GetDanglingVolumes returns volumes with zero mounts.
func (s *Store) GetDanglingVolumes(ctx context.Context) ([]*Volume, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+volumeCols+` FROM volumes v
		WHERE NOT EXISTS (SELECT 1 FROM volume_mounts m WHERE m.volume_name = v.name)
		ORDER BY v.name ASC`)
	if err != nil {
		return nil, dbErr(err, "store.GetDanglingVolumes")
	}
	defer rows.Close()

	var out []*Volume
	for rows.Next() {
		v, err := scanVolumeRow(rows)
		if err != nil {
			return nil, dbErr(err, "store.GetDanglingVolumes")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVolumeMounts(rows *sql.Rows) ([]*VolumeMount, error) {
	var out []*VolumeMount
	for rows.Next() {
		var m VolumeMount
		var mountedAt string
		var isAnon int
		if err := rows.Scan(&m.ID, &m.ContainerID, &m.VolumeName, &m.ContainerPath, &isAnon, &mountedAt); err != nil {
			return nil, err
		}
		m.IsAnonymous = isAnon != 0
		m.MountedAt, _ = time.Parse(timeLayout, mountedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}
