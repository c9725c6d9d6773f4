package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

const timeLayout = time.RFC3339Nano

// SaveContainer inserts or replaces a container row.
func (s *Store) SaveContainer(ctx context.Context, c *Container) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (id, name, image, image_id, created_at, status, running, paused,
			restarting, pid, exit_code, started_at, finished_at, stopped_by_user, config_json, host_config_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, image=excluded.image, image_id=excluded.image_id,
			status=excluded.status, running=excluded.running, paused=excluded.paused,
			restarting=excluded.restarting, pid=excluded.pid, exit_code=excluded.exit_code,
			started_at=excluded.started_at, finished_at=excluded.finished_at,
			stopped_by_user=excluded.stopped_by_user, config_json=excluded.config_json,
			host_config_json=excluded.host_config_json`,
		c.ID, c.Name, c.Image, c.ImageID, c.CreatedAt.Format(timeLayout), string(c.Status),
		boolToInt(c.Running), boolToInt(c.Paused), boolToInt(c.Restarting), c.PID, c.ExitCode,
		nullableTime(c.StartedAt), nullableTime(c.FinishedAt), boolToInt(c.StoppedByUser),
		c.ConfigJSON, c.HostConfigJSON)
	if err != nil {
		return wrapUniqueViolation(err, "store.SaveContainer", "name", c.Name)
	}
	return nil
}

// UpdateContainerStatus updates status and, when provided, exit code and
// finished_at. running is derived from status == running, matching the
// invariant in spec.md §8 ("if C.running then its status is running").
func (s *Store) UpdateContainerStatus(ctx context.Context, id string, status ContainerStatus, exitCode *int, finishedAt *time.Time) error {
	running := status == StatusRunning
	paused := status == StatusPaused
	restarting := status == StatusRestarting

	if exitCode != nil && finishedAt != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE containers SET status=?, running=?, paused=?, restarting=?, exit_code=?, finished_at=?
			WHERE id=?`, string(status), boolToInt(running), boolToInt(paused), boolToInt(restarting),
			*exitCode, finishedAt.Format(timeLayout), id)
		return dbErr(err, "store.UpdateContainerStatus")
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE containers SET status=?, running=?, paused=?, restarting=? WHERE id=?`,
		string(status), boolToInt(running), boolToInt(paused), boolToInt(restarting), id)
	return dbErr(err, "store.UpdateContainerStatus")
}

// UpdateContainerName renames a container, failing with NameInUse on a
// UNIQUE violation.
func (s *Store) UpdateContainerName(ctx context.Context, id, newName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE containers SET name=? WHERE id=?`, newName, id)
	return wrapUniqueViolation(err, "store.UpdateContainerName", "name", newName)
}

// SetPID records the VM-visible PID backing a running container.
func (s *Store) SetPID(ctx context.Context, id string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE containers SET pid=? WHERE id=?`, pid, id)
	return dbErr(err, "store.SetPID")
}

// SetStoppedByUser records whether the most recent stop was user-initiated,
// consumed by unless-stopped restart-policy evaluation.
func (s *Store) SetStoppedByUser(ctx context.Context, id string, stopped bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE containers SET stopped_by_user=? WHERE id=?`, boolToInt(stopped), id)
	return dbErr(err, "store.SetStoppedByUser")
}

// LoadAllContainers returns every persisted container.
func (s *Store) LoadAllContainers(ctx context.Context) ([]*Container, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+containerCols+` FROM containers ORDER BY created_at ASC`)
	if err != nil {
		return nil, dbErr(err, "store.LoadAllContainers")
	}
	defer rows.Close()
	return scanContainers(rows)
}

// GetContainer loads one container by ID, returning a NotFound error if
// absent.
func (s *Store) GetContainer(ctx context.Context, id string) (*Container, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+containerCols+` FROM containers WHERE id=?`, id)
	c, err := scanContainerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerr.Newf(bridgeerr.KindNotFound, "store.GetContainer", "container %s", id)
	}
	if err != nil {
		return nil, dbErr(err, "store.GetContainer")
	}
	return c, nil
}

// DeleteContainer removes a container row; CASCADE removes its
// attachments and volume mounts.
func (s *Store) DeleteContainer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE id=?`, id)
	if err != nil {
		return dbErr(err, "store.DeleteContainer")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bridgeerr.Newf(bridgeerr.KindNotFound, "store.DeleteContainer", "container %s", id)
	}
	return nil
}

// GetContainersToRestart returns exited containers whose restart policy
// dictates a restart, evaluated by EvaluateRestart (spec.md §4.1, §8).
func (s *Store) GetContainersToRestart(ctx context.Context) ([]*Container, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+containerCols+` FROM containers WHERE status=? ORDER BY created_at ASC`, string(StatusExited))
	if err != nil {
		return nil, dbErr(err, "store.GetContainersToRestart")
	}
	defer rows.Close()
	all, err := scanContainers(rows)
	if err != nil {
		return nil, err
	}

	var out []*Container
	for _, c := range all {
		var hc HostConfig
		if err := json.Unmarshal([]byte(c.HostConfigJSON), &hc); err != nil {
			continue
		}
		if EvaluateRestart(hc.RestartPolicy.Name, c.ExitCode, c.StoppedByUser) {
			out = append(out, c)
		}
	}
	return out, nil
}

// EvaluateRestart is the pure restart-policy decision function exercised
// directly by spec.md §8's table.
func EvaluateRestart(policy RestartPolicyName, exitCode int, stoppedByUser bool) bool {
	switch policy {
	case RestartAlways:
		return true
	case RestartUnlessStopped:
		return !stoppedByUser
	case RestartOnFailure:
		return exitCode != 0
	default:
		return false
	}
}

const containerCols = `id, name, image, image_id, created_at, status, running, paused, restarting,
	pid, exit_code, started_at, finished_at, stopped_by_user, config_json, host_config_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContainerRow(row rowScanner) (*Container, error) {
	var c Container
	var createdAt string
	var startedAt, finishedAt sql.NullString
	var running, paused, restarting, stoppedByUser int

	err := row.Scan(&c.ID, &c.Name, &c.Image, &c.ImageID, &createdAt, &c.Status, &running, &paused,
		&restarting, &c.PID, &c.ExitCode, &startedAt, &finishedAt, &stoppedByUser,
		&c.ConfigJSON, &c.HostConfigJSON)
	if err != nil {
		return nil, err
	}

	c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	c.Running = running != 0
	c.Paused = paused != 0
	c.Restarting = restarting != 0
	c.StoppedByUser = stoppedByUser != 0
	if startedAt.Valid {
		t, _ := time.Parse(timeLayout, startedAt.String)
		c.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(timeLayout, finishedAt.String)
		c.FinishedAt = &t
	}
	return &c, nil
}

func scanContainers(rows *sql.Rows) ([]*Container, error) {
	var out []*Container
	for rows.Next() {
		c, err := scanContainerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeLayout)
}

func dbErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return bridgeerr.Wrap(bridgeerr.KindDatabase, op, err)
}

func wrapUniqueViolation(err error, op, field, value string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return bridgeerr.Newf(bridgeerr.KindNameInUse, op, "%s %q already in use", field, value)
	}
	return bridgeerr.Wrap(bridgeerr.KindDatabase, op, err)
}
