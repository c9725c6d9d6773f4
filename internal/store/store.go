// Package store implements the durable SQLite-backed catalog described in
// spec.md §4.1: containers, networks, attachments, volumes, mounts and the
// subnet allocator cursor. All multi-row writes go through transaction();
// foreign keys are enforced so CASCADE deletes do the invariant-preserving
// cleanup instead of hand-rolled fan-out deletes.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the single serialized-access handle to the state database. The
// *sql.DB connection is owned exclusively by Store; nothing else in the
// process touches it directly (spec.md §3 Ownership).
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, enables WAL
// and foreign keys, and applies any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindDatabase, "store.Open", err)
	}
	// A single serialized writer is sufficient for our access pattern and
	// avoids SQLITE_BUSY under WAL with concurrent readers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, bridgeerr.Wrap(bridgeerr.KindDatabase, "store.Open", fmt.Errorf("enable WAL: %w", err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, bridgeerr.Wrap(bridgeerr.KindDatabase, "store.Open", fmt.Errorf("enable foreign keys: %w", err))
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, bridgeerr.Wrap(bridgeerr.KindDatabase, "store.Open", fmt.Errorf("migrate: %w", err))
	}

	slog.InfoContext(ctx, "store.Open", "path", path)
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	target, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", target)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Transaction runs fn inside a BEGIN/COMMIT, rolling back on any error
// returned by fn or left by a panic (spec.md §4.1 "transaction(closure)").
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDatabase, "store.Transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDatabase, "store.Transaction", err)
	}
	return nil
}
