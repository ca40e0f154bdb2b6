// Package db is the local SQLite audit spool. The schema is versioned with
// golang-migrate and shared by every agent process of the user, so opening
// it serializes migrations behind a file lock.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/chitin-dev/chitin-agent/pkg/log"

	_ "modernc.org/sqlite"
)

const (
	lockName        = ".chitin-audit-migration.lock"
	lockTimeout     = 5 * time.Second
	lockRetryDelay  = 100 * time.Millisecond
	busyTimeoutMsec = 5000
)

type DAO interface {
	AuditEventDAO

	Close() error
}

type dao struct {
	db *sqlx.DB
}

//go:embed migrations/*.sql
var migrations embed.FS

type options struct {
	file      string
	schema    fs.FS
	schemaDir string
}

type Option func(o *options) error

func WithDatabaseFile(file string) Option {
	return func(o *options) error {
		if file == "" {
			return errors.New("database file must not be empty")
		}
		o.file = file
		return nil
	}
}

// WithMigrations replaces the embedded schema migrations.
func WithMigrations(schema fs.FS, dir string) Option {
	return func(o *options) error {
		o.schema = schema
		o.schemaDir = dir
		return nil
	}
}

// New opens the spool, creating it and its directory when needed, and brings
// the schema up to date.
func New(opts ...Option) (DAO, error) {
	o := options{
		schema:    migrations,
		schemaDir: "migrations",
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	if o.file == "" {
		file, err := DefaultDatabaseFilename()
		if err != nil {
			return nil, fmt.Errorf("locating audit spool: %w", err)
		}
		o.file = file
	}
	if err := os.MkdirAll(filepath.Dir(o.file), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit spool directory: %w", err)
	}

	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", o.file, busyTimeoutMsec))
	if err != nil {
		return nil, fmt.Errorf("opening audit spool %s: %w", o.file, err)
	}

	// SQLite has a single writer: the batcher and a concurrent drain share one
	// connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := migrateSchema(o, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &dao{db: sqlx.NewDb(conn, "sqlite")}, nil
}

func (d *dao) Close() error {
	return d.db.Close()
}

// DefaultDatabaseFilename is the audit spool shared by every agent run of
// the current user.
func DefaultDatabaseFilename() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "chitin", "audit.db"), nil
}

func txClose(tx *sqlx.Tx, err *error) {
	if err == nil || *err == nil {
		return
	}

	if txerr := tx.Rollback(); txerr != nil {
		log.Logf("failed to rollback transaction: %v", txerr)
	}
}

func migrateSchema(o options, conn *sql.DB) error {
	source, err := iofs.New(o.schema, o.schemaDir)
	if err != nil {
		return fmt.Errorf("reading audit spool migrations: %w", err)
	}
	defer source.Close()

	target, err := msqlite.WithInstance(conn, &msqlite.Config{})
	if err != nil {
		return err
	}

	mig, err := migrate.NewWithInstance("iofs", source, "sqlite", target)
	if err != nil {
		return err
	}

	unlock, err := lockSchema(filepath.Join(filepath.Dir(o.file), lockName))
	if err != nil {
		return err
	}
	defer unlock()

	current, dirty, err := mig.Version()
	fresh := errors.Is(err, migrate.ErrNilVersion)
	switch {
	case err != nil && !fresh:
		return fmt.Errorf("reading audit spool schema version: %w", err)
	case dirty:
		return fmt.Errorf("audit spool %s is in dirty state at version %d, manual intervention required", o.file, current)
	}

	if !fresh {
		// A spool written by a newer binary must be left alone.
		if _, _, err := source.ReadUp(current); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("audit spool %s is at schema version %d, which is ahead of this binary. Please upgrade chitin-agent", o.file, current)
		} else if err != nil {
			return fmt.Errorf("reading migration for version %d: %w", current, err)
		}
	}

	if err := mig.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrating audit spool: %w", err)
	}
	if version, _, err := mig.Version(); err == nil {
		log.Log("audit spool ", o.file, " migrated to schema version ", version)
	}
	return nil
}

// lockSchema takes the cross-process migration lock. The lock file stays on
// disk after release.
func lockSchema(path string) (func(), error) {
	fileLock := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquiring audit spool migration lock: %w", err)
	}
	if !locked {
		return nil, errors.New("timeout waiting for audit spool migration lock")
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			log.Logf("failed to release migration lock: %v", err)
		}
	}, nil
}
