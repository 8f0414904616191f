package coindb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/golang-migrate/migrate/v4"
	sqlite_migrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
)

// migrationsTable is the table golang-migrate tracks the schema version in.
const migrationsTable = "schema_migrations"

//go:embed migrations/*.up.sql migrations/*.down.sql
var sqlSchemas embed.FS

// migrationLogger is a logger that wraps the passed btclog.Logger so it can
// be used to log migrations.
type migrationLogger struct {
	log btclog.Logger
}

// Printf is like fmt.Printf. We map this to the target logger based on the
// current log level.
func (m *migrationLogger) Printf(format string, v ...interface{}) {
	// Trim trailing newlines from the format.
	format = strings.TrimRight(format, "\n")

	switch m.log.Level() {
	case btclog.LevelTrace:
		m.log.Tracef(format, v...)
	case btclog.LevelDebug:
		m.log.Debugf(format, v...)
	default:
		m.log.Infof(format, v...)
	}
}

// Verbose should return true when verbose logging output is wanted.
func (m *migrationLogger) Verbose() bool {
	return m.log.Level() <= btclog.LevelDebug
}

// applyMigrations brings the schema of db up to the latest embedded version.
func applyMigrations(db *sql.DB) error {
	driver, err := sqlite_migrate.WithInstance(
		db, &sqlite_migrate.Config{
			MigrationsTable: migrationsTable,
		},
	)
	if err != nil {
		return fmt.Errorf("error creating sqlite migration: %w", err)
	}

	// The library can't handle a raw file system interface, so the
	// embedded schemas are served through http.FS.
	src, err := httpfs.New(http.FS(sqlSchemas), "migrations")
	if err != nil {
		return err
	}

	mig, err := migrate.NewWithInstance("migrations", src, "sqlite", driver)
	if err != nil {
		return err
	}

	version, _, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("unable to determine schema version: %w", err)
	}
	log.Debugf("Applying migrations from version=%v", version)

	mig.Log = &migrationLogger{log}

	err = mig.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
