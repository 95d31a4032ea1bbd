// Package ledger is the observational record of what this writer
// process has produced: one row per observation, one per FITS file,
// and periodic health-tick snapshots, kept independently of the FITS
// files themselves for post-hoc ops queries. It never gates or delays
// the hot write path; every method is fire-and-forget from the
// caller's perspective.
package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ledger wraps a sqlite-backed *sql.DB with schema managed by
// golang-migrate.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies all pending migrations.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite allows only one writer connection at a time.

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: applying pragmas: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// DB exposes the underlying handle, e.g. for AttachAdminRoutes.
func (l *Ledger) DB() *sql.DB { return l.db }

// Close closes the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) migrateUp() error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: sub filesystem: %w", err)
	}
	sourceDriver, err := iofs.New(subFS, ".")
	if err != nil {
		return fmt.Errorf("ledger: iofs source: %w", err)
	}
	driver, err := sqlite.WithInstance(l.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("ledger: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("ledger: migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("ledger: migration up: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) { log.Printf("[ledger-migrate] "+format, v...) }
func (l *migrateLogger) Verbose() bool                          { return false }

// RecordObservationStart upserts the first-seen row for an observation.
func (l *Ledger) RecordObservationStart(obsID uint64, projectID, mode string, startedAt time.Time) error {
	_, err := l.db.Exec(
		`INSERT INTO observations (obs_id, project_id, mode, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(obs_id) DO NOTHING`,
		obsID, projectID, mode, startedAt,
	)
	return err
}

// RecordFileOpened inserts a new files row and returns its generated run ID.
func (l *Ledger) RecordFileOpened(obsID uint64, filename string, fileNumber, coarseChannel int) (string, error) {
	runID := uuid.NewString()
	_, err := l.db.Exec(
		`INSERT INTO files (run_id, obs_id, filename, file_number, coarse_channel) VALUES (?, ?, ?, ?, ?)`,
		runID, obsID, filename, fileNumber, coarseChannel,
	)
	if err != nil {
		return "", err
	}
	return runID, nil
}

// RecordFileClosed marks a files row closed with its final byte/HDU
// counts and rename outcome.
func (l *Ledger) RecordFileClosed(runID string, bytesWritten int64, hduCount int, renamed bool) error {
	_, err := l.db.Exec(
		`UPDATE files SET closed_at = ?, bytes_written = ?, hdu_count = ?, renamed = ? WHERE run_id = ?`,
		time.Now(), bytesWritten, hduCount, renamed, runID,
	)
	return err
}

// RecordHealthTick inserts one liveness snapshot.
func (l *Ledger) RecordHealthTick(status int, obsID, subObsID uint64, uptime time.Duration) error {
	_, err := l.db.Exec(
		`INSERT INTO health_ticks (status, obs_id, subobs_id, uptime_seconds) VALUES (?, ?, ?, ?)`,
		status, obsID, subObsID, uptime.Seconds(),
	)
	return err
}
