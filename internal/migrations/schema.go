package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

// Status describes the schema version recorded in the database.
type Status struct {
	Version uint
	Dirty   bool
	Fresh   bool
}

func newMigrate(db *sql.DB) (*migrate.Migrate, source.Driver, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, sourceDriver, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB) error {
	m, _, err := newMigrate(db)
	if err != nil {
		return err
	}

	currentVersion := uint(0)
	if v, _, verr := m.Version(); verr == nil {
		currentVersion = v
		log.Printf("migrations: current database schema version: %d", v)
	} else if errors.Is(verr, migrate.ErrNilVersion) {
		log.Printf("migrations: no existing migration version (fresh database)")
	} else {
		log.Printf("migrations: unable to determine current version: %v", verr)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("migrations: no new migrations to apply; database is up to date (version %d)", currentVersion)
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		log.Printf("migrations: successfully applied migrations; new schema version: %d", v)
	} else {
		log.Printf("migrations: applied migrations but failed to read new version: %v", err)
	}

	return nil
}

// CurrentStatus reports the recorded schema version and dirty flag.
func CurrentStatus(db *sql.DB) (Status, error) {
	m, _, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Fresh: true}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("migrations: read version: %w", err)
	}
	return Status{Version: v, Dirty: dirty}, nil
}

// ForceVersion records the given version as clean without running any migration.
func ForceVersion(db *sql.DB, version uint) error {
	m, _, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	return nil
}

// FixDirtyDatabase rolls the recorded version of a dirty database back to the
// migration before the one that failed, so the next Up re-runs it. The
// migration files are written to be re-runnable.
func FixDirtyDatabase(db *sql.DB) error {
	m, src, err := newMigrate(db)
	if err != nil {
		return err
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrations: read version: %w", err)
	}
	if !dirty {
		log.Printf("migrations: database version %d is clean; nothing to fix", v)
		return nil
	}

	target := -1
	prev, err := src.Prev(v)
	switch {
	case err == nil:
		target = int(prev)
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("migrations: find version before %d: %w", v, err)
	}

	log.Printf("migrations: dirty version %d, forcing to %d", v, target)
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", target, err)
	}
	return nil
}
