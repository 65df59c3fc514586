package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"regexp"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	pg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed sql/*.sql
var files embed.FS

const versionTable = "schema_migrations_migrate"

var versionPrefix = regexp.MustCompile(`^0*([0-9]+)_`)

// Source returns the embedded SQL files.
func Source() fs.FS {
	sub, _ := fs.Sub(files, "sql")
	return sub
}

// RunMigrations brings the database up to the latest embedded version.
func RunMigrations(databaseURL string) error {
	if databaseURL == "" {
		return errors.New("database URL is empty")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open DB: %w", err)
	}
	defer db.Close()

	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	if baseline, err := needsBaseline(db); err != nil {
		log.Printf("[MIGRATE] baseline check failed: %v", err)
	} else if baseline {
		latest := LatestVersion(Source())
		log.Printf("[MIGRATE] plays table predates migrate metadata, baselining to version %d", latest)
		if err := m.Force(latest); err != nil {
			return fmt.Errorf("baseline to version %d: %w", latest, err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	log.Printf("[MIGRATE] schema at version %d (dirty=%v)", version, dirty)
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := pg.WithInstance(db, &pg.Config{MigrationsTable: versionTable})
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// needsBaseline reports a plays table created before migrate tracked the
// schema.
func needsBaseline(db *sql.DB) (bool, error) {
	var plays, tracked bool
	err := db.QueryRow(`
		SELECT
			EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'plays'),
			EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
		versionTable).Scan(&plays, &tracked)
	if err != nil {
		return false, err
	}
	return plays && !tracked, nil
}

// LatestVersion is the highest numeric prefix among the files in fsys.
func LatestVersion(fsys fs.FS) int {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return 0
	}
	latest := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := versionPrefix.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v > latest {
			latest = v
		}
	}
	return latest
}
