package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var ErrIrreversible = errors.New("migration cannot be rolled back")

type Migration struct {
	Version string
	Name    string
	Up      func(*gorm.DB) error
	Down    func(*gorm.DB) error
}

type Migrator struct {
	db         *gorm.DB
	migrations []Migration
}

func CreateNewMigrator(db *gorm.DB) *Migrator {
	return &Migrator{
		db:         db,
		migrations: make([]Migration, 0),
	}
}

// CreateSchemaMigrator returns a migrator loaded with the schema shipped in
// the binary.
func CreateSchemaMigrator(db *gorm.DB) (*Migrator, error) {
	m := CreateNewMigrator(db)
	if err := m.LoadMigrationsFromFS(migrationFiles, "migrations"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Migrator) AddMigration(version, name string, up, down func(*gorm.DB) error) {
	m.migrations = append(m.migrations, Migration{
		Version: version,
		Name:    name,
		Up:      up,
		Down:    down,
	})
}

// LoadMigrationsFromFS registers every <version>_<name>.sql file in dir in
// version order. SQL migrations are forward only.
func (m *Migrator) LoadMigrationsFromFS(fsys fs.FS, dir string) error {
	files, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return err
	}

	sort.Strings(files)

	for _, file := range files {
		filename := path.Base(file)
		parts := strings.SplitN(filename, "_", 2)
		if len(parts) < 2 {
			continue
		}

		version := parts[0]
		name := strings.TrimSuffix(parts[1], ".sql")

		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return err
		}

		sql := string(content)
		m.AddMigration(version, name, func(db *gorm.DB) error {
			return db.Exec(sql).Error
		}, nil)
	}

	return nil
}

// Up applies pending migrations in order. Each migration and its bookkeeping
// row commit together.
func (m *Migrator) Up() ([]string, error) {
	if err := m.createMigrationsTable(); err != nil {
		return nil, err
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, migration := range m.migrations {
		if applied[migration.Version] {
			continue
		}

		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Up(tx); err != nil {
				return err
			}
			return recordMigration(tx, migration.Version, migration.Name)
		})
		if err != nil {
			return ran, fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		ran = append(ran, migration.Version+"_"+migration.Name)
	}

	return ran, nil
}

// Down rolls back applied migrations newer than version.
func (m *Migrator) Down(version string) error {
	applied, err := m.getAppliedMigrations()
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version == version {
			break
		}

		if !applied[migration.Version] {
			continue
		}

		if migration.Down == nil {
			return fmt.Errorf("migration %s: %w", migration.Version, ErrIrreversible)
		}

		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Down(tx); err != nil {
				return err
			}
			return tx.Exec("DELETE FROM schema_migrations WHERE version = ?", migration.Version).Error
		})
		if err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

func (m *Migrator) createMigrationsTable() error {
	return m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`).Error
}

func (m *Migrator) getAppliedMigrations() (map[string]bool, error) {
	var results []struct {
		Version string
	}

	if err := m.db.Table("schema_migrations").Select("version").Find(&results).Error; err != nil {
		return nil, err
	}

	applied := make(map[string]bool)
	for _, result := range results {
		applied[result.Version] = true
	}

	return applied, nil
}

func recordMigration(tx *gorm.DB, version, name string) error {
	return tx.Exec(`
		INSERT INTO schema_migrations (version, name)
		VALUES (?, ?)
		ON CONFLICT (version) DO NOTHING
	`, version, name).Error
}

func (m *Migrator) Status() ([]MigrationStatus, error) {
	if err := m.createMigrationsTable(); err != nil {
		return nil, err
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return nil, err
	}

	var statuses []MigrationStatus
	for _, migration := range m.migrations {
		statuses = append(statuses, MigrationStatus{
			Version: migration.Version,
			Name:    migration.Name,
			Applied: applied[migration.Version],
		})
	}

	return statuses, nil
}

type MigrationStatus struct {
	Version string
	Name    string
	Applied bool
}
