package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver, registered as "pgx"
	_ "modernc.org/sqlite"             // pure-Go sqlite driver
)

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

// DatabaseType identifies the target database dialect.
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// MigrationStatus reports one migration's applied state.
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Config holds the migrator settings.
type Config struct {
	// DatabaseType selects the dialect (postgres, mysql, sqlite).
	DatabaseType DatabaseType

	// DSN is the connection string in the dialect's native format.
	DSN string

	// TableName is the migrations bookkeeping table
	// (default: schema_migrations).
	TableName string
}

// Migrator applies and rolls back schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up(ctx context.Context) error

	// Down rolls back the last applied migration.
	Down(ctx context.Context) error

	// DownAll rolls back every applied migration.
	DownAll(ctx context.Context) error

	// Goto migrates up or down to a specific version.
	Goto(ctx context.Context, version uint) error

	// Force overwrites the recorded version without running migrations.
	// Used to recover from a dirty state.
	Force(ctx context.Context, version int) error

	// Version returns the current version and whether the state is dirty.
	// A fresh database reports version 0.
	Version(ctx context.Context) (uint, bool, error)

	// Status lists every known migration with its applied state.
	Status(ctx context.Context) ([]MigrationStatus, error)

	Close() error
}

// DefaultMigrator implements Migrator on top of golang-migrate with the
// embedded migration files.
type DefaultMigrator struct {
	config  *Config
	migrate *migrate.Migrate
	db      *sql.DB
}

// NewMigrator creates a migrator for the configured database.
func NewMigrator(cfg *Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "schema_migrations"
	}

	m := &DefaultMigrator{config: cfg}
	if err := m.init(); err != nil {
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return m, nil
}

func (m *DefaultMigrator) init() error {
	var err error

	m.db, err = m.openDatabase()
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	dbDriver, err := m.databaseDriver()
	if err != nil {
		m.db.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	sourceDriver, err := m.sourceDriver()
	if err != nil {
		m.db.Close()
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	m.migrate, err = migrate.NewWithInstance("iofs", sourceDriver, string(m.config.DatabaseType), dbDriver)
	if err != nil {
		m.db.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return nil
}

func (m *DefaultMigrator) openDatabase() (*sql.DB, error) {
	var driverName string
	switch m.config.DatabaseType {
	case DatabaseTypePostgres:
		driverName = "pgx"
	case DatabaseTypeMySQL:
		driverName = "mysql"
	case DatabaseTypeSQLite:
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", m.config.DatabaseType)
	}

	db, err := sql.Open(driverName, m.config.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func (m *DefaultMigrator) databaseDriver() (database.Driver, error) {
	switch m.config.DatabaseType {
	case DatabaseTypePostgres:
		return migratepostgres.WithInstance(m.db, &migratepostgres.Config{
			MigrationsTable: m.config.TableName,
		})
	case DatabaseTypeMySQL:
		return migratemysql.WithInstance(m.db, &migratemysql.Config{
			MigrationsTable: m.config.TableName,
		})
	case DatabaseTypeSQLite:
		return migratesqlite.WithInstance(m.db, &migratesqlite.Config{
			MigrationsTable: m.config.TableName,
		})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", m.config.DatabaseType)
	}
}

func (m *DefaultMigrator) sourceDriver() (source.Driver, error) {
	fsys, path, err := m.migrationsFS()
	if err != nil {
		return nil, err
	}
	return iofs.New(fsys, path)
}

func (m *DefaultMigrator) migrationsFS() (fs.FS, string, error) {
	switch m.config.DatabaseType {
	case DatabaseTypePostgres:
		return postgresFS, "migrations/postgres", nil
	case DatabaseTypeMySQL:
		return mysqlFS, "migrations/mysql", nil
	case DatabaseTypeSQLite:
		return sqliteFS, "migrations/sqlite", nil
	default:
		return nil, "", fmt.Errorf("unsupported database type: %s", m.config.DatabaseType)
	}
}

// Up applies all pending migrations.
func (m *DefaultMigrator) Up(ctx context.Context) error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Down rolls back the last applied migration.
func (m *DefaultMigrator) Down(ctx context.Context) error {
	if err := m.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// DownAll rolls back every applied migration.
func (m *DefaultMigrator) DownAll(ctx context.Context) error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down all failed: %w", err)
	}
	return nil
}

// Goto migrates up or down to a specific version.
func (m *DefaultMigrator) Goto(ctx context.Context, version uint) error {
	if err := m.migrate.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration goto failed: %w", err)
	}
	return nil
}

// Force overwrites the recorded version without running migrations.
func (m *DefaultMigrator) Force(ctx context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	return nil
}

// Version returns the current version and whether the state is dirty.
func (m *DefaultMigrator) Version(ctx context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Status lists every known migration with its applied state.
func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}

	files, err := m.availableMigrations()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return statuses, nil
}

// Close releases the migrate instance and the database connection.
func (m *DefaultMigrator) Close() error {
	if m.migrate == nil {
		return nil
	}
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil || dbErr != nil {
		return fmt.Errorf("failed to close migrator: source=%v db=%v", sourceErr, dbErr)
	}
	return nil
}

type migrationFile struct {
	version uint
	name    string
}

// availableMigrations lists the embedded up migrations for the configured
// dialect, sorted by version.
func (m *DefaultMigrator) availableMigrations() ([]migrationFile, error) {
	fsys, path, err := m.migrationsFS()
	if err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		// File names look like 000001_create_story_definitions.up.sql.
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			continue
		}

		files = append(files, migrationFile{
			version: uint(version),
			name:    strings.TrimSuffix(parts[1], ".up.sql"),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ParseDatabaseType normalizes a driver name to a DatabaseType.
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}
