package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/botflow/config"
)

// NewMigratorFromConfig creates a migrator from the application config.
func NewMigratorFromConfig(cfg *appconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig creates a migrator from the database
// section of the application config, reusing its DSN builder so the
// migrator always targets the same database the story store opens.
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	dsn := dbCfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("no DSN for driver %q", dbCfg.Driver)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DSN:          dsn,
	})
}

// NewMigratorFromDSN creates a migrator from an explicit driver name and
// connection string, bypassing the application config.
func NewMigratorFromDSN(driver, dsn string) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(driver)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DSN:          dsn,
	})
}
