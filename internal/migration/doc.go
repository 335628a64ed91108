// Package migration manages the story definition schema with
// golang-migrate. Migration files are embedded per dialect so the binary
// can migrate any supported database without external assets.
//
// The package is driven by the `botflow migrate` command:
//
//	migrator, err := migration.NewMigratorFromDatabaseConfig(cfg.Database)
//	if err != nil { ... }
//	defer migrator.Close()
//	err = migrator.Up(ctx)
//
// Supported databases: postgres, mysql and sqlite, matching the drivers
// the story store itself supports. All three use pure-Go SQL drivers.
package migration
