// Package testdb spins up an in-memory SQLite database migrated with the
// replication engine's schema, for use by every package's unit tests.
// Production deployments use gorm.io/driver/postgres; tests use
// gorm.io/driver/sqlite so they run without an external dependency while
// still exercising real transaction and unique-constraint semantics.
package testdb

import (
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/audius-infra/creatornode/internal/models"
)

// New returns a fresh migrated database for t. Each call gets its own
// named in-memory database so parallel subtests don't collide.
func New(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("testdb: open: %v", err)
	}
	if err := db.AutoMigrate(models.AllTables()...); err != nil {
		t.Fatalf("testdb: migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}
