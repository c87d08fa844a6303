// Package testutil provides the sqlite-backed in-memory database the
// portable repo tests run against, and the TEST_POSTGRES_DSN-gated
// skip pattern (mirroring the teacher's repos/testutil) for the one repo
// (queue) whose SKIP LOCKED claim query is genuinely Postgres-only.
package testutil

import (
	"errors"
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/michiel/ratchet-sub006/internal/data/db"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.Nop()
}

// SQLiteDB returns a fresh in-memory sqlite database, auto-migrated with
// every orchestration-core table, for the repos whose query surface is
// plain CRUD.
func SQLiteDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrateAll(gdb); err != nil {
		tb.Fatalf("automigrate: %v", err)
	}
	return gdb
}

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	pgOnce sync.Once
	pgDB   *gorm.DB
	pgErr  error
)

// PostgresDB returns the shared Postgres connection used by tests that
// exercise SKIP LOCKED semantics sqlite cannot emulate; skips the test
// when TEST_POSTGRES_DSN isn't set, exactly like the teacher's repo tests.
func PostgresDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	pgOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			pgErr = errMissingDSN
			return
		}
		gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			pgErr = err
			return
		}
		if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
			pgErr = err
			return
		}
		if err := db.AutoMigrateAll(gdb); err != nil {
			pgErr = err
			return
		}
		pgDB = gdb
	})
	if errors.Is(pgErr, errMissingDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run SKIP LOCKED integration tests")
	}
	if pgErr != nil {
		tb.Fatalf("init test postgres: %v", pgErr)
	}
	return pgDB
}

func Tx(tb testing.TB, gdb *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := gdb.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() { _ = tx.Rollback().Error })
	return tx
}
