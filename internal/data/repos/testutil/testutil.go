// Package testutil provides the shared test-database bootstrap for repo
// tests, grounded on the internal/data/repos/testutil package. It
// defaults to an in-memory sqlite DB so the suite runs without a live
// Postgres instance; setting TEST_DATABASE_URL switches to a real Postgres
// DSN for CI environments that want to exercise the jsonb/locking paths for
// real.
package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jamesstaub/listenup/internal/platform/logger"
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.Nop()
}

// DB opens a fresh test database connection. Callers are responsible for
// running AutoMigrate on whatever models they need.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		require.NoError(tb, err)
		return db
	}
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(tb, err)
	return db
}

// Tx starts a transaction and registers a rollback as a test cleanup, so
// tests never leak rows into each other.
func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	tb.Cleanup(func() {
		_ = tx.Rollback()
	})
	return tx
}
