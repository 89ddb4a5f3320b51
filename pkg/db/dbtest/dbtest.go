// Package dbtest opens throwaway in-memory sqlite databases for repository and service tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Open returns a private in-memory database with the given models migrated.
// Row-lock clauses are stripped because sqlite serialises writers anyway.
func Open(t testing.TB, models ...any) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:smsgate_%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocks); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocks); err != nil {
		t.Fatalf("register row callback: %v", err)
	}
	if err := db.Callback().Raw().Before("gorm:raw").Register("sqlite_skip_locked_raw", stripLocks); err != nil {
		t.Fatalf("register raw callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}
