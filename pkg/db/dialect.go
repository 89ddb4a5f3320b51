package db

import (
	"database/sql"
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

func Dialect(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case TypeMySQL:
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Name,
		)), nil
	case TypePostgres, "":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.Port,
			cfg.SSLMode,
		)), nil
	case TypeSQLite:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			dsn = "smsgate.db"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.Type)
	}
}

// SupportsRowLocks reports whether the dialect honours SELECT ... FOR UPDATE.
func SupportsRowLocks(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	switch db.Dialector.Name() {
	case TypePostgres, TypeMySQL:
		return true
	default:
		return false
	}
}

// SnapshotTx returns transaction options under which every statement of the transaction reads
// the same snapshot. Nil means the dialect already serialises writers (sqlite).
func SnapshotTx(db *gorm.DB) *sql.TxOptions {
	if !SupportsRowLocks(db) {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
}
