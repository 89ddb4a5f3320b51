package db

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/smallbiznis/smsgate/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestSnapshotTxOnPostgres(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	opts := SnapshotTx(conn)
	require.NotNil(t, opts)
	assert.Equal(t, sql.LevelRepeatableRead, opts.Isolation)
	assert.True(t, SupportsRowLocks(conn))
}

func TestSnapshotTxOnSQLite(t *testing.T) {
	conn := dbtest.Open(t)
	assert.Nil(t, SnapshotTx(conn))
	assert.Nil(t, SnapshotTx(nil))
}
