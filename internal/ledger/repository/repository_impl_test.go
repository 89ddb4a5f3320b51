package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	ledgerdomain "github.com/smallbiznis/smsgate/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return db, mock
}

func TestInsertSkipsDuplicateAttempt(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`INSERT INTO ledger_entries .* ON CONFLICT \(send_attempt_id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := Provide().Insert(context.Background(), db, &ledgerdomain.Entry{
		ID:              1,
		BillingEntityID: 10,
		SendAttemptID:   100,
		Carrier:         "airtel",
		MessageType:     ledgerdomain.MessageTypeSMS,
		Status:          ledgerdomain.EntryStatusSent,
		PeriodKey:       "2026-01",
		OccurredAt:      time.Now(),
		CreatedAt:       time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSumCostIncludesSubAccounts(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(total_cost\), 0\)\s+FROM ledger_entries\s+WHERE \(billing_entity_id = \$1 OR sub_account_id = \$2\) AND period_key = \$3`).
		WithArgs(int64(10), int64(10), "2026-01").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4200))

	total, err := Provide().SumCost(context.Background(), db, 10, "2026-01")
	require.NoError(t, err)
	assert.Equal(t, int64(4200), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFreezeOnlyTouchesOpenRows(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`UPDATE ledger_entries\s+SET is_closed = \$1\s+WHERE \(billing_entity_id = \$2 OR sub_account_id = \$3\) AND period_key = \$4 AND is_closed = \$5`).
		WithArgs(true, int64(10), int64(10), "2026-01", false).
		WillReturnResult(sqlmock.NewResult(0, 3))

	rows, err := Provide().Freeze(context.Background(), db, 10, "2026-01")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupByRejectsUnknownDimension(t *testing.T) {
	db, _ := newMockDB(t)
	_, err := Provide().GroupBy(context.Background(), db, 10, "2026-01", ledgerdomain.Dimension("country; DROP"))
	require.Error(t, err)
}
