package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Dimension string

const (
	DimensionCarrier    Dimension = "carrier"
	DimensionType       Dimension = "message_type"
	DimensionSubAccount Dimension = "sub_account_id"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) (bool, error)
	FindBySendAttempt(ctx context.Context, db *gorm.DB, attemptID snowflake.ID) (*Entry, error)
	SumCost(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error)
	Summarize(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (Summary, error)
	GroupBy(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string, dimension Dimension) ([]Bucket, error)
	PeriodTotals(ctx context.Context, db *gorm.DB, entityID snowflake.ID, fromKey, toKey string) ([]PeriodTotal, error)
	CountOpen(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error)
	Freeze(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error)
}

// Service is the append-only usage ledger. Writers pass their transaction so the entry
// commits atomically with the attempt that produced it.
type Service interface {
	Record(ctx context.Context, tx *gorm.DB, entry Entry) (bool, error)
	FindBySendAttempt(ctx context.Context, attemptID snowflake.ID) (*Entry, error)
	Spent(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error)
	SummarizePeriod(ctx context.Context, entityID snowflake.ID, periodKey string) (Summary, error)
	BreakdownByCarrier(ctx context.Context, entityID snowflake.ID, periodKey string) ([]Bucket, error)
	BreakdownByType(ctx context.Context, entityID snowflake.ID, periodKey string) ([]Bucket, error)
	BreakdownBySubAccount(ctx context.Context, entityID snowflake.ID, periodKey string) ([]Bucket, error)
	PeriodTotals(ctx context.Context, entityID snowflake.ID, fromKey, toKey string) ([]PeriodTotal, error)
	Aggregate(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, periodKey string) (Aggregate, error)
	FreezePeriod(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error)
}

var (
	ErrInvalidBillingEntity = errors.New("invalid_billing_entity")
	ErrInvalidSendAttempt   = errors.New("invalid_send_attempt")
	ErrInvalidStatus        = errors.New("invalid_entry_status")
	ErrInvalidCost          = errors.New("invalid_cost")
	ErrInvalidPeriodRange   = errors.New("invalid_period_range")
	ErrTransactionRequired  = errors.New("transaction_required")
)
