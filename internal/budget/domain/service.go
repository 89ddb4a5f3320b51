package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindEntity(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingEntity, error)
	ListAccounts(ctx context.Context, db *gorm.DB) ([]BillingEntity, error)
	UpsertEntity(ctx context.Context, db *gorm.DB, entity *BillingEntity) error

	EnsureCounter(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string, now time.Time) error
	LockCounter(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (*Counter, error)
	ReadCounter(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error)
	AdjustCounter(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string, delta int64, now time.Time) error

	InsertReservation(ctx context.Context, db *gorm.DB, reservation *Reservation) error
	FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reservation, error)
	FindReservationByAttempt(ctx context.Context, db *gorm.DB, attemptID snowflake.ID) (*Reservation, error)
	SettleReservation(ctx context.Context, db *gorm.DB, id snowflake.ID, status ReservationStatus, at time.Time) (bool, error)

	InsertAlert(ctx context.Context, db *gorm.DB, alert *Alert) (bool, error)
}

// Service gates sends against monthly budgets. Check is advisory; Reserve holds the cost under a
// per-entity row lock until the dispatch outcome is known.
type Service interface {
	Check(ctx context.Context, entityID snowflake.ID, estimatedCost int64) (Decision, error)
	Reserve(ctx context.Context, entityID snowflake.ID, amount int64, attemptID snowflake.ID) (*Reservation, Decision, error)
	Confirm(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID) error
	Release(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID) error

	Entity(ctx context.Context, id snowflake.ID) (*BillingEntity, error)
	ListAccounts(ctx context.Context) ([]BillingEntity, error)
	SaveEntity(ctx context.Context, entity BillingEntity) (*BillingEntity, error)
}

var (
	ErrInvalidBillingEntity  = errors.New("invalid_billing_entity")
	ErrBillingEntityNotFound = errors.New("billing_entity_not_found")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidThreshold      = errors.New("invalid_alert_threshold")
	ErrInvalidBudget         = errors.New("invalid_monthly_budget")
	ErrInvalidParent         = errors.New("invalid_parent_entity")
	ErrReservationNotFound   = errors.New("reservation_not_found")
	ErrTransactionRequired   = errors.New("transaction_required")
)
