package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (*PeriodClosure, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (*PeriodClosure, error)
	Insert(ctx context.Context, db *gorm.DB, closure *PeriodClosure) error
	Update(ctx context.Context, db *gorm.DB, closure *PeriodClosure) error
}

type Service interface {
	ClosePeriod(ctx context.Context, entityID snowflake.ID, periodKey string, opts Options) (*PeriodClosure, error)
	CloseAll(ctx context.Context, periodKey string, opts Options) (Summary, error)
	Get(ctx context.Context, entityID snowflake.ID, periodKey string) (*PeriodClosure, error)
}

var (
	ErrPeriodNotEnded     = errors.New("period_not_ended")
	ErrClosureNotFound    = errors.New("closure_not_found")
	ErrCloseAllInProgress = errors.New("close_all_in_progress")
)
