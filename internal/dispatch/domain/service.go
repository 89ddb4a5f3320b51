package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, batch *Batch) error
	InsertAttempts(ctx context.Context, db *gorm.DB, attempts []SendAttempt) error
	FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SendAttempt, error)
	ClaimAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (*SendAttempt, error)
	MarkClaimed(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, claimedUntil time.Time, now time.Time) error
	ScheduleRetry(ctx context.Context, db *gorm.DB, attempt *SendAttempt) (bool, error)
	Finalize(ctx context.Context, db *gorm.DB, attempt *SendAttempt) (bool, error)
	ListDue(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error)

	FindBatch(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Batch, error)
	CancelBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	CompleteBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	CountBatch(ctx context.Context, db *gorm.DB, id snowflake.ID) (Counts, error)
}

// Pipeline turns message requests into terminal, accounted send attempts.
type Pipeline interface {
	Send(ctx context.Context, req MessageRequest) (Result, error)
	Process(ctx context.Context, attemptID snowflake.ID) (AttemptResult, error)
	CancelBatch(ctx context.Context, batchID snowflake.ID) error
	RecoverStale(ctx context.Context, limit int) (int, error)
}

var (
	ErrAttemptNotFound = errors.New("send_attempt_not_found")
	ErrBatchNotFound   = errors.New("dispatch_batch_not_found")
)
