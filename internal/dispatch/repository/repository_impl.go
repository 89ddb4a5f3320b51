package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	dispatchdomain "github.com/smallbiznis/smsgate/internal/dispatch/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() dispatchdomain.Repository {
	return &repo{}
}

const attemptColumns = `id, batch_id, position, billing_entity_id, account_id, sub_account_id, recipient_raw,
	recipient_e164, country_code, content, message_type, parts, carrier, provider_code, cost_units, status,
	error_reason, attempts, next_attempt_at, claimed_until, reservation_id, provider_message_id,
	raw_provider_response, sent_at, created_at, updated_at`

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, batch *dispatchdomain.Batch) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispatch_batches (id, correlation_id, billing_entity_id, message_type, total, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		batch.ID,
		batch.CorrelationID,
		batch.BillingEntityID,
		batch.MessageType,
		batch.Total,
		batch.CreatedAt,
	).Error
}

func (r *repo) InsertAttempts(ctx context.Context, db *gorm.DB, attempts []dispatchdomain.SendAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(attempts, 200).Error
}

func (r *repo) FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*dispatchdomain.SendAttempt, error) {
	var item dispatchdomain.SendAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM send_attempts
		 WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// ClaimAttempt locks a due, unclaimed pending attempt. A nil result means another worker owns it,
// it is not due yet, or it is already terminal.
func (r *repo) ClaimAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (*dispatchdomain.SendAttempt, error) {
	var item dispatchdomain.SendAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM send_attempts
		 WHERE id = ?
		   AND status = ?
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		   AND (claimed_until IS NULL OR claimed_until < ?)
		 FOR UPDATE SKIP LOCKED`,
		id,
		string(dispatchdomain.AttemptPending),
		now,
		now,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkClaimed(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, claimedUntil time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE send_attempts
		 SET attempts = ?, claimed_until = ?, updated_at = ?
		 WHERE id = ?`,
		attempts,
		claimedUntil,
		now,
		id,
	).Error
}

func (r *repo) ScheduleRetry(ctx context.Context, db *gorm.DB, attempt *dispatchdomain.SendAttempt) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE send_attempts
		 SET error_reason = ?, next_attempt_at = ?, claimed_until = NULL, reservation_id = ?,
			recipient_e164 = ?, country_code = ?, carrier = ?, provider_code = ?,
			raw_provider_response = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		attempt.ErrorReason,
		attempt.NextAttemptAt,
		attempt.ReservationID,
		attempt.RecipientE164,
		attempt.CountryCode,
		attempt.Carrier,
		attempt.ProviderCode,
		attempt.RawProviderResponse,
		attempt.UpdatedAt,
		attempt.ID,
		string(dispatchdomain.AttemptPending),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Finalize moves a pending attempt to its terminal status. It reports false when the attempt had
// already left pending.
func (r *repo) Finalize(ctx context.Context, db *gorm.DB, attempt *dispatchdomain.SendAttempt) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE send_attempts
		 SET status = ?, error_reason = ?, next_attempt_at = NULL, claimed_until = NULL, reservation_id = ?,
			recipient_e164 = ?, country_code = ?, carrier = ?, provider_code = ?, cost_units = ?,
			provider_message_id = ?, raw_provider_response = ?, sent_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(attempt.Status),
		attempt.ErrorReason,
		attempt.ReservationID,
		attempt.RecipientE164,
		attempt.CountryCode,
		attempt.Carrier,
		attempt.ProviderCode,
		attempt.CostUnits,
		attempt.ProviderMessageID,
		attempt.RawProviderResponse,
		attempt.SentAt,
		attempt.UpdatedAt,
		attempt.ID,
		string(dispatchdomain.AttemptPending),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM send_attempts
		 WHERE status = ?
		   AND next_attempt_at <= ?
		   AND (claimed_until IS NULL OR claimed_until < ?)
		 ORDER BY next_attempt_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		string(dispatchdomain.AttemptPending),
		before,
		before,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		out = append(out, snowflake.ID(id))
	}
	return out, nil
}

func (r *repo) FindBatch(ctx context.Context, db *gorm.DB, id snowflake.ID) (*dispatchdomain.Batch, error) {
	var item dispatchdomain.Batch
	err := db.WithContext(ctx).Raw(
		`SELECT id, correlation_id, billing_entity_id, message_type, total, completed_at, cancelled_at, created_at
		 FROM dispatch_batches
		 WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CancelBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE dispatch_batches
		 SET cancelled_at = ?
		 WHERE id = ? AND cancelled_at IS NULL AND completed_at IS NULL`,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompleteBatch stamps completed_at once no attempt of the batch is pending. Only one caller wins.
func (r *repo) CompleteBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE dispatch_batches
		 SET completed_at = ?
		 WHERE id = ?
		   AND completed_at IS NULL
		   AND NOT EXISTS (
			SELECT 1 FROM send_attempts WHERE batch_id = ? AND status = ?
		   )`,
		at,
		id,
		id,
		string(dispatchdomain.AttemptPending),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CountBatch(ctx context.Context, db *gorm.DB, id snowflake.ID) (dispatchdomain.Counts, error) {
	var row struct {
		Total   int
		Sent    int
		Failed  int
		Pending int
	}
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending
		 FROM send_attempts
		 WHERE batch_id = ?`,
		string(dispatchdomain.AttemptSent),
		string(dispatchdomain.AttemptFailed),
		string(dispatchdomain.AttemptPending),
		id,
	).Scan(&row).Error
	if err != nil {
		return dispatchdomain.Counts{}, err
	}
	return dispatchdomain.Counts{Total: row.Total, Sent: row.Sent, Failed: row.Failed, Pending: row.Pending}, nil
}
