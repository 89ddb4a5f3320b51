package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/smallbiznis/smsgate/internal/budget/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() budgetdomain.Repository {
	return &repo{}
}

func (r *repo) FindEntity(ctx context.Context, db *gorm.DB, id snowflake.ID) (*budgetdomain.BillingEntity, error) {
	var item budgetdomain.BillingEntity
	err := db.WithContext(ctx).Raw(
		`SELECT id, parent_id, name, monthly_budget, alert_threshold_percent, block_on_exceeded, created_at, updated_at
		 FROM billing_entities
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

func (r *repo) ListAccounts(ctx context.Context, db *gorm.DB) ([]budgetdomain.BillingEntity, error) {
	var items []budgetdomain.BillingEntity
	err := db.WithContext(ctx).Raw(
		`SELECT id, parent_id, name, monthly_budget, alert_threshold_percent, block_on_exceeded, created_at, updated_at
		 FROM billing_entities
		 WHERE parent_id IS NULL
		 ORDER BY id ASC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpsertEntity(ctx context.Context, db *gorm.DB, entity *budgetdomain.BillingEntity) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_entities (
			id, parent_id, name, monthly_budget, alert_threshold_percent, block_on_exceeded, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			monthly_budget = EXCLUDED.monthly_budget,
			alert_threshold_percent = EXCLUDED.alert_threshold_percent,
			block_on_exceeded = EXCLUDED.block_on_exceeded,
			updated_at = EXCLUDED.updated_at`,
		entity.ID,
		entity.ParentID,
		entity.Name,
		entity.MonthlyBudget,
		entity.AlertThresholdPercent,
		entity.BlockOnExceeded,
		entity.CreatedAt,
		entity.UpdatedAt,
	).Error
}

func (r *repo) EnsureCounter(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO budget_counters (billing_entity_id, period_key, reserved, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT (billing_entity_id, period_key) DO NOTHING`,
		entityID,
		periodKey,
		now,
	).Error
}

func (r *repo) LockCounter(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (*budgetdomain.Counter, error) {
	var item budgetdomain.Counter
	err := db.WithContext(ctx).Raw(
		`SELECT billing_entity_id, period_key, reserved, updated_at
		 FROM budget_counters
		 WHERE billing_entity_id = ? AND period_key = ?
		 FOR UPDATE`,
		entityID,
		periodKey,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.BillingEntityID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ReadCounter(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error) {
	var reserved int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(reserved), 0)
		 FROM budget_counters
		 WHERE billing_entity_id = ? AND period_key = ?`,
		entityID,
		periodKey,
	).Scan(&reserved).Error
	return reserved, err
}

func (r *repo) AdjustCounter(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string, delta int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE budget_counters
		 SET reserved = CASE WHEN reserved + ? < 0 THEN 0 ELSE reserved + ? END,
			updated_at = ?
		 WHERE billing_entity_id = ? AND period_key = ?`,
		delta,
		delta,
		now,
		entityID,
		periodKey,
	).Error
}

func (r *repo) InsertReservation(ctx context.Context, db *gorm.DB, reservation *budgetdomain.Reservation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO budget_reservations (
			id, billing_entity_id, parent_id, send_attempt_id, period_key, amount, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reservation.ID,
		reservation.BillingEntityID,
		reservation.ParentID,
		reservation.SendAttemptID,
		reservation.PeriodKey,
		reservation.Amount,
		string(reservation.Status),
		reservation.CreatedAt,
	).Error
}

func (r *repo) FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*budgetdomain.Reservation, error) {
	return r.findReservation(ctx, db, "id = ?", id)
}

func (r *repo) FindReservationByAttempt(ctx context.Context, db *gorm.DB, attemptID snowflake.ID) (*budgetdomain.Reservation, error) {
	return r.findReservation(ctx, db, "send_attempt_id = ?", attemptID)
}

func (r *repo) findReservation(ctx context.Context, db *gorm.DB, where string, arg snowflake.ID) (*budgetdomain.Reservation, error) {
	var item budgetdomain.Reservation
	err := db.WithContext(ctx).Raw(
		`SELECT id, billing_entity_id, parent_id, send_attempt_id, period_key, amount, status, created_at, settled_at
		 FROM budget_reservations
		 WHERE `+where+`
		 LIMIT 1`,
		arg,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) SettleReservation(ctx context.Context, db *gorm.DB, id snowflake.ID, status budgetdomain.ReservationStatus, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE budget_reservations
		 SET status = ?, settled_at = ?
		 WHERE id = ? AND status = ?`,
		string(status),
		at,
		id,
		string(budgetdomain.ReservationHeld),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertAlert(ctx context.Context, db *gorm.DB, alert *budgetdomain.Alert) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO budget_alerts (id, billing_entity_id, period_key, kind, percent_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (billing_entity_id, period_key, kind) DO NOTHING`,
		alert.ID,
		alert.BillingEntityID,
		alert.PeriodKey,
		alert.Kind,
		alert.PercentUsed,
		alert.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
