package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	closuredomain "github.com/smallbiznis/smsgate/internal/closure/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() closuredomain.Repository {
	return &repo{}
}

const closureColumns = `id, billing_entity_id, period_key, total_sms, sent_sms, failed_sms, total_parts, total_cost,
	frozen_entries, breakdown_by_sub_account, breakdown_by_carrier, breakdown_by_type, previous_totals,
	status, notes, closed_at, adjusted_at, created_at, updated_at`

func (r *repo) Find(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (*closuredomain.PeriodClosure, error) {
	return r.find(ctx, db, entityID, periodKey, "")
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (*closuredomain.PeriodClosure, error) {
	return r.find(ctx, db, entityID, periodKey, " FOR UPDATE")
}

func (r *repo) find(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey, lock string) (*closuredomain.PeriodClosure, error) {
	var item closuredomain.PeriodClosure
	err := db.WithContext(ctx).Raw(
		`SELECT `+closureColumns+`
		 FROM period_closures
		 WHERE billing_entity_id = ? AND period_key = ?`+lock,
		entityID,
		periodKey,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, closure *closuredomain.PeriodClosure) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO period_closures (`+closureColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		closure.ID,
		closure.BillingEntityID,
		closure.PeriodKey,
		closure.TotalSms,
		closure.SentSms,
		closure.FailedSms,
		closure.TotalParts,
		closure.TotalCost,
		closure.FrozenEntries,
		closure.BreakdownBySubAccount,
		closure.BreakdownByCarrier,
		closure.BreakdownByType,
		closure.PreviousTotals,
		string(closure.Status),
		closure.Notes,
		closure.ClosedAt,
		closure.AdjustedAt,
		closure.CreatedAt,
		closure.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, closure *closuredomain.PeriodClosure) error {
	return db.WithContext(ctx).Exec(
		`UPDATE period_closures
		 SET total_sms = ?, sent_sms = ?, failed_sms = ?, total_parts = ?, total_cost = ?, frozen_entries = ?,
			breakdown_by_sub_account = ?, breakdown_by_carrier = ?, breakdown_by_type = ?, previous_totals = ?,
			status = ?, notes = ?, closed_at = ?, adjusted_at = ?, updated_at = ?
		 WHERE id = ?`,
		closure.TotalSms,
		closure.SentSms,
		closure.FailedSms,
		closure.TotalParts,
		closure.TotalCost,
		closure.FrozenEntries,
		closure.BreakdownBySubAccount,
		closure.BreakdownByCarrier,
		closure.BreakdownByType,
		closure.PreviousTotals,
		string(closure.Status),
		closure.Notes,
		closure.ClosedAt,
		closure.AdjustedAt,
		closure.UpdatedAt,
		closure.ID,
	).Error
}
