package repository

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/smsgate/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

// An account's partition covers its own rows and every sub-account row; a sub-account only matches
// rows tagged with it.
const entityFilter = `(billing_entity_id = ? OR sub_account_id = ?)`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *ledgerdomain.Entry) (bool, error) {
	var subAccount any
	if entry.SubAccountID != nil {
		subAccount = *entry.SubAccountID
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, billing_entity_id, sub_account_id, send_attempt_id, country_code, carrier, gateway,
			message_type, unit_cost, parts, total_cost, status, reason, period_key, is_closed,
			occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (send_attempt_id) DO NOTHING`,
		entry.ID,
		entry.BillingEntityID,
		subAccount,
		entry.SendAttemptID,
		entry.CountryCode,
		entry.Carrier,
		entry.Gateway,
		entry.MessageType,
		entry.UnitCost,
		entry.Parts,
		entry.TotalCost,
		string(entry.Status),
		entry.Reason,
		entry.PeriodKey,
		false,
		entry.OccurredAt,
		entry.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindBySendAttempt(ctx context.Context, db *gorm.DB, attemptID snowflake.ID) (*ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT id, billing_entity_id, sub_account_id, send_attempt_id, country_code, carrier, gateway,
			message_type, unit_cost, parts, total_cost, status, reason, period_key, is_closed,
			occurred_at, created_at
		 FROM ledger_entries
		 WHERE send_attempt_id = ?
		 LIMIT 1`,
		attemptID,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) SumCost(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(total_cost), 0)
		 FROM ledger_entries
		 WHERE `+entityFilter+` AND period_key = ?`,
		entityID,
		entityID,
		periodKey,
	).Scan(&total).Error
	return total, err
}

func (r *repo) Summarize(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (ledgerdomain.Summary, error) {
	var row struct {
		TotalSms   int64
		SentSms    int64
		FailedSms  int64
		TotalParts int64
		TotalCost  int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total_sms,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS sent_sms,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed_sms,
			COALESCE(SUM(parts), 0) AS total_parts,
			COALESCE(SUM(total_cost), 0) AS total_cost
		 FROM ledger_entries
		 WHERE `+entityFilter+` AND period_key = ?`,
		string(ledgerdomain.EntryStatusSent),
		string(ledgerdomain.EntryStatusFailed),
		entityID,
		entityID,
		periodKey,
	).Scan(&row).Error
	if err != nil {
		return ledgerdomain.Summary{}, err
	}
	return ledgerdomain.Summary{
		BillingEntityID: entityID,
		PeriodKey:       periodKey,
		TotalSms:        row.TotalSms,
		SentSms:         row.SentSms,
		FailedSms:       row.FailedSms,
		TotalParts:      row.TotalParts,
		TotalCost:       row.TotalCost,
	}, nil
}

func (r *repo) GroupBy(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string, dimension ledgerdomain.Dimension) ([]ledgerdomain.Bucket, error) {
	var column string
	switch dimension {
	case ledgerdomain.DimensionCarrier:
		column = "carrier"
	case ledgerdomain.DimensionType:
		column = "message_type"
	case ledgerdomain.DimensionSubAccount:
		column = "COALESCE(CAST(sub_account_id AS TEXT), '')"
	default:
		return nil, fmt.Errorf("unsupported ledger dimension %q", dimension)
	}

	var buckets []ledgerdomain.Bucket
	err := db.WithContext(ctx).Raw(
		`SELECT `+column+` AS key, COUNT(*) AS count, COALESCE(SUM(total_cost), 0) AS cost
		 FROM ledger_entries
		 WHERE `+entityFilter+` AND period_key = ?
		 GROUP BY `+column+`
		 ORDER BY key`,
		entityID,
		entityID,
		periodKey,
	).Scan(&buckets).Error
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

func (r *repo) PeriodTotals(ctx context.Context, db *gorm.DB, entityID snowflake.ID, fromKey, toKey string) ([]ledgerdomain.PeriodTotal, error) {
	var totals []ledgerdomain.PeriodTotal
	err := db.WithContext(ctx).Raw(
		`SELECT period_key, COUNT(*) AS total_sms, COALESCE(SUM(total_cost), 0) AS total_cost
		 FROM ledger_entries
		 WHERE `+entityFilter+` AND period_key >= ? AND period_key <= ?
		 GROUP BY period_key
		 ORDER BY period_key`,
		entityID,
		entityID,
		fromKey,
		toKey,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (r *repo) CountOpen(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM ledger_entries
		 WHERE `+entityFilter+` AND period_key = ? AND is_closed = ?`,
		entityID,
		entityID,
		periodKey,
		false,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Freeze(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE ledger_entries
		 SET is_closed = ?
		 WHERE `+entityFilter+` AND period_key = ? AND is_closed = ?`,
		true,
		entityID,
		entityID,
		periodKey,
		false,
	)
	return res.RowsAffected, res.Error
}
