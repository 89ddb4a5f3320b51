package repository

import (
	"context"
	"time"

	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() providerdomain.Repository {
	return &repo{}
}

const configColumns = `id, code, kind, carrier, endpoint, sender_id, success_marker, credentials,
	unit_cost, timeout_ms, rate_per_second, is_active, created_at, updated_at`

func (r *repo) FindActiveByCarrier(ctx context.Context, db *gorm.DB, carrier string) (*providerdomain.ConfigRecord, error) {
	var item providerdomain.ConfigRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+configColumns+`
		 FROM sms_provider_configs
		 WHERE carrier = ? AND is_active = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		carrier,
		true,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*providerdomain.ConfigRecord, error) {
	var item providerdomain.ConfigRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+configColumns+`
		 FROM sms_provider_configs
		 WHERE code = ?
		 LIMIT 1`,
		code,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]providerdomain.ConfigRecord, error) {
	var items []providerdomain.ConfigRecord
	err := db.WithContext(ctx).Raw(
		`SELECT ` + configColumns + `
		 FROM sms_provider_configs
		 ORDER BY carrier, code`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, record *providerdomain.ConfigRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sms_provider_configs (
			id, code, kind, carrier, endpoint, sender_id, success_marker, credentials,
			unit_cost, timeout_ms, rate_per_second, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (code)
		DO UPDATE SET kind = EXCLUDED.kind,
			carrier = EXCLUDED.carrier,
			endpoint = EXCLUDED.endpoint,
			sender_id = EXCLUDED.sender_id,
			success_marker = EXCLUDED.success_marker,
			credentials = EXCLUDED.credentials,
			unit_cost = EXCLUDED.unit_cost,
			timeout_ms = EXCLUDED.timeout_ms,
			rate_per_second = EXCLUDED.rate_per_second,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		record.ID,
		record.Code,
		record.Kind,
		record.Carrier,
		record.Endpoint,
		record.SenderID,
		record.SuccessMarker,
		record.Credentials,
		record.UnitCost,
		record.TimeoutMs,
		record.RatePerSecond,
		record.IsActive,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, code string, active bool, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sms_provider_configs
		 SET is_active = ?, updated_at = ?
		 WHERE code = ?`,
		active,
		updatedAt,
		code,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
