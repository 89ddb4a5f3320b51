package resolver

import (
	"context"
	"fmt"
	"time"

	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"gorm.io/gorm"
)

// Database resolves provider configs from sms_provider_configs.
type Database struct {
	db     *gorm.DB
	repo   providerdomain.Repository
	sealer *Sealer
}

func NewDatabase(db *gorm.DB, repo providerdomain.Repository, sealer *Sealer) *Database {
	return &Database{db: db, repo: repo, sealer: sealer}
}

func (d *Database) ResolveForCarrier(ctx context.Context, carrier phonedomain.Carrier) (*providerdomain.ProviderConfig, error) {
	record, err := d.repo.FindActiveByCarrier(ctx, d.db, string(carrier))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	cfg, err := FromRecord(*record, d.sealer)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", record.Code, err)
	}
	return &cfg, nil
}

func FromRecord(record providerdomain.ConfigRecord, sealer *Sealer) (providerdomain.ProviderConfig, error) {
	creds, err := sealer.Open(record.Credentials)
	if err != nil {
		return providerdomain.ProviderConfig{}, err
	}
	return providerdomain.ProviderConfig{
		ID:            record.ID,
		Code:          record.Code,
		Kind:          providerdomain.Kind(record.Kind),
		Carrier:       phonedomain.Carrier(record.Carrier),
		Endpoint:      record.Endpoint,
		SenderID:      record.SenderID,
		SuccessMarker: record.SuccessMarker,
		Credentials:   creds,
		UnitCost:      record.UnitCost,
		Timeout:       time.Duration(record.TimeoutMs) * time.Millisecond,
		RatePerSecond: record.RatePerSecond,
		Active:        record.IsActive,
		Source:        providerdomain.SourceDatabase,
	}, nil
}
