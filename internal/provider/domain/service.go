package domain

import (
	"context"
	"errors"
	"time"

	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
	"gorm.io/gorm"
)

// Adapter owns the wire contract of one provider kind. A returned error is a transport failure.
type Adapter interface {
	Kind() Kind
	Send(ctx context.Context, cfg ProviderConfig, msg Message) (Response, error)
}

// ConfigResolver returns the active provider for a carrier, or nil when none is configured.
type ConfigResolver interface {
	ResolveForCarrier(ctx context.Context, carrier phonedomain.Carrier) (*ProviderConfig, error)
}

type Repository interface {
	FindActiveByCarrier(ctx context.Context, db *gorm.DB, carrier string) (*ConfigRecord, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*ConfigRecord, error)
	List(ctx context.Context, db *gorm.DB) ([]ConfigRecord, error)
	Upsert(ctx context.Context, db *gorm.DB, record *ConfigRecord) error
	UpdateStatus(ctx context.Context, db *gorm.DB, code string, active bool, updatedAt time.Time) (bool, error)
}

type Router interface {
	Plan(ctx context.Context, raw string) (Plan, error)
	Dispatch(ctx context.Context, plan Plan, body string) SendOutcome
	SendOne(ctx context.Context, raw string, body string) SendOutcome
	SendBulk(ctx context.Context, phones []string, body string) BulkOutcome
}

type Admin interface {
	UpsertConfig(ctx context.Context, req UpsertConfigRequest) (*ProviderConfig, error)
	SetActive(ctx context.Context, code string, active bool) error
	List(ctx context.Context) ([]ProviderConfig, error)
}

var (
	ErrInvalidProviderCode  = errors.New("invalid_provider_code")
	ErrInvalidProviderKind  = errors.New("invalid_provider_kind")
	ErrInvalidCarrier       = errors.New("invalid_carrier")
	ErrInvalidUnitCost      = errors.New("invalid_unit_cost")
	ErrInvalidEndpoint      = errors.New("invalid_endpoint")
	ErrProviderNotFound     = errors.New("provider_not_found")
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
	ErrInvalidCiphertext    = errors.New("invalid_ciphertext")
	ErrAdapterNotRegistered = errors.New("adapter_not_registered")
)
