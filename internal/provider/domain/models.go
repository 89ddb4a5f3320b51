package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindHTTPPrefix Kind = "http_prefix"
	KindHTTPJSON   Kind = "http_json"
	KindTwilio     Kind = "twilio"
)

// Failure reasons carried on outcomes. They are values, not errors.
const (
	ReasonInvalidNumber       = "INVALID_NUMBER"
	ReasonProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ReasonProviderRejected    = "PROVIDER_REJECTED"
	ReasonProviderError       = "PROVIDER_ERROR"
	ReasonProviderTimeout     = "PROVIDER_TIMEOUT"
	ReasonRateLimited         = "RATE_LIMITED"
)

const (
	SourceDatabase = "database"
	SourceCatalog  = "catalog"

	DefaultTimeout = 10 * time.Second
)

// ProviderConfig is the resolved, decrypted view of one gateway.
type ProviderConfig struct {
	ID            snowflake.ID
	Code          string
	Kind          Kind
	Carrier       phonedomain.Carrier
	Endpoint      string
	SenderID      string
	SuccessMarker string
	Credentials   map[string]string
	UnitCost      int64
	Timeout       time.Duration
	RatePerSecond float64
	Active        bool
	Source        string
}

func (c ProviderConfig) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// ConfigRecord is the persisted row; Credentials holds an encrypted envelope.
type ConfigRecord struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	Code          string         `gorm:"type:text;not null;uniqueIndex:ux_sms_provider_configs_code"`
	Kind          string         `gorm:"type:text;not null"`
	Carrier       string         `gorm:"type:text;not null;index"`
	Endpoint      string         `gorm:"type:text"`
	SenderID      string         `gorm:"type:text"`
	SuccessMarker string         `gorm:"type:text"`
	Credentials   datatypes.JSON `gorm:"type:jsonb"`
	UnitCost      int64          `gorm:"not null;default:0"`
	TimeoutMs     int64          `gorm:"not null;default:0"`
	RatePerSecond float64        `gorm:"not null;default:0"`
	IsActive      bool           `gorm:"not null;default:true"`
	CreatedAt     time.Time      `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (ConfigRecord) TableName() string { return "sms_provider_configs" }

type Message struct {
	To       string
	From     string
	Body     string
	Metadata map[string]string
}

// Response is the adapter-neutral view of one provider call.
type Response struct {
	Success           bool
	ProviderMessageID string
	ErrorText         string
	StatusCode        int
	Raw               string
	Retryable         bool
}

// Plan is the routing decision for one recipient. A non-empty Reason means no call should be made.
type Plan struct {
	Phone  phonedomain.NormalizedPhone
	Config *ProviderConfig
	Reason string
}

func (p Plan) Routable() bool {
	return p.Reason == "" && p.Config != nil
}

type SendOutcome struct {
	Phone             phonedomain.NormalizedPhone
	ProviderCode      string
	Carrier           phonedomain.Carrier
	UnitCost          int64
	Success           bool
	Reason            string
	Retryable         bool
	ProviderMessageID string
	ErrorText         string
	StatusCode        int
	Raw               string
	Elapsed           time.Duration
}

type BulkOutcome struct {
	Total   int
	Sent    int
	Failed  int
	Results []SendOutcome
}

type UpsertConfigRequest struct {
	Code          string
	Kind          Kind
	Carrier       phonedomain.Carrier
	Endpoint      string
	SenderID      string
	SuccessMarker string
	Credentials   map[string]string
	UnitCost      int64
	Timeout       time.Duration
	RatePerSecond float64
	Active        *bool
}
