package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultAlertThresholdPercent = 80

	BlockedReasonBudgetExceeded = "BUDGET_EXCEEDED"
)

// BillingEntity is an account (ParentID nil) or one of its sub-accounts.
type BillingEntity struct {
	ID                    snowflake.ID  `gorm:"primaryKey" json:"id"`
	ParentID              *snowflake.ID `gorm:"index" json:"parent_id,omitempty"`
	Name                  string        `gorm:"type:text;not null" json:"name"`
	MonthlyBudget         *int64        `json:"monthly_budget,omitempty"`
	AlertThresholdPercent int           `gorm:"not null;default:80" json:"alert_threshold_percent"`
	BlockOnExceeded       bool          `gorm:"not null;default:false" json:"block_on_exceeded"`
	CreatedAt             time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time     `gorm:"not null" json:"updated_at"`
}

func (BillingEntity) TableName() string { return "billing_entities" }

func (e BillingEntity) HasBudget() bool {
	return e.MonthlyBudget != nil && *e.MonthlyBudget > 0
}

// RootID is the account that owns the entity's ledger rows.
func (e BillingEntity) RootID() snowflake.ID {
	if e.ParentID != nil && *e.ParentID != 0 {
		return *e.ParentID
	}
	return e.ID
}

func (e BillingEntity) SubAccountID() *snowflake.ID {
	if e.ParentID == nil || *e.ParentID == 0 {
		return nil
	}
	id := e.ID
	return &id
}

// Counter carries the amount held by in-flight reservations for one entity and period.
type Counter struct {
	BillingEntityID snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	PeriodKey       string       `gorm:"primaryKey;type:text"`
	Reserved        int64        `gorm:"not null;default:0"`
	UpdatedAt       time.Time    `gorm:"not null"`
}

func (Counter) TableName() string { return "budget_counters" }

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
)

type Reservation struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	BillingEntityID snowflake.ID      `gorm:"not null;index" json:"billing_entity_id"`
	ParentID        *snowflake.ID     `json:"parent_id,omitempty"`
	SendAttemptID   snowflake.ID      `gorm:"not null;uniqueIndex:ux_budget_reservations_attempt" json:"send_attempt_id"`
	PeriodKey       string            `gorm:"type:text;not null" json:"period_key"`
	Amount          int64             `gorm:"not null" json:"amount"`
	Status          ReservationStatus `gorm:"type:text;not null" json:"status"`
	CreatedAt       time.Time         `gorm:"not null" json:"created_at"`
	SettledAt       *time.Time        `json:"settled_at,omitempty"`
}

func (Reservation) TableName() string { return "budget_reservations" }

const AlertKindThreshold = "threshold"

// Alert records that a one-per-period notification was already emitted.
type Alert struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	BillingEntityID snowflake.ID `gorm:"not null;uniqueIndex:ux_budget_alerts_key,priority:1"`
	PeriodKey       string       `gorm:"type:text;not null;uniqueIndex:ux_budget_alerts_key,priority:2"`
	Kind            string       `gorm:"type:text;not null;uniqueIndex:ux_budget_alerts_key,priority:3"`
	PercentUsed     float64      `gorm:"not null"`
	CreatedAt       time.Time    `gorm:"not null"`
}

func (Alert) TableName() string { return "budget_alerts" }

// Decision is the outcome of evaluating a prospective cost against an entity's policy.
type Decision struct {
	BillingEntityID snowflake.ID `json:"billing_entity_id"`
	PeriodKey       string       `json:"period_key"`
	Allowed         bool         `json:"allowed"`
	HasBudget       bool         `json:"has_budget"`
	MonthlyBudget   int64        `json:"monthly_budget"`
	Spent           int64        `json:"spent"`
	Reserved        int64        `json:"reserved"`
	Remaining       int64        `json:"remaining"`
	PercentUsed     float64      `json:"percent_used"`
	Exceeded        bool         `json:"exceeded"`
	Warning         string       `json:"warning,omitempty"`
	BlockedReason   string       `json:"blocked_reason,omitempty"`
}

func (d Decision) Blocked() bool {
	return !d.Allowed
}
