package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusClosed   Status = "closed"
	StatusAdjusted Status = "adjusted"
)

// PeriodClosure is the frozen usage snapshot of one billing entity for one month.
type PeriodClosure struct {
	ID                    snowflake.ID   `gorm:"primaryKey" json:"id"`
	BillingEntityID       snowflake.ID   `gorm:"not null;uniqueIndex:ux_period_closures_entity_period,priority:1" json:"billing_entity_id"`
	PeriodKey             string         `gorm:"type:text;not null;uniqueIndex:ux_period_closures_entity_period,priority:2" json:"period_key"`
	TotalSms              int64          `gorm:"not null;default:0" json:"total_sms"`
	SentSms               int64          `gorm:"not null;default:0" json:"sent_sms"`
	FailedSms             int64          `gorm:"not null;default:0" json:"failed_sms"`
	TotalParts            int64          `gorm:"not null;default:0" json:"total_parts"`
	TotalCost             int64          `gorm:"not null;default:0" json:"total_cost"`
	FrozenEntries         int64          `gorm:"not null;default:0" json:"frozen_entries"`
	BreakdownBySubAccount datatypes.JSON `gorm:"type:jsonb" json:"breakdown_by_sub_account"`
	BreakdownByCarrier    datatypes.JSON `gorm:"type:jsonb" json:"breakdown_by_carrier"`
	BreakdownByType       datatypes.JSON `gorm:"type:jsonb" json:"breakdown_by_type"`
	PreviousTotals        datatypes.JSON `gorm:"type:jsonb" json:"previous_totals,omitempty"`
	Status                Status         `gorm:"type:text;not null" json:"status"`
	Notes                 string         `gorm:"type:text" json:"notes,omitempty"`
	ClosedAt              *time.Time     `json:"closed_at,omitempty"`
	AdjustedAt            *time.Time     `json:"adjusted_at,omitempty"`
	CreatedAt             time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"not null" json:"updated_at"`
}

func (PeriodClosure) TableName() string { return "period_closures" }

func (c PeriodClosure) Final() bool {
	return c.Status == StatusClosed || c.Status == StatusAdjusted
}

type Options struct {
	// DryRun computes the snapshot without writing anything.
	DryRun bool
	// Adjust re-aggregates an already closed period, keeping the prior totals.
	Adjust bool
	Notes  string
	// AllowOpenPeriod permits closing the running month.
	AllowOpenPeriod bool
}

type EntityOutcome string

const (
	OutcomeClosed        EntityOutcome = "closed"
	OutcomeAdjusted      EntityOutcome = "adjusted"
	OutcomeAlreadyClosed EntityOutcome = "already_closed"
	OutcomeDryRun        EntityOutcome = "dry_run"
	OutcomeFailed        EntityOutcome = "failed"
)

type EntityResult struct {
	BillingEntityID snowflake.ID   `json:"billing_entity_id"`
	Outcome         EntityOutcome  `json:"outcome"`
	Closure         *PeriodClosure `json:"closure,omitempty"`
	Error           string         `json:"error,omitempty"`
}

type Summary struct {
	PeriodKey     string         `json:"period_key"`
	Total         int            `json:"total"`
	Closed        int            `json:"closed"`
	AlreadyClosed int            `json:"already_closed"`
	Failed        int            `json:"failed"`
	TotalCost     int64          `json:"total_cost"`
	Results       []EntityResult `json:"results"`
}
