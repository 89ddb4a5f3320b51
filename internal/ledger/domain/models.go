package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EntryStatus string

const (
	EntryStatusSent   EntryStatus = "sent"
	EntryStatusFailed EntryStatus = "failed"
)

const (
	MessageTypeSMS      = "sms"
	MessageTypeCampaign = "campaign"

	SegmentLength = 160
)

// Entry is one committed accounting fact for a terminal send attempt.
type Entry struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	BillingEntityID snowflake.ID  `gorm:"not null;index:ix_ledger_entries_entity_period,priority:1"`
	SubAccountID    *snowflake.ID `gorm:"index"`
	SendAttemptID   snowflake.ID  `gorm:"not null;uniqueIndex:ux_ledger_entries_send_attempt"`
	CountryCode     string        `gorm:"type:text"`
	Carrier         string        `gorm:"type:text;not null"`
	Gateway         string        `gorm:"type:text"`
	MessageType     string        `gorm:"type:text;not null"`
	UnitCost        int64         `gorm:"not null;default:0"`
	Parts           int           `gorm:"not null;default:1"`
	TotalCost       int64         `gorm:"not null;default:0"`
	Status          EntryStatus   `gorm:"type:text;not null"`
	Reason          string        `gorm:"type:text"`
	PeriodKey       string        `gorm:"type:text;not null;index:ix_ledger_entries_entity_period,priority:2"`
	IsClosed        bool          `gorm:"not null;default:false"`
	OccurredAt      time.Time     `gorm:"not null"`
	CreatedAt       time.Time     `gorm:"not null"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Parts returns the number of 160-character segments needed for body, at least one.
func Parts(body string) int {
	n := len([]rune(body))
	if n == 0 {
		return 1
	}
	return (n + SegmentLength - 1) / SegmentLength
}

type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
	Cost  int64  `json:"cost"`
}

type Summary struct {
	BillingEntityID snowflake.ID `json:"billing_entity_id"`
	PeriodKey       string       `json:"period_key"`
	TotalSms        int64        `json:"total_sms"`
	SentSms         int64        `json:"sent_sms"`
	FailedSms       int64        `json:"failed_sms"`
	TotalParts      int64        `json:"total_parts"`
	TotalCost       int64        `json:"total_cost"`
}

// Aggregate is the closure input for one (entity, period) partition.
type Aggregate struct {
	Summary
	OpenEntries  int64    `json:"open_entries"`
	BySubAccount []Bucket `json:"by_sub_account"`
	ByCarrier    []Bucket `json:"by_carrier"`
	ByType       []Bucket `json:"by_type"`
}

type PeriodTotal struct {
	PeriodKey string `json:"period_key"`
	TotalSms  int64  `json:"total_sms"`
	TotalCost int64  `json:"total_cost"`
}
