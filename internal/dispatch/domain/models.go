package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSent    AttemptStatus = "sent"
	AttemptFailed  AttemptStatus = "failed"
)

const (
	ReasonBudgetExceeded = "BUDGET_EXCEEDED"
	ReasonCancelled      = "CANCELLED"
)

// SendAttempt is one outbound message to one recipient. It leaves pending exactly once.
type SendAttempt struct {
	ID                  snowflake.ID   `gorm:"primaryKey"`
	BatchID             snowflake.ID   `gorm:"not null;index"`
	Position            int            `gorm:"not null"`
	BillingEntityID     snowflake.ID   `gorm:"not null;index"`
	AccountID           snowflake.ID   `gorm:"not null"`
	SubAccountID        *snowflake.ID
	RecipientRaw        string         `gorm:"type:text;not null"`
	RecipientE164       string         `gorm:"type:text"`
	CountryCode         string         `gorm:"type:text"`
	Content             string         `gorm:"type:text;not null"`
	MessageType         string         `gorm:"type:text;not null"`
	Parts               int            `gorm:"not null;default:1"`
	Carrier             string         `gorm:"type:text"`
	ProviderCode        string         `gorm:"type:text"`
	CostUnits           int64          `gorm:"not null;default:0"`
	Status              AttemptStatus  `gorm:"type:text;not null;index:ix_send_attempts_due,priority:1"`
	ErrorReason         string         `gorm:"type:text"`
	Attempts            int            `gorm:"not null;default:0"`
	NextAttemptAt       *time.Time     `gorm:"index:ix_send_attempts_due,priority:2"`
	ClaimedUntil        *time.Time
	ReservationID       *snowflake.ID
	ProviderMessageID   string         `gorm:"type:text"`
	RawProviderResponse datatypes.JSON `gorm:"type:jsonb"`
	SentAt              *time.Time
	CreatedAt           time.Time      `gorm:"not null"`
	UpdatedAt           time.Time      `gorm:"not null"`
}

func (SendAttempt) TableName() string { return "send_attempts" }

func (a SendAttempt) Terminal() bool {
	return a.Status == AttemptSent || a.Status == AttemptFailed
}

type Batch struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	CorrelationID   string       `gorm:"type:text;not null"`
	BillingEntityID snowflake.ID `gorm:"not null;index"`
	MessageType     string       `gorm:"type:text;not null"`
	Total           int          `gorm:"not null"`
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	CreatedAt       time.Time `gorm:"not null"`
}

func (Batch) TableName() string { return "dispatch_batches" }

type MessageRequest struct {
	BillingEntityID snowflake.ID
	Recipients      []string
	Content         string
	// MessageType defaults to sms for a single recipient and campaign otherwise.
	MessageType string
}

type AttemptResult struct {
	AttemptID         snowflake.ID  `json:"attempt_id"`
	Position          int           `json:"position"`
	Recipient         string        `json:"recipient"`
	E164              string        `json:"e164,omitempty"`
	Carrier           string        `json:"carrier,omitempty"`
	ProviderCode      string        `json:"provider_code,omitempty"`
	Status            AttemptStatus `json:"status"`
	Reason            string        `json:"reason,omitempty"`
	Attempts          int           `json:"attempts"`
	NextAttemptAt     *time.Time    `json:"next_attempt_at,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Cost              int64         `json:"cost"`
}

type Counts struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

func (c *Counts) Add(status AttemptStatus) {
	c.Total++
	switch status {
	case AttemptSent:
		c.Sent++
	case AttemptFailed:
		c.Failed++
	default:
		c.Pending++
	}
}

type Result struct {
	BatchID       snowflake.ID    `json:"batch_id"`
	CorrelationID string          `json:"correlation_id"`
	Results       []AttemptResult `json:"results"`
	Counts        Counts          `json:"counts"`
}

// ValidationError rejects a request before anything is stored.
type ValidationError struct {
	Field string
	Code  string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Code)
}
