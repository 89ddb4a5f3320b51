package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	// MaxRetries is the number of redeliveries after the first attempt.
	MaxRetries = 5
	// RetryWindow bounds the time between the first attempt and the last retry.
	RetryWindow = time.Hour
	// DisableAfterFailures is the consecutive exhausted deliveries that deactivate a subscription.
	DisableAfterFailures = 10
)

// RetrySchedule is the delay before retry n (1-based).
var RetrySchedule = []time.Duration{
	30 * time.Second,
	time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
	// DeliverySkipped marks deliveries whose subscription was deactivated before they ran.
	DeliverySkipped DeliveryStatus = "skipped"
)

type Subscription struct {
	ID                  snowflake.ID   `gorm:"primaryKey" json:"id"`
	BillingEntityID     snowflake.ID   `gorm:"not null;index" json:"billing_entity_id"`
	URL                 string         `gorm:"type:text;not null" json:"url"`
	Secret              string         `gorm:"type:text;not null" json:"-"`
	Events              datatypes.JSON `gorm:"type:jsonb;not null" json:"events"`
	IsActive            bool           `gorm:"not null;default:true" json:"is_active"`
	ConsecutiveFailures int            `gorm:"not null;default:0" json:"consecutive_failures"`
	DisabledAt          *time.Time     `json:"disabled_at,omitempty"`
	CreatedAt           time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "webhook_subscriptions" }

// Delivery is one queued event for one subscription. It is retried until it
// succeeds, runs out of retries, or passes DeadlineAt.
type Delivery struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID   `gorm:"not null;index" json:"subscription_id"`
	EventName      string         `gorm:"type:text;not null" json:"event"`
	Payload        datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Attempt        int            `gorm:"not null;default:0" json:"attempt"`
	Status         DeliveryStatus `gorm:"type:text;not null;index:ix_webhook_deliveries_due,priority:1" json:"status"`
	NextAttemptAt  time.Time      `gorm:"not null;index:ix_webhook_deliveries_due,priority:2" json:"next_attempt_at"`
	DeadlineAt     time.Time      `gorm:"not null" json:"deadline_at"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Delivery) TableName() string { return "webhook_deliveries" }

// DeliveryLog records a single HTTP attempt. Rows are never updated.
type DeliveryLog struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	DeliveryID     snowflake.ID `gorm:"not null;index" json:"delivery_id"`
	SubscriptionID snowflake.ID `gorm:"not null;index" json:"subscription_id"`
	EventName      string       `gorm:"type:text;not null" json:"event"`
	Attempt        int          `gorm:"not null" json:"attempt"`
	StatusCode     int          `json:"status_code"`
	ResponseBody   string       `gorm:"type:text" json:"response_body,omitempty"`
	Error          string       `gorm:"type:text" json:"error,omitempty"`
	Success        bool         `gorm:"not null" json:"success"`
	DurationMs     int64        `gorm:"not null;default:0" json:"duration_ms"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
}

func (DeliveryLog) TableName() string { return "webhook_delivery_logs" }

type SubscribeRequest struct {
	BillingEntityID snowflake.ID
	URL             string
	Secret          string
	Events          []string
}

// Envelope is the signed request body.
type Envelope struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type ListLogsRequest struct {
	SubscriptionID snowflake.ID
	PageToken      string
	PageSize       int
}
