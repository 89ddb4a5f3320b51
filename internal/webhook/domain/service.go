package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/smsgate/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	InsertSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindSubscription(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindSubscriptionForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	ListActiveSubscriptions(ctx context.Context, db *gorm.DB, entityID snowflake.ID) ([]Subscription, error)
	UpdateSubscriptionHealth(ctx context.Context, db *gorm.DB, sub *Subscription) error
	DeleteSubscription(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)

	InsertDeliveries(ctx context.Context, db *gorm.DB, deliveries []Delivery) error
	FindDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Delivery, error)
	ClaimDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (*Delivery, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
	UpdateDelivery(ctx context.Context, db *gorm.DB, delivery *Delivery) error

	InsertLog(ctx context.Context, db *gorm.DB, log *DeliveryLog) error
	ListLogs(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, cursor *pagination.Cursor, limit int) ([]*DeliveryLog, error)
}

type Service interface {
	Trigger(ctx context.Context, event string, entityID snowflake.ID, payload map[string]any) (int, error)
	Deliver(ctx context.Context, deliveryID snowflake.ID) (*Delivery, error)
	DeliverDue(ctx context.Context, limit int) (int, error)
	Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error)
	Unsubscribe(ctx context.Context, id snowflake.ID) error
	Reactivate(ctx context.Context, id snowflake.ID) (*Subscription, error)
	ListDeliveryLogs(ctx context.Context, req ListLogsRequest) ([]*DeliveryLog, *pagination.PageInfo, error)
}

var (
	ErrInvalidURL           = errors.New("invalid_webhook_url")
	ErrInvalidEvents        = errors.New("invalid_webhook_events")
	ErrInvalidEvent         = errors.New("invalid_webhook_event")
	ErrInvalidSubscription  = errors.New("invalid_webhook_subscription")
	ErrSubscriptionNotFound = errors.New("webhook_subscription_not_found")
	ErrDeliveryNotFound     = errors.New("webhook_delivery_not_found")
	ErrInvalidSignature     = errors.New("invalid_webhook_signature")
)
