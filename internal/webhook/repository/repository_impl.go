package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/smallbiznis/smsgate/internal/webhook/domain"
	"github.com/smallbiznis/smsgate/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() webhookdomain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, billing_entity_id, url, secret, events, is_active, consecutive_failures, disabled_at, created_at, updated_at`

const deliveryColumns = `id, subscription_id, event_name, payload, attempt, status, next_attempt_at, deadline_at, last_error, completed_at, created_at, updated_at`

func (r *repo) InsertSubscription(ctx context.Context, db *gorm.DB, sub *webhookdomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.BillingEntityID,
		sub.URL,
		sub.Secret,
		sub.Events,
		sub.IsActive,
		sub.ConsecutiveFailures,
		sub.DisabledAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) FindSubscription(ctx context.Context, db *gorm.DB, id snowflake.ID) (*webhookdomain.Subscription, error) {
	return r.findSubscription(ctx, db, id, "")
}

func (r *repo) FindSubscriptionForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*webhookdomain.Subscription, error) {
	return r.findSubscription(ctx, db, id, " FOR UPDATE")
}

func (r *repo) findSubscription(ctx context.Context, db *gorm.DB, id snowflake.ID, lock string) (*webhookdomain.Subscription, error) {
	var item webhookdomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`+lock,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListActiveSubscriptions(ctx context.Context, db *gorm.DB, entityID snowflake.ID) ([]webhookdomain.Subscription, error) {
	var items []webhookdomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM webhook_subscriptions
		 WHERE billing_entity_id = ? AND is_active = ?
		 ORDER BY id ASC`,
		entityID,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateSubscriptionHealth(ctx context.Context, db *gorm.DB, sub *webhookdomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_subscriptions
		 SET is_active = ?, consecutive_failures = ?, disabled_at = ?, updated_at = ?
		 WHERE id = ?`,
		sub.IsActive,
		sub.ConsecutiveFailures,
		sub.DisabledAt,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) DeleteSubscription(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	return result.RowsAffected, result.Error
}

func (r *repo) InsertDeliveries(ctx context.Context, db *gorm.DB, deliveries []webhookdomain.Delivery) error {
	for i := range deliveries {
		d := &deliveries[i]
		err := db.WithContext(ctx).Exec(
			`INSERT INTO webhook_deliveries (`+deliveryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID,
			d.SubscriptionID,
			d.EventName,
			d.Payload,
			d.Attempt,
			string(d.Status),
			d.NextAttemptAt,
			d.DeadlineAt,
			d.LastError,
			d.CompletedAt,
			d.CreatedAt,
			d.UpdatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID) (*webhookdomain.Delivery, error) {
	var item webhookdomain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// ClaimDelivery locks a due pending delivery. Nil means it is not due, terminal, or owned by another worker.
func (r *repo) ClaimDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (*webhookdomain.Delivery, error) {
	var item webhookdomain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+`
		 FROM webhook_deliveries
		 WHERE id = ? AND status = ? AND next_attempt_at <= ?
		 FOR UPDATE SKIP LOCKED`,
		id,
		string(webhookdomain.DeliveryPending),
		now,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM webhook_deliveries
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`,
		string(webhookdomain.DeliveryPending),
		now,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		out = append(out, snowflake.ID(id))
	}
	return out, nil
}

func (r *repo) UpdateDelivery(ctx context.Context, db *gorm.DB, d *webhookdomain.Delivery) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET attempt = ?, status = ?, next_attempt_at = ?, last_error = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		d.Attempt,
		string(d.Status),
		d.NextAttemptAt,
		d.LastError,
		d.CompletedAt,
		d.UpdatedAt,
		d.ID,
	).Error
}

func (r *repo) InsertLog(ctx context.Context, db *gorm.DB, l *webhookdomain.DeliveryLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_delivery_logs (id, delivery_id, subscription_id, event_name, attempt, status_code,
			response_body, error, success, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID,
		l.DeliveryID,
		l.SubscriptionID,
		l.EventName,
		l.Attempt,
		l.StatusCode,
		l.ResponseBody,
		l.Error,
		l.Success,
		l.DurationMs,
		l.CreatedAt,
	).Error
}

func (r *repo) ListLogs(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, cursor *pagination.Cursor, limit int) ([]*webhookdomain.DeliveryLog, error) {
	query := `SELECT id, delivery_id, subscription_id, event_name, attempt, status_code, response_body, error,
			success, duration_ms, created_at
		 FROM webhook_delivery_logs
		 WHERE subscription_id = ?`
	args := []any{subscriptionID}
	if cursor != nil && cursor.ID != "" {
		before, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		query += ` AND id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var items []*webhookdomain.DeliveryLog
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
