package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/smsgate/internal/clock"
	"github.com/smallbiznis/smsgate/internal/config"
	"github.com/smallbiznis/smsgate/internal/events"
	obsmetrics "github.com/smallbiznis/smsgate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/smsgate/internal/observability/tracing"
	webhookdomain "github.com/smallbiznis/smsgate/internal/webhook/domain"
	"github.com/smallbiznis/smsgate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 4 << 10
	wildcardEvent    = "*"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Cfg             config.Config
	Repo            webhookdomain.Repository
	HTTPClient      *http.Client                `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics         `optional:"true"`
	DispatchMetrics *obsmetrics.DispatchMetrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            webhookdomain.Repository
	client          *http.Client
	workers         int
	obsMetrics      *obsmetrics.Metrics
	dispatchMetrics *obsmetrics.DispatchMetrics
}

func NewService(p Params) *Service {
	timeout := p.Cfg.Webhook.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	workers := p.Cfg.Webhook.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("webhook.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		client:          client,
		workers:         workers,
		obsMetrics:      p.ObsMetrics,
		dispatchMetrics: p.DispatchMetrics,
	}
}

// Publish queues deliveries for evt. It satisfies events.Publisher.
func (s *Service) Publish(ctx context.Context, evt events.Event) error {
	data := make(map[string]any, len(evt.Data)+1)
	for k, v := range evt.Data {
		data[k] = v
	}
	if !evt.OccurredAt.IsZero() {
		data["occurred_at"] = evt.OccurredAt.UTC().Format(time.RFC3339)
	}
	_, err := s.Trigger(ctx, evt.Name, evt.BillingEntityID, data)
	return err
}

// Trigger enqueues one delivery per active subscription of entityID that selects event.
func (s *Service) Trigger(ctx context.Context, event string, entityID snowflake.ID, payload map[string]any) (int, error) {
	event = strings.TrimSpace(event)
	if !events.IsKnown(event) {
		return 0, webhookdomain.ErrInvalidEvent
	}
	if entityID == 0 {
		return 0, nil
	}

	subs, err := s.repo.ListActiveSubscriptions(ctx, s.db, entityID)
	if err != nil {
		return 0, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	deliveries := make([]webhookdomain.Delivery, 0, len(subs))
	for _, sub := range subs {
		if !subscribes(sub, event) {
			continue
		}
		deliveries = append(deliveries, webhookdomain.Delivery{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			EventName:      event,
			Payload:        datatypes.JSON(body),
			Status:         webhookdomain.DeliveryPending,
			NextAttemptAt:  now,
			DeadlineAt:     now.Add(webhookdomain.RetryWindow),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if len(deliveries) == 0 {
		return 0, nil
	}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.InsertDeliveries(ctx, tx, deliveries)
	}); err != nil {
		return 0, err
	}
	s.log.Debug("webhook.delivery.queued",
		zap.String("event", event),
		zap.String("billing_entity_id", entityID.String()),
		zap.Int("deliveries", len(deliveries)),
	)
	return len(deliveries), nil
}

// DeliverDue attempts up to limit due deliveries and reports how many were attempted.
func (s *Service) DeliverDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.repo.ListDue(ctx, s.db, s.clock.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	var attempted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, sent, err := s.deliver(gctx, id)
			if err != nil {
				s.log.Warn("webhook.delivery.error", zap.String("delivery_id", id.String()), zap.Error(err))
				return nil
			}
			if sent {
				attempted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(attempted.Load()), err
	}
	return int(attempted.Load()), nil
}

// Deliver makes one HTTP attempt for a due pending delivery and schedules the next one on failure.
// Deliveries that are not due or already terminal are returned unchanged.
func (s *Service) Deliver(ctx context.Context, deliveryID snowflake.ID) (*webhookdomain.Delivery, error) {
	d, _, err := s.deliver(ctx, deliveryID)
	return d, err
}

func (s *Service) deliver(ctx context.Context, deliveryID snowflake.ID) (*webhookdomain.Delivery, bool, error) {
	now := s.clock.Now().UTC()

	var (
		delivery *webhookdomain.Delivery
		sub      *webhookdomain.Subscription
		claimed  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.repo.ClaimDelivery(ctx, tx, deliveryID, now)
		if err != nil {
			return err
		}
		if d == nil {
			delivery, err = s.repo.FindDelivery(ctx, tx, deliveryID)
			if err != nil {
				return err
			}
			if delivery == nil {
				return webhookdomain.ErrDeliveryNotFound
			}
			return nil
		}

		sub, err = s.repo.FindSubscription(ctx, tx, d.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil || !sub.IsActive {
			d.Status = webhookdomain.DeliverySkipped
			d.LastError = "subscription inactive"
			d.CompletedAt = &now
			d.UpdatedAt = now
			delivery = d
			return s.repo.UpdateDelivery(ctx, tx, d)
		}

		d.Attempt++
		// lease the row so a parallel sweep does not send it again mid-flight
		d.NextAttemptAt = now.Add(s.client.Timeout + time.Minute)
		d.UpdatedAt = now
		delivery, claimed = d, true
		return s.repo.UpdateDelivery(ctx, tx, d)
	})
	if err != nil || !claimed {
		return delivery, false, err
	}

	result := s.post(ctx, sub, delivery, now)

	var disabled bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertLog(ctx, tx, result.log); err != nil {
			return err
		}

		finishedAt := s.clock.Now().UTC()
		delivery.UpdatedAt = finishedAt
		if result.log.Success {
			delivery.Status = webhookdomain.DeliverySucceeded
			delivery.LastError = ""
			delivery.CompletedAt = &finishedAt
			if err := s.repo.UpdateDelivery(ctx, tx, delivery); err != nil {
				return err
			}
			return s.recordHealth(ctx, tx, sub.ID, true, finishedAt, &disabled)
		}

		delivery.LastError = result.failure()
		if next, ok := nextAttempt(delivery, finishedAt); ok {
			delivery.NextAttemptAt = next
			return s.repo.UpdateDelivery(ctx, tx, delivery)
		}
		delivery.Status = webhookdomain.DeliveryFailed
		delivery.CompletedAt = &finishedAt
		if err := s.repo.UpdateDelivery(ctx, tx, delivery); err != nil {
			return err
		}
		return s.recordHealth(ctx, tx, sub.ID, false, finishedAt, &disabled)
	})
	if err != nil {
		return nil, true, err
	}

	s.obsMetrics.RecordWebhookAttempt(ctx, delivery.EventName, result.log.Success)
	s.dispatchMetrics.ObserveWebhookDelivery(result.elapsed)

	fields := []zap.Field{
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("event", delivery.EventName),
		zap.Int("attempt", delivery.Attempt),
		zap.Int("status_code", result.log.StatusCode),
	}
	switch delivery.Status {
	case webhookdomain.DeliverySucceeded:
		s.log.Debug("webhook.delivery.succeeded", fields...)
	case webhookdomain.DeliveryFailed:
		s.log.Warn("webhook.delivery.failed", append(fields, zap.String("error", delivery.LastError))...)
	default:
		s.log.Info("webhook.delivery.retry_scheduled", append(fields,
			zap.Time("next_attempt_at", delivery.NextAttemptAt),
			zap.String("error", delivery.LastError),
		)...)
	}
	if disabled {
		s.dispatchMetrics.IncWebhookDisabled()
		s.log.Warn("webhook.subscription.disabled",
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("consecutive_failures", webhookdomain.DisableAfterFailures),
		)
	}
	return delivery, true, nil
}

type postResult struct {
	log     *webhookdomain.DeliveryLog
	elapsed time.Duration
}

func (r postResult) failure() string {
	if r.log.Error != "" {
		return r.log.Error
	}
	return fmt.Sprintf("unexpected status %d", r.log.StatusCode)
}

func (s *Service) post(ctx context.Context, sub *webhookdomain.Subscription, d *webhookdomain.Delivery, now time.Time) postResult {
	entry := &webhookdomain.DeliveryLog{
		ID:             s.genID.Generate(),
		DeliveryID:     d.ID,
		SubscriptionID: sub.ID,
		EventName:      d.EventName,
		Attempt:        d.Attempt,
	}
	started := time.Now()
	finish := func() postResult {
		elapsed := time.Since(started)
		entry.DurationMs = elapsed.Milliseconds()
		entry.CreatedAt = s.clock.Now().UTC()
		return postResult{log: entry, elapsed: elapsed}
	}

	var data map[string]any
	if len(d.Payload) > 0 {
		if err := json.Unmarshal(d.Payload, &data); err != nil {
			entry.Error = "decode payload: " + err.Error()
			return finish()
		}
	}
	timestamp := now.UTC().Format(time.RFC3339)
	body, err := json.Marshal(webhookdomain.Envelope{
		Event:     d.EventName,
		Timestamp: timestamp,
		Data:      data,
	})
	if err != nil {
		entry.Error = "encode body: " + err.Error()
		return finish()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		entry.Error = err.Error()
		return finish()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "smsgate-webhooks/1.0")
	req.Header.Set("X-Webhook-Signature", Sign(sub.Secret, body))
	req.Header.Set("X-Webhook-Event", d.EventName)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(d.Attempt))
	req.Header.Set("X-Webhook-Delivery", uuid.NewSHA1(uuid.NameSpaceOID, []byte(d.ID.String())).String())
	req.Header.Set("X-Webhook-Timestamp", timestamp)
	obstracing.InjectHTTP(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		entry.Error = err.Error()
		return finish()
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	entry.StatusCode = resp.StatusCode
	entry.ResponseBody = strings.TrimSpace(string(raw))
	entry.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	return finish()
}

// nextAttempt returns when to retry d, or false when retries or the deadline are exhausted.
func nextAttempt(d *webhookdomain.Delivery, now time.Time) (time.Time, bool) {
	retries := d.Attempt - 1
	if retries >= webhookdomain.MaxRetries || retries >= len(webhookdomain.RetrySchedule) {
		return time.Time{}, false
	}
	next := now.Add(webhookdomain.RetrySchedule[retries])
	if next.After(d.DeadlineAt) {
		return time.Time{}, false
	}
	return next, true
}

func (s *Service) recordHealth(ctx context.Context, tx *gorm.DB, subID snowflake.ID, success bool, now time.Time, disabled *bool) error {
	sub, err := s.repo.FindSubscriptionForUpdate(ctx, tx, subID)
	if err != nil || sub == nil {
		return err
	}
	if success {
		if sub.ConsecutiveFailures == 0 {
			return nil
		}
		sub.ConsecutiveFailures = 0
	} else {
		sub.ConsecutiveFailures++
		if sub.IsActive && sub.ConsecutiveFailures >= webhookdomain.DisableAfterFailures {
			sub.IsActive = false
			sub.DisabledAt = &now
			*disabled = true
		}
	}
	sub.UpdatedAt = now
	return s.repo.UpdateSubscriptionHealth(ctx, tx, sub)
}

func (s *Service) Subscribe(ctx context.Context, req webhookdomain.SubscribeRequest) (*webhookdomain.Subscription, error) {
	if req.BillingEntityID == 0 {
		return nil, webhookdomain.ErrInvalidSubscription
	}
	target, err := url.ParseRequestURI(strings.TrimSpace(req.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, webhookdomain.ErrInvalidURL
	}
	names, err := normalizeEvents(req.Events)
	if err != nil {
		return nil, err
	}
	rawEvents, err := json.Marshal(names)
	if err != nil {
		return nil, err
	}

	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now().UTC()
	sub := &webhookdomain.Subscription{
		ID:              s.genID.Generate(),
		BillingEntityID: req.BillingEntityID,
		URL:             target.String(),
		Secret:          secret,
		Events:          datatypes.JSON(rawEvents),
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.InsertSubscription(ctx, s.db, sub); err != nil {
		return nil, err
	}
	s.log.Info("webhook.subscription.created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("billing_entity_id", sub.BillingEntityID.String()),
		zap.Strings("events", names),
	)
	return sub, nil
}

func (s *Service) Unsubscribe(ctx context.Context, id snowflake.ID) error {
	if id == 0 {
		return webhookdomain.ErrInvalidSubscription
	}
	rows, err := s.repo.DeleteSubscription(ctx, s.db, id)
	if err != nil {
		return err
	}
	if rows == 0 {
		return webhookdomain.ErrSubscriptionNotFound
	}
	return nil
}

// Reactivate re-enables a subscription disabled by the failure breaker and clears its failure count.
func (s *Service) Reactivate(ctx context.Context, id snowflake.ID) (*webhookdomain.Subscription, error) {
	if id == 0 {
		return nil, webhookdomain.ErrInvalidSubscription
	}
	var sub *webhookdomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = s.repo.FindSubscriptionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return webhookdomain.ErrSubscriptionNotFound
		}
		sub.IsActive = true
		sub.ConsecutiveFailures = 0
		sub.DisabledAt = nil
		sub.UpdatedAt = s.clock.Now().UTC()
		return s.repo.UpdateSubscriptionHealth(ctx, tx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) ListDeliveryLogs(ctx context.Context, req webhookdomain.ListLogsRequest) ([]*webhookdomain.DeliveryLog, *pagination.PageInfo, error) {
	if req.SubscriptionID == 0 {
		return nil, nil, webhookdomain.ErrInvalidSubscription
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return nil, nil, err
	}
	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()

	items, err := s.repo.ListLogs(ctx, s.db, req.SubscriptionID, cursor, limit+1)
	if err != nil {
		return nil, nil, err
	}
	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(l *webhookdomain.DeliveryLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: l.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})
	return items, pageInfo, nil
}

func subscribes(sub webhookdomain.Subscription, event string) bool {
	var names []string
	if err := json.Unmarshal(sub.Events, &names); err != nil {
		return false
	}
	for _, n := range names {
		if n == event || n == wildcardEvent {
			return true
		}
	}
	return false
}

func normalizeEvents(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if name != wildcardEvent && !events.IsKnown(name) {
			return nil, errors.Join(webhookdomain.ErrInvalidEvents, fmt.Errorf("unknown event %q", name))
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, webhookdomain.ErrInvalidEvents
	}
	sort.Strings(out)
	return out, nil
}
