package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/smsgate/internal/clock"
	"github.com/smallbiznis/smsgate/internal/config"
	"github.com/smallbiznis/smsgate/internal/events"
	webhookdomain "github.com/smallbiznis/smsgate/internal/webhook/domain"
	"github.com/smallbiznis/smsgate/internal/webhook/repository"
	"github.com/smallbiznis/smsgate/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const entity = snowflake.ID(4242)

type fixture struct {
	svc   *Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&webhookdomain.Subscription{},
		&webhookdomain.Delivery{},
		&webhookdomain.DeliveryLog{},
	)
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cfg := config.Config{Webhook: config.WebhookConfig{Timeout: 2 * time.Second, Workers: 2}}
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Cfg:   cfg,
		Repo:  repository.Provide(),
	})
	return &fixture{svc: svc, db: db, clock: fake}
}

func (f *fixture) subscribe(t *testing.T, url string, names ...string) *webhookdomain.Subscription {
	t.Helper()
	sub, err := f.svc.Subscribe(context.Background(), webhookdomain.SubscribeRequest{
		BillingEntityID: entity,
		URL:             url,
		Secret:          "s3cret",
		Events:          names,
	})
	require.NoError(t, err)
	return sub
}

// drain runs the delivery sweep until every retry window has been visited.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i <= webhookdomain.MaxRetries; i++ {
		_, err := f.svc.DeliverDue(context.Background(), 10)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
	}
}

func (f *fixture) subscription(t *testing.T, id snowflake.ID) webhookdomain.Subscription {
	t.Helper()
	var sub webhookdomain.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", id).Error)
	return sub
}

func TestDeliverSignsRequest(t *testing.T) {
	f := newFixture(t)

	var (
		mu      sync.Mutex
		headers http.Header
		body    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, events.BudgetExceeded)
	n, err := f.svc.Trigger(context.Background(), events.BudgetExceeded, entity, map[string]any{"spent": 1200})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	attempted, err := f.svc.DeliverDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.BudgetExceeded, headers.Get("X-Webhook-Event"))
	assert.Equal(t, "1", headers.Get("X-Webhook-Attempt"))
	assert.NotEmpty(t, headers.Get("X-Webhook-Delivery"))
	assert.Equal(t, Sign("s3cret", body), headers.Get("X-Webhook-Signature"))
	require.NoError(t, Verify("s3cret", body, headers.Get("X-Webhook-Signature"), f.clock.Now(), time.Minute))
	assert.ErrorIs(t, Verify("other", body, headers.Get("X-Webhook-Signature"), f.clock.Now(), 0), webhookdomain.ErrInvalidSignature)

	var env webhookdomain.Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, events.BudgetExceeded, env.Event)
	assert.Equal(t, "2026-03-01T10:00:00Z", env.Timestamp)
	assert.Equal(t, env.Timestamp, headers.Get("X-Webhook-Timestamp"))
	assert.EqualValues(t, 1200, env.Data["spent"])

	var delivery webhookdomain.Delivery
	require.NoError(t, f.db.First(&delivery).Error)
	assert.Equal(t, webhookdomain.DeliverySucceeded, delivery.Status)
	assert.Zero(t, f.subscription(t, sub.ID).ConsecutiveFailures)
}

func TestEnvelopeTimestampIsRFC3339(t *testing.T) {
	f := newFixture(t)

	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies <- raw
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f.subscribe(t, srv.URL, events.MessageSent)
	_, err := f.svc.Trigger(context.Background(), events.MessageSent, entity, map[string]any{"x": 1})
	require.NoError(t, err)
	_, err = f.svc.DeliverDue(context.Background(), 10)
	require.NoError(t, err)

	body := <-bodies
	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	ts, ok := raw["timestamp"].(string)
	require.True(t, ok, "timestamp is %T", raw["timestamp"])
	parsed, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(f.clock.Now()))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	body, err := json.Marshal(webhookdomain.Envelope{
		Event:     events.MessageSent,
		Timestamp: now.Add(-10 * time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, err)
	sig := Sign("s3cret", body)

	assert.NoError(t, Verify("s3cret", body, sig, now, 15*time.Minute))
	assert.ErrorIs(t, Verify("s3cret", body, sig, now, 5*time.Minute), webhookdomain.ErrInvalidSignature)

	unix, err := json.Marshal(map[string]any{"event": events.MessageSent, "timestamp": now.Unix()})
	require.NoError(t, err)
	assert.ErrorIs(t, Verify("s3cret", unix, Sign("s3cret", unix), now, time.Minute), webhookdomain.ErrInvalidSignature)
}

func TestTriggerFiltersByEvent(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "https://hooks.example.com/a", events.MessageSent)
	f.subscribe(t, "https://hooks.example.com/b", "*")

	n, err := f.svc.Trigger(context.Background(), events.MessageSent, entity, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.Trigger(context.Background(), events.PeriodClosed, entity, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.Trigger(context.Background(), events.PeriodClosed, entity+1, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.svc.Trigger(context.Background(), "nope", entity, nil)
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvent)
}

func TestFailingEndpointRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, events.MessageFailed)
	_, err := f.svc.Trigger(context.Background(), events.MessageFailed, entity, map[string]any{"attempt_id": "1"})
	require.NoError(t, err)

	f.drain(t)

	assert.Equal(t, int64(1+webhookdomain.MaxRetries), hits.Load())

	var delivery webhookdomain.Delivery
	require.NoError(t, f.db.First(&delivery).Error)
	assert.Equal(t, webhookdomain.DeliveryFailed, delivery.Status)
	assert.Equal(t, 1+webhookdomain.MaxRetries, delivery.Attempt)
	assert.Contains(t, delivery.LastError, "500")

	var logs int64
	require.NoError(t, f.db.Model(&webhookdomain.DeliveryLog{}).Count(&logs).Error)
	assert.Equal(t, int64(1+webhookdomain.MaxRetries), logs)

	stored := f.subscription(t, sub.ID)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
	assert.True(t, stored.IsActive)
}

func TestSubscriptionDisabledAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, events.BudgetThresholdReached)
	for i := 0; i < webhookdomain.DisableAfterFailures; i++ {
		n, err := f.svc.Trigger(context.Background(), events.BudgetThresholdReached, entity, nil)
		require.NoError(t, err)
		require.Equal(t, 1, n, "event %d", i)
		f.drain(t)
	}

	stored := f.subscription(t, sub.ID)
	assert.False(t, stored.IsActive)
	assert.Equal(t, webhookdomain.DisableAfterFailures, stored.ConsecutiveFailures)
	assert.NotNil(t, stored.DisabledAt)

	n, err := f.svc.Trigger(context.Background(), events.BudgetThresholdReached, entity, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	reactivated, err := f.svc.Reactivate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive)
	assert.Zero(t, reactivated.ConsecutiveFailures)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	f := newFixture(t)
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, events.CampaignCompleted)
	_, err := f.svc.Trigger(context.Background(), events.CampaignCompleted, entity, nil)
	require.NoError(t, err)
	f.drain(t)
	assert.Equal(t, 1, f.subscription(t, sub.ID).ConsecutiveFailures)

	fail.Store(false)
	_, err = f.svc.Trigger(context.Background(), events.CampaignCompleted, entity, nil)
	require.NoError(t, err)
	f.drain(t)
	assert.Zero(t, f.subscription(t, sub.ID).ConsecutiveFailures)
}

func TestInactiveSubscriptionSkipsQueuedDelivery(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, "https://hooks.example.com/x", events.MessageSent)
	_, err := f.svc.Trigger(context.Background(), events.MessageSent, entity, nil)
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&webhookdomain.Subscription{}).Where("id = ?", sub.ID).Update("is_active", false).Error)

	var delivery webhookdomain.Delivery
	require.NoError(t, f.db.First(&delivery).Error)
	got, err := f.svc.Deliver(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliverySkipped, got.Status)

	_, err = f.svc.Deliver(context.Background(), 1)
	assert.ErrorIs(t, err, webhookdomain.ErrDeliveryNotFound)
}

func TestPublishForwardsEvent(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "https://hooks.example.com/p", events.PeriodClosed)

	evt := events.New(context.Background(), events.PeriodClosed, entity, f.clock.Now(), map[string]any{"period_key": "2026-02"})
	require.NoError(t, f.svc.Publish(context.Background(), evt))

	var delivery webhookdomain.Delivery
	require.NoError(t, f.db.First(&delivery).Error)
	var data map[string]any
	require.NoError(t, json.Unmarshal(delivery.Payload, &data))
	assert.Equal(t, "2026-02", data["period_key"])
	assert.Equal(t, "2026-03-01T10:00:00Z", data["occurred_at"])
}

func TestSubscribeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Subscribe(ctx, webhookdomain.SubscribeRequest{BillingEntityID: entity, URL: "ftp://x", Events: []string{events.MessageSent}})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidURL)

	_, err = f.svc.Subscribe(ctx, webhookdomain.SubscribeRequest{BillingEntityID: entity, URL: "https://x.test/h"})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvents)

	_, err = f.svc.Subscribe(ctx, webhookdomain.SubscribeRequest{BillingEntityID: entity, URL: "https://x.test/h", Events: []string{"made.up"}})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvents)

	sub, err := f.svc.Subscribe(ctx, webhookdomain.SubscribeRequest{BillingEntityID: entity, URL: "https://x.test/h", Events: []string{events.MessageSent, events.MessageSent}})
	require.NoError(t, err)
	assert.Contains(t, sub.Secret, "whsec_")
	assert.JSONEq(t, `["message.sent"]`, string(sub.Events))

	require.NoError(t, f.svc.Unsubscribe(ctx, sub.ID))
	assert.ErrorIs(t, f.svc.Unsubscribe(ctx, sub.ID), webhookdomain.ErrSubscriptionNotFound)
}

func TestListDeliveryLogsPaginates(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, events.MessageSent)
	for i := 0; i < 3; i++ {
		_, err := f.svc.Trigger(context.Background(), events.MessageSent, entity, nil)
		require.NoError(t, err)
	}
	_, err := f.svc.DeliverDue(context.Background(), 10)
	require.NoError(t, err)

	page, info, err := f.svc.ListDeliveryLogs(context.Background(), webhookdomain.ListLogsRequest{SubscriptionID: sub.ID, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.True(t, info.HasMore)

	rest, info, err := f.svc.ListDeliveryLogs(context.Background(), webhookdomain.ListLogsRequest{
		SubscriptionID: sub.ID,
		PageSize:       2,
		PageToken:      info.NextPageToken,
	})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.False(t, info.HasMore)
	assert.Less(t, int64(rest[0].ID), int64(page[1].ID))
}
