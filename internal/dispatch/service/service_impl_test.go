package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/smallbiznis/smsgate/internal/budget/domain"
	budgetrepo "github.com/smallbiznis/smsgate/internal/budget/repository"
	budgetservice "github.com/smallbiznis/smsgate/internal/budget/service"
	"github.com/smallbiznis/smsgate/internal/clock"
	"github.com/smallbiznis/smsgate/internal/config"
	dispatchdomain "github.com/smallbiznis/smsgate/internal/dispatch/domain"
	"github.com/smallbiznis/smsgate/internal/dispatch/queue"
	"github.com/smallbiznis/smsgate/internal/dispatch/repository"
	"github.com/smallbiznis/smsgate/internal/events"
	ledgerdomain "github.com/smallbiznis/smsgate/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/smsgate/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/smsgate/internal/ledger/service"
	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
	phoneservice "github.com/smallbiznis/smsgate/internal/phone/service"
	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"github.com/smallbiznis/smsgate/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeRouter struct {
	phone    phonedomain.Service
	unitCost int64

	mu       sync.Mutex
	calls    map[string]int
	outcomes map[string]func(call int) providerdomain.SendOutcome
}

func newFakeRouter(cfg config.Config) *fakeRouter {
	return &fakeRouter{
		phone:    phoneservice.NewService(phoneservice.Params{Cfg: cfg}),
		unitCost: 25,
		calls:    map[string]int{},
		outcomes: map[string]func(int) providerdomain.SendOutcome{},
	}
}

func (r *fakeRouter) script(e164 string, fn func(call int) providerdomain.SendOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[e164] = fn
}

func (r *fakeRouter) callsFor(e164 string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[e164]
}

func (r *fakeRouter) Plan(_ context.Context, raw string) (providerdomain.Plan, error) {
	phone := r.phone.Resolve(raw)
	plan := providerdomain.Plan{Phone: phone}
	if !phone.IsValid {
		plan.Reason = providerdomain.ReasonInvalidNumber
		return plan, nil
	}
	plan.Config = &providerdomain.ProviderConfig{Code: "fake-" + string(phone.Carrier), Carrier: phone.Carrier, UnitCost: r.unitCost, Active: true}
	return plan, nil
}

func (r *fakeRouter) Dispatch(_ context.Context, plan providerdomain.Plan, _ string) providerdomain.SendOutcome {
	if !plan.Routable() {
		return providerdomain.SendOutcome{Phone: plan.Phone, Carrier: plan.Phone.Carrier, Reason: plan.Reason}
	}
	r.mu.Lock()
	r.calls[plan.Phone.E164]++
	call := r.calls[plan.Phone.E164]
	fn := r.outcomes[plan.Phone.E164]
	r.mu.Unlock()

	out := providerdomain.SendOutcome{Success: true, ProviderMessageID: "m-" + plan.Phone.E164}
	if fn != nil {
		out = fn(call)
	}
	out.Phone = plan.Phone
	out.Carrier = plan.Phone.Carrier
	out.ProviderCode = plan.Config.Code
	out.UnitCost = plan.Config.UnitCost
	return out
}

func (r *fakeRouter) SendOne(ctx context.Context, raw, body string) providerdomain.SendOutcome {
	plan, _ := r.Plan(ctx, raw)
	return r.Dispatch(ctx, plan, body)
}

func (r *fakeRouter) SendBulk(ctx context.Context, phones []string, body string) providerdomain.BulkOutcome {
	out := providerdomain.BulkOutcome{Total: len(phones)}
	for _, p := range phones {
		res := r.SendOne(ctx, p, body)
		out.Results = append(out.Results, res)
	}
	return out
}

type enqueued struct {
	job   queue.Job
	delay time.Duration
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, enqueued{job: job, delay: delay})
	return nil
}

func (q *recordingQueue) Consume(context.Context) (<-chan queue.Job, error) {
	return make(chan queue.Job), nil
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) all() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.jobs...)
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	router   *fakeRouter
	queue    *recordingQueue
	recorder *events.Recorder
	clock    *clock.FakeClock
	budget   budgetdomain.Service
	ledger   ledgerdomain.Service
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&ledgerdomain.Entry{},
		&budgetdomain.BillingEntity{},
		&budgetdomain.Counter{},
		&budgetdomain.Reservation{},
		&budgetdomain.Alert{},
		&dispatchdomain.SendAttempt{},
		&dispatchdomain.Batch{},
	)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	cfg := config.Config{
		Phone: config.PhoneConfig{DefaultCountry: "GA", HomeCountry: "GA"},
		Dispatch: config.DispatchConfig{
			Workers:             workers,
			MaxRetries:          3,
			NonRetryableReasons: []string{"INVALID_NUMBER", "PROVIDER_REJECTED"},
		},
	}
	fake := clock.NewFakeClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	recorder := &events.Recorder{}
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: fake, Repo: ledgerrepo.Provide()})
	budget := budgetservice.NewService(budgetservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fake, Repo: budgetrepo.Provide(), Ledger: ledger, Publisher: recorder,
	})
	router := newFakeRouter(cfg)
	q := &recordingQueue{}

	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Cfg:       cfg,
		Repo:      repository.Provide(),
		Router:    router,
		Budget:    budget,
		Ledger:    ledger,
		Queue:     q,
		Publisher: recorder,
	})
	return &fixture{svc: svc, db: db, router: router, queue: q, recorder: recorder, clock: fake, budget: budget, ledger: ledger}
}

func (f *fixture) entity(t *testing.T, budget *int64, block bool) snowflake.ID {
	t.Helper()
	entity, err := f.budget.SaveEntity(context.Background(), budgetdomain.BillingEntity{
		Name: "acme", MonthlyBudget: budget, AlertThresholdPercent: 80, BlockOnExceeded: block,
	})
	require.NoError(t, err)
	return entity.ID
}

func (f *fixture) ledgerCount(t *testing.T, attemptID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&ledgerdomain.Entry{}).Where("send_attempt_id = ?", attemptID).Count(&count).Error)
	return count
}

func timeout(int) providerdomain.SendOutcome {
	return providerdomain.SendOutcome{Reason: providerdomain.ReasonProviderTimeout, Retryable: true, ErrorText: "context deadline exceeded"}
}

func TestSendBulkKeepsOrderWhenOneRecipientTimesOut(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	entity := f.entity(t, nil, false)
	f.router.script("+24174000000", timeout)

	res, err := f.svc.Send(ctx, dispatchdomain.MessageRequest{
		BillingEntityID: entity,
		Recipients:      []string{"077123456", "074000000", "076111111"},
		Content:         "hello",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, dispatchdomain.Counts{Total: 3, Sent: 2, Failed: 0, Pending: 1}, res.Counts)

	n1, n2, n3 := res.Results[0], res.Results[1], res.Results[2]
	assert.Equal(t, "+24177123456", n1.E164)
	assert.Equal(t, dispatchdomain.AttemptSent, n1.Status)
	assert.Equal(t, int64(25), n1.Cost)
	assert.Equal(t, "+24174000000", n2.E164)
	assert.Equal(t, dispatchdomain.AttemptPending, n2.Status)
	assert.Equal(t, providerdomain.ReasonProviderTimeout, n2.Reason)
	require.NotNil(t, n2.NextAttemptAt)
	assert.Equal(t, f.clock.Now().Add(10*time.Second), *n2.NextAttemptAt)
	assert.Equal(t, "+24176111111", n3.E164)
	assert.Equal(t, dispatchdomain.AttemptSent, n3.Status)

	jobs := f.queue.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, n2.AttemptID, jobs[0].job.AttemptID)
	assert.Equal(t, 10*time.Second, jobs[0].delay)

	assert.Equal(t, int64(1), f.ledgerCount(t, n1.AttemptID))
	assert.Equal(t, int64(0), f.ledgerCount(t, n2.AttemptID))
	assert.Len(t, f.recorder.Named(events.MessageSent), 2)
	assert.Empty(t, f.recorder.Named(events.CampaignCompleted))

	// not due yet: no provider call
	early, err := f.svc.Process(ctx, n2.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.AttemptPending, early.Status)
	assert.Equal(t, 1, f.router.callsFor("+24174000000"))

	for i, backoff := range []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second} {
		f.clock.Advance(backoff)
		out, err := f.svc.Process(ctx, n2.AttemptID)
		require.NoError(t, err)
		assert.Equal(t, i+2, out.Attempts)
		if i < 2 {
			assert.Equal(t, dispatchdomain.AttemptPending, out.Status)
		} else {
			assert.Equal(t, dispatchdomain.AttemptFailed, out.Status)
			assert.Equal(t, providerdomain.ReasonProviderTimeout, out.Reason)
		}
	}
	assert.Equal(t, 4, f.router.callsFor("+24174000000"))

	entry, err := f.ledger.FindBySendAttempt(ctx, n2.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ledgerdomain.EntryStatusFailed, entry.Status)
	assert.Equal(t, int64(0), entry.TotalCost)

	assert.Len(t, f.recorder.Named(events.MessageFailed), 1)
	completed := f.recorder.Named(events.CampaignCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 2, completed[0].Data["sent"])
	assert.Equal(t, 1, completed[0].Data["failed"])

	again, err := f.svc.Process(ctx, n2.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.AttemptFailed, again.Status)
	assert.Equal(t, int64(1), f.ledgerCount(t, n2.AttemptID))
	assert.Len(t, f.recorder.Named(events.CampaignCompleted), 1)
}

func TestSubAccountEventsReachBothScopes(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	root := f.entity(t, nil, false)
	sub, err := f.budget.SaveEntity(ctx, budgetdomain.BillingEntity{Name: "acme-eu", ParentID: &root, AlertThresholdPercent: 80})
	require.NoError(t, err)
	f.router.script("+24174000000", func(int) providerdomain.SendOutcome {
		return providerdomain.SendOutcome{Reason: providerdomain.ReasonProviderRejected}
	})

	res, err := f.svc.Send(ctx, dispatchdomain.MessageRequest{
		BillingEntityID: sub.ID,
		Recipients:      []string{"077123456", "074000000"},
		Content:         "hi",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	scopes := func(name string) []snowflake.ID {
		var ids []snowflake.ID
		for _, evt := range f.recorder.Named(name) {
			ids = append(ids, evt.BillingEntityID)
		}
		return ids
	}
	assert.ElementsMatch(t, []snowflake.ID{root, sub.ID}, scopes(events.MessageSent))
	assert.ElementsMatch(t, []snowflake.ID{root, sub.ID}, scopes(events.MessageFailed))
	assert.ElementsMatch(t, []snowflake.ID{root, sub.ID}, scopes(events.CampaignCompleted))

	// root-level traffic is published once
	f.recorder.Reset()
	_, err = f.svc.Send(ctx, dispatchdomain.MessageRequest{BillingEntityID: root, Recipients: []string{"077123456"}, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{root}, scopes(events.MessageSent))
	assert.Equal(t, []snowflake.ID{root}, scopes(events.CampaignCompleted))
}

func TestConcurrentProcessCallsProviderOnce(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	entity := f.entity(t, nil, false)
	f.router.script("+24177123456", func(call int) providerdomain.SendOutcome {
		if call == 1 {
			return timeout(call)
		}
		return providerdomain.SendOutcome{Success: true}
	})

	res, err := f.svc.Send(ctx, dispatchdomain.MessageRequest{BillingEntityID: entity, Recipients: []string{"077123456"}, Content: "hi"})
	require.NoError(t, err)
	id := res.Results[0].AttemptID
	f.clock.Advance(10 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Process(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, f.router.callsFor("+24177123456"))
	assert.Equal(t, int64(1), f.ledgerCount(t, id))
}

func TestBudgetBlockedAttemptCostsNothing(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	limit := int64(30)
	entity := f.entity(t, &limit, true)

	res, err := f.svc.Send(ctx, dispatchdomain.MessageRequest{
		BillingEntityID: entity,
		Recipients:      []string{"077123456", "074000000"},
		Content:         "promo",
	})
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.AttemptSent, res.Results[0].Status)
	assert.Equal(t, dispatchdomain.AttemptFailed, res.Results[1].Status)
	assert.Equal(t, dispatchdomain.ReasonBudgetExceeded, res.Results[1].Reason)
	assert.Equal(t, 0, f.router.callsFor("+24174000000"))

	entry, err := f.ledger.FindBySendAttempt(ctx, res.Results[1].AttemptID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(0), entry.TotalCost)
	assert.Equal(t, ledgerdomain.MessageTypeCampaign, entry.MessageType)

	spent, err := f.ledger.Spent(ctx, nil, entity, "2026-01")
	require.NoError(t, err)
	assert.Equal(t, int64(25), spent)
	assert.NotEmpty(t, f.recorder.Named(events.BudgetExceeded))
}

func TestNonRetryableFailuresEndImmediately(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	entity := f.entity(t, nil, false)
	f.router.script("+24177123456", func(int) providerdomain.SendOutcome {
		return providerdomain.SendOutcome{Reason: providerdomain.ReasonProviderRejected, Retryable: true}
	})

	res, err := f.svc.Send(ctx, dispatchdomain.MessageRequest{BillingEntityID: entity, Recipients: []string{"077123456", "12"}, Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.AttemptFailed, res.Results[0].Status)
	assert.Equal(t, providerdomain.ReasonProviderRejected, res.Results[0].Reason)
	assert.Equal(t, dispatchdomain.AttemptFailed, res.Results[1].Status)
	assert.Equal(t, providerdomain.ReasonInvalidNumber, res.Results[1].Reason)
	assert.Empty(t, f.queue.all())
	assert.Len(t, f.recorder.Named(events.CampaignCompleted), 1)
}

func TestCancelBatchStopsPendingAttempts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	limit := int64(1000)
	entity := f.entity(t, &limit, true)
	f.router.script("+24177123456", timeout)

	res, err := f.svc.Send(ctx, dispatchdomain.MessageRequest{BillingEntityID: entity, Recipients: []string{"077123456"}, Content: "x"})
	require.NoError(t, err)
	require.Equal(t, dispatchdomain.AttemptPending, res.Results[0].Status)

	decision, err := f.budget.Check(ctx, entity, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(25), decision.Reserved, "reservation is held across retries")

	require.NoError(t, f.svc.CancelBatch(ctx, res.BatchID))
	require.NoError(t, f.svc.CancelBatch(ctx, res.BatchID))
	assert.ErrorIs(t, f.svc.CancelBatch(ctx, 12345), dispatchdomain.ErrBatchNotFound)

	f.clock.Advance(10 * time.Second)
	out, err := f.svc.Process(ctx, res.Results[0].AttemptID)
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.AttemptFailed, out.Status)
	assert.Equal(t, dispatchdomain.ReasonCancelled, out.Reason)
	assert.Equal(t, 1, f.router.callsFor("+24177123456"))

	decision, err = f.budget.Check(ctx, entity, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), decision.Reserved)
	assert.Equal(t, int64(0), decision.Spent)

	completed := f.recorder.Named(events.CampaignCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, true, completed[0].Data["cancelled"])
}

func TestRecoverStaleRequeuesOverdueAttempts(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	entity := f.entity(t, nil, false)
	f.router.script("+24177123456", timeout)

	_, err := f.svc.Send(ctx, dispatchdomain.MessageRequest{BillingEntityID: entity, Recipients: []string{"077123456"}, Content: "x"})
	require.NoError(t, err)

	n, err := f.svc.RecoverStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(10*time.Second + 2*time.Minute)
	n, err = f.svc.RecoverStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs := f.queue.all()
	assert.Equal(t, time.Duration(0), jobs[len(jobs)-1].delay)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   dispatchdomain.MessageRequest
		field string
	}{
		{"no entity", dispatchdomain.MessageRequest{Recipients: []string{"1"}, Content: "x"}, "billing_entity_id"},
		{"no recipients", dispatchdomain.MessageRequest{BillingEntityID: 1, Content: "x"}, "recipients"},
		{"no content", dispatchdomain.MessageRequest{BillingEntityID: 1, Recipients: []string{"1"}, Content: " "}, "content"},
		{"blank recipient", dispatchdomain.MessageRequest{BillingEntityID: 1, Recipients: []string{"1", ""}, Content: "x"}, "recipients[1]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, tc.req)
			var verr dispatchdomain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	_, err := f.svc.Send(ctx, dispatchdomain.MessageRequest{BillingEntityID: 99, Recipients: []string{"077123456"}, Content: "x"})
	assert.ErrorIs(t, err, budgetdomain.ErrBillingEntityNotFound)

	var count int64
	require.NoError(t, f.db.Model(&dispatchdomain.SendAttempt{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRetryPolicy(t *testing.T) {
	p := NewRetryPolicy(3, []string{"invalid_number"})

	delay, ok := p.Next(1, "PROVIDER_TIMEOUT", true)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, delay)
	delay, ok = p.Next(3, "PROVIDER_TIMEOUT", true)
	assert.True(t, ok)
	assert.Equal(t, 60*time.Second, delay)

	_, ok = p.Next(4, "PROVIDER_TIMEOUT", true)
	assert.False(t, ok)
	_, ok = p.Next(1, "INVALID_NUMBER", true)
	assert.False(t, ok)
	_, ok = p.Next(1, "PROVIDER_ERROR", false)
	assert.False(t, ok)
}
