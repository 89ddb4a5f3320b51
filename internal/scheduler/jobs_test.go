package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/smsgate/internal/clock"
	closuredomain "github.com/smallbiznis/smsgate/internal/closure/domain"
	dispatchdomain "github.com/smallbiznis/smsgate/internal/dispatch/domain"
	obsmetrics "github.com/smallbiznis/smsgate/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/smsgate/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePipeline struct {
	dispatchdomain.Pipeline
	recovered int
	limits    []int
}

func (f *fakePipeline) RecoverStale(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return f.recovered, nil
}

type fakeWebhooks struct {
	webhookdomain.Service
	calls int
}

func (f *fakeWebhooks) DeliverDue(context.Context, int) (int, error) {
	f.calls++
	return 0, nil
}

type fakeClosures struct {
	closuredomain.Service
	mu      sync.Mutex
	periods []string
	err     error
	failed  int
}

func (f *fakeClosures) CloseAll(_ context.Context, periodKey string, _ closuredomain.Options) (closuredomain.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periods = append(f.periods, periodKey)
	if f.err != nil {
		return closuredomain.Summary{}, f.err
	}
	summary := closuredomain.Summary{PeriodKey: periodKey, Total: 2, Closed: 2 - f.failed, Failed: f.failed}
	for i := 0; i < f.failed; i++ {
		summary.Results = append(summary.Results, closuredomain.EntityResult{
			BillingEntityID: snowflake.ID(i + 1),
			Outcome:         closuredomain.OutcomeFailed,
			Error:           "boom",
		})
	}
	return summary, nil
}

func newTestScheduler(t *testing.T, now time.Time) (*Scheduler, *fakePipeline, *fakeWebhooks, *fakeClosures, *clock.FakeClock) {
	t.Helper()
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	fake := clock.NewFakeClock(now)
	pipeline := &fakePipeline{recovered: 3}
	webhooks := &fakeWebhooks{}
	closures := &fakeClosures{}
	s, err := New(Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Config:   Config{ClosureGracePeriod: time.Hour},
		Pipeline: pipeline,
		Webhooks: webhooks,
		Closures: closures,
	})
	require.NoError(t, err)
	return s, pipeline, webhooks, closures, fake
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	s, pipeline, webhooks, closures, _ := newTestScheduler(t, time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC))

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []int{DefaultConfig().RecoveryBatchSize}, pipeline.limits)
	assert.Equal(t, 1, webhooks.calls)
	assert.Equal(t, []string{"2026-01"}, closures.periods)
}

func TestPeriodClosureWaitsForGracePeriod(t *testing.T) {
	s, _, _, closures, fake := newTestScheduler(t, time.Date(2026, 2, 1, 0, 30, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, s.PeriodClosureJob(ctx))
	assert.Empty(t, closures.periods)

	fake.Advance(time.Hour)
	require.NoError(t, s.PeriodClosureJob(ctx))
	require.NoError(t, s.PeriodClosureJob(ctx))
	assert.Equal(t, []string{"2026-01"}, closures.periods, "a fully closed period is not revisited")
}

func TestPeriodClosureRetriesAfterFailures(t *testing.T) {
	s, _, _, closures, _ := newTestScheduler(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	closures.failed = 1

	require.NoError(t, s.PeriodClosureJob(ctx))
	closures.failed = 0
	require.NoError(t, s.PeriodClosureJob(ctx))
	require.NoError(t, s.PeriodClosureJob(ctx))
	assert.Equal(t, []string{"2026-02", "2026-02"}, closures.periods)
}

func TestPeriodClosureLockHeldIsNotAnError(t *testing.T) {
	s, _, _, closures, _ := newTestScheduler(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	closures.err = closuredomain.ErrCloseAllInProgress
	require.NoError(t, s.PeriodClosureJob(context.Background()))

	closures.err = errors.New("db down")
	err := s.runJob(context.Background(), JobPeriodClosure, 0, time.Second, s.PeriodClosureJob)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "period_closure")
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
