package scheduler

import (
	"context"
	"errors"

	"github.com/smallbiznis/smsgate/internal/clock"
	closuredomain "github.com/smallbiznis/smsgate/internal/closure/domain"
	obsmetrics "github.com/smallbiznis/smsgate/internal/observability/metrics"
	"go.uber.org/zap"
)

// DispatchRecoveryJob re-enqueues pending attempts whose claim expired or whose retry is due.
func (s *Scheduler) DispatchRecoveryJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	n, err := s.pipeline.RecoverStale(ctx, s.cfg.RecoveryBatchSize)
	if err != nil {
		return err
	}
	run.AddProcessed(n)
	obsmetrics.Scheduler().AddBatchProcessed(JobDispatchRecovery, obsmetrics.LockResourceSendAttempts, n)
	if n == 0 {
		obsmetrics.Scheduler().IncBatchDeferred(JobDispatchRecovery, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
	}
	return nil
}

// WebhookDeliveriesJob sweeps due webhook deliveries the polling worker has not reached.
func (s *Scheduler) WebhookDeliveriesJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	n, err := s.webhooks.DeliverDue(ctx, s.cfg.WebhookBatchSize)
	if err != nil {
		return err
	}
	run.AddProcessed(n)
	obsmetrics.Scheduler().AddBatchProcessed(JobWebhookDeliveries, obsmetrics.LockResourceWebhookDeliveries, n)
	return nil
}

// PeriodClosureJob closes the previous month for every account once the month end plus the
// grace period has passed. A run that closed everything is remembered so later ticks skip it.
func (s *Scheduler) PeriodClosureJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now().UTC()
	periodKey := clock.PreviousPeriodKey(now)
	_, end, err := clock.PeriodBounds(periodKey)
	if err != nil {
		return err
	}
	if now.Before(end.Add(s.cfg.ClosureGracePeriod)) {
		return nil
	}

	s.mu.Lock()
	done := s.closedPeriod == periodKey
	s.mu.Unlock()
	if done {
		return nil
	}

	summary, err := s.closures.CloseAll(ctx, periodKey, closuredomain.Options{})
	if errors.Is(err, closuredomain.ErrCloseAllInProgress) {
		obsmetrics.Scheduler().IncBatchDeferred(JobPeriodClosure, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Info("period closure held by another instance", zap.String("period_key", periodKey))
		return nil
	}
	if err != nil {
		return err
	}

	run.AddProcessed(summary.Closed)
	obsmetrics.Scheduler().AddBatchProcessed(JobPeriodClosure, obsmetrics.LockResourcePeriodClosures, summary.Closed)
	for _, res := range summary.Results {
		if res.Outcome == closuredomain.OutcomeFailed {
			s.logSchedulerError(ctx, run, "scheduler.closure.entity_failed", JobPeriodClosure, errors.New(res.Error),
				zap.String("billing_entity_id", res.BillingEntityID.String()),
				zap.String("period_key", periodKey),
			)
		}
	}
	if summary.Failed == 0 {
		s.mu.Lock()
		s.closedPeriod = periodKey
		s.mu.Unlock()
	}
	return nil
}
