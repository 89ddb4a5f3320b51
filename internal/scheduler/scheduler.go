package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/smsgate/internal/clock"
	closuredomain "github.com/smallbiznis/smsgate/internal/closure/domain"
	dispatchdomain "github.com/smallbiznis/smsgate/internal/dispatch/domain"
	obsmetrics "github.com/smallbiznis/smsgate/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/smsgate/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobDispatchRecovery  = "dispatch_recovery"
	JobWebhookDeliveries = "webhook_deliveries"
	JobPeriodClosure     = "period_closure"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config `optional:"true"`
	Pipeline dispatchdomain.Pipeline
	Webhooks webhookdomain.Service
	Closures closuredomain.Service
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	pipeline dispatchdomain.Pipeline
	webhooks webhookdomain.Service
	closures closuredomain.Service

	mu           sync.Mutex
	closedPeriod string
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Pipeline == nil || p.Webhooks == nil || p.Closures == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		pipeline: p.Pipeline,
		webhooks: p.Webhooks,
		closures: p.Closures,
	}, nil
}

// runJob runs fn under timeout. A deadline is treated as a soft timeout: it is counted and
// logged but not returned.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name  string
		Batch int
		Run   func(context.Context) error
	}{
		{JobDispatchRecovery, s.cfg.RecoveryBatchSize, s.DispatchRecoveryJob},
		{JobWebhookDeliveries, s.cfg.WebhookBatchSize, s.WebhookDeliveriesJob},
		{JobPeriodClosure, 0, s.PeriodClosureJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Batch, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
