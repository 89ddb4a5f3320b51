package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/smallbiznis/smsgate/internal/budget/domain"
	"github.com/smallbiznis/smsgate/internal/clock"
	closuredomain "github.com/smallbiznis/smsgate/internal/closure/domain"
	"github.com/smallbiznis/smsgate/internal/events"
	ledgerdomain "github.com/smallbiznis/smsgate/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/smsgate/internal/observability/metrics"
	"github.com/smallbiznis/smsgate/internal/ratelimit"
	pkgdb "github.com/smallbiznis/smsgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const closeAllLockTTL = 30 * time.Minute

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Repo            closuredomain.Repository
	Ledger          ledgerdomain.Service
	Budget          budgetdomain.Service
	Locker          *ratelimit.Locker          `optional:"true"`
	Publisher       events.Publisher           `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
	DispatchMetrics *obsmetrics.DispatchMetrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            closuredomain.Repository
	ledger          ledgerdomain.Service
	budget          budgetdomain.Service
	locker          *ratelimit.Locker
	publisher       events.Publisher
	obsMetrics      *obsmetrics.Metrics
	dispatchMetrics *obsmetrics.DispatchMetrics
}

func NewService(p Params) closuredomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("closure.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		ledger:          p.Ledger,
		budget:          p.Budget,
		locker:          p.Locker,
		publisher:       publisher,
		obsMetrics:      p.ObsMetrics,
		dispatchMetrics: p.DispatchMetrics,
	}
}

func (s *Service) Get(ctx context.Context, entityID snowflake.ID, periodKey string) (*closuredomain.PeriodClosure, error) {
	if entityID == 0 {
		return nil, budgetdomain.ErrInvalidBillingEntity
	}
	if _, err := clock.ParsePeriodKey(periodKey); err != nil {
		return nil, err
	}
	item, err := s.repo.Find(ctx, s.db, entityID, periodKey)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, closuredomain.ErrClosureNotFound
	}
	return item, nil
}

// ClosePeriod snapshots the ledger partition of entityID for periodKey. Closing a period that is
// already closed returns the stored snapshot unchanged unless opts.Adjust is set.
func (s *Service) ClosePeriod(ctx context.Context, entityID snowflake.ID, periodKey string, opts closuredomain.Options) (*closuredomain.PeriodClosure, error) {
	if entityID == 0 {
		return nil, budgetdomain.ErrInvalidBillingEntity
	}
	_, end, err := clock.PeriodBounds(periodKey)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if !opts.AllowOpenPeriod && now.Before(end) {
		return nil, closuredomain.ErrPeriodNotEnded
	}

	if opts.DryRun {
		agg, err := s.ledger.Aggregate(ctx, nil, entityID, periodKey)
		if err != nil {
			return nil, err
		}
		preview := &closuredomain.PeriodClosure{
			BillingEntityID: entityID,
			PeriodKey:       periodKey,
			Status:          closuredomain.StatusPending,
			Notes:           opts.Notes,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := applyAggregate(preview, agg); err != nil {
			return nil, err
		}
		return preview, nil
	}

	var (
		result  *closuredomain.PeriodClosure
		changed bool
	)
	// Aggregate and FreezePeriod must see one snapshot so the frozen rows are exactly the summed rows.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindForUpdate(ctx, tx, entityID, periodKey)
		if err != nil {
			return err
		}
		if existing != nil && existing.Final() && !opts.Adjust {
			result = existing
			return nil
		}

		agg, err := s.ledger.Aggregate(ctx, tx, entityID, periodKey)
		if err != nil {
			return err
		}
		frozen, err := s.ledger.FreezePeriod(ctx, tx, entityID, periodKey)
		if err != nil {
			return err
		}

		if existing == nil {
			closure := &closuredomain.PeriodClosure{
				ID:              s.genID.Generate(),
				BillingEntityID: entityID,
				PeriodKey:       periodKey,
				Status:          closuredomain.StatusClosed,
				Notes:           opts.Notes,
				ClosedAt:        &now,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := applyAggregate(closure, agg); err != nil {
				return err
			}
			closure.FrozenEntries = frozen
			if err := s.repo.Insert(ctx, tx, closure); err != nil {
				return err
			}
			result, changed = closure, true
			return nil
		}

		if existing.Final() {
			previous, err := json.Marshal(previousTotals(existing))
			if err != nil {
				return err
			}
			existing.PreviousTotals = datatypes.JSON(previous)
			existing.Notes = appendNote(existing.Notes, fmt.Sprintf("adjusted %s: total_sms %d -> %d, total_cost %d -> %d",
				now.Format(time.RFC3339), existing.TotalSms, agg.TotalSms, existing.TotalCost, agg.TotalCost))
			existing.Notes = appendNote(existing.Notes, opts.Notes)
			existing.Status = closuredomain.StatusAdjusted
			existing.AdjustedAt = &now
			existing.FrozenEntries += frozen
		} else {
			existing.Status = closuredomain.StatusClosed
			existing.Notes = appendNote(existing.Notes, opts.Notes)
			existing.ClosedAt = &now
			existing.FrozenEntries = frozen
		}
		if err := applyAggregate(existing, agg); err != nil {
			return err
		}
		existing.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, existing); err != nil {
			return err
		}
		result, changed = existing, true
		return nil
	}, pkgdb.SnapshotTx(s.db))
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			// A concurrent close won the insert.
			return s.Get(ctx, entityID, periodKey)
		}
		s.recordClosure(ctx, "error")
		return nil, err
	}
	if !changed {
		s.recordClosure(ctx, "noop")
		return result, nil
	}

	name := events.PeriodClosed
	if result.Status == closuredomain.StatusAdjusted {
		name = events.PeriodAdjusted
	}
	s.recordClosure(ctx, string(result.Status))
	s.log.Info("closure.period.closed",
		zap.String("billing_entity_id", entityID.String()),
		zap.String("period_key", periodKey),
		zap.String("status", string(result.Status)),
		zap.Int64("total_sms", result.TotalSms),
		zap.Int64("total_cost", result.TotalCost),
		zap.Int64("frozen_entries", result.FrozenEntries),
	)
	evt := events.New(ctx, name, entityID, now, map[string]any{
		"closure_id":  result.ID.String(),
		"period_key":  periodKey,
		"status":      string(result.Status),
		"total_sms":   result.TotalSms,
		"total_cost":  result.TotalCost,
		"total_parts": result.TotalParts,
	})
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.log.Warn("closure.event.publish_failed", zap.String("event", name), zap.Error(err))
	}
	return result, nil
}

// CloseAll closes periodKey for every top-level account. A failure on one account is reported in
// the summary and does not stop the others.
func (s *Service) CloseAll(ctx context.Context, periodKey string, opts closuredomain.Options) (closuredomain.Summary, error) {
	summary := closuredomain.Summary{PeriodKey: periodKey, Results: []closuredomain.EntityResult{}}
	if _, err := clock.ParsePeriodKey(periodKey); err != nil {
		return summary, err
	}

	if s.locker != nil && !opts.DryRun {
		lease, err := s.locker.Acquire(ctx, ratelimit.LockKey("closure", periodKey), closeAllLockTTL)
		if errors.Is(err, ratelimit.ErrLockHeld) {
			return summary, closuredomain.ErrCloseAllInProgress
		}
		if err != nil {
			return summary, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("closure.lock.release_failed", zap.String("period_key", periodKey), zap.Error(err))
			}
		}()
	}

	accounts, err := s.budget.ListAccounts(ctx)
	if err != nil {
		return summary, err
	}

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Total++
		res := closuredomain.EntityResult{BillingEntityID: account.ID}

		var before *closuredomain.PeriodClosure
		if !opts.DryRun && !opts.Adjust {
			before, err = s.repo.Find(ctx, s.db, account.ID, periodKey)
			if err != nil {
				res.Outcome, res.Error = closuredomain.OutcomeFailed, err.Error()
				summary.Failed++
				summary.Results = append(summary.Results, res)
				continue
			}
		}

		closure, err := s.ClosePeriod(ctx, account.ID, periodKey, opts)
		switch {
		case err != nil:
			res.Outcome, res.Error = closuredomain.OutcomeFailed, err.Error()
			summary.Failed++
			s.log.Warn("closure.entity.failed",
				zap.String("billing_entity_id", account.ID.String()),
				zap.String("period_key", periodKey),
				zap.Error(err),
			)
		case opts.DryRun:
			res.Outcome, res.Closure = closuredomain.OutcomeDryRun, closure
			summary.TotalCost += closure.TotalCost
		case before != nil && before.Final():
			res.Outcome, res.Closure = closuredomain.OutcomeAlreadyClosed, closure
			summary.AlreadyClosed++
			summary.TotalCost += closure.TotalCost
		default:
			res.Outcome, res.Closure = closuredomain.OutcomeClosed, closure
			if closure.Status == closuredomain.StatusAdjusted {
				res.Outcome = closuredomain.OutcomeAdjusted
			}
			summary.Closed++
			summary.TotalCost += closure.TotalCost
		}
		summary.Results = append(summary.Results, res)
	}

	s.log.Info("closure.run.finished",
		zap.String("period_key", periodKey),
		zap.Int("total", summary.Total),
		zap.Int("closed", summary.Closed),
		zap.Int("already_closed", summary.AlreadyClosed),
		zap.Int("failed", summary.Failed),
		zap.Bool("dry_run", opts.DryRun),
	)
	return summary, nil
}

func (s *Service) recordClosure(ctx context.Context, status string) {
	s.obsMetrics.RecordPeriodClosure(ctx, status)
	s.dispatchMetrics.IncClosure(status)
}

func applyAggregate(c *closuredomain.PeriodClosure, agg ledgerdomain.Aggregate) error {
	c.TotalSms = agg.TotalSms
	c.SentSms = agg.SentSms
	c.FailedSms = agg.FailedSms
	c.TotalParts = agg.TotalParts
	c.TotalCost = agg.TotalCost

	var err error
	if c.BreakdownBySubAccount, err = marshalBuckets(agg.BySubAccount); err != nil {
		return err
	}
	if c.BreakdownByCarrier, err = marshalBuckets(agg.ByCarrier); err != nil {
		return err
	}
	if c.BreakdownByType, err = marshalBuckets(agg.ByType); err != nil {
		return err
	}
	return nil
}

func marshalBuckets(buckets []ledgerdomain.Bucket) (datatypes.JSON, error) {
	if buckets == nil {
		buckets = []ledgerdomain.Bucket{}
	}
	raw, err := json.Marshal(buckets)
	if err != nil {
		return nil, errors.Join(errors.New("encode breakdown"), err)
	}
	return datatypes.JSON(raw), nil
}

func previousTotals(c *closuredomain.PeriodClosure) map[string]any {
	return map[string]any{
		"status":      string(c.Status),
		"total_sms":   c.TotalSms,
		"sent_sms":    c.SentSms,
		"failed_sms":  c.FailedSms,
		"total_parts": c.TotalParts,
		"total_cost":  c.TotalCost,
	}
}

func appendNote(notes, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return notes
	}
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
