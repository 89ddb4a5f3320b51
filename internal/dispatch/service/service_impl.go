package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/smallbiznis/smsgate/internal/budget/domain"
	"github.com/smallbiznis/smsgate/internal/clock"
	"github.com/smallbiznis/smsgate/internal/config"
	dispatchdomain "github.com/smallbiznis/smsgate/internal/dispatch/domain"
	"github.com/smallbiznis/smsgate/internal/dispatch/queue"
	"github.com/smallbiznis/smsgate/internal/events"
	ledgerdomain "github.com/smallbiznis/smsgate/internal/ledger/domain"
	obscontext "github.com/smallbiznis/smsgate/internal/observability/context"
	"github.com/smallbiznis/smsgate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/smsgate/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"github.com/smallbiznis/smsgate/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultClaimTTL      = 2 * time.Minute
	defaultRecoveryGrace = time.Minute
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Cfg             config.Config
	Repo            dispatchdomain.Repository
	Router          providerdomain.Router
	Budget          budgetdomain.Service
	Ledger          ledgerdomain.Service
	Queue           queue.Queue
	Publisher       events.Publisher         `optional:"true"`
	DispatchMetrics *obsmetrics.DispatchMetrics `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics         `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            dispatchdomain.Repository
	router          providerdomain.Router
	budget          budgetdomain.Service
	ledger          ledgerdomain.Service
	queue           queue.Queue
	publisher       events.Publisher
	dispatchMetrics *obsmetrics.DispatchMetrics
	obsMetrics      *obsmetrics.Metrics

	policy        RetryPolicy
	concurrency   int
	claimTTL      time.Duration
	recoveryGrace time.Duration
}

func NewService(p Params) *Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	concurrency := p.Cfg.Dispatch.Workers
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("dispatch.pipeline"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		router:          p.Router,
		budget:          p.Budget,
		ledger:          p.Ledger,
		queue:           p.Queue,
		publisher:       publisher,
		dispatchMetrics: p.DispatchMetrics,
		obsMetrics:      p.ObsMetrics,
		policy:          NewRetryPolicy(p.Cfg.Dispatch.MaxRetries, p.Cfg.Dispatch.NonRetryableReasons),
		concurrency:     concurrency,
		claimTTL:        defaultClaimTTL,
		recoveryGrace:   defaultRecoveryGrace,
	}
}

// Send validates the request, stores one pending attempt per recipient and runs every first try.
// Attempts that need a retry come back pending and continue on the queue.
func (s *Service) Send(ctx context.Context, req dispatchdomain.MessageRequest) (dispatchdomain.Result, error) {
	if err := validateRequest(req); err != nil {
		return dispatchdomain.Result{}, err
	}
	entity, err := s.budget.Entity(ctx, req.BillingEntityID)
	if err != nil {
		return dispatchdomain.Result{}, err
	}

	ctx, correlationID := correlation.EnsureCorrelationID(ctx)
	now := s.clock.Now()
	messageType := req.MessageType
	if messageType == "" {
		messageType = ledgerdomain.MessageTypeSMS
		if len(req.Recipients) > 1 {
			messageType = ledgerdomain.MessageTypeCampaign
		}
	}

	batch := dispatchdomain.Batch{
		ID:              s.genID.Generate(),
		CorrelationID:   correlationID,
		BillingEntityID: entity.ID,
		MessageType:     messageType,
		Total:           len(req.Recipients),
		CreatedAt:       now,
	}
	parts := ledgerdomain.Parts(req.Content)
	attempts := make([]dispatchdomain.SendAttempt, 0, len(req.Recipients))
	for i, recipient := range req.Recipients {
		due := now
		attempts = append(attempts, dispatchdomain.SendAttempt{
			ID:              s.genID.Generate(),
			BatchID:         batch.ID,
			Position:        i,
			BillingEntityID: entity.ID,
			AccountID:       entity.RootID(),
			SubAccountID:    entity.SubAccountID(),
			RecipientRaw:    strings.TrimSpace(recipient),
			Content:         req.Content,
			MessageType:     messageType,
			Parts:           parts,
			Status:          dispatchdomain.AttemptPending,
			NextAttemptAt:   &due,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertBatch(ctx, tx, &batch); err != nil {
			return err
		}
		return s.repo.InsertAttempts(ctx, tx, attempts)
	})
	if err != nil {
		return dispatchdomain.Result{}, fmt.Errorf("store batch: %w", err)
	}

	ctx = obscontext.WithBatchID(ctx, batch.ID.String())
	ctx = obscontext.WithBillingEntityID(ctx, entity.ID.String())
	logger.FromContext(ctx).Info("dispatch.batch.accepted",
		zap.Int("recipients", batch.Total),
		zap.String("message_type", messageType),
	)

	results := make([]dispatchdomain.AttemptResult, len(attempts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range attempts {
		i := i
		g.Go(func() error {
			res, err := s.Process(gctx, attempts[i].ID)
			if err != nil {
				return fmt.Errorf("process attempt %s: %w", attempts[i].ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dispatchdomain.Result{}, err
	}

	out := dispatchdomain.Result{BatchID: batch.ID, CorrelationID: correlationID, Results: results}
	for _, r := range results {
		out.Counts.Add(r.Status)
	}
	return out, nil
}

// Process runs one try of an attempt: claim, route, reserve budget, call the provider, then either
// write the terminal outcome or schedule the next try. Calling it for an attempt that is not due,
// claimed elsewhere, or already terminal returns the stored state without side effects.
func (s *Service) Process(ctx context.Context, attemptID snowflake.ID) (dispatchdomain.AttemptResult, error) {
	attempt, err := s.claim(ctx, attemptID)
	if err != nil {
		return dispatchdomain.AttemptResult{}, err
	}
	if attempt == nil {
		current, err := s.repo.FindAttempt(ctx, s.db, attemptID)
		if err != nil {
			return dispatchdomain.AttemptResult{}, err
		}
		if current == nil {
			return dispatchdomain.AttemptResult{}, dispatchdomain.ErrAttemptNotFound
		}
		return resultOf(*current), nil
	}

	batch, err := s.repo.FindBatch(ctx, s.db, attempt.BatchID)
	if err != nil {
		return dispatchdomain.AttemptResult{}, err
	}
	if batch != nil && batch.CancelledAt != nil {
		return s.finalize(ctx, attempt, providerdomain.SendOutcome{Reason: dispatchdomain.ReasonCancelled}, nil)
	}

	plan, err := s.router.Plan(ctx, attempt.RecipientRaw)
	if err != nil {
		return dispatchdomain.AttemptResult{}, fmt.Errorf("plan route: %w", err)
	}
	attempt.RecipientE164 = plan.Phone.E164
	attempt.CountryCode = plan.Phone.CountryCode
	attempt.Carrier = string(plan.Phone.Carrier)

	if !plan.Routable() {
		return s.handleOutcome(ctx, attempt, s.router.Dispatch(ctx, plan, attempt.Content), nil)
	}

	estimate := plan.Config.UnitCost * int64(attempt.Parts)
	reservation, decision, err := s.budget.Reserve(ctx, attempt.BillingEntityID, estimate, attempt.ID)
	if err != nil {
		return dispatchdomain.AttemptResult{}, fmt.Errorf("reserve budget: %w", err)
	}
	if decision.Blocked() {
		s.dispatchMetrics.IncBudgetBlocked()
		return s.finalize(ctx, attempt, providerdomain.SendOutcome{
			Phone:        plan.Phone,
			Carrier:      plan.Phone.Carrier,
			ProviderCode: plan.Config.Code,
			UnitCost:     plan.Config.UnitCost,
			Reason:       dispatchdomain.ReasonBudgetExceeded,
		}, nil)
	}
	if reservation != nil {
		id := reservation.ID
		attempt.ReservationID = &id
	}

	outcome := s.router.Dispatch(ctx, plan, attempt.Content)
	return s.handleOutcome(ctx, attempt, outcome, reservation)
}

func (s *Service) claim(ctx context.Context, attemptID snowflake.ID) (*dispatchdomain.SendAttempt, error) {
	var claimed *dispatchdomain.SendAttempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		attempt, err := s.repo.ClaimAttempt(ctx, tx, attemptID, now)
		if err != nil || attempt == nil {
			return err
		}
		attempt.Attempts++
		if err := s.repo.MarkClaimed(ctx, tx, attempt.ID, attempt.Attempts, now.Add(s.claimTTL), now); err != nil {
			return err
		}
		claimed = attempt
		return nil
	})
	return claimed, err
}

func (s *Service) handleOutcome(ctx context.Context, attempt *dispatchdomain.SendAttempt, outcome providerdomain.SendOutcome, reservation *budgetdomain.Reservation) (dispatchdomain.AttemptResult, error) {
	if outcome.Success {
		return s.finalize(ctx, attempt, outcome, reservation)
	}

	delay, retry := s.policy.Next(attempt.Attempts, outcome.Reason, outcome.Retryable)
	if !retry {
		return s.finalize(ctx, attempt, outcome, reservation)
	}

	now := s.clock.Now()
	next := now.Add(delay)
	attempt.ErrorReason = outcome.Reason
	attempt.ProviderCode = outcome.ProviderCode
	attempt.RawProviderResponse = rawResponse(outcome)
	attempt.NextAttemptAt = &next
	attempt.UpdatedAt = now
	scheduled, err := s.repo.ScheduleRetry(ctx, s.db, attempt)
	if err != nil {
		return dispatchdomain.AttemptResult{}, fmt.Errorf("schedule retry: %w", err)
	}
	if !scheduled {
		current, err := s.repo.FindAttempt(ctx, s.db, attempt.ID)
		if err != nil || current == nil {
			return dispatchdomain.AttemptResult{}, err
		}
		return resultOf(*current), nil
	}

	if err := s.queue.Enqueue(ctx, queue.Job{AttemptID: attempt.ID, Attempt: attempt.Attempts + 1}.WithTrace(ctx), delay); err != nil {
		s.log.Warn("dispatch retry not enqueued, left for recovery",
			zap.String("attempt_id", attempt.ID.String()),
			zap.Error(err),
		)
	}

	s.dispatchMetrics.IncRetryScheduled(outcome.Reason)
	s.obsMetrics.RecordSMSAttempt(ctx, outcome.ProviderCode, attempt.Carrier, "retry", outcome.Reason)
	logger.FromContext(ctx).Info("dispatch.attempt.retry_scheduled",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("reason", outcome.Reason),
		zap.Int("attempts", attempt.Attempts),
		zap.Duration("delay", delay),
	)
	return resultOf(*attempt), nil
}

// finalize writes the terminal state, the ledger entry and the reservation settlement in one
// transaction, then emits events once it commits.
func (s *Service) finalize(ctx context.Context, attempt *dispatchdomain.SendAttempt, outcome providerdomain.SendOutcome, reservation *budgetdomain.Reservation) (dispatchdomain.AttemptResult, error) {
	now := s.clock.Now()

	attempt.Status = dispatchdomain.AttemptFailed
	attempt.ErrorReason = outcome.Reason
	attempt.CostUnits = 0
	if outcome.Success {
		attempt.Status = dispatchdomain.AttemptSent
		attempt.ErrorReason = ""
		attempt.CostUnits = outcome.UnitCost * int64(attempt.Parts)
		sentAt := now
		attempt.SentAt = &sentAt
	}
	if outcome.ProviderCode != "" {
		attempt.ProviderCode = outcome.ProviderCode
	}
	attempt.ProviderMessageID = outcome.ProviderMessageID
	attempt.RawProviderResponse = rawResponse(outcome)
	attempt.NextAttemptAt = nil
	attempt.UpdatedAt = now

	entryStatus := ledgerdomain.EntryStatusFailed
	if outcome.Success {
		entryStatus = ledgerdomain.EntryStatusSent
	}

	var finalized bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		finalized, err = s.repo.Finalize(ctx, tx, attempt)
		if err != nil || !finalized {
			return err
		}
		if _, err := s.ledger.Record(ctx, tx, ledgerdomain.Entry{
			BillingEntityID: attempt.AccountID,
			SubAccountID:    attempt.SubAccountID,
			SendAttemptID:   attempt.ID,
			CountryCode:     attempt.CountryCode,
			Carrier:         attempt.Carrier,
			Gateway:         attempt.ProviderCode,
			MessageType:     attempt.MessageType,
			UnitCost:        outcome.UnitCost,
			Parts:           attempt.Parts,
			Status:          entryStatus,
			Reason:          attempt.ErrorReason,
			PeriodKey:       clock.PeriodKey(now),
			OccurredAt:      now,
		}); err != nil {
			return fmt.Errorf("record ledger entry: %w", err)
		}

		if attempt.ReservationID != nil {
			settle := s.budget.Release
			if outcome.Success {
				settle = s.budget.Confirm
			}
			if err := settle(ctx, tx, *attempt.ReservationID); err != nil {
				return fmt.Errorf("settle reservation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return dispatchdomain.AttemptResult{}, err
	}
	if !finalized {
		current, err := s.repo.FindAttempt(ctx, s.db, attempt.ID)
		if err != nil || current == nil {
			return dispatchdomain.AttemptResult{}, err
		}
		return resultOf(*current), nil
	}

	s.dispatchMetrics.IncTerminal(string(attempt.Status), attempt.ErrorReason)
	s.obsMetrics.RecordSMSAttempt(ctx, attempt.ProviderCode, attempt.Carrier, string(attempt.Status), attempt.ErrorReason)

	log := logger.FromContext(ctx).With(
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("batch_id", attempt.BatchID.String()),
		zap.Int("attempts", attempt.Attempts),
	)
	name := events.MessageSent
	if outcome.Success {
		log.Info("dispatch.attempt.sent", zap.String("provider", attempt.ProviderCode), zap.Int64("cost", attempt.CostUnits))
	} else {
		name = events.MessageFailed
		log.Info("dispatch.attempt.failed", zap.String("reason", attempt.ErrorReason))
	}
	s.emitScoped(ctx, name, attempt.AccountID, attempt.SubAccountID, now, attemptData(*attempt))
	s.completeBatch(ctx, attempt.BatchID)

	return resultOf(*attempt), nil
}

func (s *Service) completeBatch(ctx context.Context, batchID snowflake.ID) {
	now := s.clock.Now()
	completed, err := s.repo.CompleteBatch(ctx, s.db, batchID, now)
	if err != nil {
		s.log.Warn("batch completion check failed", zap.String("batch_id", batchID.String()), zap.Error(err))
		return
	}
	if !completed {
		return
	}
	batch, err := s.repo.FindBatch(ctx, s.db, batchID)
	if err != nil || batch == nil {
		return
	}
	counts, err := s.repo.CountBatch(ctx, s.db, batchID)
	if err != nil {
		s.log.Warn("batch count failed", zap.String("batch_id", batchID.String()), zap.Error(err))
		return
	}
	root, sub := batch.BillingEntityID, (*snowflake.ID)(nil)
	if entity, err := s.budget.Entity(ctx, batch.BillingEntityID); err == nil && entity != nil {
		root, sub = entity.RootID(), entity.SubAccountID()
	}
	s.emitScoped(ctx, events.CampaignCompleted, root, sub, now, map[string]any{
		"batch_id":       batch.ID.String(),
		"correlation_id": batch.CorrelationID,
		"message_type":   batch.MessageType,
		"total":          counts.Total,
		"sent":           counts.Sent,
		"failed":         counts.Failed,
		"cancelled":      batch.CancelledAt != nil,
	})
}

// CancelBatch stops attempts of the batch that have not been sent yet; each ends as CANCELLED the
// next time it is processed.
func (s *Service) CancelBatch(ctx context.Context, batchID snowflake.ID) error {
	cancelled, err := s.repo.CancelBatch(ctx, s.db, batchID, s.clock.Now())
	if err != nil {
		return err
	}
	if cancelled {
		s.log.Info("dispatch.batch.cancelled", zap.String("batch_id", batchID.String()))
		return nil
	}
	batch, err := s.repo.FindBatch(ctx, s.db, batchID)
	if err != nil {
		return err
	}
	if batch == nil {
		return dispatchdomain.ErrBatchNotFound
	}
	return nil
}

// RecoverStale re-enqueues pending attempts whose next try is overdue and that nobody holds, e.g.
// after a restart lost the in-memory timers.
func (s *Service) RecoverStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ids, err = s.repo.ListDue(ctx, tx, s.clock.Now().Add(-s.recoveryGrace), limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, queue.Job{AttemptID: id}.WithTrace(ctx), 0); err != nil {
			return enqueued, fmt.Errorf("enqueue %s: %w", id, err)
		}
		enqueued++
	}
	if enqueued > 0 {
		s.log.Info("dispatch.recovery.enqueued", zap.Int("count", enqueued))
	}
	return enqueued, nil
}

// emitScoped publishes to the root account, and again to the sub-account when the traffic belongs
// to one, so webhooks registered on either see it.
func (s *Service) emitScoped(ctx context.Context, name string, root snowflake.ID, sub *snowflake.ID, at time.Time, data map[string]any) {
	s.emit(ctx, events.New(ctx, name, root, at, data))
	if sub != nil && *sub != 0 && *sub != root {
		s.emit(ctx, events.New(ctx, name, *sub, at, data))
	}
}

func (s *Service) emit(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.log.Warn("dispatch event not published", zap.String("event", evt.Name), zap.Error(err))
	}
}

func validateRequest(req dispatchdomain.MessageRequest) error {
	if req.BillingEntityID == 0 {
		return dispatchdomain.ValidationError{Field: "billing_entity_id", Code: "required"}
	}
	if len(req.Recipients) == 0 {
		return dispatchdomain.ValidationError{Field: "recipients", Code: "empty"}
	}
	if strings.TrimSpace(req.Content) == "" {
		return dispatchdomain.ValidationError{Field: "content", Code: "empty"}
	}
	for i, r := range req.Recipients {
		if strings.TrimSpace(r) == "" {
			return dispatchdomain.ValidationError{Field: fmt.Sprintf("recipients[%d]", i), Code: "empty"}
		}
	}
	return nil
}

func resultOf(a dispatchdomain.SendAttempt) dispatchdomain.AttemptResult {
	res := dispatchdomain.AttemptResult{
		AttemptID:         a.ID,
		Position:          a.Position,
		Recipient:         a.RecipientRaw,
		E164:              a.RecipientE164,
		Carrier:           a.Carrier,
		ProviderCode:      a.ProviderCode,
		Status:            a.Status,
		Reason:            a.ErrorReason,
		Attempts:          a.Attempts,
		ProviderMessageID: a.ProviderMessageID,
		Cost:              a.CostUnits,
	}
	if a.Status == dispatchdomain.AttemptPending && a.NextAttemptAt != nil {
		next := *a.NextAttemptAt
		res.NextAttemptAt = &next
	}
	return res
}

func attemptData(a dispatchdomain.SendAttempt) map[string]any {
	data := map[string]any{
		"attempt_id":   a.ID.String(),
		"batch_id":     a.BatchID.String(),
		"recipient":    a.RecipientE164,
		"carrier":      a.Carrier,
		"provider":     a.ProviderCode,
		"status":       string(a.Status),
		"message_type": a.MessageType,
		"parts":        a.Parts,
		"cost":         a.CostUnits,
		"attempts":     a.Attempts,
	}
	if a.ErrorReason != "" {
		data["reason"] = a.ErrorReason
	}
	if a.SubAccountID != nil {
		data["sub_account_id"] = a.SubAccountID.String()
	}
	if a.ProviderMessageID != "" {
		data["provider_message_id"] = a.ProviderMessageID
	}
	return data
}

func rawResponse(outcome providerdomain.SendOutcome) datatypes.JSON {
	payload := map[string]any{
		"success": outcome.Success,
	}
	if outcome.StatusCode != 0 {
		payload["status_code"] = outcome.StatusCode
	}
	if outcome.Raw != "" {
		payload["body"] = outcome.Raw
	}
	if outcome.ErrorText != "" {
		payload["error"] = outcome.ErrorText
	}
	if outcome.Reason != "" {
		payload["reason"] = outcome.Reason
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
