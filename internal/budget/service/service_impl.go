package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/smallbiznis/smsgate/internal/budget/domain"
	"github.com/smallbiznis/smsgate/internal/clock"
	"github.com/smallbiznis/smsgate/internal/events"
	ledgerdomain "github.com/smallbiznis/smsgate/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/smsgate/internal/observability/metrics"
	pkgdb "github.com/smallbiznis/smsgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       budgetdomain.Repository
	Ledger     ledgerdomain.Service
	Publisher  events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       budgetdomain.Repository
	ledger     ledgerdomain.Service
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) budgetdomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("budget.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		ledger:     p.Ledger,
		publisher:  publisher,
		obsMetrics: p.ObsMetrics,
	}
}

// Check evaluates estimatedCost without holding anything. Amounts held by in-flight reservations
// count as spent.
func (s *Service) Check(ctx context.Context, entityID snowflake.ID, estimatedCost int64) (budgetdomain.Decision, error) {
	if estimatedCost < 0 {
		return budgetdomain.Decision{}, budgetdomain.ErrInvalidAmount
	}
	scopes, err := s.scopes(ctx, s.db, entityID)
	if err != nil {
		return budgetdomain.Decision{}, err
	}
	periodKey := clock.PeriodKey(s.clock.Now())

	decisions := make([]budgetdomain.Decision, 0, len(scopes))
	for _, scope := range scopes {
		spent, err := s.ledger.Spent(ctx, s.db, scope.ID, periodKey)
		if err != nil {
			return budgetdomain.Decision{}, err
		}
		reserved, err := s.repo.ReadCounter(ctx, s.db, scope.ID, periodKey)
		if err != nil {
			return budgetdomain.Decision{}, err
		}
		decisions = append(decisions, evaluate(scope, periodKey, spent, reserved, estimatedCost))
	}

	pending, err := s.collectEvents(ctx, s.db, decisions, estimatedCost)
	if err != nil {
		return budgetdomain.Decision{}, err
	}
	decision := combine(entityID, decisions)
	s.publish(ctx, pending)
	s.recordDecision(ctx, decision)
	return decision, nil
}

// Reserve holds amount against the entity (and its parent account) for one send attempt. The
// per-entity counter rows are locked for the duration of the decision, so concurrent reservations
// cannot both pass a limit that only one of them fits under. A blocked decision returns a nil
// reservation. Entities without any budget are never reserved against.
func (s *Service) Reserve(ctx context.Context, entityID snowflake.ID, amount int64, attemptID snowflake.ID) (*budgetdomain.Reservation, budgetdomain.Decision, error) {
	if amount < 0 {
		return nil, budgetdomain.Decision{}, budgetdomain.ErrInvalidAmount
	}
	scopes, err := s.scopes(ctx, s.db, entityID)
	if err != nil {
		return nil, budgetdomain.Decision{}, err
	}
	now := s.clock.Now()
	periodKey := clock.PeriodKey(now)

	budgeted := false
	for _, scope := range scopes {
		if scope.HasBudget() {
			budgeted = true
		}
	}
	if !budgeted {
		decision := budgetdomain.Decision{BillingEntityID: entityID, PeriodKey: periodKey, Allowed: true}
		s.recordDecision(ctx, decision)
		return nil, decision, nil
	}

	existing, err := s.repo.FindReservationByAttempt(ctx, s.db, attemptID)
	if err != nil {
		return nil, budgetdomain.Decision{}, err
	}
	if existing != nil {
		return existing, budgetdomain.Decision{BillingEntityID: entityID, PeriodKey: existing.PeriodKey, Allowed: true, HasBudget: true}, nil
	}

	var (
		reservation *budgetdomain.Reservation
		decision    budgetdomain.Decision
		pending     []events.Event
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		decisions := make([]budgetdomain.Decision, 0, len(scopes))
		// scopes are ordered root first, so every caller locks counters in the same order
		for _, scope := range scopes {
			if err := s.repo.EnsureCounter(ctx, tx, scope.ID, periodKey, now); err != nil {
				return err
			}
			counter, err := s.repo.LockCounter(ctx, tx, scope.ID, periodKey)
			if err != nil {
				return err
			}
			var reserved int64
			if counter != nil {
				reserved = counter.Reserved
			}
			spent, err := s.ledger.Spent(ctx, tx, scope.ID, periodKey)
			if err != nil {
				return err
			}
			decisions = append(decisions, evaluate(scope, periodKey, spent, reserved, amount))
		}

		var err error
		pending, err = s.collectEvents(ctx, tx, decisions, amount)
		if err != nil {
			return err
		}
		decision = combine(entityID, decisions)
		if decision.Blocked() {
			return nil
		}

		entity := scopes[len(scopes)-1]
		reservation = &budgetdomain.Reservation{
			ID:              s.genID.Generate(),
			BillingEntityID: entity.ID,
			ParentID:        entity.ParentID,
			SendAttemptID:   attemptID,
			PeriodKey:       periodKey,
			Amount:          amount,
			Status:          budgetdomain.ReservationHeld,
			CreatedAt:       now,
		}
		if err := s.repo.InsertReservation(ctx, tx, reservation); err != nil {
			return err
		}
		for _, scope := range scopes {
			if err := s.repo.AdjustCounter(ctx, tx, scope.ID, periodKey, amount, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			existing, findErr := s.repo.FindReservationByAttempt(ctx, s.db, attemptID)
			if findErr == nil && existing != nil {
				return existing, budgetdomain.Decision{BillingEntityID: entityID, PeriodKey: existing.PeriodKey, Allowed: true, HasBudget: true}, nil
			}
		}
		return nil, budgetdomain.Decision{}, err
	}

	s.publish(ctx, pending)
	s.recordDecision(ctx, decision)
	if decision.Blocked() {
		s.log.Info("budget.reservation.blocked",
			zap.String("billing_entity_id", entityID.String()),
			zap.String("scope_entity_id", decision.BillingEntityID.String()),
			zap.String("send_attempt_id", attemptID.String()),
			zap.Int64("amount", amount),
			zap.Int64("spent", decision.Spent),
			zap.Int64("reserved", decision.Reserved),
			zap.Int64("monthly_budget", decision.MonthlyBudget),
		)
	}
	return reservation, decision, nil
}

// Confirm settles a held reservation inside the transaction that writes the ledger entry, moving
// the amount from reserved to spent atomically. Settling twice is a no-op.
func (s *Service) Confirm(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID) error {
	return s.settle(ctx, tx, reservationID, budgetdomain.ReservationConfirmed)
}

func (s *Service) Release(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID) error {
	return s.settle(ctx, tx, reservationID, budgetdomain.ReservationReleased)
}

func (s *Service) settle(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID, status budgetdomain.ReservationStatus) error {
	if tx == nil {
		return budgetdomain.ErrTransactionRequired
	}
	reservation, err := s.repo.FindReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if reservation == nil {
		return budgetdomain.ErrReservationNotFound
	}

	now := s.clock.Now()
	settled, err := s.repo.SettleReservation(ctx, tx, reservation.ID, status, now)
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}

	scopes := []snowflake.ID{reservation.BillingEntityID}
	if reservation.ParentID != nil && *reservation.ParentID != 0 {
		scopes = append([]snowflake.ID{*reservation.ParentID}, scopes...)
	}
	for _, id := range scopes {
		if err := s.repo.AdjustCounter(ctx, tx, id, reservation.PeriodKey, -reservation.Amount, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Entity(ctx context.Context, id snowflake.ID) (*budgetdomain.BillingEntity, error) {
	if id == 0 {
		return nil, budgetdomain.ErrInvalidBillingEntity
	}
	entity, err := s.repo.FindEntity(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, budgetdomain.ErrBillingEntityNotFound
	}
	return entity, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]budgetdomain.BillingEntity, error) {
	items, err := s.repo.ListAccounts(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []budgetdomain.BillingEntity{}
	}
	return items, nil
}

func (s *Service) SaveEntity(ctx context.Context, entity budgetdomain.BillingEntity) (*budgetdomain.BillingEntity, error) {
	entity.Name = strings.TrimSpace(entity.Name)
	if entity.Name == "" {
		return nil, budgetdomain.ErrInvalidBillingEntity
	}
	if entity.MonthlyBudget != nil && *entity.MonthlyBudget < 0 {
		return nil, budgetdomain.ErrInvalidBudget
	}
	if entity.AlertThresholdPercent == 0 {
		entity.AlertThresholdPercent = budgetdomain.DefaultAlertThresholdPercent
	}
	if entity.AlertThresholdPercent < 0 || entity.AlertThresholdPercent > 100 {
		return nil, budgetdomain.ErrInvalidThreshold
	}
	if entity.ParentID != nil {
		if *entity.ParentID == 0 || *entity.ParentID == entity.ID {
			return nil, budgetdomain.ErrInvalidParent
		}
		parent, err := s.repo.FindEntity(ctx, s.db, *entity.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil || parent.ParentID != nil {
			return nil, budgetdomain.ErrInvalidParent
		}
	}

	now := s.clock.Now()
	if entity.ID == 0 {
		entity.ID = s.genID.Generate()
	}
	existing, err := s.repo.FindEntity(ctx, s.db, entity.ID)
	if err != nil {
		return nil, err
	}
	entity.CreatedAt = now
	if existing != nil {
		entity.CreatedAt = existing.CreatedAt
		entity.ParentID = existing.ParentID
	}
	entity.UpdatedAt = now

	if err := s.repo.UpsertEntity(ctx, s.db, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// scopes returns the entities whose policy applies to entityID: the parent account first, then the entity.
func (s *Service) scopes(ctx context.Context, db *gorm.DB, entityID snowflake.ID) ([]budgetdomain.BillingEntity, error) {
	if entityID == 0 {
		return nil, budgetdomain.ErrInvalidBillingEntity
	}
	entity, err := s.repo.FindEntity(ctx, db, entityID)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, budgetdomain.ErrBillingEntityNotFound
	}
	if entity.ParentID == nil {
		return []budgetdomain.BillingEntity{*entity}, nil
	}
	parent, err := s.repo.FindEntity(ctx, db, *entity.ParentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("load parent of %s: %w", entityID, budgetdomain.ErrBillingEntityNotFound)
	}
	return []budgetdomain.BillingEntity{*parent, *entity}, nil
}

// collectEvents builds the notifications for decisions. Threshold alerts are deduplicated per
// entity and period through budget_alerts; exceeded notifications fire every time.
func (s *Service) collectEvents(ctx context.Context, db *gorm.DB, decisions []budgetdomain.Decision, amount int64) ([]events.Event, error) {
	now := s.clock.Now()
	var out []events.Event
	for _, d := range decisions {
		if !d.HasBudget {
			continue
		}
		data := map[string]any{
			"period_key":     d.PeriodKey,
			"monthly_budget": d.MonthlyBudget,
			"spent":          d.Spent,
			"reserved":       d.Reserved,
			"remaining":      d.Remaining,
			"percent_used":   d.PercentUsed,
		}
		if d.Warning != "" {
			inserted, err := s.repo.InsertAlert(ctx, db, &budgetdomain.Alert{
				ID:              s.genID.Generate(),
				BillingEntityID: d.BillingEntityID,
				PeriodKey:       d.PeriodKey,
				Kind:            budgetdomain.AlertKindThreshold,
				PercentUsed:     d.PercentUsed,
				CreatedAt:       now,
			})
			if err != nil {
				return nil, err
			}
			if inserted {
				out = append(out, events.New(ctx, events.BudgetThresholdReached, d.BillingEntityID, now, copyData(data, map[string]any{
					"warning": d.Warning,
				})))
			}
		}
		if d.Exceeded {
			out = append(out, events.New(ctx, events.BudgetExceeded, d.BillingEntityID, now, copyData(data, map[string]any{
				"estimated_cost": amount,
				"blocked":        !d.Allowed,
			})))
		}
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, pending []events.Event) {
	for _, evt := range pending {
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.log.Warn("budget.event.publish_failed",
				zap.String("event", evt.Name),
				zap.String("billing_entity_id", evt.BillingEntityID.String()),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) recordDecision(ctx context.Context, d budgetdomain.Decision) {
	outcome := "allowed"
	switch {
	case d.Blocked():
		outcome = "blocked"
	case d.Warning != "":
		outcome = "warning"
	}
	s.obsMetrics.RecordBudgetDecision(ctx, outcome)
}

func evaluate(entity budgetdomain.BillingEntity, periodKey string, spent, reserved, amount int64) budgetdomain.Decision {
	d := budgetdomain.Decision{
		BillingEntityID: entity.ID,
		PeriodKey:       periodKey,
		Allowed:         true,
		Spent:           spent,
		Reserved:        reserved,
	}
	if !entity.HasBudget() {
		return d
	}

	budget := *entity.MonthlyBudget
	used := spent + reserved
	d.HasBudget = true
	d.MonthlyBudget = budget
	d.PercentUsed = math.Round(float64(used)/float64(budget)*10000) / 100
	d.Remaining = budget - used
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	if used+amount > budget {
		d.Exceeded = true
		if entity.BlockOnExceeded {
			d.Allowed = false
			d.BlockedReason = budgetdomain.BlockedReasonBudgetExceeded
		}
	}

	threshold := entity.AlertThresholdPercent
	if threshold <= 0 {
		threshold = budgetdomain.DefaultAlertThresholdPercent
	}
	if d.PercentUsed >= float64(threshold) {
		d.Warning = fmt.Sprintf("%.2f%% of monthly budget used (alert threshold %d%%)", d.PercentUsed, threshold)
	}
	return d
}

// combine folds per-scope decisions into the one reported for the requested entity. A block at
// any scope wins; otherwise the entity's own budget is reported, falling back to the parent's.
func combine(entityID snowflake.ID, decisions []budgetdomain.Decision) budgetdomain.Decision {
	if len(decisions) == 0 {
		return budgetdomain.Decision{BillingEntityID: entityID, Allowed: true}
	}
	for i := len(decisions) - 1; i >= 0; i-- {
		if decisions[i].Blocked() {
			return decisions[i]
		}
	}

	out := decisions[len(decisions)-1]
	for i := len(decisions) - 2; i >= 0 && !out.HasBudget; i-- {
		out = decisions[i]
	}
	for _, d := range decisions {
		if out.Warning == "" && d.Warning != "" {
			out.Warning = d.Warning
		}
		if d.Exceeded {
			out.Exceeded = true
		}
	}
	return out
}

func copyData(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
