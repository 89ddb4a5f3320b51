package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/smsgate/internal/clock"
	ledgerdomain "github.com/smallbiznis/smsgate/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/smsgate/internal/observability/metrics"
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
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// Record appends the entry for a terminal send attempt. It reports false when an entry for the
// same attempt already exists, which makes retried terminal writes harmless.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, entry ledgerdomain.Entry) (bool, error) {
	if tx == nil {
		return false, ledgerdomain.ErrTransactionRequired
	}
	if entry.BillingEntityID == 0 {
		return false, ledgerdomain.ErrInvalidBillingEntity
	}
	if entry.SendAttemptID == 0 {
		return false, ledgerdomain.ErrInvalidSendAttempt
	}
	switch entry.Status {
	case ledgerdomain.EntryStatusSent, ledgerdomain.EntryStatusFailed:
	default:
		return false, ledgerdomain.ErrInvalidStatus
	}
	if entry.UnitCost < 0 {
		return false, ledgerdomain.ErrInvalidCost
	}
	if _, err := clock.ParsePeriodKey(entry.PeriodKey); err != nil {
		return false, err
	}

	if entry.Parts <= 0 {
		entry.Parts = 1
	}
	if entry.Status == ledgerdomain.EntryStatusFailed {
		entry.TotalCost = 0
	} else {
		entry.TotalCost = entry.UnitCost * int64(entry.Parts)
	}
	entry.Carrier = strings.TrimSpace(entry.Carrier)
	if entry.Carrier == "" {
		entry.Carrier = "unknown"
	}
	if entry.MessageType == "" {
		entry.MessageType = ledgerdomain.MessageTypeSMS
	}

	now := s.clock.Now().UTC()
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = now
	}
	entry.OccurredAt = entry.OccurredAt.UTC()
	entry.CreatedAt = now
	entry.ID = s.genID.Generate()

	inserted, err := s.repo.Insert(ctx, tx, &entry)
	if err != nil {
		return false, err
	}
	if !inserted {
		s.log.Debug("ledger entry already recorded", zap.String("send_attempt_id", entry.SendAttemptID.String()))
		return false, nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, entry.Carrier, string(entry.Status), entry.TotalCost)
	}
	return true, nil
}

func (s *Service) FindBySendAttempt(ctx context.Context, attemptID snowflake.ID) (*ledgerdomain.Entry, error) {
	return s.repo.FindBySendAttempt(ctx, s.db, attemptID)
}

func (s *Service) Spent(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error) {
	if entityID == 0 {
		return 0, ledgerdomain.ErrInvalidBillingEntity
	}
	if db == nil {
		db = s.db
	}
	return s.repo.SumCost(ctx, db, entityID, periodKey)
}

func (s *Service) SummarizePeriod(ctx context.Context, entityID snowflake.ID, periodKey string) (ledgerdomain.Summary, error) {
	if err := validateKey(entityID, periodKey); err != nil {
		return ledgerdomain.Summary{}, err
	}
	return s.repo.Summarize(ctx, s.db, entityID, periodKey)
}

func (s *Service) BreakdownByCarrier(ctx context.Context, entityID snowflake.ID, periodKey string) ([]ledgerdomain.Bucket, error) {
	return s.breakdown(ctx, s.db, entityID, periodKey, ledgerdomain.DimensionCarrier)
}

func (s *Service) BreakdownByType(ctx context.Context, entityID snowflake.ID, periodKey string) ([]ledgerdomain.Bucket, error) {
	return s.breakdown(ctx, s.db, entityID, periodKey, ledgerdomain.DimensionType)
}

func (s *Service) BreakdownBySubAccount(ctx context.Context, entityID snowflake.ID, periodKey string) ([]ledgerdomain.Bucket, error) {
	return s.breakdown(ctx, s.db, entityID, periodKey, ledgerdomain.DimensionSubAccount)
}

func (s *Service) breakdown(ctx context.Context, db *gorm.DB, entityID snowflake.ID, periodKey string, dim ledgerdomain.Dimension) ([]ledgerdomain.Bucket, error) {
	if err := validateKey(entityID, periodKey); err != nil {
		return nil, err
	}
	buckets, err := s.repo.GroupBy(ctx, db, entityID, periodKey, dim)
	if err != nil {
		return nil, err
	}
	if buckets == nil {
		buckets = []ledgerdomain.Bucket{}
	}
	return buckets, nil
}

func (s *Service) PeriodTotals(ctx context.Context, entityID snowflake.ID, fromKey, toKey string) ([]ledgerdomain.PeriodTotal, error) {
	if entityID == 0 {
		return nil, ledgerdomain.ErrInvalidBillingEntity
	}
	from, err := clock.ParsePeriodKey(fromKey)
	if err != nil {
		return nil, err
	}
	to, err := clock.ParsePeriodKey(toKey)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, ledgerdomain.ErrInvalidPeriodRange
	}
	return s.repo.PeriodTotals(ctx, s.db, entityID, fromKey, toKey)
}

// Aggregate reads the partition inside tx so the totals match what FreezePeriod will lock in.
func (s *Service) Aggregate(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, periodKey string) (ledgerdomain.Aggregate, error) {
	if err := validateKey(entityID, periodKey); err != nil {
		return ledgerdomain.Aggregate{}, err
	}
	if tx == nil {
		tx = s.db
	}

	summary, err := s.repo.Summarize(ctx, tx, entityID, periodKey)
	if err != nil {
		return ledgerdomain.Aggregate{}, err
	}
	open, err := s.repo.CountOpen(ctx, tx, entityID, periodKey)
	if err != nil {
		return ledgerdomain.Aggregate{}, err
	}
	agg := ledgerdomain.Aggregate{Summary: summary, OpenEntries: open}

	if agg.BySubAccount, err = s.breakdown(ctx, tx, entityID, periodKey, ledgerdomain.DimensionSubAccount); err != nil {
		return ledgerdomain.Aggregate{}, err
	}
	if agg.ByCarrier, err = s.breakdown(ctx, tx, entityID, periodKey, ledgerdomain.DimensionCarrier); err != nil {
		return ledgerdomain.Aggregate{}, err
	}
	if agg.ByType, err = s.breakdown(ctx, tx, entityID, periodKey, ledgerdomain.DimensionType); err != nil {
		return ledgerdomain.Aggregate{}, err
	}
	return agg, nil
}

// FreezePeriod flips is_closed on every open entry of the partition. It must run in the closure's transaction.
func (s *Service) FreezePeriod(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, periodKey string) (int64, error) {
	if tx == nil {
		return 0, ledgerdomain.ErrTransactionRequired
	}
	if err := validateKey(entityID, periodKey); err != nil {
		return 0, err
	}
	rows, err := s.repo.Freeze(ctx, tx, entityID, periodKey)
	if err != nil {
		return 0, err
	}
	s.log.Info("ledger.period.frozen",
		zap.String("billing_entity_id", entityID.String()),
		zap.String("period_key", periodKey),
		zap.Int64("rows", rows),
	)
	return rows, nil
}

func validateKey(entityID snowflake.ID, periodKey string) error {
	if entityID == 0 {
		return ledgerdomain.ErrInvalidBillingEntity
	}
	_, err := clock.ParsePeriodKey(periodKey)
	return err
}
