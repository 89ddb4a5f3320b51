package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/smallbiznis/smsgate/internal/budget/domain"
	"github.com/smallbiznis/smsgate/internal/budget/repository"
	"github.com/smallbiznis/smsgate/internal/clock"
	"github.com/smallbiznis/smsgate/internal/events"
	ledgerdomain "github.com/smallbiznis/smsgate/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/smsgate/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/smsgate/internal/ledger/service"
	"github.com/smallbiznis/smsgate/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc      *Service
	db       *gorm.DB
	ledger   ledgerdomain.Service
	recorder *events.Recorder
	clock    *clock.FakeClock
	attempt  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&ledgerdomain.Entry{},
		&budgetdomain.BillingEntity{},
		&budgetdomain.Counter{},
		&budgetdomain.Reservation{},
		&budgetdomain.Alert{},
	)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: fake, Repo: ledgerrepo.Provide()})
	recorder := &events.Recorder{}
	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Repo:      repository.Provide(),
		Ledger:    ledger,
		Publisher: recorder,
	})
	return &fixture{svc: svc.(*Service), db: db, ledger: ledger, recorder: recorder, clock: fake, attempt: 1000}
}

func (f *fixture) entity(t *testing.T, budget *int64, threshold int, block bool, parent *snowflake.ID) snowflake.ID {
	t.Helper()
	entity, err := f.svc.SaveEntity(context.Background(), budgetdomain.BillingEntity{
		Name:                  "acme",
		ParentID:              parent,
		MonthlyBudget:         budget,
		AlertThresholdPercent: threshold,
		BlockOnExceeded:       block,
	})
	require.NoError(t, err)
	return entity.ID
}

func (f *fixture) spend(t *testing.T, root snowflake.ID, sub *snowflake.ID, cost int64) {
	t.Helper()
	f.attempt++
	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.ledger.Record(context.Background(), tx, ledgerdomain.Entry{
			BillingEntityID: root,
			SubAccountID:    sub,
			SendAttemptID:   snowflake.ID(f.attempt),
			Carrier:         "airtel",
			UnitCost:        cost,
			Parts:           1,
			Status:          ledgerdomain.EntryStatusSent,
			PeriodKey:       "2026-01",
		})
		return err
	})
	require.NoError(t, err)
}

func budgetOf(v int64) *int64 { return &v }

func TestCheckWarnsAtThreshold(t *testing.T) {
	f := newFixture(t)
	id := f.entity(t, budgetOf(100000), 80, false, nil)
	f.spend(t, id, nil, 80000)

	decision, err := f.svc.Check(context.Background(), id, 100)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.HasBudget)
	assert.Equal(t, int64(80000), decision.Spent)
	assert.Equal(t, int64(20000), decision.Remaining)
	assert.InDelta(t, 80.0, decision.PercentUsed, 0.001)
	assert.NotEmpty(t, decision.Warning)
	assert.Len(t, f.recorder.Named(events.BudgetThresholdReached), 1)

	_, err = f.svc.Check(context.Background(), id, 100)
	require.NoError(t, err)
	assert.Len(t, f.recorder.Named(events.BudgetThresholdReached), 1, "threshold alert fires once per period")
}

func TestCheckBlocksWhenExceeded(t *testing.T) {
	f := newFixture(t)
	id := f.entity(t, budgetOf(100000), 80, true, nil)
	f.spend(t, id, nil, 99500)

	decision, err := f.svc.Check(context.Background(), id, 1000)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, budgetdomain.BlockedReasonBudgetExceeded, decision.BlockedReason)
	assert.Len(t, f.recorder.Named(events.BudgetExceeded), 1)
}

func TestCheckExceededWithoutBlockingStillNotifies(t *testing.T) {
	f := newFixture(t)
	id := f.entity(t, budgetOf(1000), 80, false, nil)
	f.spend(t, id, nil, 990)

	decision, err := f.svc.Check(context.Background(), id, 50)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Exceeded)
	assert.Empty(t, decision.BlockedReason)
	assert.Len(t, f.recorder.Named(events.BudgetExceeded), 1)
}

func TestCheckWithoutBudgetNeverBlocks(t *testing.T) {
	f := newFixture(t)
	id := f.entity(t, nil, 80, true, nil)
	f.spend(t, id, nil, 5_000_000)

	decision, err := f.svc.Check(context.Background(), id, 1_000_000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.HasBudget)
	assert.Empty(t, f.recorder.Events())

	reservation, decision, err := f.svc.Reserve(context.Background(), id, 1_000_000, 1)
	require.NoError(t, err)
	assert.Nil(t, reservation)
	assert.True(t, decision.Allowed)
}

func TestCheckUnknownEntity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Check(context.Background(), 42, 1)
	assert.ErrorIs(t, err, budgetdomain.ErrBillingEntityNotFound)

	_, err = f.svc.Check(context.Background(), 0, 1)
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidBillingEntity)
}

func TestReserveCountsHeldAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.entity(t, budgetOf(100), 90, true, nil)

	first, decision, err := f.svc.Reserve(ctx, id, 60, 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, decision.Allowed)

	second, decision, err := f.svc.Reserve(ctx, id, 60, 2)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(60), decision.Reserved)

	again, _, err := f.svc.Reserve(ctx, id, 60, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.Release(ctx, tx, first.ID)
	}))
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.Release(ctx, tx, first.ID)
	}))

	third, decision, err := f.svc.Reserve(ctx, id, 60, 3)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(0), decision.Reserved)
}

func TestConfirmMovesReservedIntoSpent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.entity(t, budgetOf(100), 90, true, nil)

	reservation, _, err := f.svc.Reserve(ctx, id, 40, 7)
	require.NoError(t, err)
	require.NotNil(t, reservation)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.ledger.Record(ctx, tx, ledgerdomain.Entry{
			BillingEntityID: id,
			SendAttemptID:   7,
			Carrier:         "airtel",
			UnitCost:        40,
			Parts:           1,
			Status:          ledgerdomain.EntryStatusSent,
			PeriodKey:       "2026-01",
		}); err != nil {
			return err
		}
		return f.svc.Confirm(ctx, tx, reservation.ID)
	}))

	decision, err := f.svc.Check(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(40), decision.Spent)
	assert.Equal(t, int64(0), decision.Reserved)

	err = f.svc.Confirm(ctx, nil, reservation.ID)
	assert.ErrorIs(t, err, budgetdomain.ErrTransactionRequired)
	err = f.db.Transaction(func(tx *gorm.DB) error { return f.svc.Confirm(ctx, tx, 999) })
	assert.ErrorIs(t, err, budgetdomain.ErrReservationNotFound)
}

func TestReserveConcurrentNeverOvershoots(t *testing.T) {
	f := newFixture(t)
	id := f.entity(t, budgetOf(100), 100, true, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			reservation, _, err := f.svc.Reserve(context.Background(), id, 25, snowflake.ID(attempt+1))
			assert.NoError(t, err)
			if reservation != nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, granted)
}

func TestSubAccountCheckedAgainstParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.entity(t, budgetOf(1000), 80, true, nil)
	sub := f.entity(t, budgetOf(500), 80, true, &root)
	sibling := f.entity(t, nil, 80, false, &root)

	f.spend(t, root, &sibling, 900)

	decision, err := f.svc.Check(ctx, sub, 200)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, root, decision.BillingEntityID)

	decision, err = f.svc.Check(ctx, sub, 50)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, sub, decision.BillingEntityID)
	assert.Equal(t, int64(0), decision.Spent)
	assert.NotEmpty(t, decision.Warning, "parent warning is surfaced")
}

func TestSaveEntityValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SaveEntity(ctx, budgetdomain.BillingEntity{Name: " "})
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidBillingEntity)

	_, err = f.svc.SaveEntity(ctx, budgetdomain.BillingEntity{Name: "x", MonthlyBudget: budgetOf(-1)})
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidBudget)

	_, err = f.svc.SaveEntity(ctx, budgetdomain.BillingEntity{Name: "x", AlertThresholdPercent: 150})
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidThreshold)

	missing := snowflake.ID(77)
	_, err = f.svc.SaveEntity(ctx, budgetdomain.BillingEntity{Name: "x", ParentID: &missing})
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidParent)

	root := f.entity(t, nil, 0, false, nil)
	sub := f.entity(t, nil, 0, false, &root)
	_, err = f.svc.SaveEntity(ctx, budgetdomain.BillingEntity{Name: "nested", ParentID: &sub})
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidParent)

	accounts, err := f.svc.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, root, accounts[0].ID)
	assert.Equal(t, budgetdomain.DefaultAlertThresholdPercent, accounts[0].AlertThresholdPercent)
}
