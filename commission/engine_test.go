package commission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/generic/store"
	"github.com/warp/commission-engine/pkg/logging"
)

// =============================================================================
// FIXTURES
// =============================================================================

const operator = generic.OperatorID("op-anna")

var testDay = generic.NewDay(2025, time.January, 15)

func at(hour, minute int) time.Time {
	return time.Date(2025, time.January, 15, hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	mem      *store.Memory
	engine   *Engine
	approver *Approver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	return newFixtureWith(t, mem, mem)
}

func newFixtureWith(t *testing.T, txStore generic.TxStore, mem *store.Memory) *fixture {
	t.Helper()
	e := NewEngine(txStore)
	e.Clock = generic.FixedClock{At: at(18, 0)}
	e.Log = logging.Discard()
	e.RetryBackoff = time.Millisecond

	require.NoError(t, mem.SaveOperator(context.Background(), generic.Operator{
		ID:       operator,
		UserID:   "user-anna",
		Name:     "Anna",
		Location: time.UTC,
	}))

	return &fixture{mem: mem, engine: e, approver: NewApprover(e, mem, mem)}
}

func (f *fixture) goal(t *testing.T, day generic.Day, target generic.Money, rate int64) {
	t.Helper()
	require.NoError(t, f.mem.SaveGoal(context.Background(), generic.Goal{
		OperatorID:     operator,
		Day:            day,
		TargetAmount:   target,
		CommissionRate: decimal.NewFromInt(rate),
	}))
}

func (f *fixture) payment(t *testing.T, id string, amount generic.Money, ts time.Time) generic.PaymentID {
	t.Helper()
	require.NoError(t, f.mem.CreatePayment(context.Background(), generic.Payment{
		ID:         generic.PaymentID(id),
		OperatorID: operator,
		Amount:     amount,
		Timestamp:  ts,
		Commission: generic.ZeroCommission(),
		CreatedAt:  ts,
	}))
	return generic.PaymentID(id)
}

func (f *fixture) get(t *testing.T, id generic.PaymentID) *generic.Payment {
	t.Helper()
	p, err := f.mem.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) apply(t *testing.T, id generic.PaymentID, action generic.ActionType) *Result {
	t.Helper()
	res, err := f.approver.Apply(context.Background(), id, action, "admin-1")
	require.NoError(t, err)
	return res
}

// =============================================================================
// POOL - pure computation
// =============================================================================

func TestPool_AllOrNothingRate(t *testing.T) {
	goal := generic.Goal{OperatorID: operator, Day: testDay, TargetAmount: 125000, CommissionRate: decimal.NewFromInt(20)}
	payments := []generic.Payment{
		{ID: "a", Amount: 50000},
		{ID: "b", Amount: 50000},
		{ID: "c", Amount: 30000},
	}

	summary, snaps := Pool(goal, payments, at(12, 0))

	assert.Equal(t, generic.Money(130000), summary.TotalDailyVolume)
	assert.True(t, summary.ThresholdMet)
	assert.Equal(t, "20", summary.CommissionRate.String())
	assert.Equal(t, generic.Money(26000), summary.TotalCommission)
	assert.Equal(t, []generic.PaymentID{"a", "b", "c"}, summary.AffectedPaymentIDs)

	require.Len(t, snaps, 3)
	assert.Equal(t, generic.Money(10000), snaps[0].Earned)
	assert.Equal(t, generic.Money(10000), snaps[1].Earned)
	assert.Equal(t, generic.Money(6000), snaps[2].Earned)
	for _, s := range snaps {
		assert.Equal(t, generic.Money(130000), s.DailyVolumeAtTime)
		assert.True(t, s.ThresholdMet)
		assert.True(t, s.Rate.Equal(summary.CommissionRate))
	}
}

func TestPool_BelowTargetPaysNothing(t *testing.T) {
	goal := generic.Goal{TargetAmount: 125000, CommissionRate: decimal.NewFromInt(20)}
	payments := []generic.Payment{{ID: "a", Amount: 50000}, {ID: "b", Amount: 50000}}

	summary, snaps := Pool(goal, payments, at(12, 0))

	assert.False(t, summary.ThresholdMet)
	assert.True(t, summary.CommissionRate.IsZero())
	assert.Zero(t, summary.TotalCommission)
	for _, s := range snaps {
		assert.Zero(t, s.Earned)
		assert.Equal(t, generic.Money(100000), s.DailyVolumeAtTime)
	}
}

func TestPool_FloorsEachPayment(t *testing.T) {
	// 20% of 333 = 66.6 -> 66; three payments floor separately.
	goal := generic.Goal{TargetAmount: 0, CommissionRate: decimal.RequireFromString("20")}
	payments := []generic.Payment{{ID: "a", Amount: 333}, {ID: "b", Amount: 333}, {ID: "c", Amount: 333}}

	summary, _ := Pool(goal, payments, at(12, 0))

	assert.Equal(t, generic.Money(198), summary.TotalCommission)
}

func TestPool_FractionalRate(t *testing.T) {
	goal := generic.Goal{TargetAmount: 100, CommissionRate: decimal.RequireFromString("12.5")}
	payments := []generic.Payment{{ID: "a", Amount: 999}}

	summary, snaps := Pool(goal, payments, at(12, 0))

	assert.Equal(t, generic.Money(124), snaps[0].Earned) // 124.875
	assert.Equal(t, generic.Money(124), summary.TotalCommission)
}

func TestPool_EmptyDay(t *testing.T) {
	goal := generic.Goal{TargetAmount: 0, CommissionRate: decimal.NewFromInt(20)}

	summary, snaps := Pool(goal, nil, at(12, 0))

	// Zero volume meets a zero target, but there is nothing to pay.
	assert.True(t, summary.ThresholdMet)
	assert.Zero(t, summary.TotalCommission)
	assert.Empty(t, snaps)
	assert.Empty(t, summary.AffectedPaymentIDs)
}

// =============================================================================
// RECALCULATE
// =============================================================================

func TestRecalculate_MissingGoalMutatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: an approved payment carrying an old snapshot, and no goal
	id := f.payment(t, "p1", 50000, at(9, 0))
	stamp := at(8, 0)
	require.NoError(t, f.mem.SaveApproval(ctx, id, generic.Approval{FinancialApproved: true, FinancialApprovedAt: &stamp}))
	old := generic.Commission{DailyVolumeAtTime: 1, Rate: decimal.NewFromInt(5), Earned: 7, ThresholdMet: true, CalculatedAt: &stamp}
	require.NoError(t, f.mem.UpdateCommission(ctx, id, old))

	// WHEN
	summary, err := f.engine.Recalculate(ctx, operator, testDay)

	// THEN: hard failure, nothing written
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.ErrorIs(t, err, generic.ErrGoalNotFound)
	var gnf *generic.GoalNotFoundError
	require.ErrorAs(t, err, &gnf)
	assert.Equal(t, testDay, gnf.Day)
	assert.False(t, generic.IsRetryable(err))

	got := f.get(t, id)
	assert.Equal(t, generic.Money(7), got.Commission.Earned)
	assert.Equal(t, generic.Money(1), got.Commission.DailyVolumeAtTime)
	assert.True(t, got.Commission.ThresholdMet)
}

func TestRecalculate_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.goal(t, testDay, 125000, 20)

	for i, amount := range []generic.Money{50000, 50000, 30000} {
		id := f.payment(t, string(rune('a'+i)), amount, at(9+i, 0))
		stamp := at(9+i, 30)
		require.NoError(t, f.mem.SaveApproval(ctx, id, generic.Approval{FinancialApproved: true, FinancialApprovedAt: &stamp}))
	}

	first, err := f.engine.Recalculate(ctx, operator, testDay)
	require.NoError(t, err)
	snapshot := map[generic.PaymentID]generic.Commission{}
	for _, id := range first.AffectedPaymentIDs {
		snapshot[id] = f.get(t, id).Commission
	}

	for i := 0; i < 3; i++ {
		again, err := f.engine.Recalculate(ctx, operator, testDay)
		require.NoError(t, err)
		assert.Equal(t, first.TotalDailyVolume, again.TotalDailyVolume)
		assert.Equal(t, first.TotalCommission, again.TotalCommission)
		assert.True(t, first.CommissionRate.Equal(again.CommissionRate))
		for _, id := range again.AffectedPaymentIDs {
			assert.Equal(t, snapshot[id].Earned, f.get(t, id).Commission.Earned)
		}
	}
}

func TestRecalculate_IgnoresOtherDaysAndOperators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.goal(t, testDay, 100, 10)

	approve := func(id generic.PaymentID) {
		stamp := at(12, 0)
		require.NoError(t, f.mem.SaveApproval(ctx, id, generic.Approval{FinancialApproved: true, FinancialApprovedAt: &stamp}))
	}

	inDay := f.payment(t, "in", 1000, at(0, 0))
	approve(inDay)
	nextDay := f.payment(t, "next", 5000, time.Date(2025, time.January, 16, 0, 0, 0, 0, time.UTC))
	approve(nextDay)
	require.NoError(t, f.mem.CreatePayment(ctx, generic.Payment{ID: "other", OperatorID: "op-bob", Amount: 9000, Timestamp: at(10, 0)}))
	approve("other")
	f.payment(t, "unapproved", 4000, at(11, 0))

	summary, err := f.engine.Recalculate(ctx, operator, testDay)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(1000), summary.TotalDailyVolume)
	assert.Equal(t, []generic.PaymentID{inDay}, summary.AffectedPaymentIDs)
	assert.Zero(t, f.get(t, nextDay).Commission.Earned)
}

func TestRecalculate_UsesOperatorLocalDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prague, err := time.LoadLocation("Europe/Prague")
	require.NoError(t, err)
	require.NoError(t, f.mem.SaveOperator(ctx, generic.Operator{ID: operator, UserID: "user-anna", Location: prague}))

	// 23:30 UTC on the 15th is 00:30 on the 16th in Prague (UTC+1 in January).
	id := f.payment(t, "late", 1000, at(23, 30))
	local16 := generic.NewDay(2025, time.January, 16)
	f.goal(t, local16, 500, 10)

	res := f.apply(t, id, generic.ActionApproveFinancial)

	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, local16, res.Summary.Day)
	assert.Equal(t, generic.Money(100), res.Payment.Commission.Earned)
}

// =============================================================================
// PARTIAL FAILURE + RETRY
// =============================================================================

// flakyStore fails the failAt-th UpdateCommission inside a transaction
// while failures remain.
type flakyStore struct {
	*store.Memory
	mu       sync.Mutex
	failAt   int
	failures int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return f.Memory.WithTx(ctx, func(s generic.Store) error {
		return fn(&flakyTx{Store: s, parent: f})
	})
}

type flakyTx struct {
	generic.Store
	parent *flakyStore
	calls  int
}

func (t *flakyTx) UpdateCommission(ctx context.Context, id generic.PaymentID, c generic.Commission) error {
	t.calls++
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.calls == t.parent.failAt && t.parent.failures > 0 {
		t.parent.failures--
		return errors.New("disk I/O error")
	}
	return t.Store.UpdateCommission(ctx, id, c)
}

func TestApprove_PartialFailureRollsBackWholeDay(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, failAt: 2}
	f := newFixtureWith(t, flaky, mem)
	f.engine.MaxAttempts = 1
	f.goal(t, testDay, 125000, 20)

	p1 := f.payment(t, "p1", 50000, at(9, 0))
	p2 := f.payment(t, "p2", 50000, at(10, 0))
	p3 := f.payment(t, "p3", 30000, at(11, 0))
	f.apply(t, p1, generic.ActionApproveFinancial)
	f.apply(t, p2, generic.ActionApproveFinancial)

	// GIVEN: the store fails on the second payment write of the next recompute
	flaky.failures = 1

	// WHEN
	res := f.apply(t, p3, generic.ActionApproveFinancial)

	// THEN: flag stands, recompute reported as failed, no payment half-updated
	assert.False(t, res.Success)
	assert.Equal(t, WarningCommissionFailed, res.Warning)
	assert.True(t, generic.IsRetryable(res.Err))
	assert.True(t, res.Payment.FinancialApproved)

	assert.Equal(t, generic.Money(100000), f.get(t, p1).Commission.DailyVolumeAtTime)
	assert.Equal(t, generic.Money(100000), f.get(t, p2).Commission.DailyVolumeAtTime)
	assert.Zero(t, f.get(t, p1).Commission.Earned)

	// The recovery is re-running the whole day.
	summary, err := f.engine.Recalculate(context.Background(), operator, testDay)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(26000), summary.TotalCommission)
	assert.Equal(t, generic.Money(10000), f.get(t, p1).Commission.Earned)
	assert.Equal(t, generic.Money(6000), f.get(t, p3).Commission.Earned)
}

func TestApprove_RetriesWholeDayOnStorageFailure(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, failAt: 1, failures: 1}
	f := newFixtureWith(t, flaky, mem)
	f.engine.MaxAttempts = 2
	f.goal(t, testDay, 100, 20)

	id := f.payment(t, "p1", 1000, at(9, 0))

	res := f.apply(t, id, generic.ActionApproveFinancial)

	assert.True(t, res.Success, "err: %v", res.Err)
	assert.Empty(t, res.Warning)
	assert.Equal(t, generic.Money(200), res.Payment.Commission.Earned)
	assert.Zero(t, flaky.failures)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestApprove_ConcurrentSameDayNeverLosesUpdates(t *testing.T) {
	f := newFixture(t)
	f.goal(t, testDay, 125000, 20)

	const n = 20
	ids := make([]generic.PaymentID, n)
	for i := 0; i < n; i++ {
		ids[i] = f.payment(t, "p"+string(rune('A'+i)), 10000, at(8, i))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id generic.PaymentID) {
			defer wg.Done()
			res, err := f.approver.Apply(context.Background(), id, generic.ActionApproveFinancial, "admin")
			assert.NoError(t, err)
			if err == nil {
				assert.True(t, res.Success)
			}
		}(id)
	}
	wg.Wait()

	// Every payment carries the same final pool.
	for _, id := range ids {
		p := f.get(t, id)
		assert.Equal(t, generic.Money(200000), p.Commission.DailyVolumeAtTime, "payment %s", id)
		assert.True(t, p.Commission.ThresholdMet)
		assert.Equal(t, generic.Money(2000), p.Commission.Earned)
	}
}
