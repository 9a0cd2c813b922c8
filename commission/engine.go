/*
engine.go - Whole-day commission recalculation

PURPOSE:
  Commission is an all-or-nothing daily pool. Every financially-approved
  payment of an operator's day shares one rate, decided by whether the SUM
  of the day reaches the goal's target. A payment that crosses the target
  retroactively changes the rate of payments recorded earlier that day, so
  every approval change recomputes the whole day from scratch. There are
  no per-payment deltas anywhere in this package.

ALGORITHM:
  1. Day window: local midnight to next local midnight (operator zone)
  2. Goal lookup; absent => GoalNotFoundError, nothing written
  3. Approved payments in the window, ascending timestamp
  4. volume = Σ amount
  5. thresholdMet = volume >= target
  6. rate = thresholdMet ? goal.rate : 0
  7. per payment: earned = floor(amount × rate / 100), snapshot written
  8. summary returned, TotalCommission = Σ earned

  Steps 2-7 run in one store transaction, inside the per-(operator, day)
  lock. Running it twice with nothing changed in between writes the same
  values again.

RECOVERY:
  A storage failure rolls the transaction back. The only recovery is to
  run the whole day again, which recomputeRetrying does for retryable
  errors. A missing goal is never retried.

SEE ALSO:
  - approval.go: the main trigger
  - lock/: per-(operator, day) scope
*/
package commission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/lock"
	"github.com/warp/commission-engine/metrics"
)

// =============================================================================
// SUMMARY - Result of one day's recompute
// =============================================================================

type Summary struct {
	OperatorID         generic.OperatorID
	Day                generic.Day
	TargetAmount       generic.Money
	TotalDailyVolume   generic.Money
	ThresholdMet       bool
	CommissionRate     decimal.Decimal
	TotalCommission    generic.Money
	AffectedPaymentIDs []generic.PaymentID
	CalculatedAt       time.Time
}

// EarnedFor returns the commission computed for one payment of the pool.
func (s Summary) EarnedFor(p generic.Payment) generic.Money {
	for _, id := range s.AffectedPaymentIDs {
		if id == p.ID {
			return p.Amount.PercentOf(s.CommissionRate)
		}
	}
	return 0
}

// =============================================================================
// POOL - Pure computation
// =============================================================================

// Pool computes the day's commission snapshot for each payment. It does no
// I/O; payments must already be the day's approved set.
func Pool(goal generic.Goal, payments []generic.Payment, at time.Time) (Summary, []generic.Commission) {
	var volume generic.Money
	for _, p := range payments {
		volume += p.Amount
	}

	thresholdMet := volume >= goal.TargetAmount
	rate := decimal.Zero
	if thresholdMet {
		rate = goal.CommissionRate
	}

	summary := Summary{
		OperatorID:         goal.OperatorID,
		Day:                goal.Day,
		TargetAmount:       goal.TargetAmount,
		TotalDailyVolume:   volume,
		ThresholdMet:       thresholdMet,
		CommissionRate:     rate,
		AffectedPaymentIDs: make([]generic.PaymentID, 0, len(payments)),
		CalculatedAt:       at,
	}

	snapshots := make([]generic.Commission, len(payments))
	for i, p := range payments {
		stamp := at
		earned := p.Amount.PercentOf(rate)
		snapshots[i] = generic.Commission{
			DailyVolumeAtTime: volume,
			Rate:              rate,
			Earned:            earned,
			ThresholdMet:      thresholdMet,
			CalculatedAt:      &stamp,
		}
		summary.TotalCommission += earned
		summary.AffectedPaymentIDs = append(summary.AffectedPaymentIDs, p.ID)
	}
	return summary, snapshots
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine recomputes and persists daily commission pools.
type Engine struct {
	Store   generic.TxStore
	Locks   lock.Locker
	Clock   generic.Clock
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// DefaultLocation is the day boundary zone of operators without one.
	DefaultLocation *time.Location

	// MaxAttempts bounds whole-day retries on retryable failures.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

// NewEngine returns an engine with an in-process lock, the system clock,
// UTC days and three attempts.
func NewEngine(store generic.TxStore) *Engine {
	return &Engine{
		Store:           store,
		Locks:           lock.NewKeyed(),
		Clock:           generic.SystemClock{},
		Log:             slog.Default(),
		DefaultLocation: time.UTC,
		MaxAttempts:     3,
		RetryBackoff:    100 * time.Millisecond,
	}
}

// Recalculate recomputes (operatorID, day) under the day lock.
func (e *Engine) Recalculate(ctx context.Context, operatorID generic.OperatorID, day generic.Day) (*Summary, error) {
	start := time.Now()

	unlock, err := e.Locks.Lock(ctx, lock.DayKey(operatorID, day))
	if err != nil {
		e.Metrics.ObserveRecompute(time.Since(start), err)
		return nil, err
	}
	defer unlock()

	summary, err := e.recomputeRetrying(ctx, operatorID, day)
	e.Metrics.ObserveRecompute(time.Since(start), err)
	return summary, err
}

// recomputeRetrying runs the whole day again on retryable failures. The
// caller holds the day lock.
func (e *Engine) recomputeRetrying(ctx context.Context, operatorID generic.OperatorID, day generic.Day) (*Summary, error) {
	attempts := e.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		summary, err := e.recompute(ctx, operatorID, day)
		if err == nil {
			return summary, nil
		}
		lastErr = err
		if !generic.IsRetryable(err) || attempt == attempts {
			break
		}

		e.logger().Warn("recompute failed, retrying whole day",
			"operator_id", operatorID, "day", day.String(), "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(e.RetryBackoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

// recompute is one transactional pass over the day. The caller holds the
// day lock.
func (e *Engine) recompute(ctx context.Context, operatorID generic.OperatorID, day generic.Day) (*Summary, error) {
	var summary Summary

	err := e.Store.WithTx(ctx, func(s generic.Store) error {
		op, err := generic.ResolveOperator(ctx, s, operatorID, e.DefaultLocation)
		if err != nil {
			return err
		}

		goal, found, err := s.LookupGoal(ctx, operatorID, day)
		if err != nil {
			return err
		}
		if !found {
			return &generic.GoalNotFoundError{OperatorID: operatorID, Day: day}
		}

		payments, err := s.ListApprovedPayments(ctx, operatorID, day.Window(op.Loc()))
		if err != nil {
			return err
		}

		var snapshots []generic.Commission
		summary, snapshots = Pool(goal, payments, e.now())

		for i, p := range payments {
			if err := s.UpdateCommission(ctx, p.ID, snapshots[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, generic.ErrGoalNotFound) {
			return nil, err
		}
		return nil, &generic.RecomputeError{OperatorID: operatorID, Day: day, Err: err}
	}

	e.logger().Debug("recomputed day",
		"operator_id", operatorID,
		"day", day.String(),
		"volume", summary.TotalDailyVolume,
		"threshold_met", summary.ThresholdMet,
		"payments", len(summary.AffectedPaymentIDs))

	return &summary, nil
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

// DayOf returns the local day of t for operatorID.
func (e *Engine) DayOf(ctx context.Context, operatorID generic.OperatorID, t time.Time) (generic.Day, error) {
	op, err := generic.ResolveOperator(ctx, e.Store, operatorID, e.DefaultLocation)
	if err != nil {
		return generic.Day{}, err
	}
	return generic.DayOf(t, op.Loc()), nil
}
