/*
ledger.go - Read-side view of the payment ledger

PURPOSE:
  Payments are append-mostly: amount, operator and timestamp never change.
  The only mutable parts are the approval flags and the commission
  snapshot, and both are owned by the commission package. This file holds
  the day-scoped reads other packages need (earnings, milestone volume,
  revenue progress) so none of them re-derive day windows by hand.

SEE ALSO:
  - store.go: PaymentStore
  - worktime/earnings.go: daily earnings summary
  - api/handlers.go: revenue progress
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER - Day-scoped reads over PaymentStore
// =============================================================================

type Ledger struct {
	Payments PaymentStore
}

func NewLedger(payments PaymentStore) *Ledger {
	return &Ledger{Payments: payments}
}

// DayPayments returns the operator's financially-approved payments for day,
// in the operator's zone.
func (l *Ledger) DayPayments(ctx context.Context, op Operator, day Day) ([]Payment, error) {
	return l.Payments.ListApprovedPayments(ctx, op.ID, day.Window(op.Loc()))
}

// VolumeBetween sums the operator's financially-approved volume in [from, to).
func (l *Ledger) VolumeBetween(ctx context.Context, operatorID OperatorID, from, to time.Time) (Money, error) {
	if !from.Before(to) {
		return 0, nil
	}
	return l.Payments.ApprovedVolume(ctx, operatorID, Window{Start: from, End: to})
}

// Progress sums approved volume across all operators for each period type.
func (l *Ledger) Progress(ctx context.Context, now time.Time, loc *time.Location) (map[PeriodType]Money, error) {
	out := make(map[PeriodType]Money, len(AllPeriods))
	for _, p := range AllPeriods {
		v, err := l.Payments.ApprovedVolume(ctx, "", PeriodFor(p, now, loc))
		if err != nil {
			return nil, err
		}
		out[p] = v
	}
	return out, nil
}

// SumCommission totals the commission snapshot over payments.
func SumCommission(payments []Payment) Money {
	var total Money
	for _, p := range payments {
		total += p.Commission.Earned
	}
	return total
}

// SumAmounts totals payment amounts.
func SumAmounts(payments []Payment) Money {
	var total Money
	for _, p := range payments {
		total += p.Amount
	}
	return total
}
