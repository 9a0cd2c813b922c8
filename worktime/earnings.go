package worktime

import (
	"context"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// DAILY EARNINGS
// =============================================================================

// DailyEarnings is what an operator earned on one local day.
type DailyEarnings struct {
	OperatorID      generic.OperatorID
	Day             generic.Day
	TotalVolume     generic.Money // financially-approved volume
	TotalCommission generic.Money // Σ commission snapshots
	HourlyEarnings  generic.Money // closed sessions started that day
	MilestoneBonus  generic.Money
	TotalEarnings   generic.Money
	Sessions        int
	ActiveSessions  int
}

// DailyEarnings combines the day's commission snapshots with the pay of
// sessions that started that day. Active sessions are counted but pay
// nothing until they close.
func (e *Engine) DailyEarnings(ctx context.Context, operatorID generic.OperatorID, day generic.Day) (*DailyEarnings, error) {
	op, err := generic.ResolveOperator(ctx, e.Store, operatorID, e.DefaultLocation)
	if err != nil {
		return nil, err
	}

	payments, err := generic.NewLedger(e.Store).DayPayments(ctx, op, day)
	if err != nil {
		return nil, err
	}
	sessions, err := e.Store.ListSessions(ctx, operatorID, day.Window(op.Loc()))
	if err != nil {
		return nil, err
	}

	out := &DailyEarnings{
		OperatorID:      operatorID,
		Day:             day,
		TotalVolume:     generic.SumAmounts(payments),
		TotalCommission: generic.SumCommission(payments),
	}
	for _, ws := range sessions {
		if !ws.Status.IsTerminal() {
			out.ActiveSessions++
			continue
		}
		out.Sessions++
		out.HourlyEarnings += ws.CalculatedEarnings
		out.MilestoneBonus += ws.MilestoneBonus
	}
	out.TotalEarnings = out.TotalCommission + out.HourlyEarnings + out.MilestoneBonus
	return out, nil
}
