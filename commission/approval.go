/*
approval.go - Two-flag payment approval state machine

PURPOSE:
  A payment carries two independent flags. Financial approval decides
  whether the payment counts toward the day's commission pool. Delivery
  approval is operational only and never touches commission.

ACTIONS:
  ┌────────────────────┬─────────────────┬──────────────────────────────┬───────────┐
  │ Action             │ Precondition    │ Effect                       │ Recompute │
  ├────────────────────┼─────────────────┼──────────────────────────────┼───────────┤
  │ approve_financial  │ financial=false │ set, stamp                   │ yes       │
  │ revoke_financial   │ financial=true  │ clear, unstamp, zero own     │ yes       │
  │                    │                 │ commission snapshot          │           │
  │ approve_delivery   │ delivery=false  │ set, stamp                   │ no        │
  │ revoke_delivery    │ delivery=true   │ clear, unstamp               │ no        │
  └────────────────────┴─────────────────┴──────────────────────────────┴───────────┘

  If the precondition does not hold the flag is left alone (Changed=false).
  That is not an error: retrying clients resubmit. A financial no-op still
  runs the full day recompute.

FAILURE SEMANTICS:
  The flag change commits in its own transaction before the recompute.
  If the recompute then fails, the flag change stands, the result carries
  Success=false plus a warning, and the operator is told the commission
  calculation failed. Approval and commission may be transiently
  inconsistent; they are never silently wrong.

SEE ALSO:
  - engine.go: the recompute
  - generic/store.go: ActivitySink, Notifier
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/lock"
)

// WarningCommissionFailed is shown to the operator when the flag change
// stood but the recompute did not.
const WarningCommissionFailed = "approved, but commission calculation failed"

// Notification types.
const (
	NotifyPaymentApproved   = "payment_approved"
	NotifyPaymentUnapproved = "payment_unapproved"
	NotifyCommissionFailed  = "commission_failed"
)

// =============================================================================
// RESULT
// =============================================================================

// Result is the outcome of one approval action.
type Result struct {
	// Success is false only when the triggered recompute failed.
	Success bool
	// Changed reports whether the flag actually moved.
	Changed bool
	Payment *generic.Payment
	Summary *Summary
	Warning string
	// Err is the recompute failure when Success is false.
	Err error
}

// StatusView is a payment with its approval history.
type StatusView struct {
	Payment  *generic.Payment
	Activity []generic.ActivityRecord
}

// =============================================================================
// APPROVER
// =============================================================================

// Approver applies approval actions and triggers recomputes.
type Approver struct {
	Engine   *Engine
	Activity generic.ActivitySink
	Notifier generic.Notifier
}

func NewApprover(engine *Engine, activity generic.ActivitySink, notifier generic.Notifier) *Approver {
	return &Approver{Engine: engine, Activity: activity, Notifier: notifier}
}

// Apply runs action against paymentID on behalf of actorID.
//
// The returned error covers failures that leave nothing changed: unknown
// action, missing payment, failed flag write. A recompute failure after
// the flag change is reported inside the Result instead.
func (a *Approver) Apply(ctx context.Context, paymentID generic.PaymentID, action generic.ActionType, actorID string) (*Result, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", generic.ErrInvalidAction, action)
	}

	e := a.Engine
	store := e.Store

	// Operator and timestamp are immutable, so the lock key can be derived
	// before taking the lock.
	p, err := store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	op, err := generic.ResolveOperator(ctx, store, p.OperatorID, e.DefaultLocation)
	if err != nil {
		return nil, err
	}
	day := generic.DayOf(p.Timestamp, op.Loc())

	start := time.Now()
	unlock, err := e.Locks.Lock(ctx, lock.DayKey(p.OperatorID, day))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; flags may have moved while we waited.
	p, err = store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	before := flagsOf(p)
	next, changed := transition(p.Approval(), action, e.now())

	if changed {
		err := store.WithTx(ctx, func(s generic.Store) error {
			if err := s.SaveApproval(ctx, p.ID, next); err != nil {
				return err
			}
			if action == generic.ActionRevokeFinancial {
				return s.UpdateCommission(ctx, p.ID, generic.ZeroCommission())
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("save approval %s: %w", p.ID, err)
		}
	}

	after := generic.FlagState{Financial: next.FinancialApproved, Delivery: next.DeliveryApproved}
	a.recordActivity(ctx, p, actorID, action, before, after)
	e.Metrics.ObserveApproval(action, changed)

	result := &Result{Success: true, Changed: changed}

	if action.IsFinancial() {
		summary, rerr := e.recomputeRetrying(ctx, p.OperatorID, day)
		e.Metrics.ObserveRecompute(time.Since(start), rerr)

		if rerr != nil {
			result.Success = false
			result.Err = rerr
			result.Warning = WarningCommissionFailed
			e.logger().Error("commission recompute failed after approval action",
				"payment_id", p.ID, "operator_id", p.OperatorID, "day", day.String(),
				"action", action, "error", rerr)
		} else {
			result.Summary = summary
		}

		if changed {
			a.notify(ctx, op, p, action, summary, rerr)
		}
	}

	updated, err := store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	result.Payment = updated
	return result, nil
}

// Status returns the payment and, when the sink can be read back, its
// approval history.
func (a *Approver) Status(ctx context.Context, paymentID generic.PaymentID) (*StatusView, error) {
	p, err := a.Engine.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Payment: p}
	if log, ok := a.Activity.(generic.ActivityLog); ok {
		view.Activity, err = log.ListActivity(ctx, paymentID)
		if err != nil {
			return nil, err
		}
	}
	return view, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// transition applies action to flags. changed is false when the
// precondition did not hold; the flags are then returned untouched.
func transition(flags generic.Approval, action generic.ActionType, now time.Time) (generic.Approval, bool) {
	switch action {
	case generic.ActionApproveFinancial:
		if flags.FinancialApproved {
			return flags, false
		}
		flags.FinancialApproved = true
		flags.FinancialApprovedAt = &now
	case generic.ActionRevokeFinancial:
		if !flags.FinancialApproved {
			return flags, false
		}
		flags.FinancialApproved = false
		flags.FinancialApprovedAt = nil
	case generic.ActionApproveDelivery:
		if flags.DeliveryApproved {
			return flags, false
		}
		flags.DeliveryApproved = true
		flags.DeliveryApprovedAt = &now
	case generic.ActionRevokeDelivery:
		if !flags.DeliveryApproved {
			return flags, false
		}
		flags.DeliveryApproved = false
		flags.DeliveryApprovedAt = nil
	default:
		return flags, false
	}
	return flags, true
}

func flagsOf(p *generic.Payment) generic.FlagState {
	return generic.FlagState{Financial: p.FinancialApproved, Delivery: p.DeliveryApproved}
}

// =============================================================================
// SIDE CHANNELS - activity + notifications (logged, never escalated)
// =============================================================================

func (a *Approver) recordActivity(ctx context.Context, p *generic.Payment, actorID string, action generic.ActionType, before, after generic.FlagState) {
	if a.Activity == nil {
		return
	}
	rec := generic.ActivityRecord{
		ID:        uuid.NewString(),
		PaymentID: p.ID,
		ActorID:   actorID,
		Action:    action,
		Before:    before,
		After:     after,
		Amount:    p.Amount,
		CreatedAt: a.Engine.now(),
	}
	if err := a.Activity.RecordActivity(ctx, rec); err != nil {
		a.Engine.logger().Error("failed to record approval activity",
			"payment_id", p.ID, "action", action, "error", err)
	}
}

func (a *Approver) notify(ctx context.Context, op generic.Operator, p *generic.Payment, action generic.ActionType, summary *Summary, recomputeErr error) {
	if a.Notifier == nil {
		return
	}

	n := generic.Notification{
		ID:        uuid.NewString(),
		UserID:    op.UserID,
		CreatedAt: a.Engine.now(),
		Metadata: map[string]any{
			"payment_id": string(p.ID),
			"amount":     int64(p.Amount),
			"action":     string(action),
		},
	}

	switch {
	case recomputeErr != nil:
		n.Type = NotifyCommissionFailed
		n.Title = "Commission Calculation Failed"
		n.Body = fmt.Sprintf("Payment of %d: %s (%v)", p.Amount, WarningCommissionFailed, recomputeErr)
		n.Metadata["error"] = recomputeErr.Error()
		var gnf *generic.GoalNotFoundError
		n.Metadata["goal_missing"] = errors.As(recomputeErr, &gnf)

	case action == generic.ActionApproveFinancial:
		n.Type = NotifyPaymentApproved
		n.Title = "Payment Approved!"
		earned := summary.EarnedFor(*p)
		if summary.ThresholdMet {
			n.Body = fmt.Sprintf("Payment of %d approved. Commission earned: %d (%s%% of daily volume %d).",
				p.Amount, earned, summary.CommissionRate.String(), summary.TotalDailyVolume)
		} else {
			n.Body = fmt.Sprintf("Payment of %d approved. No commission (threshold not met): daily volume %d of %d.",
				p.Amount, summary.TotalDailyVolume, summary.TargetAmount)
		}
		n.Metadata["commission_earned"] = int64(earned)
		n.Metadata["threshold_met"] = summary.ThresholdMet
		n.Metadata["daily_volume"] = int64(summary.TotalDailyVolume)

	default:
		n.Type = NotifyPaymentUnapproved
		n.Title = "Payment Unapproved"
		n.Body = fmt.Sprintf("Payment of %d was unapproved. Daily commission is now %d.",
			p.Amount, summary.TotalCommission)
		n.Metadata["threshold_met"] = summary.ThresholdMet
		n.Metadata["daily_volume"] = int64(summary.TotalDailyVolume)
	}

	if err := a.Notifier.Notify(ctx, n); err != nil {
		a.Engine.logger().Error("failed to notify operator",
			"user_id", op.UserID, "payment_id", p.ID, "error", err)
	}
}
