/*
Package generic provides the core vocabulary of the commission engine.

PURPOSE:
  This package holds the types every other package speaks: payments and
  their approval flags, per-day goals, work sessions, operators, and the
  store interfaces the engines are written against. It has no knowledge of
  HTTP, SQL or scheduling.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: integer minor currency units (never fractional)
  - Payment: ledger row with two approval flags and a derived commission snapshot
  - Goal: per-(operator, day) target volume and commission rate
  - WorkSession: time-tracked session with hourly earnings and milestone bonus
  - Operator: roster data the engines read (hourly rate, local zone, tiers)

DESIGN PRINCIPLES:
  1. Derived state is a snapshot: Payment.Commission is always safe to overwrite
  2. Precision: rates are decimal.Decimal, results are floored to Money
  3. Type Safety: distinct ID types prevent mixing operator/payment IDs
  4. Auditability: every approval action produces an ActivityRecord

SEE ALSO:
  - time.go: Day and day windows
  - store.go: persistence interfaces
  - errors.go: error taxonomy
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer minor currency units
// =============================================================================

// Money is an amount in minor currency units. Amounts are opaque integers;
// the only rounding the engine ever applies is floor-to-integer.
type Money int64

var hundred = decimal.NewFromInt(100)

// PercentOf returns floor(m × rate / 100).
func (m Money) PercentOf(rate decimal.Decimal) Money {
	return Money(decimal.NewFromInt(int64(m)).Mul(rate).Div(hundred).Floor().IntPart())
}

var sixty = decimal.NewFromInt(60)

// HourlyPay returns floor(minutes / 60 × hourlyRate). The product is taken
// before dividing so a repeating quotient like 20/60 never loses a unit.
func HourlyPay(minutes int64, hourlyRate Money) Money {
	total := decimal.NewFromInt(minutes).Mul(decimal.NewFromInt(int64(hourlyRate)))
	return Money(total.Div(sixty).Floor().IntPart())
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OperatorID string
type PaymentID string
type SessionID string
type UserID string

// =============================================================================
// PAYMENT - Append-mostly ledger row
// =============================================================================

// Payment is a recorded payment. Amount, OperatorID and Timestamp never
// change after creation. Commission is derived state owned by the
// recalculation engine.
type Payment struct {
	ID         PaymentID
	OperatorID OperatorID
	Amount     Money
	Timestamp  time.Time

	FinancialApproved   bool
	FinancialApprovedAt *time.Time
	DeliveryApproved    bool
	DeliveryApprovedAt  *time.Time

	Commission Commission

	CreatedAt time.Time
}

// Commission is the snapshot written onto every financially-approved
// payment of a day by a recalculation pass.
type Commission struct {
	DailyVolumeAtTime Money
	Rate              decimal.Decimal
	Earned            Money
	ThresholdMet      bool
	CalculatedAt      *time.Time
}

// ZeroCommission is the snapshot of a payment that does not count toward
// any day's pool.
func ZeroCommission() Commission {
	return Commission{Rate: decimal.Zero}
}

// Approval is the flag half of a payment, written by approval actions.
type Approval struct {
	FinancialApproved   bool
	FinancialApprovedAt *time.Time
	DeliveryApproved    bool
	DeliveryApprovedAt  *time.Time
}

// Approval returns the payment's current flags.
func (p Payment) Approval() Approval {
	return Approval{
		FinancialApproved:   p.FinancialApproved,
		FinancialApprovedAt: p.FinancialApprovedAt,
		DeliveryApproved:    p.DeliveryApproved,
		DeliveryApprovedAt:  p.DeliveryApprovedAt,
	}
}

// WithApproval returns a copy of p carrying the given flags.
func (p Payment) WithApproval(a Approval) Payment {
	p.FinancialApproved = a.FinancialApproved
	p.FinancialApprovedAt = a.FinancialApprovedAt
	p.DeliveryApproved = a.DeliveryApproved
	p.DeliveryApprovedAt = a.DeliveryApprovedAt
	return p
}

// =============================================================================
// GOAL - Per-operator daily threshold
// =============================================================================

// Goal is the target volume and commission rate for one operator on one day.
// The pair (OperatorID, Day) is unique.
type Goal struct {
	OperatorID     OperatorID
	Day            Day
	TargetAmount   Money
	CommissionRate decimal.Decimal // percentage, applied only when the target is met
}

// =============================================================================
// WORK SESSION
// =============================================================================

type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionAutoStopped SessionStatus = "auto_stopped"
)

// IsTerminal reports whether the status can no longer change.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionAutoStopped
}

type WorkSession struct {
	ID                 SessionID
	OperatorID         OperatorID
	StartTime          time.Time
	EndTime            *time.Time
	Status             SessionStatus
	DurationMinutes    int64
	CalculatedEarnings Money
	MilestoneBonus     Money
	AutoStoppedAt      *time.Time
}

// =============================================================================
// OPERATOR - Roster data read by the engines
// =============================================================================

// Operator is the person paid commission and hourly wages.
type Operator struct {
	ID         OperatorID
	UserID     UserID // notification target
	Name       string
	HourlyRate Money
	Location   *time.Location // defines the operator's local day
	Milestones MilestoneTable
}

// Loc returns the operator's zone, UTC when unset.
func (o Operator) Loc() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

// =============================================================================
// ACTIVITY & NOTIFICATIONS
// =============================================================================

// ActionType names one of the four approval actions.
type ActionType string

const (
	ActionApproveFinancial ActionType = "approve_financial"
	ActionRevokeFinancial  ActionType = "revoke_financial"
	ActionApproveDelivery  ActionType = "approve_delivery"
	ActionRevokeDelivery   ActionType = "revoke_delivery"
)

// IsFinancial reports whether the action touches the financial flag.
func (a ActionType) IsFinancial() bool {
	return a == ActionApproveFinancial || a == ActionRevokeFinancial
}

// Valid reports whether a is one of the four known actions.
func (a ActionType) Valid() bool {
	switch a {
	case ActionApproveFinancial, ActionRevokeFinancial, ActionApproveDelivery, ActionRevokeDelivery:
		return true
	}
	return false
}

// FlagState is the pair of approval flags captured before and after an action.
type FlagState struct {
	Financial bool `json:"financial"`
	Delivery  bool `json:"delivery"`
}

// ActivityRecord is one append-only audit row for an approval action.
type ActivityRecord struct {
	ID        string
	PaymentID PaymentID
	ActorID   string
	Action    ActionType
	Before    FlagState
	After     FlagState
	Amount    Money
	CreatedAt time.Time
}

// Notification is a message for an operator's user account.
type Notification struct {
	ID        string
	UserID    UserID
	Title     string
	Body      string
	Type      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// SweepRun is the audit row of one day-boundary sweep.
type SweepRun struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Closed     int
	Error      string
}
