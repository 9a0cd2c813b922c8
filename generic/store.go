/*
store.go - Persistence interfaces for payments, goals, sessions and operators

PURPOSE:
  Defines the interface between the engines and the database. Different
  implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  GoalStore:     per-(operator, day) goals, read-only for the engines
  PaymentStore:  payment ledger; flags and commission snapshot are the only mutable fields
  SessionStore:  work session lifecycle
  OperatorStore: roster data (hourly rate, zone, milestone tiers)
  TxStore:       atomic multi-row writes (one recompute = one transaction)
  ActivityLog:   append-only approval audit
  Notifier:      operator-facing messages
  SweepLog:      audit of day-boundary sweep runs

OWNERSHIP:
  Only a recalculation pass writes Payment.Commission (UpdateCommission).
  Approval actions write flags (SaveApproval); revoking the financial flag
  additionally zeroes the commission snapshot through UpdateCommission.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - generic/store/memory.go: in-memory for tests

SEE ALSO:
  - ledger.go: read-side helpers over PaymentStore
  - commission/engine.go: main consumer
*/
package generic

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// GOALS
// =============================================================================

type GoalStore interface {
	// LookupGoal returns the goal for (operatorID, day). found is false when
	// no goal exists; a missing goal is never reported as a zero goal.
	LookupGoal(ctx context.Context, operatorID OperatorID, day Day) (goal Goal, found bool, err error)

	// SaveGoal upserts on (OperatorID, Day).
	SaveGoal(ctx context.Context, goal Goal) error
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentStore interface {
	// CreatePayment persists a new payment. ID and CreatedAt must be set.
	CreatePayment(ctx context.Context, p Payment) error

	// GetPayment returns ErrPaymentNotFound when absent.
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)

	// ListApprovedPayments returns financially-approved payments of the
	// operator with Timestamp in w, ordered by Timestamp ascending.
	ListApprovedPayments(ctx context.Context, operatorID OperatorID, w Window) ([]Payment, error)

	// ApprovedVolume sums financially-approved amounts with Timestamp in w.
	// An empty operatorID sums across all operators.
	ApprovedVolume(ctx context.Context, operatorID OperatorID, w Window) (Money, error)

	// SaveApproval writes the flag fields only.
	SaveApproval(ctx context.Context, id PaymentID, a Approval) error

	// UpdateCommission writes the derived snapshot only.
	UpdateCommission(ctx context.Context, id PaymentID, c Commission) error
}

// =============================================================================
// WORK SESSIONS
// =============================================================================

type SessionStore interface {
	CreateSession(ctx context.Context, s WorkSession) error

	// GetSession returns ErrSessionNotFound when absent.
	GetSession(ctx context.Context, id SessionID) (*WorkSession, error)

	// ActiveSession returns the operator's active session or nil.
	ActiveSession(ctx context.Context, operatorID OperatorID) (*WorkSession, error)

	// ListActiveSessions returns every active session, oldest first.
	ListActiveSessions(ctx context.Context) ([]WorkSession, error)

	// ListSessions returns the operator's sessions with StartTime in w.
	ListSessions(ctx context.Context, operatorID OperatorID, w Window) ([]WorkSession, error)

	// SaveSession overwrites a session row.
	SaveSession(ctx context.Context, s WorkSession) error
}

// =============================================================================
// OPERATORS
// =============================================================================

type OperatorStore interface {
	// GetOperator returns ErrOperatorNotFound when absent.
	GetOperator(ctx context.Context, id OperatorID) (*Operator, error)
	SaveOperator(ctx context.Context, o Operator) error
	ListOperators(ctx context.Context) ([]Operator, error)
}

// ResolveOperator returns the roster entry for id. Payments and sessions may
// reference operators that were never configured; those resolve to a stub
// whose user is the operator ID itself and whose zone is fallback.
func ResolveOperator(ctx context.Context, s OperatorStore, id OperatorID, fallback *time.Location) (Operator, error) {
	op, err := s.GetOperator(ctx, id)
	if errors.Is(err, ErrOperatorNotFound) {
		return Operator{ID: id, UserID: UserID(id), Location: fallback}, nil
	}
	if err != nil {
		return Operator{}, err
	}
	if op.Location == nil {
		op.Location = fallback
	}
	if op.UserID == "" {
		op.UserID = UserID(id)
	}
	return *op, nil
}

// =============================================================================
// COMPOSITE + TRANSACTIONAL STORE
// =============================================================================

// Store is everything the engines read and write.
type Store interface {
	GoalStore
	PaymentStore
	SessionStore
	OperatorStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT + NOTIFICATIONS - external collaborators
// =============================================================================

// ActivitySink receives approval audit rows. Append-only.
type ActivitySink interface {
	RecordActivity(ctx context.Context, rec ActivityRecord) error
}

// ActivityLog is an ActivitySink that can be read back.
type ActivityLog interface {
	ActivitySink
	ListActivity(ctx context.Context, paymentID PaymentID) ([]ActivityRecord, error)
}

// Notifier delivers operator-facing messages.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotificationLog is a Notifier whose deliveries can be listed per user.
type NotificationLog interface {
	Notifier
	// ListNotifications returns the user's most recent notifications first.
	ListNotifications(ctx context.Context, userID UserID, limit int) ([]Notification, error)
}

// SweepLog records day-boundary sweep runs.
type SweepLog interface {
	RecordSweepRun(ctx context.Context, run SweepRun) error
	// ListSweepRuns returns the most recent runs first.
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}
