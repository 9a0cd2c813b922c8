/*
Package worktime turns time-tracked work sessions into hourly pay plus
milestone bonuses.

SESSION LIFECYCLE:
  ┌────────┐  Stop (before day boundary)   ┌───────────┐
  │ active │ ─────────────────────────────▶│ completed │
  └────────┘                               └───────────┘
       │     Sweep, or Stop after boundary ┌──────────────┐
       └──────────────────────────────────▶│ auto_stopped │
                                           └──────────────┘

  Both end states are terminal and immutable. Stopping or sweeping a
  terminal session is a no-op, never an error.

DAY BOUNDARY:
  A session never straddles its operator's local midnight. Whatever closes
  it after the end of its start day closes it AT that boundary, so the
  duration and pay only cover the start day.

EARNINGS:
  durationMinutes    = floor((end - start) / 1m)
  calculatedEarnings = floor(durationMinutes / 60 × hourlyRate)
  milestoneBonus     = operator's tier table applied to the session measure
                       (approved volume inside the session, or minutes)

SEE ALSO:
  - sweep.go: Day-Boundary Sweep
  - earnings.go: daily earnings summary
  - generic/milestone.go: tier evaluation
*/
package worktime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/lock"
	"github.com/warp/commission-engine/metrics"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store   generic.Store
	Locks   lock.Locker
	Clock   generic.Clock
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// DefaultLocation is the day boundary zone of operators without one.
	DefaultLocation *time.Location
}

func NewEngine(store generic.Store) *Engine {
	return &Engine{
		Store:           store,
		Locks:           lock.NewKeyed(),
		Clock:           generic.SystemClock{},
		Log:             slog.Default(),
		DefaultLocation: time.UTC,
	}
}

// StopResult reports what Stop did.
type StopResult struct {
	Session *generic.WorkSession
	// Changed is false when the session was already terminal.
	Changed bool
}

// Start opens an active session for operatorID at at. An operator has at
// most one active session.
func (e *Engine) Start(ctx context.Context, operatorID generic.OperatorID, at time.Time) (*generic.WorkSession, error) {
	unlock, err := e.Locks.Lock(ctx, operatorKey(operatorID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	active, err := e.Store.ActiveSession(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: session %s", generic.ErrSessionActive, active.ID)
	}

	ws := generic.WorkSession{
		ID:         generic.SessionID(uuid.NewString()),
		OperatorID: operatorID,
		StartTime:  at,
		Status:     generic.SessionActive,
	}
	if err := e.Store.CreateSession(ctx, ws); err != nil {
		return nil, err
	}

	e.logger().Info("work session started", "session_id", ws.ID, "operator_id", operatorID)
	return &ws, nil
}

// Stop ends the session at at. A session whose day boundary has already
// passed is closed at the boundary as auto_stopped, as the sweep would
// have done.
func (e *Engine) Stop(ctx context.Context, sessionID generic.SessionID, at time.Time) (*StopResult, error) {
	ws, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.Locks.Lock(ctx, operatorKey(ws.OperatorID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read: the sweep may have closed it while we waited.
	ws, err = e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ws.Status.IsTerminal() {
		return &StopResult{Session: ws, Changed: false}, nil
	}

	op, err := generic.ResolveOperator(ctx, e.Store, ws.OperatorID, e.DefaultLocation)
	if err != nil {
		return nil, err
	}

	boundary := generic.DayBoundary(ws.StartTime, op.Loc())
	if !at.Before(boundary) {
		closed, err := e.close(ctx, op, *ws, boundary, generic.SessionAutoStopped, at)
		if err != nil {
			return nil, err
		}
		return &StopResult{Session: closed, Changed: true}, nil
	}

	closed, err := e.close(ctx, op, *ws, at, generic.SessionCompleted, time.Time{})
	if err != nil {
		return nil, err
	}
	return &StopResult{Session: closed, Changed: true}, nil
}

// close computes duration, pay and bonus for ws ending at end and persists
// it with status. autoStoppedAt is only recorded for auto_stopped.
func (e *Engine) close(ctx context.Context, op generic.Operator, ws generic.WorkSession, end time.Time, status generic.SessionStatus, autoStoppedAt time.Time) (*generic.WorkSession, error) {
	if end.Before(ws.StartTime) {
		end = ws.StartTime
	}

	minutes := DurationMinutes(ws.StartTime, end)
	bonus, err := e.milestoneBonus(ctx, op, ws.StartTime, end, minutes)
	if err != nil {
		return nil, fmt.Errorf("milestone bonus for session %s: %w", ws.ID, err)
	}

	ws.EndTime = &end
	ws.Status = status
	ws.DurationMinutes = minutes
	ws.CalculatedEarnings = generic.HourlyPay(minutes, op.HourlyRate)
	ws.MilestoneBonus = bonus
	if status == generic.SessionAutoStopped {
		ws.AutoStoppedAt = &autoStoppedAt
	}

	if err := e.Store.SaveSession(ctx, ws); err != nil {
		return nil, err
	}

	e.logger().Info("work session closed",
		"session_id", ws.ID,
		"operator_id", ws.OperatorID,
		"status", ws.Status,
		"minutes", minutes,
		"earnings", ws.CalculatedEarnings,
		"bonus", bonus)
	return &ws, nil
}

// milestoneBonus measures the session by the operator's metric and looks
// up the tier table.
func (e *Engine) milestoneBonus(ctx context.Context, op generic.Operator, start, end time.Time, minutes int64) (generic.Money, error) {
	table := op.Milestones
	if table.IsEmpty() {
		return 0, nil
	}

	switch table.MetricOrDefault() {
	case generic.MetricMinutes:
		return table.Bonus(minutes), nil
	default:
		volume, err := generic.NewLedger(e.Store).VolumeBetween(ctx, op.ID, start, end)
		if err != nil {
			return 0, err
		}
		return table.Bonus(int64(volume)), nil
	}
}

// DurationMinutes returns whole minutes between start and end, floored.
func DurationMinutes(start, end time.Time) int64 {
	if !end.After(start) {
		return 0
	}
	return int64(end.Sub(start) / time.Minute)
}

func operatorKey(id generic.OperatorID) string {
	return "session:" + string(id)
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
