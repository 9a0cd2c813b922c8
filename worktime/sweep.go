package worktime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// DAY-BOUNDARY SWEEP
// =============================================================================

// Sweep force-closes every active session whose day boundary (end of its
// start day, operator-local) is at or before now. Each is closed AT its
// boundary as auto_stopped with AutoStoppedAt = now.
//
// Safe to run repeatedly: terminal sessions are skipped. One failing
// session does not stop the others; failures are joined into err and the
// count covers the sessions that did close.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	active, err := e.Store.ListActiveSessions(ctx)
	if err != nil {
		e.Metrics.ObserveSweep(0, err)
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	var (
		closed int
		errs   []error
	)
	for _, ws := range active {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := e.sweepOne(ctx, ws, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", ws.ID, err))
			continue
		}
		if ok {
			closed++
		}
	}

	err = errors.Join(errs...)
	e.Metrics.ObserveSweep(closed, err)
	if closed > 0 || err != nil {
		e.logger().Info("day-boundary sweep finished", "closed", closed, "active_seen", len(active), "error", err)
	}
	return closed, err
}

func (e *Engine) sweepOne(ctx context.Context, candidate generic.WorkSession, now time.Time) (bool, error) {
	op, err := generic.ResolveOperator(ctx, e.Store, candidate.OperatorID, e.DefaultLocation)
	if err != nil {
		return false, err
	}
	boundary := generic.DayBoundary(candidate.StartTime, op.Loc())
	if boundary.After(now) {
		return false, nil
	}

	unlock, err := e.Locks.Lock(ctx, operatorKey(candidate.OperatorID))
	if err != nil {
		return false, err
	}
	defer unlock()

	ws, err := e.Store.GetSession(ctx, candidate.ID)
	if err != nil {
		return false, err
	}
	if ws.Status.IsTerminal() {
		return false, nil
	}

	if _, err := e.close(ctx, op, *ws, boundary, generic.SessionAutoStopped, now); err != nil {
		return false, err
	}
	return true, nil
}

// SweepNow runs Sweep at the engine clock.
func (e *Engine) SweepNow(ctx context.Context) (int, error) {
	return e.Sweep(ctx, e.now())
}
