// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.TxStore plus the audit, notification and
// sweep logs in memory.
type Memory struct {
	mu sync.RWMutex
	st state
}

type goalKey struct {
	OperatorID generic.OperatorID
	Day        generic.Day
}

type state struct {
	goals         map[goalKey]generic.Goal
	payments      map[generic.PaymentID]generic.Payment
	sessions      map[generic.SessionID]generic.WorkSession
	operators     map[generic.OperatorID]generic.Operator
	activity      []generic.ActivityRecord
	notifications []generic.Notification
	sweepRuns     []generic.SweepRun
}

var (
	_ generic.TxStore         = (*Memory)(nil)
	_ generic.ActivityLog     = (*Memory)(nil)
	_ generic.NotificationLog = (*Memory)(nil)
	_ generic.SweepLog        = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{st: state{
		goals:     make(map[goalKey]generic.Goal),
		payments:  make(map[generic.PaymentID]generic.Payment),
		sessions:  make(map[generic.SessionID]generic.WorkSession),
		operators: make(map[generic.OperatorID]generic.Operator),
	}}
}

// =============================================================================
// GOALS
// =============================================================================

func (m *Memory) LookupGoal(ctx context.Context, operatorID generic.OperatorID, day generic.Day) (generic.Goal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.LookupGoal(ctx, operatorID, day)
}

func (m *Memory) SaveGoal(ctx context.Context, g generic.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveGoal(ctx, g)
}

func (s *state) LookupGoal(_ context.Context, operatorID generic.OperatorID, day generic.Day) (generic.Goal, bool, error) {
	g, ok := s.goals[goalKey{operatorID, day}]
	return g, ok, nil
}

func (s *state) SaveGoal(_ context.Context, g generic.Goal) error {
	s.goals[goalKey{g.OperatorID, g.Day}] = g
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) CreatePayment(ctx context.Context, p generic.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreatePayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, id generic.PaymentID) (*generic.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetPayment(ctx, id)
}

func (m *Memory) ListApprovedPayments(ctx context.Context, operatorID generic.OperatorID, w generic.Window) ([]generic.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListApprovedPayments(ctx, operatorID, w)
}

func (m *Memory) ApprovedVolume(ctx context.Context, operatorID generic.OperatorID, w generic.Window) (generic.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ApprovedVolume(ctx, operatorID, w)
}

func (m *Memory) SaveApproval(ctx context.Context, id generic.PaymentID, a generic.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveApproval(ctx, id, a)
}

func (m *Memory) UpdateCommission(ctx context.Context, id generic.PaymentID, c generic.Commission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateCommission(ctx, id, c)
}

func (s *state) CreatePayment(_ context.Context, p generic.Payment) error {
	if p.Amount < 0 {
		return generic.ErrInvalidAmount
	}
	if _, exists := s.payments[p.ID]; exists {
		return generic.ErrPaymentExists
	}
	s.payments[p.ID] = p
	return nil
}

func (s *state) GetPayment(_ context.Context, id generic.PaymentID) (*generic.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, generic.ErrPaymentNotFound
	}
	return &p, nil
}

func (s *state) ListApprovedPayments(_ context.Context, operatorID generic.OperatorID, w generic.Window) ([]generic.Payment, error) {
	var result []generic.Payment
	for _, p := range s.payments {
		if p.OperatorID == operatorID && p.FinancialApproved && w.Contains(p.Timestamp) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *state) ApprovedVolume(_ context.Context, operatorID generic.OperatorID, w generic.Window) (generic.Money, error) {
	var total generic.Money
	for _, p := range s.payments {
		if operatorID != "" && p.OperatorID != operatorID {
			continue
		}
		if p.FinancialApproved && w.Contains(p.Timestamp) {
			total += p.Amount
		}
	}
	return total, nil
}

func (s *state) SaveApproval(_ context.Context, id generic.PaymentID, a generic.Approval) error {
	p, ok := s.payments[id]
	if !ok {
		return generic.ErrPaymentNotFound
	}
	s.payments[id] = p.WithApproval(a)
	return nil
}

func (s *state) UpdateCommission(_ context.Context, id generic.PaymentID, c generic.Commission) error {
	p, ok := s.payments[id]
	if !ok {
		return generic.ErrPaymentNotFound
	}
	p.Commission = c
	s.payments[id] = p
	return nil
}

// =============================================================================
// SESSIONS
// =============================================================================

func (m *Memory) CreateSession(ctx context.Context, ws generic.WorkSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateSession(ctx, ws)
}

func (m *Memory) GetSession(ctx context.Context, id generic.SessionID) (*generic.WorkSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetSession(ctx, id)
}

func (m *Memory) ActiveSession(ctx context.Context, operatorID generic.OperatorID) (*generic.WorkSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ActiveSession(ctx, operatorID)
}

func (m *Memory) ListActiveSessions(ctx context.Context) ([]generic.WorkSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListActiveSessions(ctx)
}

func (m *Memory) ListSessions(ctx context.Context, operatorID generic.OperatorID, w generic.Window) ([]generic.WorkSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListSessions(ctx, operatorID, w)
}

func (m *Memory) SaveSession(ctx context.Context, ws generic.WorkSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveSession(ctx, ws)
}

func (s *state) CreateSession(_ context.Context, ws generic.WorkSession) error {
	if ws.Status == generic.SessionActive {
		for _, other := range s.sessions {
			if other.OperatorID == ws.OperatorID && other.Status == generic.SessionActive {
				return generic.ErrSessionActive
			}
		}
	}
	s.sessions[ws.ID] = ws
	return nil
}

func (s *state) GetSession(_ context.Context, id generic.SessionID) (*generic.WorkSession, error) {
	ws, ok := s.sessions[id]
	if !ok {
		return nil, generic.ErrSessionNotFound
	}
	return &ws, nil
}

func (s *state) ActiveSession(_ context.Context, operatorID generic.OperatorID) (*generic.WorkSession, error) {
	for _, ws := range s.sessions {
		if ws.OperatorID == operatorID && ws.Status == generic.SessionActive {
			found := ws
			return &found, nil
		}
	}
	return nil, nil
}

func (s *state) ListActiveSessions(_ context.Context) ([]generic.WorkSession, error) {
	var result []generic.WorkSession
	for _, ws := range s.sessions {
		if ws.Status == generic.SessionActive {
			result = append(result, ws)
		}
	}
	sortSessions(result)
	return result, nil
}

func (s *state) ListSessions(_ context.Context, operatorID generic.OperatorID, w generic.Window) ([]generic.WorkSession, error) {
	var result []generic.WorkSession
	for _, ws := range s.sessions {
		if ws.OperatorID == operatorID && w.Contains(ws.StartTime) {
			result = append(result, ws)
		}
	}
	sortSessions(result)
	return result, nil
}

func (s *state) SaveSession(_ context.Context, ws generic.WorkSession) error {
	if _, ok := s.sessions[ws.ID]; !ok {
		return generic.ErrSessionNotFound
	}
	s.sessions[ws.ID] = ws
	return nil
}

func sortSessions(sessions []generic.WorkSession) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
}

// =============================================================================
// OPERATORS
// =============================================================================

func (m *Memory) GetOperator(ctx context.Context, id generic.OperatorID) (*generic.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetOperator(ctx, id)
}

func (m *Memory) SaveOperator(ctx context.Context, o generic.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveOperator(ctx, o)
}

func (m *Memory) ListOperators(ctx context.Context) ([]generic.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListOperators(ctx)
}

func (s *state) GetOperator(_ context.Context, id generic.OperatorID) (*generic.Operator, error) {
	o, ok := s.operators[id]
	if !ok {
		return nil, generic.ErrOperatorNotFound
	}
	return &o, nil
}

func (s *state) SaveOperator(_ context.Context, o generic.Operator) error {
	s.operators[o.ID] = o
	return nil
}

func (s *state) ListOperators(_ context.Context) ([]generic.Operator, error) {
	result := make([]generic.Operator, 0, len(s.operators))
	for _, o := range s.operators {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// ACTIVITY + NOTIFICATIONS
// =============================================================================

func (m *Memory) RecordActivity(_ context.Context, rec generic.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.activity = append(m.st.activity, rec)
	return nil
}

func (m *Memory) ListActivity(_ context.Context, paymentID generic.PaymentID) ([]generic.ActivityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []generic.ActivityRecord
	for _, rec := range m.st.activity {
		if rec.PaymentID == paymentID {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (m *Memory) Notify(_ context.Context, n generic.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.notifications = append(m.st.notifications, n)
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, userID generic.UserID, limit int) ([]generic.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []generic.Notification
	for i := len(m.st.notifications) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		if m.st.notifications[i].UserID == userID {
			result = append(result, m.st.notifications[i])
		}
	}
	return result, nil
}

// Notifications returns every notification delivered so far.
func (m *Memory) Notifications() []generic.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.Notification(nil), m.st.notifications...)
}

func (m *Memory) RecordSweepRun(_ context.Context, run generic.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.sweepRuns = append(m.st.sweepRuns, run)
	return nil
}

func (m *Memory) ListSweepRuns(_ context.Context, limit int) ([]generic.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []generic.SweepRun
	for i := len(m.st.sweepRuns) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, m.st.sweepRuns[i])
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()

	if err := fn(&m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() state {
	c := state{
		goals:         make(map[goalKey]generic.Goal, len(s.goals)),
		payments:      make(map[generic.PaymentID]generic.Payment, len(s.payments)),
		sessions:      make(map[generic.SessionID]generic.WorkSession, len(s.sessions)),
		operators:     make(map[generic.OperatorID]generic.Operator, len(s.operators)),
		activity:      append([]generic.ActivityRecord(nil), s.activity...),
		notifications: append([]generic.Notification(nil), s.notifications...),
		sweepRuns:     append([]generic.SweepRun(nil), s.sweepRuns...),
	}
	for k, v := range s.goals {
		c.goals[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.operators {
		c.operators[k] = v
	}
	return c
}
