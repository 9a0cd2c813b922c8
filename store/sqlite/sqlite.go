/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the engines use (generic.TxStore,
  ActivityLog, NotificationLog, SweepLog) on SQLite. In production the same
  patterns apply to PostgreSQL with minor dialect differences.

INTERFACES IMPLEMENTED:
  generic.TxStore:         goals, payments, work sessions, operators
  generic.ActivityLog:     approval audit
  generic.NotificationLog: operator notifications
  generic.SweepLog:        day-boundary sweep runs

KEY TABLES:
  payments:       ledger rows; only flags and commission columns are ever updated
  goals:          UNIQUE(operator_id, day)
  work_sessions:  at most one active row per operator (partial unique index)
  operators:      hourly rate, timezone, milestone tiers (JSON)
  activity_log:   append-only
  notifications:  append-only
  sweep_runs:     append-only

STORAGE FORMATS:
  Money is INTEGER minor units, rates are decimal TEXT, instants are
  fixed-width UTC text (so string order is time order), days are
  YYYY-MM-DD text.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection. Inside
  WithTx every query goes through the *sql.Tx, never the pool, so a
  recompute sees its own writes and ":memory:" databases stay one database.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := commission.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/generic"
)

// timeLayout is fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ generic.TxStore         = (*Store)(nil)
	_ generic.ActivityLog     = (*Store)(nil)
	_ generic.NotificationLog = (*Store)(nil)
	_ generic.SweepLog        = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the SQL of every generic.Store method, bound to a querier.
// Store wraps it with locking; WithTx hands it out bound to a *sql.Tx.
type queries struct {
	q querier
}

var _ generic.Store = (*queries)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) base() *queries {
	return &queries{q: s.db}
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Operators (roster data read by the engines)
	CREATE TABLE IF NOT EXISTS operators (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		hourly_rate INTEGER NOT NULL DEFAULT 0,
		timezone TEXT NOT NULL DEFAULT '',
		milestone_metric TEXT NOT NULL DEFAULT 'volume',
		milestone_tiers_json TEXT NOT NULL DEFAULT '[]',
		updated_at TEXT NOT NULL
	);

	-- Goals (one per operator per local day)
	CREATE TABLE IF NOT EXISTS goals (
		operator_id TEXT NOT NULL,
		day TEXT NOT NULL,
		target_amount INTEGER NOT NULL,
		commission_rate TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (operator_id, day)
	);

	-- Payments (amount/operator/ts immutable; flags + commission snapshot mutable)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		operator_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		ts TEXT NOT NULL,
		financial_approved INTEGER NOT NULL DEFAULT 0,
		financial_approved_at TEXT,
		delivery_approved INTEGER NOT NULL DEFAULT 0,
		delivery_approved_at TEXT,
		daily_volume_at_time INTEGER NOT NULL DEFAULT 0,
		commission_rate TEXT NOT NULL DEFAULT '0',
		commission_earned INTEGER NOT NULL DEFAULT 0,
		threshold_met INTEGER NOT NULL DEFAULT 0,
		commission_calculated_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Day pool lookup (hot path of every recompute)
	CREATE INDEX IF NOT EXISTS idx_payments_operator_approved_ts
		ON payments(operator_id, financial_approved, ts);
	CREATE INDEX IF NOT EXISTS idx_payments_approved_ts
		ON payments(financial_approved, ts);

	-- Work sessions
	CREATE TABLE IF NOT EXISTS work_sessions (
		id TEXT PRIMARY KEY,
		operator_id TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		status TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		calculated_earnings INTEGER NOT NULL DEFAULT 0,
		milestone_bonus INTEGER NOT NULL DEFAULT 0,
		auto_stopped_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_operator_start
		ON work_sessions(operator_id, start_time);

	-- CRITICAL: at most one active session per operator
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_session
		ON work_sessions(operator_id) WHERE status = 'active';

	-- Approval audit (append-only)
	CREATE TABLE IF NOT EXISTS activity_log (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		before_json TEXT NOT NULL,
		after_json TEXT NOT NULL,
		amount INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activity_payment
		ON activity_log(payment_id, created_at);

	-- Notifications (append-only)
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		type TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON notifications(user_id, created_at DESC);

	-- Day-boundary sweep runs
	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		closed INTEGER NOT NULL,
		error TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// GOALS (generic.GoalStore)
// =============================================================================

func (s *Store) LookupGoal(ctx context.Context, operatorID generic.OperatorID, day generic.Day) (generic.Goal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().LookupGoal(ctx, operatorID, day)
}

func (s *Store) SaveGoal(ctx context.Context, g generic.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base().SaveGoal(ctx, g)
}

func (qs *queries) LookupGoal(ctx context.Context, operatorID generic.OperatorID, day generic.Day) (generic.Goal, bool, error) {
	var target int64
	var rate string
	err := qs.q.QueryRowContext(ctx,
		`SELECT target_amount, commission_rate FROM goals WHERE operator_id = ? AND day = ?`,
		operatorID, day.String(),
	).Scan(&target, &rate)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Goal{}, false, nil
	}
	if err != nil {
		return generic.Goal{}, false, fmt.Errorf("failed to get goal: %w", err)
	}

	r, err := decimal.NewFromString(rate)
	if err != nil {
		return generic.Goal{}, false, fmt.Errorf("corrupt commission_rate %q: %w", rate, err)
	}
	return generic.Goal{
		OperatorID:     operatorID,
		Day:            day,
		TargetAmount:   generic.Money(target),
		CommissionRate: r,
	}, true, nil
}

func (qs *queries) SaveGoal(ctx context.Context, g generic.Goal) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO goals (operator_id, day, target_amount, commission_rate, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(operator_id, day) DO UPDATE SET
			target_amount = excluded.target_amount,
			commission_rate = excluded.commission_rate,
			updated_at = excluded.updated_at
	`, g.OperatorID, g.Day.String(), int64(g.TargetAmount), g.CommissionRate.String(), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save goal: %w", err)
	}
	return nil
}

// =============================================================================
// PAYMENTS (generic.PaymentStore)
// =============================================================================

const paymentColumns = `
	id, operator_id, amount, ts,
	financial_approved, financial_approved_at, delivery_approved, delivery_approved_at,
	daily_volume_at_time, commission_rate, commission_earned, threshold_met, commission_calculated_at,
	created_at`

func (s *Store) CreatePayment(ctx context.Context, p generic.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base().CreatePayment(ctx, p)
}

func (s *Store) GetPayment(ctx context.Context, id generic.PaymentID) (*generic.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().GetPayment(ctx, id)
}

func (s *Store) ListApprovedPayments(ctx context.Context, operatorID generic.OperatorID, w generic.Window) ([]generic.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().ListApprovedPayments(ctx, operatorID, w)
}

func (s *Store) ApprovedVolume(ctx context.Context, operatorID generic.OperatorID, w generic.Window) (generic.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().ApprovedVolume(ctx, operatorID, w)
}

func (s *Store) SaveApproval(ctx context.Context, id generic.PaymentID, a generic.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base().SaveApproval(ctx, id, a)
}

func (s *Store) UpdateCommission(ctx context.Context, id generic.PaymentID, c generic.Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base().UpdateCommission(ctx, id, c)
}

func (qs *queries) CreatePayment(ctx context.Context, p generic.Payment) error {
	if p.Amount < 0 {
		return generic.ErrInvalidAmount
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	rate := p.Commission.Rate
	_, err := qs.q.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OperatorID, int64(p.Amount), formatTime(p.Timestamp),
		p.FinancialApproved, nullTime(p.FinancialApprovedAt),
		p.DeliveryApproved, nullTime(p.DeliveryApprovedAt),
		int64(p.Commission.DailyVolumeAtTime), rate.String(), int64(p.Commission.Earned),
		p.Commission.ThresholdMet, nullTime(p.Commission.CalculatedAt),
		formatTime(created),
	)
	if isUniqueConstraintError(err) {
		return generic.ErrPaymentExists
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (qs *queries) GetPayment(ctx context.Context, id generic.PaymentID) (*generic.Payment, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &p, nil
}

func (qs *queries) ListApprovedPayments(ctx context.Context, operatorID generic.OperatorID, w generic.Window) ([]generic.Payment, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE operator_id = ? AND financial_approved = 1 AND ts >= ? AND ts < ?
		ORDER BY ts ASC, id ASC
	`, operatorID, formatTime(w.Start), formatTime(w.End))
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var result []generic.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (qs *queries) ApprovedVolume(ctx context.Context, operatorID generic.OperatorID, w generic.Window) (generic.Money, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE financial_approved = 1 AND ts >= ? AND ts < ?`
	args := []any{formatTime(w.Start), formatTime(w.End)}
	if operatorID != "" {
		query += ` AND operator_id = ?`
		args = append(args, operatorID)
	}

	var total int64
	if err := qs.q.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum approved volume: %w", err)
	}
	return generic.Money(total), nil
}

func (qs *queries) SaveApproval(ctx context.Context, id generic.PaymentID, a generic.Approval) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE payments SET
			financial_approved = ?, financial_approved_at = ?,
			delivery_approved = ?, delivery_approved_at = ?
		WHERE id = ?
	`, a.FinancialApproved, nullTime(a.FinancialApprovedAt), a.DeliveryApproved, nullTime(a.DeliveryApprovedAt), id)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return requireOneRow(res, generic.ErrPaymentNotFound)
}

func (qs *queries) UpdateCommission(ctx context.Context, id generic.PaymentID, c generic.Commission) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE payments SET
			daily_volume_at_time = ?, commission_rate = ?, commission_earned = ?,
			threshold_met = ?, commission_calculated_at = ?
		WHERE id = ?
	`, int64(c.DailyVolumeAtTime), c.Rate.String(), int64(c.Earned), c.ThresholdMet, nullTime(c.CalculatedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update commission: %w", err)
	}
	return requireOneRow(res, generic.ErrPaymentNotFound)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (generic.Payment, error) {
	var (
		p                        generic.Payment
		amount, volume, earned   int64
		ts, rate, created        string
		finAt, delAt, calcAt     sql.NullString
		financial, delivery, met bool
	)
	err := row.Scan(
		&p.ID, &p.OperatorID, &amount, &ts,
		&financial, &finAt, &delivery, &delAt,
		&volume, &rate, &earned, &met, &calcAt,
		&created,
	)
	if err != nil {
		return generic.Payment{}, err
	}

	p.Amount = generic.Money(amount)
	p.FinancialApproved = financial
	p.DeliveryApproved = delivery
	if p.Timestamp, err = parseTime(ts); err != nil {
		return generic.Payment{}, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return generic.Payment{}, err
	}
	if p.FinancialApprovedAt, err = parseNullTime(finAt); err != nil {
		return generic.Payment{}, err
	}
	if p.DeliveryApprovedAt, err = parseNullTime(delAt); err != nil {
		return generic.Payment{}, err
	}

	r, err := decimal.NewFromString(rate)
	if err != nil {
		return generic.Payment{}, fmt.Errorf("corrupt commission_rate %q: %w", rate, err)
	}
	p.Commission = generic.Commission{
		DailyVolumeAtTime: generic.Money(volume),
		Rate:              r,
		Earned:            generic.Money(earned),
		ThresholdMet:      met,
	}
	if p.Commission.CalculatedAt, err = parseNullTime(calcAt); err != nil {
		return generic.Payment{}, err
	}
	return p, nil
}

// =============================================================================
// WORK SESSIONS (generic.SessionStore)
// =============================================================================

const sessionColumns = `
	id, operator_id, start_time, end_time, status,
	duration_minutes, calculated_earnings, milestone_bonus, auto_stopped_at`

func (s *Store) CreateSession(ctx context.Context, ws generic.WorkSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base().CreateSession(ctx, ws)
}

func (s *Store) GetSession(ctx context.Context, id generic.SessionID) (*generic.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().GetSession(ctx, id)
}

func (s *Store) ActiveSession(ctx context.Context, operatorID generic.OperatorID) (*generic.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().ActiveSession(ctx, operatorID)
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]generic.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().ListActiveSessions(ctx)
}

func (s *Store) ListSessions(ctx context.Context, operatorID generic.OperatorID, w generic.Window) ([]generic.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().ListSessions(ctx, operatorID, w)
}

func (s *Store) SaveSession(ctx context.Context, ws generic.WorkSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base().SaveSession(ctx, ws)
}

func (qs *queries) CreateSession(ctx context.Context, ws generic.WorkSession) error {
	_, err := qs.q.ExecContext(ctx, `INSERT INTO work_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.OperatorID, formatTime(ws.StartTime), nullTime(ws.EndTime), string(ws.Status),
		ws.DurationMinutes, int64(ws.CalculatedEarnings), int64(ws.MilestoneBonus), nullTime(ws.AutoStoppedAt),
	)
	if isUniqueConstraintError(err) {
		return generic.ErrSessionActive
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (qs *queries) GetSession(ctx context.Context, id generic.SessionID) (*generic.WorkSession, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM work_sessions WHERE id = ?`, id)
	ws, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &ws, nil
}

func (qs *queries) ActiveSession(ctx context.Context, operatorID generic.OperatorID) (*generic.WorkSession, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM work_sessions WHERE operator_id = ? AND status = 'active'`, operatorID)
	ws, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return &ws, nil
}

func (qs *queries) ListActiveSessions(ctx context.Context) ([]generic.WorkSession, error) {
	return qs.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM work_sessions WHERE status = 'active' ORDER BY start_time ASC`)
}

func (qs *queries) ListSessions(ctx context.Context, operatorID generic.OperatorID, w generic.Window) ([]generic.WorkSession, error) {
	return qs.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM work_sessions
		WHERE operator_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time ASC
	`, operatorID, formatTime(w.Start), formatTime(w.End))
}

func (qs *queries) SaveSession(ctx context.Context, ws generic.WorkSession) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE work_sessions SET
			end_time = ?, status = ?, duration_minutes = ?,
			calculated_earnings = ?, milestone_bonus = ?, auto_stopped_at = ?
		WHERE id = ?
	`, nullTime(ws.EndTime), string(ws.Status), ws.DurationMinutes,
		int64(ws.CalculatedEarnings), int64(ws.MilestoneBonus), nullTime(ws.AutoStoppedAt), ws.ID)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return requireOneRow(res, generic.ErrSessionNotFound)
}

func (qs *queries) querySessions(ctx context.Context, query string, args ...any) ([]generic.WorkSession, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var result []generic.WorkSession
	for rows.Next() {
		ws, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ws)
	}
	return result, rows.Err()
}

func scanSession(row scanner) (generic.WorkSession, error) {
	var (
		ws               generic.WorkSession
		start, status    string
		end, autoStopped sql.NullString
		earnings, bonus  int64
	)
	err := row.Scan(&ws.ID, &ws.OperatorID, &start, &end, &status,
		&ws.DurationMinutes, &earnings, &bonus, &autoStopped)
	if err != nil {
		return generic.WorkSession{}, err
	}

	ws.Status = generic.SessionStatus(status)
	ws.CalculatedEarnings = generic.Money(earnings)
	ws.MilestoneBonus = generic.Money(bonus)
	if ws.StartTime, err = parseTime(start); err != nil {
		return generic.WorkSession{}, err
	}
	if ws.EndTime, err = parseNullTime(end); err != nil {
		return generic.WorkSession{}, err
	}
	if ws.AutoStoppedAt, err = parseNullTime(autoStopped); err != nil {
		return generic.WorkSession{}, err
	}
	return ws, nil
}

// =============================================================================
// OPERATORS (generic.OperatorStore)
// =============================================================================

const operatorColumns = `id, user_id, name, hourly_rate, timezone, milestone_metric, milestone_tiers_json`

func (s *Store) GetOperator(ctx context.Context, id generic.OperatorID) (*generic.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().GetOperator(ctx, id)
}

func (s *Store) SaveOperator(ctx context.Context, o generic.Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base().SaveOperator(ctx, o)
}

func (s *Store) ListOperators(ctx context.Context) ([]generic.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base().ListOperators(ctx)
}

func (qs *queries) GetOperator(ctx context.Context, id generic.OperatorID) (*generic.Operator, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = ?`, id)
	op, err := scanOperator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrOperatorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operator: %w", err)
	}
	return &op, nil
}

func (qs *queries) SaveOperator(ctx context.Context, o generic.Operator) error {
	tiers := o.Milestones.Tiers
	if tiers == nil {
		tiers = []generic.MilestoneTier{}
	}
	tiersJSON, err := json.Marshal(tiers)
	if err != nil {
		return fmt.Errorf("failed to encode milestone tiers: %w", err)
	}

	tz := ""
	if o.Location != nil {
		tz = o.Location.String()
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO operators (`+operatorColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			hourly_rate = excluded.hourly_rate,
			timezone = excluded.timezone,
			milestone_metric = excluded.milestone_metric,
			milestone_tiers_json = excluded.milestone_tiers_json,
			updated_at = excluded.updated_at
	`, o.ID, string(o.UserID), o.Name, int64(o.HourlyRate), tz,
		string(o.Milestones.MetricOrDefault()), string(tiersJSON), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save operator: %w", err)
	}
	return nil
}

func (qs *queries) ListOperators(ctx context.Context) ([]generic.Operator, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT `+operatorColumns+` FROM operators ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query operators: %w", err)
	}
	defer rows.Close()

	var result []generic.Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

func scanOperator(row scanner) (generic.Operator, error) {
	var (
		op                        generic.Operator
		userID, tz, metric, tiers string
		rate                      int64
	)
	if err := row.Scan(&op.ID, &userID, &op.Name, &rate, &tz, &metric, &tiers); err != nil {
		return generic.Operator{}, err
	}

	op.UserID = generic.UserID(userID)
	op.HourlyRate = generic.Money(rate)
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return generic.Operator{}, fmt.Errorf("operator %s timezone %q: %w", op.ID, tz, err)
		}
		op.Location = loc
	}
	op.Milestones.Metric = generic.MilestoneMetric(metric)
	if err := json.Unmarshal([]byte(tiers), &op.Milestones.Tiers); err != nil {
		return generic.Operator{}, fmt.Errorf("operator %s milestone tiers: %w", op.ID, err)
	}
	return op, nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// ACTIVITY LOG (generic.ActivityLog)
// =============================================================================

func (s *Store) RecordActivity(ctx context.Context, rec generic.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, _ := json.Marshal(rec.Before)
	after, _ := json.Marshal(rec.After)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, payment_id, actor_id, action, before_json, after_json, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.PaymentID, rec.ActorID, string(rec.Action), string(before), string(after),
		int64(rec.Amount), formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

func (s *Store) ListActivity(ctx context.Context, paymentID generic.PaymentID) ([]generic.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, actor_id, action, before_json, after_json, amount, created_at
		FROM activity_log
		WHERE payment_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var result []generic.ActivityRecord
	for rows.Next() {
		var (
			rec                   generic.ActivityRecord
			action, before, after string
			created               string
			amount                int64
		)
		if err := rows.Scan(&rec.ID, &rec.PaymentID, &rec.ActorID, &action, &before, &after, &amount, &created); err != nil {
			return nil, err
		}
		rec.Action = generic.ActionType(action)
		rec.Amount = generic.Money(amount)
		if err := json.Unmarshal([]byte(before), &rec.Before); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(after), &rec.After); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// =============================================================================
// NOTIFICATIONS (generic.NotificationLog)
// =============================================================================

func (s *Store) Notify(ctx context.Context, n generic.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata := n.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode notification metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, body, type, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, string(n.UserID), n.Title, n.Body, n.Type, string(metaJSON), formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID generic.UserID, limit int) ([]generic.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, body, type, metadata_json, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, string(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var result []generic.Notification
	for rows.Next() {
		var (
			n                generic.Notification
			user, meta, when string
		)
		if err := rows.Scan(&n.ID, &user, &n.Title, &n.Body, &n.Type, &meta, &when); err != nil {
			return nil, err
		}
		n.UserID = generic.UserID(user)
		if err := json.Unmarshal([]byte(meta), &n.Metadata); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTime(when); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// =============================================================================
// SWEEP RUNS (generic.SweepLog)
// =============================================================================

func (s *Store) RecordSweepRun(ctx context.Context, run generic.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, started_at, finished_at, closed, error)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt), run.Closed, nullString(run.Error))
	if err != nil {
		return fmt.Errorf("failed to record sweep run: %w", err)
	}
	return nil
}

func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]generic.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, closed, error
		FROM sweep_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep runs: %w", err)
	}
	defer rows.Close()

	var result []generic.SweepRun
	for rows.Next() {
		var (
			run            generic.SweepRun
			started, ended string
			errText        sql.NullString
		)
		if err := rows.Scan(&run.ID, &started, &ended, &run.Closed, &errText); err != nil {
			return nil, err
		}
		run.Error = errText.String
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if run.FinishedAt, err = parseTime(ended); err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payments", "goals", "work_sessions", "operators", "activity_log", "notifications", "sweep_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func requireOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
