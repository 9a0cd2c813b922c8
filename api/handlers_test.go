/*
handlers_test.go - HTTP tests for API handlers

Tests drive the real router over an in-memory SQLite store with a fixed
clock at 2025-01-15 12:00 UTC.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/metrics"
	"github.com/warp/commission-engine/pkg/logging"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/worktime"
)

var testNow = time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := generic.FixedClock{At: testNow}
	log := logging.Discard()

	ce := commission.NewEngine(store)
	ce.Clock = clock
	ce.Log = log
	ce.RetryBackoff = time.Millisecond

	we := worktime.NewEngine(store)
	we.Clock = clock
	we.Log = log

	h := NewHandler(store, ce, we)
	h.Clock = clock
	h.Log = log
	h.Sweeper.Log = log
	return h
}

func newTestServer(t *testing.T, opts RouterOptions) (*Handler, *httptest.Server) {
	t.Helper()
	h := setupTestHandler(t)
	srv := httptest.NewServer(NewRouter(h, opts))
	t.Cleanup(srv.Close)
	return h, srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedGoal(t *testing.T, h *Handler, operatorID generic.OperatorID, target generic.Money, rate int64) {
	t.Helper()
	require.NoError(t, h.Store.SaveGoal(context.Background(), generic.Goal{
		OperatorID:     operatorID,
		Day:            generic.NewDay(2025, time.January, 15),
		TargetAmount:   target,
		CommissionRate: decimal.NewFromInt(rate),
	}))
}

func createPayment(t *testing.T, srv *httptest.Server, id string, amount int64, hour int) {
	t.Helper()
	ts := time.Date(2025, time.January, 15, hour, 0, 0, 0, time.UTC)
	status := do(t, srv, http.MethodPost, "/api/payments", map[string]any{
		"id": id, "operator_id": "op-anna", "amount": amount, "timestamp": ts,
	}, nil)
	require.Equal(t, http.StatusCreated, status)
}

func approveAction(t *testing.T, srv *httptest.Server, id, action string) (int, ApprovalResponse) {
	t.Helper()
	var resp ApprovalResponse
	status := do(t, srv, http.MethodPost, "/api/payments/"+id+"/actions",
		ApprovalActionRequest{Action: action, ActorID: "admin-1"}, &resp)
	return status, resp
}

// =============================================================================
// PAYMENTS & APPROVALS
// =============================================================================

func TestCreatePayment_DefaultsAndValidation(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{})

	// GIVEN: a payment without id or timestamp
	var got PaymentDTO
	status := do(t, srv, http.MethodPost, "/api/payments", map[string]any{"operator_id": "op-anna", "amount": 5000}, &got)

	// THEN: it gets a UUID, the clock's time and a zero snapshot
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "2025-01-15T12:00:00Z", got.Timestamp)
	assert.False(t, got.FinancialApproved)
	assert.Equal(t, "0", got.Commission.Rate)
	assert.Equal(t, int64(0), got.Commission.Earned)

	// Missing amount, negative amount, missing operator.
	for _, body := range []map[string]any{
		{"operator_id": "op-anna"},
		{"operator_id": "op-anna", "amount": -1},
		{"amount": 100},
	} {
		var errResp ErrorResponse
		assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/payments", body, &errResp), body)
	}

	// An id that is already recorded conflicts.
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/payments",
		map[string]any{"id": got.ID, "operator_id": "op-anna", "amount": 1}, nil))
}

func TestApproval_ThresholdCrossingOverHTTP(t *testing.T) {
	h, srv := newTestServer(t, RouterOptions{})
	seedGoal(t, h, "op-anna", 25000, 20)
	createPayment(t, srv, "p1", 10000, 9)
	createPayment(t, srv, "p2", 10000, 10)
	createPayment(t, srv, "p3", 6000, 11)

	// GIVEN: two payments approved, below the target
	for _, id := range []string{"p1", "p2"} {
		status, resp := approveAction(t, srv, id, "approve_financial")
		require.Equal(t, http.StatusOK, status)
		require.True(t, resp.Success)
		assert.False(t, resp.Summary.ThresholdMet)
	}

	// WHEN: the third crosses it
	status, resp := approveAction(t, srv, "p3", "approve_financial")

	// THEN: the whole day pays 20%
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.True(t, resp.Changed)
	require.NotNil(t, resp.Summary)
	assert.True(t, resp.Summary.ThresholdMet)
	assert.Equal(t, int64(26000), resp.Summary.TotalDailyVolume)
	assert.Equal(t, int64(5200), resp.Summary.TotalCommission)
	assert.Equal(t, "20", resp.Summary.CommissionRate)
	assert.Equal(t, int64(1200), resp.Payment.Commission.Earned)

	var first PaymentStatusDTO
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/payments/p1", nil, &first))
	assert.Equal(t, int64(2000), first.Payment.Commission.Earned)
	assert.True(t, first.Payment.Commission.ThresholdMet)
	require.Len(t, first.Activity, 1)
	assert.Equal(t, "admin-1", first.Activity[0].ActorID)
	assert.True(t, first.Activity[0].After.Financial)

	// Operator without a roster entry is notified under its own ID.
	var notes []NotificationDTO
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/notifications?user_id=op-anna", nil, &notes))
	require.Len(t, notes, 3)
	assert.Equal(t, commission.NotifyPaymentApproved, notes[0].Type)
}

func TestApproval_RevokeResetsOwnSnapshot(t *testing.T) {
	h, srv := newTestServer(t, RouterOptions{})
	seedGoal(t, h, "op-anna", 25000, 20)
	createPayment(t, srv, "p1", 10000, 9)
	createPayment(t, srv, "p2", 20000, 10)
	approveAction(t, srv, "p1", "approve_financial")
	approveAction(t, srv, "p2", "approve_financial")

	status, resp := approveAction(t, srv, "p2", "revoke_financial")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Changed)
	assert.Equal(t, int64(0), resp.Payment.Commission.Earned)
	assert.Equal(t, "0", resp.Payment.Commission.Rate)
	assert.False(t, resp.Summary.ThresholdMet)

	var p1 PaymentStatusDTO
	do(t, srv, http.MethodGet, "/api/payments/p1", nil, &p1)
	assert.Equal(t, int64(0), p1.Payment.Commission.Earned)
	assert.Equal(t, int64(10000), p1.Payment.Commission.DailyVolumeAtTime)
}

func TestApproval_MissingGoalIsWarningNotError(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{})
	createPayment(t, srv, "p1", 10000, 9)

	status, resp := approveAction(t, srv, "p1", "approve_financial")

	// THEN: 200, flag stood, success=false with the warning
	require.Equal(t, http.StatusOK, status)
	assert.False(t, resp.Success)
	assert.True(t, resp.Changed)
	assert.True(t, resp.Payment.FinancialApproved)
	assert.Equal(t, commission.WarningCommissionFailed, resp.Warning)
	assert.Contains(t, resp.Error, "no goal")
	assert.Nil(t, resp.Summary)
}

func TestApproval_DeliveryAndNoOp(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{})
	createPayment(t, srv, "p1", 10000, 9)

	status, resp := approveAction(t, srv, "p1", "approve_delivery")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.True(t, resp.Payment.DeliveryApproved)
	assert.Nil(t, resp.Summary)

	status, resp = approveAction(t, srv, "p1", "approve_delivery")
	require.Equal(t, http.StatusOK, status)
	assert.False(t, resp.Changed)
}

func TestApproval_ErrorStatuses(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{})
	createPayment(t, srv, "p1", 10000, 9)

	status, _ := approveAction(t, srv, "p1", "approve_everything")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = approveAction(t, srv, "missing", "approve_financial")
	assert.Equal(t, http.StatusNotFound, status)

	var errResp ErrorResponse
	status = do(t, srv, http.MethodPost, "/api/payments/p1/actions", map[string]any{"action": "approve_financial"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, errResp.Details, "ActorID")

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/payments/missing", nil, nil))
}

func TestApproval_RateLimited(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{ApprovalLimiter: rate.NewLimiter(0, 1)})
	createPayment(t, srv, "p1", 10000, 9)

	status, _ := approveAction(t, srv, "p1", "approve_delivery")
	assert.Equal(t, http.StatusOK, status)

	status, _ = approveAction(t, srv, "p1", "revoke_delivery")
	assert.Equal(t, http.StatusTooManyRequests, status)

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/payments/p1", nil, nil))
}

// =============================================================================
// RECALCULATE & GOALS
// =============================================================================

func TestRecalculate(t *testing.T) {
	h, srv := newTestServer(t, RouterOptions{})

	var errResp ErrorResponse
	status := do(t, srv, http.MethodPost, "/api/operators/op-anna/recalculate", RecalculateRequest{Date: "2025-01-15"}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status = do(t, srv, http.MethodPost, "/api/operators/op-anna/recalculate", RecalculateRequest{Date: "15/01/2025"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	seedGoal(t, h, "op-anna", 0, 10)
	var summary SummaryDTO
	status = do(t, srv, http.MethodPost, "/api/operators/op-anna/recalculate", RecalculateRequest{Date: "2025-01-15"}, &summary)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, summary.ThresholdMet) // zero target is met by an empty day
	assert.Empty(t, summary.AffectedPaymentIDs)
}

func TestGoals_PutAndGet(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{})

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/operators/op-anna/goals/2025-01-15", nil, nil))

	var goal GoalDTO
	status := do(t, srv, http.MethodPut, "/api/operators/op-anna/goals/2025-01-15",
		map[string]any{"target_amount": 25000, "commission_rate": "12.5"}, &goal)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "12.5", goal.CommissionRate)

	goal = GoalDTO{}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/operators/op-anna/goals/2025-01-15", nil, &goal))
	assert.Equal(t, int64(25000), goal.TargetAmount)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPut, "/api/operators/op-anna/goals/2025-01-15",
		map[string]any{"target_amount": 25000, "commission_rate": "twenty"}, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPut, "/api/operators/op-anna/goals/2025-01-15",
		map[string]any{"target_amount": 25000, "commission_rate": "-1"}, nil))
}

func TestProvisionGoals(t *testing.T) {
	h, srv := newTestServer(t, RouterOptions{})
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/api/operators/op-anna", OperatorRequest{HourlyRate: 1500}, nil))

	var res struct {
		Operators int `json:"operators"`
		Created   int `json:"created"`
	}
	status := do(t, srv, http.MethodPost, "/api/goals/provision", map[string]any{"days_back": 1, "days_forward": 1}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, res.Operators)
	assert.Equal(t, 3, res.Created)

	goal, found, err := h.Store.LookupGoal(context.Background(), "op-anna", generic.NewDay(2025, time.January, 16))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, generic.Money(125000), goal.TargetAmount)
}

// =============================================================================
// OPERATORS
// =============================================================================

func TestOperators_PutGetList(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{})

	req := OperatorRequest{
		UserID:          "user-anna",
		HourlyRate:      1500,
		Timezone:        "Europe/Prague",
		MilestoneMetric: "minutes",
		MilestoneTiers:  []MilestoneTierRequest{{Amount: 60, Bonus: 300}},
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/api/operators/op-anna", req, nil))

	var got struct {
		ID       string `json:"id"`
		Timezone string `json:"timezone"`
		Tiers    []struct {
			Amount int64 `json:"amount"`
			Bonus  int64 `json:"bonus"`
		} `json:"milestone_tiers"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/operators/op-anna", nil, &got))
	assert.Equal(t, "Europe/Prague", got.Timezone)
	require.Len(t, got.Tiers, 1)
	assert.Equal(t, int64(300), got.Tiers[0].Bonus)

	var list []map[string]any
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/operators", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/operators/nobody", nil, nil))

	// Invalid timezone, metric and duplicate thresholds.
	bad := []OperatorRequest{
		{Timezone: "Mars/Olympus"},
		{MilestoneMetric: "karma"},
		{MilestoneTiers: []MilestoneTierRequest{{Amount: 10, Bonus: 1}, {Amount: 10, Bonus: 2}}},
		{HourlyRate: -5},
	}
	for _, b := range bad {
		assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPut, "/api/operators/op-x", b, nil), b)
	}
}

// =============================================================================
// SESSIONS, EARNINGS, SWEEP
// =============================================================================

func TestSessions_StartStopAndEarnings(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{})
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/api/operators/op-anna", OperatorRequest{HourlyRate: 1500}, nil))

	var ws SessionDTO
	start := time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/operators/op-anna/sessions",
		StartSessionRequest{StartTime: &start}, &ws))
	assert.Equal(t, "active", ws.Status)

	// Second active session conflicts.
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/operators/op-anna/sessions", nil, nil))

	// Stop defaults to the clock: 12:00, three hours.
	var stopped SessionDTO
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/sessions/"+ws.ID+"/stop", nil, &stopped))
	assert.Equal(t, "completed", stopped.Status)
	assert.Equal(t, int64(180), stopped.DurationMinutes)
	assert.Equal(t, int64(4500), stopped.CalculatedEarnings)
	require.NotNil(t, stopped.Changed)
	assert.True(t, *stopped.Changed)

	// Stopping again is a no-op.
	stopped = SessionDTO{}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/sessions/"+ws.ID+"/stop", nil, &stopped))
	assert.False(t, *stopped.Changed)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/sessions/nope/stop", nil, nil))

	var earnings EarningsDTO
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/operators/op-anna/earnings", nil, &earnings))
	assert.Equal(t, "2025-01-15", earnings.Date)
	assert.Equal(t, int64(4500), earnings.HourlyEarnings)
	assert.Equal(t, int64(4500), earnings.TotalEarnings)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/operators/op-anna/earnings?date=yesterday", nil, nil))
}

func TestSweep_EndpointRecordsRun(t *testing.T) {
	h, srv := newTestServer(t, RouterOptions{})
	_, err := h.Sessions.Start(context.Background(), "op-anna", time.Date(2025, time.January, 14, 23, 40, 0, 0, time.UTC))
	require.NoError(t, err)

	var run SweepRunDTO
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/sweep", nil, &run))
	assert.Equal(t, 1, run.Closed)
	assert.Empty(t, run.Error)

	var runs SweepRunsResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/sweep/runs", nil, &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, run.ID, runs.Runs[0].ID)
	assert.False(t, runs.Scheduled)
	assert.Nil(t, runs.NextRunAt)

	// WHEN: the scheduler is running, the next tick is reported
	h.Sweeper.Interval = time.Hour
	h.Sweeper.Start()
	t.Cleanup(h.Sweeper.Stop)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/sweep/runs", nil, &runs))
	assert.True(t, runs.Scheduled)
	assert.Equal(t, "1h0m0s", runs.Interval)
	require.NotNil(t, runs.NextRunAt)
	next, err := time.Parse(time.RFC3339, *runs.NextRunAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/sweep/runs?limit=zero", nil, nil))
}

// =============================================================================
// REPORTING & INFRA
// =============================================================================

func TestProgress(t *testing.T) {
	h, srv := newTestServer(t, RouterOptions{})
	seedGoal(t, h, "op-anna", 1, 10)
	createPayment(t, srv, "today", 10000, 9)
	approveAction(t, srv, "today", "approve_financial")

	ctx := context.Background()
	require.NoError(t, h.Store.CreatePayment(ctx, generic.Payment{
		ID: "earlier", OperatorID: "op-bob", Amount: 5000, Timestamp: time.Date(2025, time.January, 2, 9, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, h.Store.SaveApproval(ctx, "earlier", generic.Approval{FinancialApproved: true}))

	var progress ProgressDTO
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/progress", nil, &progress))
	assert.Equal(t, int64(10000), progress.Volume["daily"])
	assert.Equal(t, int64(10000), progress.Volume["weekly"]) // week starts Sunday Jan 12
	assert.Equal(t, int64(15000), progress.Volume["monthly"])

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/progress?tz=Nowhere/City", nil, nil))
}

func TestNotifications_RequiresUser(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{})
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/notifications", nil, nil))
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	_, srv := newTestServer(t, RouterOptions{Metrics: m.Handler()})

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/health", nil, nil))

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		&generic.GoalNotFoundError{OperatorID: "op", Day: generic.NewDay(2025, 1, 1)}: http.StatusUnprocessableEntity,
		generic.ErrPaymentNotFound:     http.StatusNotFound,
		generic.ErrSessionNotFound:     http.StatusNotFound,
		generic.ErrSessionActive:       http.StatusConflict,
		generic.ErrConcurrentRecompute: http.StatusConflict,
		generic.ErrInvalidAction:       http.StatusBadRequest,
		generic.ErrInvalidAmount:       http.StatusBadRequest,
		assert.AnError:                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
