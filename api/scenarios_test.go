/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Operators and goals are created
	- Approvals ran real recomputes
	- Sessions are left where the demo needs them

These tests ensure scenarios work correctly and can be used as integration tests.
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/generic"
)

func TestScenario_ThresholdCrossing(t *testing.T) {
	// GIVEN: the threshold-crossing scenario
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadThresholdCrossingScenario(ctx))

	// THEN: 20000 approved, below the 25000 target
	p1, err := h.Store.GetPayment(ctx, "pay-anna-1")
	require.NoError(t, err)
	assert.True(t, p1.FinancialApproved)
	assert.False(t, p1.Commission.ThresholdMet)
	assert.Equal(t, generic.Money(20000), p1.Commission.DailyVolumeAtTime)

	// WHEN: the pending payment is approved
	res, err := h.Approver.Apply(ctx, "pay-anna-3", generic.ActionApproveFinancial, "admin")
	require.NoError(t, err)

	// THEN: the whole day pays 20%
	require.True(t, res.Success)
	assert.Equal(t, generic.Money(5200), res.Summary.TotalCommission)

	p1, err = h.Store.GetPayment(ctx, "pay-anna-1")
	require.NoError(t, err)
	assert.Equal(t, generic.Money(2000), p1.Commission.Earned)

	notes, err := h.Store.ListNotifications(ctx, "user-anna", 0)
	require.NoError(t, err)
	assert.Len(t, notes, 3)
}

func TestScenario_MissingGoal(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadMissingGoalScenario(ctx))

	res, err := h.Approver.Apply(ctx, "pay-bob-1", generic.ActionApproveFinancial, "admin")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Payment.FinancialApproved)
	assert.True(t, generic.IsNotFound(res.Err))
}

func TestScenario_OvernightSession(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadOvernightSessionScenario(ctx))

	active, err := h.Store.ActiveSession(ctx, "op-carla")
	require.NoError(t, err)
	require.NotNil(t, active)

	// WHEN: the sweep runs (12:00 UTC is 07:00 in New York)
	run, err := h.Sweeper.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Closed)

	// THEN: closed at New York midnight after 20 minutes
	ws, err := h.Store.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.SessionAutoStopped, ws.Status)
	assert.Equal(t, int64(20), ws.DurationMinutes)
	assert.Equal(t, generic.Money(666), ws.CalculatedEarnings) // 20/60 × 2000
	assert.Equal(t, generic.Money(100), ws.MilestoneBonus)
	assert.True(t, ws.EndTime.Equal(time.Date(2025, time.January, 15, 5, 0, 0, 0, time.UTC)))
}

func TestScenario_Milestones(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadMilestonesScenario(ctx))

	active, err := h.Store.ActiveSession(ctx, "op-dana")
	require.NoError(t, err)
	require.NotNil(t, active)

	res, err := h.Sessions.Stop(ctx, active.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(5400), res.Session.CalculatedEarnings) // 3h × 1800
	assert.Equal(t, generic.Money(500), res.Session.MilestoneBonus)      // 12000 approved in session

	earnings, err := h.Sessions.DailyEarnings(ctx, "op-dana", generic.NewDay(2025, time.January, 15))
	require.NoError(t, err)
	assert.Equal(t, generic.Money(12000), earnings.TotalVolume)
	assert.Equal(t, generic.Money(0), earnings.TotalCommission)
	assert.Equal(t, generic.Money(5900), earnings.TotalEarnings)
}

func TestScenario_Team(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadTeamScenario(ctx))

	ops, err := h.Store.ListOperators(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	for _, op := range ops {
		today := generic.DayOf(testNow, op.Loc())
		for _, day := range []generic.Day{today.AddDays(-7), today, today.AddDays(7)} {
			_, found, err := h.Store.LookupGoal(ctx, op.ID, day)
			require.NoError(t, err)
			assert.True(t, found, "%s %s", op.ID, day)
		}

		payments, err := generic.NewLedger(h.Store).DayPayments(ctx, op, today)
		require.NoError(t, err)
		assert.Len(t, payments, 2, op.ID)
	}
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	_, srv := newTestServer(t, RouterOptions{})

	var list []ScenarioDTO
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/scenarios", nil, &list))
	require.Len(t, list, len(scenarios))

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			status := do(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: s.ID}, nil)
			require.Equal(t, http.StatusOK, status)

			var current ScenarioDTO
			require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/scenarios/current", nil, &current))
			assert.Equal(t, s.ID, current.ID)
		})
	}

	assert.Equal(t, http.StatusBadRequest,
		do(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, nil))
}
