/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates operators, goals,
	payments and work sessions that demonstrate specific features.

AVAILABLE SCENARIOS:

	threshold-crossing: two approved payments below the goal, a third pending one crosses it
	missing-goal:       pending payment for an operator with no goal today
	overnight-session:  session still open from yesterday, ready for the sweep
	milestones:         open session with approved volume inside it and a tier table
	team:               operators in three timezones with provisioned goals

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create operators via factory
 3. Create goals (directly or via provisioning)
 4. Create payments and approve some through the Approver, so the
    commission snapshots are real recomputes
 5. Optionally open work sessions

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "threshold-crossing"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ListScenarios, LoadScenario handlers
  - factory/operator.go: Operator JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const scenarioActor = "scenario-loader"

var scenarios = []ScenarioDTO{
	{
		ID:          "threshold-crossing",
		Name:        "Threshold Crossing",
		Description: "Goal 25000 at 20%: 20000 approved, approving the pending 6000 pays commission on the whole day",
		Category:    "commission",
	},
	{
		ID:          "missing-goal",
		Name:        "Missing Goal",
		Description: "Approving the pending payment succeeds but commission calculation fails with a warning",
		Category:    "commission",
	},
	{
		ID:          "overnight-session",
		Name:        "Overnight Session",
		Description: "A New York operator's session opened at 23:40 yesterday; the sweep closes it at midnight",
		Category:    "worktime",
	},
	{
		ID:          "milestones",
		Name:        "Milestone Bonus",
		Description: "Open session with 12000 approved volume inside it; stopping it pays the first tier",
		Category:    "worktime",
	},
	{
		ID:          "team",
		Name:        "Team Across Timezones",
		Description: "Three operators in UTC, Prague and Tokyo with a week of provisioned goals",
		Category:    "commission",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loader, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"threshold-crossing": h.loadThresholdCrossingScenario,
		"missing-goal":       h.loadMissingGoalScenario,
		"overnight-session":  h.loadOvernightSessionScenario,
		"milestones":         h.loadMilestonesScenario,
		"team":               h.loadTeamScenario,
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadThresholdCrossingScenario(ctx context.Context) error {
	op, err := h.saveOperator(ctx, `{"id": "op-anna", "user_id": "user-anna", "name": "Anna", "hourly_rate": 1500}`)
	if err != nil {
		return err
	}
	day := generic.DayOf(h.now(), op.Loc())

	if err := h.Store.SaveGoal(ctx, generic.Goal{
		OperatorID: op.ID, Day: day, TargetAmount: 25000, CommissionRate: decimal.NewFromInt(20),
	}); err != nil {
		return err
	}

	start := day.Start(op.Loc())
	payments := []struct {
		id      generic.PaymentID
		amount  generic.Money
		offset  time.Duration
		approve bool
	}{
		{"pay-anna-1", 10000, 9 * time.Hour, true},
		{"pay-anna-2", 10000, 10 * time.Hour, true},
		{"pay-anna-3", 6000, 11 * time.Hour, false},
	}
	for _, p := range payments {
		if err := h.createPayment(ctx, p.id, op.ID, p.amount, start.Add(p.offset)); err != nil {
			return err
		}
		if p.approve {
			if err := h.approve(ctx, p.id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) loadMissingGoalScenario(ctx context.Context) error {
	op, err := h.saveOperator(ctx, `{"id": "op-bob", "user_id": "user-bob", "name": "Bob", "hourly_rate": 1200}`)
	if err != nil {
		return err
	}
	day := generic.DayOf(h.now(), op.Loc())

	// Yesterday has a goal, today deliberately does not.
	if err := h.Store.SaveGoal(ctx, generic.Goal{
		OperatorID: op.ID, Day: day.AddDays(-1), TargetAmount: 20000, CommissionRate: decimal.NewFromInt(15),
	}); err != nil {
		return err
	}
	return h.createPayment(ctx, "pay-bob-1", op.ID, 8000, day.Start(op.Loc()).Add(10*time.Hour))
}

func (h *Handler) loadOvernightSessionScenario(ctx context.Context) error {
	op, err := h.saveOperator(ctx, `{
		"id": "op-carla",
		"user_id": "user-carla",
		"name": "Carla",
		"hourly_rate": 2000,
		"timezone": "America/New_York",
		"milestone_metric": "minutes",
		"milestone_tiers": [{"amount": 15, "bonus": 100}]
	}`)
	if err != nil {
		return err
	}

	yesterday := generic.DayOf(h.now(), op.Loc()).AddDays(-1)
	startedAt := yesterday.Start(op.Loc()).Add(23*time.Hour + 40*time.Minute)
	_, err = h.Sessions.Start(ctx, op.ID, startedAt)
	return err
}

func (h *Handler) loadMilestonesScenario(ctx context.Context) error {
	op, err := h.saveOperator(ctx, `{
		"id": "op-dana",
		"user_id": "user-dana",
		"name": "Dana",
		"hourly_rate": 1800,
		"milestone_metric": "volume",
		"milestone_tiers": [{"amount": 10000, "bonus": 500}, {"amount": 50000, "bonus": 2500}]
	}`)
	if err != nil {
		return err
	}
	now := h.now()
	day := generic.DayOf(now, op.Loc())

	if err := h.Store.SaveGoal(ctx, generic.Goal{
		OperatorID: op.ID, Day: day, TargetAmount: 100000, CommissionRate: decimal.NewFromInt(10),
	}); err != nil {
		return err
	}

	sessionStart := now.Add(-3 * time.Hour)
	if sessionStart.Before(day.Start(op.Loc())) {
		sessionStart = day.Start(op.Loc())
	}
	if _, err := h.Sessions.Start(ctx, op.ID, sessionStart); err != nil {
		return err
	}

	for i, amount := range []generic.Money{8000, 4000} {
		id := generic.PaymentID(fmt.Sprintf("pay-dana-%d", i+1))
		if err := h.createPayment(ctx, id, op.ID, amount, sessionStart.Add(time.Duration(i+1)*time.Minute)); err != nil {
			return err
		}
		if err := h.approve(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadTeamScenario(ctx context.Context) error {
	team := []string{
		`{"id": "op-emil", "user_id": "user-emil", "name": "Emil", "hourly_rate": 1400}`,
		`{"id": "op-frantiska", "user_id": "user-frantiska", "name": "Frantiska", "hourly_rate": 1600, "timezone": "Europe/Prague"}`,
		`{"id": "op-goro", "user_id": "user-goro", "name": "Goro", "hourly_rate": 1700, "timezone": "Asia/Tokyo"}`,
	}
	var ops []*generic.Operator
	for _, raw := range team {
		op, err := h.saveOperator(ctx, raw)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	plan, err := factory.GoalPlanFromJSON(factory.GoalPlanJSON{DaysBack: 7, DaysForward: 7}, h.GoalDefaults)
	if err != nil {
		return err
	}
	if _, err := factory.ProvisionGoals(ctx, h.Store, *plan, h.now(), h.Commission.DefaultLocation); err != nil {
		return err
	}

	for i, op := range ops {
		start := generic.DayOf(h.now(), op.Loc()).Start(op.Loc())
		for j := 0; j < 3; j++ {
			id := generic.PaymentID(fmt.Sprintf("pay-%s-%d", op.ID, j+1))
			amount := generic.Money(30000 + 10000*i)
			if err := h.createPayment(ctx, id, op.ID, amount, start.Add(time.Duration(9+j)*time.Hour)); err != nil {
				return err
			}
			if j < 2 {
				if err := h.approve(ctx, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) saveOperator(ctx context.Context, raw string) (*generic.Operator, error) {
	op, err := h.Factory.ParseOperator([]byte(raw))
	if err != nil {
		return nil, err
	}
	if err := h.Store.SaveOperator(ctx, *op); err != nil {
		return nil, err
	}
	return op, nil
}

func (h *Handler) createPayment(ctx context.Context, id generic.PaymentID, operatorID generic.OperatorID, amount generic.Money, ts time.Time) error {
	return h.Store.CreatePayment(ctx, generic.Payment{
		ID:         id,
		OperatorID: operatorID,
		Amount:     amount,
		Timestamp:  ts,
		Commission: generic.ZeroCommission(),
		CreatedAt:  h.now(),
	})
}

// approve goes through the Approver so activity, notifications and the
// commission snapshot are all produced.
func (h *Handler) approve(ctx context.Context, id generic.PaymentID) error {
	res, err := h.Approver.Apply(ctx, id, generic.ActionApproveFinancial, scenarioActor)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("approve %s: %w", id, res.Err)
	}
	return nil
}
