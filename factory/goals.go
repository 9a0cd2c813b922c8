package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// GOAL PROVISIONING - Rolling-window batch setup
// =============================================================================

// GoalPlanJSON describes a provisioning run.
type GoalPlanJSON struct {
	OperatorIDs    []string `json:"operator_ids,omitempty"`
	DaysBack       int      `json:"days_back"`
	DaysForward    int      `json:"days_forward"`
	TargetAmount   *int64   `json:"target_amount,omitempty"`
	CommissionRate *string  `json:"commission_rate,omitempty"`
	Overwrite      bool     `json:"overwrite,omitempty"`
}

// GoalDefaults fill in what a plan leaves out.
type GoalDefaults struct {
	TargetAmount   generic.Money
	CommissionRate decimal.Decimal
	DaysBack       int
	DaysForward    int
}

// DefaultGoalDefaults matches the historical setup: 125000 at 20%, thirty
// days either side of today.
func DefaultGoalDefaults() GoalDefaults {
	return GoalDefaults{
		TargetAmount:   125000,
		CommissionRate: decimal.NewFromInt(20),
		DaysBack:       30,
		DaysForward:    30,
	}
}

// GoalPlan is a validated GoalPlanJSON.
type GoalPlan struct {
	OperatorIDs    []generic.OperatorID
	DaysBack       int
	DaysForward    int
	TargetAmount   generic.Money
	CommissionRate decimal.Decimal
	Overwrite      bool
}

// ParseGoalPlan parses and validates a plan, applying defaults.
func ParseGoalPlan(data []byte, defaults GoalDefaults) (*GoalPlan, error) {
	var pj GoalPlanJSON
	if len(data) > 0 {
		if err := json.Unmarshal(data, &pj); err != nil {
			return nil, fmt.Errorf("failed to parse goal plan JSON: %w", err)
		}
	}
	return GoalPlanFromJSON(pj, defaults)
}

func GoalPlanFromJSON(pj GoalPlanJSON, defaults GoalDefaults) (*GoalPlan, error) {
	plan := &GoalPlan{
		DaysBack:       pj.DaysBack,
		DaysForward:    pj.DaysForward,
		TargetAmount:   defaults.TargetAmount,
		CommissionRate: defaults.CommissionRate,
		Overwrite:      pj.Overwrite,
	}
	if plan.DaysBack == 0 && plan.DaysForward == 0 {
		plan.DaysBack, plan.DaysForward = defaults.DaysBack, defaults.DaysForward
	}
	if plan.DaysBack < 0 || plan.DaysForward < 0 {
		return nil, fmt.Errorf("days_back and days_forward must be >= 0")
	}
	if pj.TargetAmount != nil {
		if *pj.TargetAmount < 0 {
			return nil, fmt.Errorf("target_amount must be >= 0")
		}
		plan.TargetAmount = generic.Money(*pj.TargetAmount)
	}
	if pj.CommissionRate != nil {
		rate, err := decimal.NewFromString(*pj.CommissionRate)
		if err != nil {
			return nil, fmt.Errorf("invalid commission_rate %q: %w", *pj.CommissionRate, err)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("commission_rate must be >= 0")
		}
		plan.CommissionRate = rate
	}
	for _, id := range pj.OperatorIDs {
		plan.OperatorIDs = append(plan.OperatorIDs, generic.OperatorID(id))
	}
	return plan, nil
}

// ProvisionStore is what provisioning reads and writes.
type ProvisionStore interface {
	generic.GoalStore
	generic.OperatorStore
}

// ProvisionResult counts what a run did.
type ProvisionResult struct {
	Operators int `json:"operators"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
}

// ProvisionGoals writes a goal for every (operator, day) in the plan's
// window around each operator's local today. Existing goals are kept
// unless the plan says Overwrite.
func ProvisionGoals(ctx context.Context, s ProvisionStore, plan GoalPlan, now time.Time, fallback *time.Location) (*ProvisionResult, error) {
	ids := plan.OperatorIDs
	if len(ids) == 0 {
		ops, err := s.ListOperators(ctx)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			ids = append(ids, op.ID)
		}
	}

	res := &ProvisionResult{Operators: len(ids)}
	for _, id := range ids {
		op, err := generic.ResolveOperator(ctx, s, id, fallback)
		if err != nil {
			return nil, err
		}
		today := generic.DayOf(now, op.Loc())

		for offset := -plan.DaysBack; offset <= plan.DaysForward; offset++ {
			day := today.AddDays(offset)
			_, found, err := s.LookupGoal(ctx, id, day)
			if err != nil {
				return nil, err
			}
			if found && !plan.Overwrite {
				res.Skipped++
				continue
			}
			if err := s.SaveGoal(ctx, generic.Goal{
				OperatorID:     id,
				Day:            day,
				TargetAmount:   plan.TargetAmount,
				CommissionRate: plan.CommissionRate,
			}); err != nil {
				return nil, fmt.Errorf("save goal %s/%s: %w", id, day, err)
			}
			if found {
				res.Updated++
			} else {
				res.Created++
			}
		}
	}
	return res, nil
}
