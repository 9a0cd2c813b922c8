/*
Package factory converts JSON configuration into engine types.

PURPOSE:
  Operator revenue settings (hourly rate, zone, milestone tiers) and goal
  provisioning plans arrive as JSON from the admin UI or seed files. The
  factory validates them and builds generic.Operator / generic.Goal values,
  so nothing downstream ever handles raw JSON.

JSON SCHEMA (operator):
  {
    "id": "op-anna",
    "user_id": "user-anna",
    "name": "Anna",
    "hourly_rate": 1500,
    "timezone": "Europe/Prague",
    "milestone_metric": "volume",
    "milestone_tiers": [
      {"amount": 10000, "bonus": 500},
      {"amount": 50000, "bonus": 2500}
    ]
  }

JSON SCHEMA (goal plan):
  {
    "operator_ids": ["op-anna"],   // empty = every configured operator
    "days_back": 30,
    "days_forward": 30,
    "target_amount": 125000,       // optional, configured default otherwise
    "commission_rate": "20",       // optional, configured default otherwise
    "overwrite": false
  }

USAGE:
  f := factory.New(time.UTC)
  op, err := f.ParseOperator(body)

SEE ALSO:
  - goals.go: rolling-window goal provisioning
  - generic/milestone.go: MilestoneTable
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// OperatorJSON is the JSON representation of an operator's revenue settings.
type OperatorJSON struct {
	ID              string                  `json:"id"`
	UserID          string                  `json:"user_id,omitempty"`
	Name            string                  `json:"name,omitempty"`
	HourlyRate      int64                   `json:"hourly_rate"`
	Timezone        string                  `json:"timezone,omitempty"`
	MilestoneMetric string                  `json:"milestone_metric,omitempty"`
	MilestoneTiers  []generic.MilestoneTier `json:"milestone_tiers,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON to engine types.
type Factory struct {
	// DefaultLocation is used when an operator names no timezone.
	DefaultLocation *time.Location
}

func New(defaultLocation *time.Location) *Factory {
	if defaultLocation == nil {
		defaultLocation = time.UTC
	}
	return &Factory{DefaultLocation: defaultLocation}
}

// ParseOperator parses a JSON document into an Operator.
func (f *Factory) ParseOperator(data []byte) (*generic.Operator, error) {
	var oj OperatorJSON
	if err := json.Unmarshal(data, &oj); err != nil {
		return nil, fmt.Errorf("failed to parse operator JSON: %w", err)
	}
	return f.OperatorFromJSON(oj)
}

// OperatorFromJSON validates oj and builds an Operator.
func (f *Factory) OperatorFromJSON(oj OperatorJSON) (*generic.Operator, error) {
	if strings.TrimSpace(oj.ID) == "" {
		return nil, fmt.Errorf("operator id is required")
	}
	if oj.HourlyRate < 0 {
		return nil, fmt.Errorf("hourly_rate must be >= 0, got %d", oj.HourlyRate)
	}

	loc := f.DefaultLocation
	if oj.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(oj.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", oj.Timezone, err)
		}
	}

	table, err := buildMilestones(oj.MilestoneMetric, oj.MilestoneTiers)
	if err != nil {
		return nil, err
	}

	userID := oj.UserID
	if userID == "" {
		userID = oj.ID
	}

	return &generic.Operator{
		ID:         generic.OperatorID(oj.ID),
		UserID:     generic.UserID(userID),
		Name:       oj.Name,
		HourlyRate: generic.Money(oj.HourlyRate),
		Location:   loc,
		Milestones: table,
	}, nil
}

// ToJSON converts an Operator back to its JSON form.
func (f *Factory) ToJSON(op generic.Operator) OperatorJSON {
	oj := OperatorJSON{
		ID:             string(op.ID),
		UserID:         string(op.UserID),
		Name:           op.Name,
		HourlyRate:     int64(op.HourlyRate),
		Timezone:       op.Loc().String(),
		MilestoneTiers: op.Milestones.Tiers,
	}
	if !op.Milestones.IsEmpty() {
		oj.MilestoneMetric = string(op.Milestones.MetricOrDefault())
	}
	return oj
}

// ParseMilestoneTiers parses a bare tier list such as
// [{"amount":10000,"bonus":500}]. An empty string is an empty table.
func ParseMilestoneTiers(raw string) ([]generic.MilestoneTier, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var tiers []generic.MilestoneTier
	if err := json.Unmarshal([]byte(raw), &tiers); err != nil {
		return nil, fmt.Errorf("failed to parse milestone tiers: %w", err)
	}
	if _, err := buildMilestones("", tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func buildMilestones(metric string, tiers []generic.MilestoneTier) (generic.MilestoneTable, error) {
	table := generic.MilestoneTable{Tiers: tiers}

	switch generic.MilestoneMetric(metric) {
	case "", generic.MetricVolume:
		table.Metric = generic.MetricVolume
	case generic.MetricMinutes:
		table.Metric = generic.MetricMinutes
	default:
		return generic.MilestoneTable{}, fmt.Errorf("unknown milestone metric %q", metric)
	}

	seen := make(map[int64]bool, len(tiers))
	for _, t := range tiers {
		if t.Threshold < 0 || t.Bonus < 0 {
			return generic.MilestoneTable{}, fmt.Errorf("milestone tier %d/%d must be non-negative", t.Threshold, t.Bonus)
		}
		if seen[t.Threshold] {
			return generic.MilestoneTable{}, fmt.Errorf("duplicate milestone threshold %d", t.Threshold)
		}
		seen[t.Threshold] = true
	}
	return table, nil
}
