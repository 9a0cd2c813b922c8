package generic

import "sort"

// =============================================================================
// MILESTONE TABLE - Tiered session bonus
// =============================================================================

// MilestoneMetric selects what a session is measured by.
type MilestoneMetric string

const (
	// MetricVolume measures financially-approved payment volume recorded
	// by the operator inside the session interval.
	MetricVolume MilestoneMetric = "volume"
	// MetricMinutes measures the session's duration in minutes.
	MetricMinutes MilestoneMetric = "minutes"
)

// MilestoneTier pays Bonus once the session measure reaches Threshold.
type MilestoneTier struct {
	Threshold int64 `json:"amount"`
	Bonus     Money `json:"bonus"`
}

// MilestoneTable is an operator's tier configuration.
type MilestoneTable struct {
	Metric MilestoneMetric `json:"metric"`
	Tiers  []MilestoneTier `json:"tiers"`
}

// Bonus evaluates tiers in ascending threshold order and returns the bonus
// of the highest tier whose threshold is met, or 0 when none is.
func (t MilestoneTable) Bonus(measure int64) Money {
	tiers := make([]MilestoneTier, len(t.Tiers))
	copy(tiers, t.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Threshold < tiers[j].Threshold })

	var bonus Money
	for _, tier := range tiers {
		if measure < tier.Threshold {
			break
		}
		bonus = tier.Bonus
	}
	return bonus
}

// IsEmpty reports whether the table pays nothing.
func (t MilestoneTable) IsEmpty() bool { return len(t.Tiers) == 0 }

// MetricOrDefault returns the metric, defaulting to volume.
func (t MilestoneTable) MetricOrDefault() MilestoneMetric {
	if t.Metric == "" {
		return MetricVolume
	}
	return t.Metric
}
