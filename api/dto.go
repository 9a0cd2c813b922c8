/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Payments:   PaymentDTO, CommissionDTO, CreatePaymentRequest, PaymentStatusDTO
  Approvals:  ApprovalActionRequest, ApprovalResponse, ActivityDTO
  Commission: RecalculateRequest, SummaryDTO
  Operators:  OperatorRequest (operator JSON is factory.OperatorJSON)
  Goals:      GoalDTO, GoalRequest
  Sessions:   SessionDTO, StartSessionRequest, StopSessionRequest, EarningsDTO
  Sweep:      SweepRunDTO, SweepRunsResponse
  Misc:       ProgressDTO, NotificationDTO, ScenarioDTO, ErrorResponse

VALIDATION:
  Request types carry go-playground/validator tags; handlers run them
  through decodeAndValidate before touching the domain.

MONEY:
  All amounts are integer minor units. Rates are decimal strings so that
  "12.5" survives the round trip exactly.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/operator.go: OperatorJSON type
*/
package api

import (
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/worktime"
)

// =============================================================================
// PAYMENTS
// =============================================================================

// CreatePaymentRequest records a payment. ID and Timestamp default to a
// fresh UUID and now.
type CreatePaymentRequest struct {
	ID         string     `json:"id,omitempty" validate:"omitempty,max=128"`
	OperatorID string     `json:"operator_id" validate:"required,max=128"`
	Amount     *int64     `json:"amount" validate:"required,gte=0"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// CommissionDTO is the derived commission snapshot of a payment.
type CommissionDTO struct {
	DailyVolumeAtTime int64   `json:"daily_volume_at_time"`
	Rate              string  `json:"commission_rate"`
	Earned            int64   `json:"commission_earned"`
	ThresholdMet      bool    `json:"threshold_met"`
	CalculatedAt      *string `json:"calculated_at,omitempty"`
}

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID                  string        `json:"id"`
	OperatorID          string        `json:"operator_id"`
	Amount              int64         `json:"amount"`
	Timestamp           string        `json:"timestamp"`
	FinancialApproved   bool          `json:"financial_approved"`
	FinancialApprovedAt *string       `json:"financial_approved_at,omitempty"`
	DeliveryApproved    bool          `json:"delivery_approved"`
	DeliveryApprovedAt  *string       `json:"delivery_approved_at,omitempty"`
	Commission          CommissionDTO `json:"commission"`
	CreatedAt           string        `json:"created_at,omitempty"`
}

// ActivityDTO is one approval audit row.
type ActivityDTO struct {
	ID        string            `json:"id"`
	ActorID   string            `json:"actor_id"`
	Action    string            `json:"action"`
	Before    generic.FlagState `json:"before"`
	After     generic.FlagState `json:"after"`
	Amount    int64             `json:"amount"`
	CreatedAt string            `json:"created_at"`
}

// PaymentStatusDTO is a payment with its approval history.
type PaymentStatusDTO struct {
	Payment  PaymentDTO    `json:"payment"`
	Activity []ActivityDTO `json:"activity"`
}

// =============================================================================
// APPROVALS
// =============================================================================

// ApprovalActionRequest applies one of the four approval actions.
type ApprovalActionRequest struct {
	Action  string `json:"action" validate:"required,oneof=approve_financial revoke_financial approve_delivery revoke_delivery"`
	ActorID string `json:"actor_id" validate:"required,max=128"`
}

// ApprovalResponse is the outcome of an approval action. Success is false
// when the flag change stood but the commission recompute failed.
type ApprovalResponse struct {
	Success bool        `json:"success"`
	Changed bool        `json:"changed"`
	Payment PaymentDTO  `json:"payment"`
	Summary *SummaryDTO `json:"commission_summary,omitempty"`
	Warning string      `json:"warning,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// =============================================================================
// COMMISSION
// =============================================================================

// RecalculateRequest names the operator-local day to recompute.
type RecalculateRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

// SummaryDTO is the result of one whole-day recompute.
type SummaryDTO struct {
	OperatorID         string   `json:"operator_id"`
	Date               string   `json:"date"`
	TargetAmount       int64    `json:"target_amount"`
	TotalDailyVolume   int64    `json:"total_daily_volume"`
	ThresholdMet       bool     `json:"threshold_met"`
	CommissionRate     string   `json:"commission_rate"`
	TotalCommission    int64    `json:"total_commission"`
	AffectedPaymentIDs []string `json:"affected_payment_ids"`
	CalculatedAt       string   `json:"calculated_at"`
}

// =============================================================================
// OPERATORS & GOALS
// =============================================================================

// MilestoneTierRequest is one bonus tier.
type MilestoneTierRequest struct {
	Amount int64 `json:"amount" validate:"gte=0"`
	Bonus  int64 `json:"bonus" validate:"gte=0"`
}

// OperatorRequest upserts an operator's revenue settings. The operator ID
// comes from the path.
type OperatorRequest struct {
	UserID          string                 `json:"user_id,omitempty" validate:"omitempty,max=128"`
	Name            string                 `json:"name,omitempty" validate:"omitempty,max=256"`
	HourlyRate      int64                  `json:"hourly_rate" validate:"gte=0"`
	Timezone        string                 `json:"timezone,omitempty" validate:"omitempty,timezone"`
	MilestoneMetric string                 `json:"milestone_metric,omitempty" validate:"omitempty,oneof=volume minutes"`
	MilestoneTiers  []MilestoneTierRequest `json:"milestone_tiers,omitempty" validate:"dive"`
}

// GoalRequest upserts a goal. The operator and date come from the path.
type GoalRequest struct {
	TargetAmount   *int64 `json:"target_amount" validate:"required,gte=0"`
	CommissionRate string `json:"commission_rate" validate:"required,numeric"`
}

// GoalDTO represents a goal in API responses.
type GoalDTO struct {
	OperatorID     string `json:"operator_id"`
	Date           string `json:"date"`
	TargetAmount   int64  `json:"target_amount"`
	CommissionRate string `json:"commission_rate"`
}

// =============================================================================
// SESSIONS & EARNINGS
// =============================================================================

// StartSessionRequest opens a session; StartTime defaults to now.
type StartSessionRequest struct {
	StartTime *time.Time `json:"start_time,omitempty"`
}

// StopSessionRequest closes a session; EndTime defaults to now.
type StopSessionRequest struct {
	EndTime *time.Time `json:"end_time,omitempty"`
}

// SessionDTO represents a work session.
type SessionDTO struct {
	ID                 string  `json:"id"`
	OperatorID         string  `json:"operator_id"`
	StartTime          string  `json:"start_time"`
	EndTime            *string `json:"end_time,omitempty"`
	Status             string  `json:"status"`
	DurationMinutes    int64   `json:"duration_minutes"`
	CalculatedEarnings int64   `json:"calculated_earnings"`
	MilestoneBonus     int64   `json:"milestone_bonus"`
	AutoStoppedAt      *string `json:"auto_stopped_at,omitempty"`
	Changed            *bool   `json:"changed,omitempty"`
}

// EarningsDTO is one operator's earnings for one local day.
type EarningsDTO struct {
	OperatorID      string `json:"operator_id"`
	Date            string `json:"date"`
	TotalVolume     int64  `json:"total_volume"`
	TotalCommission int64  `json:"total_commission"`
	HourlyEarnings  int64  `json:"hourly_earnings"`
	MilestoneBonus  int64  `json:"milestone_bonus"`
	TotalEarnings   int64  `json:"total_earnings"`
	Sessions        int    `json:"sessions"`
	ActiveSessions  int    `json:"active_sessions"`
}

// =============================================================================
// SWEEP, PROGRESS, NOTIFICATIONS
// =============================================================================

// SweepRunDTO is one day-boundary sweep run.
type SweepRunDTO struct {
	ID         string `json:"id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	Closed     int    `json:"closed"`
	Error      string `json:"error,omitempty"`
}

// SweepRunsResponse lists recent runs with the scheduler state.
type SweepRunsResponse struct {
	Runs      []SweepRunDTO `json:"runs"`
	Scheduled bool          `json:"scheduled"`
	Interval  string        `json:"interval"`
	NextRunAt *string       `json:"next_run_at,omitempty"`
}

// ProgressDTO is approved volume for the current daily, weekly and
// monthly windows.
type ProgressDTO struct {
	Timezone string           `json:"timezone"`
	AsOf     string           `json:"as_of"`
	Volume   map[string]int64 `json:"volume"`
}

// NotificationDTO is an operator-facing message.
type NotificationDTO struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest names the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is returned for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPaymentDTO(p *generic.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:                  string(p.ID),
		OperatorID:          string(p.OperatorID),
		Amount:              int64(p.Amount),
		Timestamp:           formatTime(p.Timestamp),
		FinancialApproved:   p.FinancialApproved,
		FinancialApprovedAt: formatTimePtr(p.FinancialApprovedAt),
		DeliveryApproved:    p.DeliveryApproved,
		DeliveryApprovedAt:  formatTimePtr(p.DeliveryApprovedAt),
		Commission: CommissionDTO{
			DailyVolumeAtTime: int64(p.Commission.DailyVolumeAtTime),
			Rate:              p.Commission.Rate.String(),
			Earned:            int64(p.Commission.Earned),
			ThresholdMet:      p.Commission.ThresholdMet,
			CalculatedAt:      formatTimePtr(p.Commission.CalculatedAt),
		},
	}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = formatTime(p.CreatedAt)
	}
	return dto
}

func toActivityDTOs(recs []generic.ActivityRecord) []ActivityDTO {
	dtos := make([]ActivityDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = ActivityDTO{
			ID:        rec.ID,
			ActorID:   rec.ActorID,
			Action:    string(rec.Action),
			Before:    rec.Before,
			After:     rec.After,
			Amount:    int64(rec.Amount),
			CreatedAt: formatTime(rec.CreatedAt),
		}
	}
	return dtos
}

func toSummaryDTO(s *commission.Summary) *SummaryDTO {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.AffectedPaymentIDs))
	for i, id := range s.AffectedPaymentIDs {
		ids[i] = string(id)
	}
	return &SummaryDTO{
		OperatorID:         string(s.OperatorID),
		Date:               s.Day.String(),
		TargetAmount:       int64(s.TargetAmount),
		TotalDailyVolume:   int64(s.TotalDailyVolume),
		ThresholdMet:       s.ThresholdMet,
		CommissionRate:     s.CommissionRate.String(),
		TotalCommission:    int64(s.TotalCommission),
		AffectedPaymentIDs: ids,
		CalculatedAt:       formatTime(s.CalculatedAt),
	}
}

func toGoalDTO(g generic.Goal) GoalDTO {
	return GoalDTO{
		OperatorID:     string(g.OperatorID),
		Date:           g.Day.String(),
		TargetAmount:   int64(g.TargetAmount),
		CommissionRate: g.CommissionRate.String(),
	}
}

func toSessionDTO(ws *generic.WorkSession) SessionDTO {
	return SessionDTO{
		ID:                 string(ws.ID),
		OperatorID:         string(ws.OperatorID),
		StartTime:          formatTime(ws.StartTime),
		EndTime:            formatTimePtr(ws.EndTime),
		Status:             string(ws.Status),
		DurationMinutes:    ws.DurationMinutes,
		CalculatedEarnings: int64(ws.CalculatedEarnings),
		MilestoneBonus:     int64(ws.MilestoneBonus),
		AutoStoppedAt:      formatTimePtr(ws.AutoStoppedAt),
	}
}

func toEarningsDTO(e *worktime.DailyEarnings) EarningsDTO {
	return EarningsDTO{
		OperatorID:      string(e.OperatorID),
		Date:            e.Day.String(),
		TotalVolume:     int64(e.TotalVolume),
		TotalCommission: int64(e.TotalCommission),
		HourlyEarnings:  int64(e.HourlyEarnings),
		MilestoneBonus:  int64(e.MilestoneBonus),
		TotalEarnings:   int64(e.TotalEarnings),
		Sessions:        e.Sessions,
		ActiveSessions:  e.ActiveSessions,
	}
}

func toSweepRunDTO(run generic.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:         run.ID,
		StartedAt:  formatTime(run.StartedAt),
		FinishedAt: formatTime(run.FinishedAt),
		Closed:     run.Closed,
		Error:      run.Error,
	}
}

func toNotificationDTO(n generic.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        n.ID,
		UserID:    string(n.UserID),
		Title:     n.Title,
		Body:      n.Body,
		Type:      n.Type,
		Metadata:  n.Metadata,
		CreatedAt: formatTime(n.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
