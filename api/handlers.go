/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission, approval and work-session engines via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Payments:
    POST   /api/payments                      Record payment
    GET    /api/payments/{id}                 Payment + approval history
    POST   /api/payments/{id}/actions         Approval action (rate limited)

  Operators:
    GET    /api/operators                     List operators
    GET    /api/operators/{id}                Revenue settings
    PUT    /api/operators/{id}                Upsert revenue settings
    POST   /api/operators/{id}/recalculate    Manual whole-day recompute
    GET    /api/operators/{id}/earnings       Daily earnings (?date=)
    GET    /api/operators/{id}/goals/{date}   Goal lookup
    PUT    /api/operators/{id}/goals/{date}   Goal upsert
    POST   /api/operators/{id}/sessions       Start work session

  Goals, sessions, sweep:
    POST   /api/goals/provision               Rolling-window provisioning
    POST   /api/sessions/{id}/stop            Stop work session
    POST   /api/sweep                         Run day-boundary sweep now
    GET    /api/sweep/runs                    Sweep history

  Reporting:
    GET    /api/progress                      Daily/weekly/monthly volume
    GET    /api/notifications?user_id=        Notifications for a user

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access
  - Commission / Approver: whole-day recompute and approval actions
  - Sessions: work-session engine
  - Sweeper: day-boundary sweep with run history
  - Factory: JSON to Operator conversion

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (go-playground/validator tags on request DTOs)
  3. Call domain logic
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status (statusFor):
  - 400: Validation errors, invalid input, unknown action
  - 404: Payment, session or operator not found
  - 409: Active session exists, concurrent recompute, duplicate payment id
  - 422: No goal for the requested (operator, day)
  - 429: Approval rate limit exceeded
  - 500: Internal errors

  An approval whose recompute fails is NOT an HTTP error: the flag change
  stood, so the response is 200 with success=false and a warning.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/worktime"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Commission *commission.Engine
	Approver   *commission.Approver
	Sessions   *worktime.Engine
	Sweeper    *SweepScheduler
	Factory    *factory.Factory

	// GoalDefaults fill in what a provisioning plan leaves out.
	GoalDefaults factory.GoalDefaults

	Clock generic.Clock
	Log   *slog.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engines to the store. The store doubles as the
// activity log, the notifier and the sweep log.
func NewHandler(store *sqlite.Store, ce *commission.Engine, we *worktime.Engine) *Handler {
	loc := ce.DefaultLocation
	return &Handler{
		Store:        store,
		Commission:   ce,
		Approver:     commission.NewApprover(ce, store, store),
		Sessions:     we,
		Sweeper:      NewSweepScheduler(we, store),
		Factory:      factory.New(loc),
		GoalDefaults: factory.DefaultGoalDefaults(),
		Clock:        generic.SystemClock{},
		Log:          slog.Default(),
		validate:     validator.New(),
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

// CreatePayment records a new payment with cleared flags and a zero
// commission snapshot.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	now := h.now()
	p := generic.Payment{
		ID:         generic.PaymentID(req.ID),
		OperatorID: generic.OperatorID(req.OperatorID),
		Amount:     generic.Money(*req.Amount),
		Timestamp:  now,
		Commission: generic.ZeroCommission(),
		CreatedAt:  now,
	}
	if p.ID == "" {
		p.ID = generic.PaymentID(uuid.NewString())
	}
	if req.Timestamp != nil {
		p.Timestamp = *req.Timestamp
	}

	if err := h.Store.CreatePayment(r.Context(), p); err != nil {
		writeError(w, statusFor(err), "Failed to create payment", err)
		return
	}

	created, err := h.Store.GetPayment(r.Context(), p.ID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to read payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(created))
}

// GetPayment returns a payment with its approval status and history.
// GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := generic.PaymentID(chi.URLParam(r, "id"))

	view, err := h.Approver.Status(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get payment", err)
		return
	}

	writeJSON(w, http.StatusOK, PaymentStatusDTO{
		Payment:  toPaymentDTO(view.Payment),
		Activity: toActivityDTOs(view.Activity),
	})
}

// ApplyAction runs one approval action and, for financial actions, the
// whole-day recompute.
// POST /api/payments/{id}/actions
func (h *Handler) ApplyAction(w http.ResponseWriter, r *http.Request) {
	id := generic.PaymentID(chi.URLParam(r, "id"))

	var req ApprovalActionRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Approver.Apply(r.Context(), id, generic.ActionType(req.Action), req.ActorID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to apply approval action", err)
		return
	}

	resp := ApprovalResponse{
		Success: res.Success,
		Changed: res.Changed,
		Payment: toPaymentDTO(res.Payment),
		Summary: toSummaryDTO(res.Summary),
		Warning: res.Warning,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// OPERATORS
// =============================================================================

// ListOperators returns all configured operators.
// GET /api/operators
func (h *Handler) ListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := h.Store.ListOperators(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list operators", err)
		return
	}

	dtos := make([]factory.OperatorJSON, len(ops))
	for i, op := range ops {
		dtos[i] = h.Factory.ToJSON(op)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOperator returns an operator's revenue settings.
// GET /api/operators/{id}
func (h *Handler) GetOperator(w http.ResponseWriter, r *http.Request) {
	op, err := h.Store.GetOperator(r.Context(), generic.OperatorID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, statusFor(err), "Failed to get operator", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(*op))
}

// PutOperator upserts an operator's hourly rate, timezone and milestone tiers.
// PUT /api/operators/{id}
func (h *Handler) PutOperator(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	oj := factory.OperatorJSON{
		ID:              chi.URLParam(r, "id"),
		UserID:          req.UserID,
		Name:            req.Name,
		HourlyRate:      req.HourlyRate,
		Timezone:        req.Timezone,
		MilestoneMetric: req.MilestoneMetric,
	}
	for _, t := range req.MilestoneTiers {
		oj.MilestoneTiers = append(oj.MilestoneTiers, generic.MilestoneTier{Threshold: t.Amount, Bonus: generic.Money(t.Bonus)})
	}

	op, err := h.Factory.OperatorFromJSON(oj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid operator", err)
		return
	}
	if err := h.Store.SaveOperator(r.Context(), *op); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save operator", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(*op))
}

// Recalculate recomputes one operator-local day on demand.
// POST /api/operators/{id}/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	operatorID := generic.OperatorID(chi.URLParam(r, "id"))

	var req RecalculateRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	day, err := generic.ParseDay(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	summary, err := h.Commission.Recalculate(r.Context(), operatorID, day)
	if err != nil {
		writeError(w, statusFor(err), "Commission recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// GetEarnings returns an operator's daily earnings. date defaults to the
// operator's local today.
// GET /api/operators/{id}/earnings?date=YYYY-MM-DD
func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operatorID := generic.OperatorID(chi.URLParam(r, "id"))

	var day generic.Day
	if raw := r.URL.Query().Get("date"); raw != "" {
		var err error
		if day, err = generic.ParseDay(raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
	} else {
		var err error
		if day, err = h.Commission.DayOf(ctx, operatorID, h.now()); err != nil {
			writeError(w, statusFor(err), "Failed to resolve operator day", err)
			return
		}
	}

	earnings, err := h.Sessions.DailyEarnings(ctx, operatorID, day)
	if err != nil {
		writeError(w, statusFor(err), "Failed to compute earnings", err)
		return
	}
	writeJSON(w, http.StatusOK, toEarningsDTO(earnings))
}

// =============================================================================
// GOALS
// =============================================================================

// GetGoal returns the goal for (operator, date).
// GET /api/operators/{id}/goals/{date}
func (h *Handler) GetGoal(w http.ResponseWriter, r *http.Request) {
	operatorID := generic.OperatorID(chi.URLParam(r, "id"))
	day, err := generic.ParseDay(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	goal, found, err := h.Store.LookupGoal(r.Context(), operatorID, day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get goal", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Goal not found", &generic.GoalNotFoundError{OperatorID: operatorID, Day: day})
		return
	}
	writeJSON(w, http.StatusOK, toGoalDTO(goal))
}

// PutGoal upserts the goal for (operator, date). Existing commission
// snapshots are not touched; recalculate the day to apply it.
// PUT /api/operators/{id}/goals/{date}
func (h *Handler) PutGoal(w http.ResponseWriter, r *http.Request) {
	operatorID := generic.OperatorID(chi.URLParam(r, "id"))
	day, err := generic.ParseDay(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	var req GoalRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rate, err := decimal.NewFromString(req.CommissionRate)
	if err != nil || rate.IsNegative() {
		writeError(w, http.StatusBadRequest, "Invalid commission_rate", err)
		return
	}

	goal := generic.Goal{
		OperatorID:     operatorID,
		Day:            day,
		TargetAmount:   generic.Money(*req.TargetAmount),
		CommissionRate: rate,
	}
	if err := h.Store.SaveGoal(r.Context(), goal); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save goal", err)
		return
	}
	writeJSON(w, http.StatusOK, toGoalDTO(goal))
}

// ProvisionGoals writes goals for a rolling window of days.
// POST /api/goals/provision
func (h *Handler) ProvisionGoals(w http.ResponseWriter, r *http.Request) {
	var pj factory.GoalPlanJSON
	if err := decodeOptional(r, &pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	plan, err := factory.GoalPlanFromJSON(pj, h.GoalDefaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid goal plan", err)
		return
	}

	res, err := factory.ProvisionGoals(r.Context(), h.Store, *plan, h.now(), h.Commission.DefaultLocation)
	if err != nil {
		writeError(w, statusFor(err), "Failed to provision goals", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// WORK SESSIONS
// =============================================================================

// StartSession opens a work session for the operator.
// POST /api/operators/{id}/sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	at := h.now()
	if req.StartTime != nil {
		at = *req.StartTime
	}

	ws, err := h.Sessions.Start(r.Context(), generic.OperatorID(chi.URLParam(r, "id")), at)
	if err != nil {
		writeError(w, statusFor(err), "Failed to start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(ws))
}

// StopSession closes a work session. Stopping a closed session returns it
// unchanged.
// POST /api/sessions/{id}/stop
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	var req StopSessionRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	at := h.now()
	if req.EndTime != nil {
		at = *req.EndTime
	}

	res, err := h.Sessions.Stop(r.Context(), generic.SessionID(chi.URLParam(r, "id")), at)
	if err != nil {
		writeError(w, statusFor(err), "Failed to stop session", err)
		return
	}
	dto := toSessionDTO(res.Session)
	dto.Changed = &res.Changed
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// SWEEP
// =============================================================================

// RunSweep closes every session whose day boundary has passed.
// POST /api/sweep
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	run, err := h.Sweeper.RunNow(r.Context())
	if err != nil && run == nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepRunDTO(*run))
}

// ListSweepRuns returns the most recent sweep runs and when the scheduler
// fires next.
// GET /api/sweep/runs?limit=
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	runs, err := h.Store.ListSweepRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sweep runs", err)
		return
	}

	resp := SweepRunsResponse{
		Runs:      make([]SweepRunDTO, len(runs)),
		Scheduled: h.Sweeper.Running(),
		Interval:  h.Sweeper.Interval.String(),
	}
	for i, run := range runs {
		resp.Runs[i] = toSweepRunDTO(run)
	}
	if next := h.Sweeper.NextRunTime(); !next.IsZero() {
		resp.NextRunAt = formatTimePtr(&next)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REPORTING
// =============================================================================

// GetProgress returns approved volume across all operators for the daily,
// weekly and monthly windows containing now.
// GET /api/progress?tz=
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	loc := h.Commission.DefaultLocation
	if loc == nil {
		loc = time.UTC
	}
	if tz := r.URL.Query().Get("tz"); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid timezone", err)
			return
		}
	}

	now := h.now()
	progress, err := generic.NewLedger(h.Store).Progress(r.Context(), now, loc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute progress", err)
		return
	}

	dto := ProgressDTO{Timezone: loc.String(), AsOf: formatTime(now), Volume: make(map[string]int64, len(progress))}
	for period, volume := range progress {
		dto.Volume[string(period)] = int64(volume)
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListNotifications returns a user's notifications, newest first.
// GET /api/notifications?user_id=&limit=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	notes, err := h.Store.ListNotifications(r.Context(), generic.UserID(userID), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list notifications", err)
		return
	}

	dtos := make([]NotificationDTO, len(notes))
	for i, n := range notes {
		dtos[i] = toNotificationDTO(n)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports whether the database answers.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) now() time.Time {
	if h.Clock == nil {
		return time.Now()
	}
	return h.Clock.Now()
}

func (h *Handler) structValidator() *validator.Validate {
	if h.validate == nil {
		h.validate = validator.New()
	}
	return h.validate
}

// decodeAndValidate decodes the JSON body into dst and runs its
// validate tags.
func (h *Handler) decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return h.structValidator().Struct(dst)
}

// decodeOptional decodes a JSON body that may be empty.
func decodeOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, generic.ErrGoalNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrSessionActive), errors.Is(err, generic.ErrConcurrentRecompute),
		errors.Is(err, generic.ErrPaymentExists):
		return http.StatusConflict
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsClientError(err), errors.As(err, &verrs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
