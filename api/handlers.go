/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to commission.Engine.

ENDPOINTS:
  Rules:
    POST   /api/commissions/rules                 Create rule from JSON
    GET    /api/commissions/rules                 List rules (?active=&entity_type=)
    GET    /api/commissions/rules/{id}            Get rule

  Calculations:
    POST   /api/commissions/calculate             Record a commission
    POST   /api/commissions/simulate              Preview without recording
    GET    /api/commissions/calculations/{id}     Calculation with audit trail
    PUT    /api/commissions/calculations/{id}/status  Approve/reject/hold/pay

  Recipients:
    GET    /api/commissions/recipients/{id}/calculations  (?status=&start_date=&end_date=&limit=)
    GET    /api/commissions/recipients/{id}/payments      (?status=&limit=)

  Payments:
    POST   /api/commissions/payments/generate     Batch approved calculations
    GET    /api/commissions/payments/{id}         Get payment
    PUT    /api/commissions/payments/{id}/status  Process/complete/fail

  Admin:
    POST   /api/admin/batch-run                   Run the payment scheduler now

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator struct tags)
  3. Call the engine
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON {error, details} with HTTP status:
  - 400: Validation errors, invalid input
  - 404: Rule/calculation/payment not found, nothing eligible for payment
  - 409: Refused by current state (transition, inactive rule, conditions)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can be wiped for demo scenarios.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *commission.Engine
	Scheduler *PaymentScheduler
	Logger    *slog.Logger

	store    commission.Store
	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the given store.
func NewHandler(store commission.Store, engine *commission.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:    engine,
		Scheduler: NewPaymentScheduler(engine, logger),
		Logger:    logger,
		store:     store,
		validate:  validator.New(),
	}
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// CreateRule stores a new rule. Rules cannot be edited; post a new one.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req factory.RuleJSON
	if !h.decode(w, r, &req) {
		return
	}

	rule, err := factory.FromJSON(req)
	if err != nil {
		h.writeEngineError(w, "Invalid rule", err)
		return
	}

	if req.IsActive() {
		rule, err = h.Engine.CreateRule(r.Context(), rule)
	} else {
		rule, err = h.Engine.Rules.CreateInactive(r.Context(), rule)
	}
	if err != nil {
		h.writeEngineError(w, "Failed to create rule", err)
		return
	}

	writeJSON(w, http.StatusCreated, factory.ToJSON(rule))
}

// ListRules returns rules, newest first.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	var filter commission.RuleFilter
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid active filter (use true or false)", err)
			return
		}
		filter.Active = &active
	}
	filter.EntityType = commission.EntityType(r.URL.Query().Get("entity_type"))

	rules, err := h.Engine.ListRules(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Failed to list rules", err)
		return
	}

	dtos := make([]factory.RuleJSON, len(rules))
	for i, rule := range rules {
		dtos[i] = factory.ToJSON(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRule returns a single rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Engine.GetRule(r.Context(), commission.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Rule not found", err)
		return
	}
	writeJSON(w, http.StatusOK, factory.ToJSON(rule))
}

// =============================================================================
// CALCULATION HANDLERS
// =============================================================================

// Calculate records a pending commission for one business event.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if !h.decode(w, r, &req) {
		return
	}

	calc, err := h.Engine.CalculateCommission(r.Context(), commission.CalculateRequest{
		RuleID:     commission.RuleID(req.RuleID),
		EntityType: commission.EntityType(req.EntityType),
		EntityID:   req.EntityID,
		BasisValue: req.BasisValue,
		Recipients: recipientsFrom(req.AnimatorID, req.ManagerID, req.DirectorID, req.Recipients),
		Attributes: req.Attributes,
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to calculate commission", err)
		return
	}

	h.Logger.Info("commission calculated",
		slog.String("calculation_id", string(calc.ID)),
		slog.String("rule_id", string(calc.RuleID)),
		slog.String("amount", calc.CalculatedAmount.String()),
	)
	writeJSON(w, http.StatusCreated, toCalculationDTO(calc))
}

// Simulate previews a commission without recording it.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if !h.decode(w, r, &req) {
		return
	}

	sim, err := h.Engine.SimulateCommission(r.Context(), commission.SimulateRequest{
		RuleID:     commission.RuleID(req.RuleID),
		BasisValue: req.BasisValue,
		Recipients: recipientsFrom(req.AnimatorID, req.ManagerID, req.DirectorID, req.Recipients),
		Attributes: req.Attributes,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to simulate commission", err)
		return
	}
	writeJSON(w, http.StatusOK, toSimulationDTO(sim))
}

// GetCalculation returns a calculation with its status history.
func (h *Handler) GetCalculation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := commission.CalculationID(chi.URLParam(r, "id"))

	calc, err := h.Engine.GetCalculation(ctx, id)
	if err != nil {
		h.writeEngineError(w, "Calculation not found", err)
		return
	}
	history, err := h.Engine.CalculationHistory(ctx, id)
	if err != nil {
		h.writeEngineError(w, "Failed to load status history", err)
		return
	}

	dto := toCalculationDTO(calc)
	dto.History = toStatusChangeDTOs(history)
	writeJSON(w, http.StatusOK, dto)
}

// UpdateCalculationStatus applies a lifecycle transition.
func (h *Handler) UpdateCalculationStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	calc, err := h.Engine.UpdateCalculationStatus(r.Context(),
		commission.CalculationID(chi.URLParam(r, "id")),
		commission.CalculationStatus(req.Status),
		req.Reason,
	)
	if err != nil {
		h.writeEngineError(w, "Failed to update calculation status", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(calc))
}

// ListRecipientCalculations lists a recipient's calculations with statistics.
func (h *Handler) ListRecipientCalculations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.QueryFilter{Status: commission.CalculationStatus(q.Get("status"))}

	var err error
	if v := q.Get("start_date"); v != "" {
		if filter.From, err = factory.ParseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_date", err)
			return
		}
	}
	if v := q.Get("end_date"); v != "" {
		if filter.To, err = parsePeriodEnd(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_date", err)
			return
		}
	}
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	result, err := h.Engine.ListCalculationsForRecipient(r.Context(),
		commission.RecipientID(chi.URLParam(r, "recipientId")), filter)
	if err != nil {
		h.writeEngineError(w, "Failed to list calculations", err)
		return
	}

	resp := CalculationListResponse{
		Calculations: make([]CalculationDTO, len(result.Calculations)),
		Statistics: StatisticsDTO{
			TotalCalculations: result.Statistics.TotalCalculations,
			ByStatus:          make(map[string]int, len(result.Statistics.ByStatus)),
			TotalAmount:       result.Statistics.TotalAmount,
		},
	}
	for i, c := range result.Calculations {
		resp.Calculations[i] = toCalculationDTO(c)
	}
	for status, n := range result.Statistics.ByStatus {
		resp.Statistics.ByStatus[string(status)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// GeneratePayment batches a recipient's approved calculations for a period.
func (h *Handler) GeneratePayment(w http.ResponseWriter, r *http.Request) {
	var req GeneratePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	start, err := factory.ParseTime(req.PeriodStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_start", err)
		return
	}
	end, err := parsePeriodEnd(req.PeriodEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_end", err)
		return
	}

	payment, err := h.Engine.GeneratePayment(r.Context(), commission.RecipientID(req.RecipientID), start, end)
	if err != nil {
		h.writeEngineError(w, "Failed to generate payment", err)
		return
	}

	h.Logger.Info("payment generated",
		slog.String("payment_id", string(payment.ID)),
		slog.String("recipient_id", string(payment.RecipientID)),
		slog.String("total", payment.TotalAmount.String()),
		slog.Int("calculations", payment.TotalCalculations),
	)
	writeJSON(w, http.StatusCreated, toPaymentDTO(payment))
}

// GetPayment returns a single payment.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.Engine.GetPayment(r.Context(), commission.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Payment not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(payment))
}

// UpdatePaymentStatus applies a payment lifecycle transition.
func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdatePaymentStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	payment, err := h.Engine.UpdatePaymentStatus(r.Context(),
		commission.PaymentID(chi.URLParam(r, "id")),
		commission.PaymentUpdate{
			Status:    commission.PaymentStatus(req.Status),
			Method:    req.PaymentMethod,
			Reference: req.PaymentReference,
		},
	)
	if err != nil {
		h.writeEngineError(w, "Failed to update payment status", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(payment))
}

// ListRecipientPayments lists a recipient's payments, newest first.
func (h *Handler) ListRecipientPayments(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	payments, err := h.Engine.ListPaymentsForRecipient(r.Context(),
		commission.RecipientID(chi.URLParam(r, "recipientId")),
		commission.PaymentFilter{
			Status: commission.PaymentStatus(r.URL.Query().Get("status")),
			Limit:  limit,
		},
	)
	if err != nil {
		h.writeEngineError(w, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(payments))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// BatchRun runs the payment scheduler immediately. The body is optional.
func (h *Handler) BatchRun(w http.ResponseWriter, r *http.Request) {
	var req BatchRunRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	period := h.Scheduler.LastCompletedPeriod()
	if req.PeriodStart != "" {
		start, err := factory.ParseTime(req.PeriodStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period_start", err)
			return
		}
		end, err := parsePeriodEnd(req.PeriodEnd)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period_end", err)
			return
		}
		period = commission.Period{Start: start, End: end}
	}
	if err := period.Validate(); err != nil {
		h.writeEngineError(w, "Invalid period", err)
		return
	}

	result, err := h.Scheduler.RunPeriod(r.Context(), period)
	if err != nil {
		h.writeEngineError(w, "Batch run failed", err)
		return
	}

	writeJSON(w, http.StatusOK, BatchRunResponse{
		PeriodStart: formatTime(result.Period.Start),
		PeriodEnd:   result.Period.End.UTC().Format(time.RFC3339Nano),
		Recipients:  result.Recipients,
		Payments:    toPaymentDTOs(result.Payments),
		Skipped:     result.Skipped,
		Failed:      result.Failed,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the 400 itself and
// reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case commission.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, commission.ErrNoEligibleCalculations):
		writeError(w, http.StatusNotFound, "No eligible calculations", err)
	case commission.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case commission.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.Logger.Error(message, slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, message, err)
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

// parsePeriodEnd treats a bare date as the end of that day.
func parsePeriodEnd(s string) (time.Time, error) {
	t, err := factory.ParseTime(s)
	if err != nil {
		return time.Time{}, err
	}
	if len(s) == len("2006-01-02") {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", s)
	}
	return n, nil
}
