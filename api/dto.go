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
  Rules:
    factory.RuleJSON (request and response)

  Calculations:
    CalculateRequest, SimulateRequest, UpdateStatusRequest,
    CalculationDTO, ShareDTO, StatusChangeDTO, CalculationListResponse,
    SimulationDTO

  Payments:
    GeneratePaymentRequest, UpdatePaymentStatusRequest, PaymentDTO

  Admin / Scenarios:
    BatchRunRequest, BatchRunResponse, ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry go-playground/validator struct tags. Handlers run
  them before calling the engine; the engine still enforces every domain
  rule, so the tags only catch malformed payloads early.

AMOUNTS:
  Money is decimal.Decimal. Requests accept JSON numbers or strings.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// CALCULATIONS
// =============================================================================

// CalculateRequest records one triggering event.
// Recipients may be given as animator/manager/director ids, or as a
// level -> id map for rules with more levels.
type CalculateRequest struct {
	RuleID     string          `json:"rule_id" validate:"required"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id" validate:"required"`
	BasisValue decimal.Decimal `json:"basis_value"`
	AnimatorID string          `json:"animator_id,omitempty" validate:"required_without=Recipients"`
	ManagerID  string          `json:"manager_id,omitempty"`
	DirectorID string          `json:"director_id,omitempty"`
	Recipients map[int]string  `json:"recipients,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// SimulateRequest previews a rule without recording anything.
type SimulateRequest struct {
	RuleID     string          `json:"rule_id" validate:"required"`
	BasisValue decimal.Decimal `json:"basis_value"`
	AnimatorID string          `json:"animator_id,omitempty"`
	ManagerID  string          `json:"manager_id,omitempty"`
	DirectorID string          `json:"director_id,omitempty"`
	Recipients map[int]string  `json:"recipients,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty"`
}

// UpdateStatusRequest moves a calculation through its lifecycle.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// CalculationDTO represents a calculation in API responses.
type CalculationDTO struct {
	ID               string            `json:"calculation_id"`
	RuleID           string            `json:"rule_id"`
	EntityType       string            `json:"entity_type"`
	EntityID         string            `json:"entity_id"`
	AnimatorID       string            `json:"animator_id"`
	ManagerID        string            `json:"manager_id,omitempty"`
	DirectorID       string            `json:"director_id,omitempty"`
	BasisValue       decimal.Decimal   `json:"basis_value"`
	CalculatedAmount decimal.Decimal   `json:"calculated_amount"`
	Breakdown        []ShareDTO        `json:"level_breakdown"`
	Status           string            `json:"status"`
	StatusReason     string            `json:"status_reason,omitempty"`
	Currency         string            `json:"currency"`
	CalculationDate  string            `json:"calculation_date"`
	ApprovalDate     *string           `json:"approval_date,omitempty"`
	PaymentDate      *string           `json:"payment_date,omitempty"`
	PaymentID        string            `json:"payment_id,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	History          []StatusChangeDTO `json:"status_history,omitempty"`
}

// ShareDTO is one level of a calculation's breakdown.
type ShareDTO struct {
	Level                int             `json:"level"`
	RecipientID          string          `json:"recipient_id"`
	Role                 string          `json:"recipient_role"`
	Amount               decimal.Decimal `json:"amount"`
	AllocationPercentage decimal.Decimal `json:"allocation_percentage"`
	Skipped              bool            `json:"skipped,omitempty"`
}

// StatusChangeDTO is one audit trail entry.
type StatusChangeDTO struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
}

// StatisticsDTO summarizes a recipient's calculations.
type StatisticsDTO struct {
	TotalCalculations int             `json:"total_calculations"`
	ByStatus          map[string]int  `json:"by_status"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
}

// CalculationListResponse is returned by the recipient listing.
type CalculationListResponse struct {
	Calculations []CalculationDTO `json:"calculations"`
	Statistics   StatisticsDTO    `json:"statistics"`
}

// SimulationDTO is the preview result.
type SimulationDTO struct {
	RuleID           string          `json:"rule_id"`
	RuleName         string          `json:"rule_name"`
	BasisValue       decimal.Decimal `json:"basis_value"`
	CalculatedAmount decimal.Decimal `json:"calculated_amount"`
	Breakdown        []ShareDTO      `json:"level_breakdown"`
	Levels           []ShareDTO      `json:"levels"`
	ConditionsMet    bool            `json:"conditions_met"`
	FailedConditions []string        `json:"failed_conditions,omitempty"`
	Currency         string          `json:"currency"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// GeneratePaymentRequest batches a recipient's approved calculations.
// Dates accept RFC3339 or YYYY-MM-DD; a date-only end covers the whole day.
type GeneratePaymentRequest struct {
	RecipientID string `json:"recipient_id" validate:"required"`
	PeriodStart string `json:"period_start" validate:"required"`
	PeriodEnd   string `json:"period_end" validate:"required"`
}

// UpdatePaymentStatusRequest moves a payment through its lifecycle.
type UpdatePaymentStatusRequest struct {
	Status           string `json:"status" validate:"required"`
	PaymentMethod    string `json:"payment_method,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID                string          `json:"payment_id"`
	RecipientID       string          `json:"recipient_id"`
	PeriodStart       string          `json:"period_start"`
	PeriodEnd         string          `json:"period_end"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	TotalCalculations int             `json:"total_calculations"`
	BreakdownByRule   []RuleTotalDTO  `json:"breakdown_by_rule"`
	CalculationIDs    []string        `json:"calculation_ids"`
	Status            string          `json:"status"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	PaymentReference  string          `json:"payment_reference,omitempty"`
	Currency          string          `json:"currency"`
	CreatedAt         string          `json:"created_at"`
	ProcessedAt       *string         `json:"processed_at,omitempty"`
	CompletedAt       *string         `json:"completed_at,omitempty"`
}

// RuleTotalDTO is one rule's share of a payment.
type RuleTotalDTO struct {
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int             `json:"count"`
}

// =============================================================================
// ADMIN / SCENARIOS
// =============================================================================

// BatchRunRequest triggers a payment run. Empty dates mean the last
// completed period of the scheduler's frequency.
type BatchRunRequest struct {
	PeriodStart string `json:"period_start,omitempty" validate:"required_with=PeriodEnd"`
	PeriodEnd   string `json:"period_end,omitempty" validate:"required_with=PeriodStart"`
}

// BatchRunResponse reports what a payment run did.
type BatchRunResponse struct {
	PeriodStart string       `json:"period_start"`
	PeriodEnd   string       `json:"period_end"`
	Recipients  int          `json:"recipients"`
	Payments    []PaymentDTO `json:"payments"`
	Skipped     int          `json:"skipped"`
	Failed      int          `json:"failed"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenarioResponse summarizes a loaded scenario.
type LoadScenarioResponse struct {
	Scenario     ScenarioDTO `json:"scenario"`
	Rules        int         `json:"rules"`
	Calculations int         `json:"calculations"`
	Payments     int         `json:"payments"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

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

func toShareDTOs(shares []commission.LevelShare) []ShareDTO {
	dtos := make([]ShareDTO, len(shares))
	for i, s := range shares {
		dtos[i] = ShareDTO{
			Level:                s.Level,
			RecipientID:          string(s.RecipientID),
			Role:                 s.Role,
			Amount:               s.Amount,
			AllocationPercentage: s.AllocationPercentage,
		}
	}
	return dtos
}

func toCalculationDTO(c commission.Calculation) CalculationDTO {
	return CalculationDTO{
		ID:               string(c.ID),
		RuleID:           string(c.RuleID),
		EntityType:       string(c.EntityType),
		EntityID:         c.EntityID,
		AnimatorID:       string(c.Recipients[1]),
		ManagerID:        string(c.Recipients[2]),
		DirectorID:       string(c.Recipients[3]),
		BasisValue:       c.BasisValue,
		CalculatedAmount: c.CalculatedAmount,
		Breakdown:        toShareDTOs(c.Breakdown),
		Status:           string(c.Status),
		StatusReason:     c.StatusReason,
		Currency:         c.Currency,
		CalculationDate:  formatTime(c.CalculationDate),
		ApprovalDate:     formatTimePtr(c.ApprovalDate),
		PaymentDate:      formatTimePtr(c.PaymentDate),
		PaymentID:        string(c.PaymentID),
		Metadata:         c.Metadata,
	}
}

func toStatusChangeDTOs(changes []commission.StatusChange) []StatusChangeDTO {
	dtos := make([]StatusChangeDTO, len(changes))
	for i, ch := range changes {
		dtos[i] = StatusChangeDTO{
			From:   string(ch.From),
			To:     string(ch.To),
			Reason: ch.Reason,
			At:     formatTime(ch.At),
		}
	}
	return dtos
}

func toSimulationDTO(sim commission.Simulation) SimulationDTO {
	dto := SimulationDTO{
		RuleID:           string(sim.Rule.ID),
		RuleName:         sim.Rule.Name,
		BasisValue:       sim.BasisValue,
		CalculatedAmount: sim.Total,
		Breakdown:        toShareDTOs(sim.Breakdown),
		ConditionsMet:    sim.ConditionsMet,
		Currency:         sim.Rule.Currency,
	}
	for _, lvl := range sim.Levels {
		dto.Levels = append(dto.Levels, ShareDTO{
			Level:                lvl.Level,
			RecipientID:          string(lvl.RecipientID),
			Role:                 lvl.Role,
			Amount:               lvl.Amount,
			AllocationPercentage: lvl.AllocationPercentage,
			Skipped:              lvl.Skipped,
		})
	}
	for _, c := range sim.Failed {
		dto.FailedConditions = append(dto.FailedConditions, c.String())
	}
	return dto
}

func toPaymentDTO(p commission.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:                string(p.ID),
		RecipientID:       string(p.RecipientID),
		PeriodStart:       formatTime(p.PeriodStart),
		PeriodEnd:         p.PeriodEnd.UTC().Format(time.RFC3339Nano),
		TotalAmount:       p.TotalAmount,
		TotalCalculations: p.TotalCalculations,
		BreakdownByRule:   make([]RuleTotalDTO, len(p.BreakdownByRule)),
		CalculationIDs:    make([]string, len(p.CalculationIDs)),
		Status:            string(p.Status),
		PaymentMethod:     p.PaymentMethod,
		PaymentReference:  p.PaymentReference,
		Currency:          p.Currency,
		CreatedAt:         formatTime(p.CreatedAt),
		ProcessedAt:       formatTimePtr(p.ProcessedAt),
		CompletedAt:       formatTimePtr(p.CompletedAt),
	}
	for i, rt := range p.BreakdownByRule {
		dto.BreakdownByRule[i] = RuleTotalDTO{
			RuleID:   string(rt.RuleID),
			RuleName: rt.RuleName,
			Amount:   rt.Amount,
			Count:    rt.Count,
		}
	}
	for i, id := range p.CalculationIDs {
		dto.CalculationIDs[i] = string(id)
	}
	return dto
}

func toPaymentDTOs(payments []commission.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

// recipientsFrom merges the named ids with the explicit level map.
// Explicit levels win.
func recipientsFrom(animator, manager, director string, levels map[int]string) commission.Recipients {
	r := commission.NewRecipients(
		commission.RecipientID(animator),
		commission.RecipientID(manager),
		commission.RecipientID(director),
	)
	for level, id := range levels {
		if id != "" {
			r[level] = commission.RecipientID(id)
		}
	}
	return r
}
