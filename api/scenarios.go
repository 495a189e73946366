/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for testing and demos. Each scenario creates rules, records
	calculations for a small sales team, and moves some of them through
	the approval and payment lifecycle.

AVAILABLE SCENARIOS:

	sales-team:     Percentage and tiered rules, a team of three animators
	payment-cycle:  Approved calculations batched into a payment in processing
	conditions:     Visit bonus and lead hybrid rules with eligibility conditions

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create rules from presets
 3. Record calculations through the engine
 4. Apply status transitions
 5. Optionally generate payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "payment-cycle"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Engine endpoints
  - presets/rules.go: Rule definitions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/presets"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "sales-team",
		Name:        "Sales Team",
		Description: "Percentage and tiered sales rules for three animators, one manager and one director",
	},
	{
		ID:          "payment-cycle",
		Name:        "Payment Cycle",
		Description: "Approved calculations batched into a payment that is being processed",
	},
	{
		ID:          "conditions",
		Name:        "Eligibility Conditions",
		Description: "Visit bonus and lead hybrid rules, with events that fail their conditions",
	},
}

type scenarioLoader func(ctx context.Context, s *scenarioBuilder) error

var scenarioLoaders = map[string]scenarioLoader{
	"sales-team":    loadSalesTeamScenario,
	"payment-cycle": loadPaymentCycleScenario,
	"conditions":    loadConditionsScenario,
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
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	resetter, ok := h.store.(Resetter)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Store does not support reset", nil)
		return
	}

	ctx := r.Context()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := resetter.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	b := &scenarioBuilder{engine: h.Engine}
	if err := load(ctx, b); err != nil {
		h.writeEngineError(w, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	resp := LoadScenarioResponse{
		Rules:        b.rules,
		Calculations: b.calculations,
		Payments:     b.payments,
	}
	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			resp.Scenario = s
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// SCENARIO BUILDER
// =============================================================================

// scenarioBuilder wraps the engine and counts what a scenario created.
type scenarioBuilder struct {
	engine *commission.Engine

	rules        int
	calculations int
	payments     int
}

func (b *scenarioBuilder) rule(ctx context.Context, rule commission.Rule) (commission.Rule, error) {
	created, err := b.engine.CreateRule(ctx, rule)
	if err != nil {
		return commission.Rule{}, fmt.Errorf("rule %q: %w", rule.Name, err)
	}
	b.rules++
	return created, nil
}

type event struct {
	entityID   string
	basis      int64
	recipients commission.Recipients
	attributes map[string]any
}

func (b *scenarioBuilder) calculate(ctx context.Context, rule commission.Rule, e event) (commission.Calculation, error) {
	calc, err := b.engine.CalculateCommission(ctx, commission.CalculateRequest{
		RuleID:     rule.ID,
		EntityType: rule.EntityType,
		EntityID:   e.entityID,
		BasisValue: decimal.NewFromInt(e.basis),
		Recipients: e.recipients,
		Attributes: e.attributes,
	})
	if err != nil {
		return commission.Calculation{}, fmt.Errorf("calculate %s: %w", e.entityID, err)
	}
	b.calculations++
	return calc, nil
}

func (b *scenarioBuilder) transition(ctx context.Context, calc commission.Calculation, to commission.CalculationStatus, reason string) error {
	if _, err := b.engine.UpdateCalculationStatus(ctx, calc.ID, to, reason); err != nil {
		return fmt.Errorf("transition %s to %s: %w", calc.EntityID, to, err)
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadSalesTeamScenario(ctx context.Context, b *scenarioBuilder) error {
	percentage, err := b.rule(ctx, presets.SalesPercentage("Sales 5%", 5))
	if err != nil {
		return err
	}
	tiered, err := b.rule(ctx, presets.TieredSales("Tiered sales"))
	if err != nil {
		return err
	}

	sales := []struct {
		rule    commission.Rule
		event   event
		approve bool
	}{
		{percentage, event{entityID: "sale-1001", basis: 1200, recipients: commission.NewRecipients("anim-1", "mgr-1", "dir-1")}, true},
		{percentage, event{entityID: "sale-1002", basis: 800, recipients: commission.NewRecipients("anim-2", "mgr-1", "dir-1")}, false},
		{tiered, event{entityID: "sale-1003", basis: 6000, recipients: commission.NewRecipients("anim-1", "mgr-1", "")}, true},
		{tiered, event{entityID: "sale-1004", basis: 3500, recipients: commission.NewRecipients("anim-3", "mgr-1", "dir-1")}, true},
		{tiered, event{entityID: "sale-1005", basis: 950, recipients: commission.NewRecipients("anim-2", "mgr-1", "dir-1")}, false},
	}

	for _, s := range sales {
		calc, err := b.calculate(ctx, s.rule, s.event)
		if err != nil {
			return err
		}
		if s.approve {
			if err := b.transition(ctx, calc, commission.StatusApproved, "verified by sales ops"); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadPaymentCycleScenario(ctx context.Context, b *scenarioBuilder) error {
	tiered, err := b.rule(ctx, presets.TieredSales("Tiered sales"))
	if err != nil {
		return err
	}

	for i, basis := range []int64{6000, 2500, 400} {
		calc, err := b.calculate(ctx, tiered, event{
			entityID:   fmt.Sprintf("sale-%d", 2001+i),
			basis:      basis,
			recipients: commission.NewRecipients("anim-1", "mgr-1", "dir-1"),
		})
		if err != nil {
			return err
		}
		if err := b.transition(ctx, calc, commission.StatusApproved, ""); err != nil {
			return err
		}
	}

	// A rejected sale stays out of the payment.
	rejected, err := b.calculate(ctx, tiered, event{
		entityID:   "sale-2004",
		basis:      1500,
		recipients: commission.NewRecipients("anim-1", "mgr-1", "dir-1"),
	})
	if err != nil {
		return err
	}
	if err := b.transition(ctx, rejected, commission.StatusRejected, "order cancelled"); err != nil {
		return err
	}

	period := commission.PeriodFor(commission.FrequencyMonthly, rejected.CalculationDate)
	payment, err := b.engine.GeneratePayment(ctx, "anim-1", period.Start, period.End)
	if err != nil {
		return fmt.Errorf("generate payment: %w", err)
	}
	b.payments++

	_, err = b.engine.UpdatePaymentStatus(ctx, payment.ID, commission.PaymentUpdate{
		Status: commission.PaymentProcessing,
		Method: "bank_transfer",
	})
	return err
}

func loadConditionsScenario(ctx context.Context, b *scenarioBuilder) error {
	visits, err := b.rule(ctx, presets.VisitBonus("Visit bonus", 25))
	if err != nil {
		return err
	}
	leads, err := b.rule(ctx, presets.LeadHybrid("Lead hybrid", 100, 2))
	if err != nil {
		return err
	}

	for i, minutes := range []int{45, 10, 30} {
		_, err := b.calculate(ctx, visits, event{
			entityID:   fmt.Sprintf("visit-%d", 3001+i),
			basis:      1,
			recipients: commission.NewRecipients("anim-1", "", ""),
			attributes: map[string]any{"duration_minutes": minutes},
		})
		// Short visits do not qualify; that is part of the demo.
		if errors.Is(err, commission.ErrConditionsNotMet) {
			continue
		}
		if err != nil {
			return err
		}
	}

	lead, err := b.calculate(ctx, leads, event{
		entityID:   "lead-4001",
		basis:      5000,
		recipients: commission.NewRecipients("anim-2", "mgr-1", ""),
	})
	if err != nil {
		return err
	}
	return b.transition(ctx, lead, commission.StatusOnHold, "awaiting signed contract")
}
