package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE - Transport-agnostic operation surface
// =============================================================================

// Engine wires the registry, ledger and batcher over one Store.
//
// Example:
//
//	engine := commission.NewEngine(store, commission.Options{})
//	rule, _ := engine.CreateRule(ctx, rule)
//	calc, _ := engine.CalculateCommission(ctx, commission.CalculateRequest{...})
type Engine struct {
	Rules    *RuleRegistry
	Ledger   *CalculationLedger
	Payments *PaymentBatcher

	now func() time.Time
}

type Options struct {
	DefaultCurrency string
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rules := NewRuleRegistry(store, opts.DefaultCurrency, opts.Now)
	return &Engine{
		Rules:    rules,
		Ledger:   NewCalculationLedger(store, opts.Now),
		Payments: NewPaymentBatcher(store, rules, opts.DefaultCurrency, opts.Now),
		now:      opts.Now,
	}
}

// CalculateRequest is one triggering event to compute a commission for.
type CalculateRequest struct {
	RuleID     RuleID
	EntityType EntityType
	EntityID   string
	BasisValue decimal.Decimal
	Recipients Recipients
	// Attributes are matched against the rule's conditions.
	Attributes map[string]any
	Metadata   map[string]any
}

func (e *Engine) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	return e.Rules.Create(ctx, rule)
}

func (e *Engine) GetRule(ctx context.Context, id RuleID) (Rule, error) {
	return e.Rules.Get(ctx, id)
}

func (e *Engine) ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error) {
	return e.Rules.List(ctx, filter)
}

// CalculateCommission computes, allocates and records a pending calculation.
func (e *Engine) CalculateCommission(ctx context.Context, req CalculateRequest) (Calculation, error) {
	if req.RuleID == "" {
		return Calculation{}, &MissingFieldError{Field: "rule_id"}
	}
	if req.EntityID == "" {
		return Calculation{}, &MissingFieldError{Field: "entity_id"}
	}
	if req.Recipients[1] == "" {
		return Calculation{}, &MissingFieldError{Field: "recipients[1]"}
	}
	if req.BasisValue.IsNegative() {
		return Calculation{}, &InvalidFieldError{Field: "basis_value", Reason: "must not be negative"}
	}

	rule, err := e.Rules.Get(ctx, req.RuleID)
	if err != nil {
		return Calculation{}, err
	}

	now := e.now().UTC()
	if !rule.Active {
		return Calculation{}, &RuleInactiveError{RuleID: rule.ID, Reason: "rule is disabled"}
	}
	if !rule.EffectiveAt(now) {
		return Calculation{}, &RuleInactiveError{RuleID: rule.ID, Reason: "outside effective window"}
	}

	entityType := req.EntityType
	if entityType == "" {
		entityType = rule.EntityType
	}
	if !entityType.Valid() {
		return Calculation{}, &InvalidFieldError{Field: "entity_type", Reason: fmt.Sprintf("unsupported entity type %q", entityType)}
	}
	if rule.EntityType != EntityCustom && entityType != rule.EntityType {
		return Calculation{}, &InvalidFieldError{
			Field:  "entity_type",
			Reason: fmt.Sprintf("rule applies to %s, got %s", rule.EntityType, entityType),
		}
	}

	if failed := Evaluate(rule.Conditions, Event{
		EntityType: entityType,
		EntityID:   req.EntityID,
		BasisValue: req.BasisValue,
		Attributes: req.Attributes,
	}); len(failed) > 0 {
		return Calculation{}, &ConditionsNotMetError{RuleID: rule.ID, Failed: failed}
	}

	total, err := ComputeTotal(rule, req.BasisValue)
	if err != nil {
		return Calculation{}, err
	}

	calc := Calculation{
		ID:               CalculationID(uuid.NewString()),
		RuleID:           rule.ID,
		EntityType:       entityType,
		EntityID:         req.EntityID,
		Recipients:       req.Recipients,
		BasisValue:       req.BasisValue,
		CalculatedAmount: total,
		Breakdown:        Distribute(total, rule.Levels, req.Recipients),
		Status:           StatusPending,
		Currency:         rule.Currency,
		CalculationDate:  now,
		Metadata:         req.Metadata,
	}
	if err := e.Ledger.Create(ctx, calc); err != nil {
		return Calculation{}, err
	}
	return calc, nil
}

func (e *Engine) SimulateCommission(ctx context.Context, req SimulateRequest) (Simulation, error) {
	return e.Payments.Simulate(ctx, req)
}

func (e *Engine) UpdateCalculationStatus(ctx context.Context, id CalculationID, to CalculationStatus, reason string) (Calculation, error) {
	return e.Ledger.Transition(ctx, id, to, reason)
}

func (e *Engine) GetCalculation(ctx context.Context, id CalculationID) (Calculation, error) {
	return e.Ledger.Get(ctx, id)
}

func (e *Engine) CalculationHistory(ctx context.Context, id CalculationID) ([]StatusChange, error) {
	return e.Ledger.History(ctx, id)
}

func (e *Engine) ListCalculationsForRecipient(ctx context.Context, recipientID RecipientID, filter QueryFilter) (QueryResult, error) {
	return e.Ledger.Query(ctx, recipientID, filter)
}

func (e *Engine) GeneratePayment(ctx context.Context, recipientID RecipientID, periodStart, periodEnd time.Time) (Payment, error) {
	return e.Payments.Generate(ctx, recipientID, Period{Start: periodStart, End: periodEnd})
}

func (e *Engine) UpdatePaymentStatus(ctx context.Context, id PaymentID, update PaymentUpdate) (Payment, error) {
	return e.Payments.UpdateStatus(ctx, id, update)
}

func (e *Engine) GetPayment(ctx context.Context, id PaymentID) (Payment, error) {
	return e.Payments.Get(ctx, id)
}

func (e *Engine) ListPaymentsForRecipient(ctx context.Context, recipientID RecipientID, filter PaymentFilter) ([]Payment, error) {
	return e.Payments.List(ctx, recipientID, filter)
}

// EligibleRecipients lists recipients with approved calculations in the period.
func (e *Engine) EligibleRecipients(ctx context.Context, period Period) ([]RecipientID, error) {
	return e.Payments.EligibleRecipients(ctx, period)
}

func (e *Engine) EligibleRecipientsByLevel(ctx context.Context, period Period) ([][]RecipientID, error) {
	return e.Payments.EligibleRecipientsByLevel(ctx, period)
}
