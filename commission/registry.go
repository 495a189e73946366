package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE REGISTRY - Validates and stores rule definitions
// =============================================================================

// allocationTolerance is how far the level allocations may drift from 100%.
var allocationTolerance = decimal.NewFromFloat(0.01)

const DefaultCurrency = "MAD"

// RuleRegistry validates rules before they reach the store.
type RuleRegistry struct {
	store           RuleStore
	defaultCurrency string
	now             func() time.Time
}

func NewRuleRegistry(store RuleStore, defaultCurrency string, now func() time.Time) *RuleRegistry {
	if defaultCurrency == "" {
		defaultCurrency = DefaultCurrency
	}
	if now == nil {
		now = time.Now
	}
	return &RuleRegistry{store: store, defaultCurrency: defaultCurrency, now: now}
}

// Create validates the rule, applies defaults and persists it with a new id.
// Nothing is written when validation fails.
//
// Defaults: Active true (callers disable a rule by creating it inactive via
// CreateInactive), CalculationBasis amount, PaymentFrequency monthly,
// EffectiveFrom now, Currency from configuration.
func (r *RuleRegistry) Create(ctx context.Context, rule Rule) (Rule, error) {
	rule.Active = true
	return r.create(ctx, rule)
}

// CreateInactive stores a rule that cannot be applied until a new active
// version replaces it. Used to keep retired definitions on record.
func (r *RuleRegistry) CreateInactive(ctx context.Context, rule Rule) (Rule, error) {
	rule.Active = false
	return r.create(ctx, rule)
}

func (r *RuleRegistry) create(ctx context.Context, rule Rule) (Rule, error) {
	if err := ValidateRule(rule); err != nil {
		return Rule{}, err
	}

	now := r.now().UTC()
	rule.ID = RuleID(uuid.NewString())
	rule.CreatedAt = now
	if rule.CalculationBasis == "" {
		rule.CalculationBasis = BasisAmount
	}
	if rule.PaymentFrequency == "" {
		rule.PaymentFrequency = FrequencyMonthly
	}
	if rule.Currency == "" {
		rule.Currency = r.defaultCurrency
	}
	if rule.EffectiveFrom.IsZero() {
		rule.EffectiveFrom = now
	}

	if err := r.store.SaveRule(ctx, rule); err != nil {
		return Rule{}, fmt.Errorf("failed to save rule: %w", err)
	}
	return rule, nil
}

// Get returns the rule or ErrRuleNotFound.
func (r *RuleRegistry) Get(ctx context.Context, id RuleID) (Rule, error) {
	rule, err := r.store.GetRule(ctx, id)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to load rule: %w", err)
	}
	if rule == nil {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return *rule, nil
}

// List returns matching rules, newest first.
func (r *RuleRegistry) List(ctx context.Context, filter RuleFilter) ([]Rule, error) {
	rules, err := r.store.ListRules(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateRule checks a rule definition without touching the store.
func ValidateRule(rule Rule) error {
	if rule.Name == "" {
		return &MissingFieldError{Field: "name"}
	}
	if rule.Type == "" {
		return &MissingFieldError{Field: "type"}
	}
	if rule.EntityType == "" {
		return &MissingFieldError{Field: "entity_type"}
	}
	if len(rule.Levels) == 0 {
		return &MissingFieldError{Field: "levels"}
	}

	if !rule.Type.Valid() {
		return &InvalidFieldError{Field: "type", Reason: fmt.Sprintf("unsupported rule type %q", rule.Type)}
	}
	if !rule.EntityType.Valid() {
		return &InvalidFieldError{Field: "entity_type", Reason: fmt.Sprintf("unsupported entity type %q", rule.EntityType)}
	}
	if rule.CalculationBasis != "" && !rule.CalculationBasis.Valid() {
		return &InvalidFieldError{Field: "calculation_basis", Reason: fmt.Sprintf("unsupported basis %q", rule.CalculationBasis)}
	}
	if rule.PaymentFrequency != "" && !rule.PaymentFrequency.Valid() {
		return &InvalidFieldError{Field: "payment_frequency", Reason: fmt.Sprintf("unsupported frequency %q", rule.PaymentFrequency)}
	}

	if err := validateParameters(rule); err != nil {
		return err
	}
	if err := validateLevels(rule.Levels); err != nil {
		return err
	}
	for i, c := range rule.Conditions {
		if c.Field == "" {
			return &MissingFieldError{Field: fmt.Sprintf("conditions[%d].field", i)}
		}
		if !c.Operator.Valid() {
			return &InvalidFieldError{Field: fmt.Sprintf("conditions[%d].operator", i), Reason: fmt.Sprintf("unsupported operator %q", c.Operator)}
		}
	}

	if err := nonNegative("min_threshold", rule.MinThreshold); err != nil {
		return err
	}
	if err := positive("max_cap", rule.MaxCap); err != nil {
		return err
	}
	if rule.MinThreshold != nil && rule.MaxCap != nil && rule.MaxCap.LessThan(*rule.MinThreshold) {
		return &InvalidFieldError{Field: "max_cap", Reason: "must not be below min_threshold"}
	}
	if rule.EffectiveTo != nil && !rule.EffectiveFrom.IsZero() && rule.EffectiveTo.Before(rule.EffectiveFrom) {
		return &InvalidFieldError{Field: "effective_to", Reason: "must not be before effective_from"}
	}
	return nil
}

func validateParameters(rule Rule) error {
	switch rule.Type {
	case RulePercentage:
		if rule.Percentage == nil {
			return &MissingFieldError{Field: "percentage"}
		}
	case RuleFixedAmount:
		if rule.FixedAmount == nil {
			return &MissingFieldError{Field: "fixed_amount"}
		}
	case RuleHybrid:
		if rule.Percentage == nil && rule.FixedAmount == nil {
			return &MissingFieldError{Field: "percentage or fixed_amount"}
		}
	case RuleTiered:
		if len(rule.Tiers) == 0 {
			return &MissingFieldError{Field: "tiers"}
		}
		for i, t := range rule.Tiers {
			field := fmt.Sprintf("tiers[%d]", i)
			if t.MinValue.IsNegative() {
				return &InvalidFieldError{Field: field + ".min_value", Reason: "must not be negative"}
			}
			if t.MaxValue != nil && t.MaxValue.LessThanOrEqual(t.MinValue) {
				return &InvalidFieldError{Field: field + ".max_value", Reason: "must be above min_value"}
			}
			if t.RatePercentage == nil && t.FixedAmount == nil {
				return &MissingFieldError{Field: field + ".rate_percentage or fixed_amount"}
			}
			if err := nonNegative(field+".rate_percentage", t.RatePercentage); err != nil {
				return err
			}
			if err := nonNegative(field+".fixed_amount", t.FixedAmount); err != nil {
				return err
			}
		}
	}

	if err := nonNegative("percentage", rule.Percentage); err != nil {
		return err
	}
	return nonNegative("fixed_amount", rule.FixedAmount)
}

func validateLevels(levels []Level) error {
	seen := make(map[int]bool, len(levels))
	sum := decimal.Zero
	for i, l := range levels {
		field := fmt.Sprintf("levels[%d]", i)
		if l.Level < 1 {
			return &InvalidFieldError{Field: field + ".level", Reason: "must be 1 or greater"}
		}
		if seen[l.Level] {
			return &InvalidFieldError{Field: field + ".level", Reason: fmt.Sprintf("duplicate level %d", l.Level)}
		}
		seen[l.Level] = true

		if l.AllocationPercentage.IsNegative() {
			return &InvalidFieldError{Field: field + ".allocation_percentage", Reason: "must not be negative"}
		}
		if err := nonNegative(field+".min_amount", l.MinAmount); err != nil {
			return err
		}
		if err := positive(field+".max_amount", l.MaxAmount); err != nil {
			return err
		}
		if l.MinAmount != nil && l.MaxAmount != nil && l.MaxAmount.LessThan(*l.MinAmount) {
			return &InvalidFieldError{Field: field + ".max_amount", Reason: "must not be below min_amount"}
		}
		sum = sum.Add(l.AllocationPercentage)
	}

	if sum.Sub(hundred).Abs().GreaterThan(allocationTolerance) {
		return &AllocationSumError{Sum: sum}
	}
	return nil
}

// positive rejects caps of zero or less. A cap that is not wanted is left unset.
func positive(field string, d *decimal.Decimal) error {
	if d != nil && !d.IsPositive() {
		return &InvalidFieldError{Field: field, Reason: "must be greater than zero"}
	}
	return nil
}

func nonNegative(field string, d *decimal.Decimal) error {
	if d != nil && d.IsNegative() {
		return &InvalidFieldError{Field: field, Reason: "must not be negative"}
	}
	return nil
}
