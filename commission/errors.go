/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is against the sentinels; the structured
  errors carry context and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Validation errors - caught before any persistence, no side effects
  2. Not-found errors  - short-circuit the pipeline
  3. State errors      - request rejected, stored records unchanged
  4. Batch errors      - informational (nothing to pay)
  5. Store errors      - propagated unchanged from the Store

SEE ALSO:
  - registry.go: Raises validation errors
  - ledger.go: Raises state errors
  - api/handlers.go: Maps categories to HTTP status codes
*/
package commission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingRequiredField is returned when a mandatory field is absent.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidField is returned when a field has an unsupported value.
	ErrInvalidField = errors.New("invalid field")

	// ErrInvalidAllocationSum is returned when level allocations don't sum to 100.
	ErrInvalidAllocationSum = errors.New("level allocations must sum to 100%")

	// ErrRuleNotFound is returned when a referenced rule doesn't exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleInactive is returned when a rule is disabled or outside its effective window.
	ErrRuleInactive = errors.New("rule is not active")

	// ErrConditionsNotMet is returned when an event fails a rule's conditions.
	ErrConditionsNotMet = errors.New("rule conditions not met")

	// ErrCalculationNotFound is returned when a referenced calculation doesn't exist.
	ErrCalculationNotFound = errors.New("calculation not found")

	// ErrPaymentNotFound is returned when a referenced payment doesn't exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvalidStatusTransition is returned for transitions outside the state machine.
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrNoEligibleCalculations is returned when a batch finds nothing to pay.
	ErrNoEligibleCalculations = errors.New("no approved calculations found for this period")

	// ErrPaymentIncomplete is returned when completing a payment whose
	// source calculations are not all paid.
	ErrPaymentIncomplete = errors.New("payment has calculations that are not paid")

	// ErrInvalidPeriod is returned when a period ends before it starts.
	ErrInvalidPeriod = errors.New("invalid period: end before start")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingFieldError names the absent field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingRequiredField }

// InvalidFieldError names the field and why its value was refused.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

func (e *InvalidFieldError) Unwrap() error { return ErrInvalidField }

// AllocationSumError reports the actual sum of level allocations.
type AllocationSumError struct {
	Sum decimal.Decimal
}

func (e *AllocationSumError) Error() string {
	return fmt.Sprintf("level allocations must sum to 100%%, got %s%%", e.Sum.String())
}

func (e *AllocationSumError) Unwrap() error { return ErrInvalidAllocationSum }

// RuleInactiveError explains why a rule cannot be applied.
type RuleInactiveError struct {
	RuleID RuleID
	Reason string
}

func (e *RuleInactiveError) Error() string {
	return fmt.Sprintf("rule %s is not active: %s", e.RuleID, e.Reason)
}

func (e *RuleInactiveError) Unwrap() error { return ErrRuleInactive }

// ConditionsNotMetError lists the conditions the event failed.
type ConditionsNotMetError struct {
	RuleID RuleID
	Failed []Condition
}

func (e *ConditionsNotMetError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, c := range e.Failed {
		parts[i] = c.String()
	}
	return fmt.Sprintf("rule %s conditions not met: %s", e.RuleID, strings.Join(parts, ", "))
}

func (e *ConditionsNotMetError) Unwrap() error { return ErrConditionsNotMet }

// TransitionError reports a refused status change on a calculation or payment.
type TransitionError struct {
	Subject string // "calculation" or "payment"
	ID      string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition for %s: %s -> %s", e.Subject, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStatusTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingRequiredField) ||
		errors.Is(err, ErrInvalidField) ||
		errors.Is(err, ErrInvalidAllocationSum) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrCalculationNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// IsConflict returns true if the request was refused because of current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrRuleInactive) ||
		errors.Is(err, ErrConditionsNotMet) ||
		errors.Is(err, ErrPaymentIncomplete)
}
