/*
Package commission provides the core commission calculation and payment engine.

PURPOSE:
  This package contains the types and algorithms for computing sales-incentive
  commissions, splitting them across organizational levels, tracking each
  calculation through its approval lifecycle, and batching approved
  calculations into per-recipient payments.

KEY CONCEPTS IN THIS FILE (types.go):
  - Rule: How a commission is computed and who shares it
  - Tier / Level / Condition: The building blocks of a rule
  - Calculation: One persisted result of applying a rule to one event
  - Payment: Aggregation of approved calculations for one recipient/period

DESIGN PRINCIPLES:
  1. Precision: All money uses decimal.Decimal, never float64
  2. Immutability: Rules are never updated in place; create a new rule instead
  3. Auditability: Calculations are never deleted, only transitioned
  4. Type Safety: Distinct ID types prevent mixing rule/calculation/payment IDs

USAGE:
  rule := commission.Rule{
      Name:       "Sales 5%",
      Type:       commission.RulePercentage,
      EntityType: commission.EntitySale,
      Percentage: commission.Ptr(decimal.NewFromInt(5)),
      Levels: []commission.Level{
          {Level: 1, Role: "animator", AllocationPercentage: decimal.NewFromInt(100)},
      },
  }

SEE ALSO:
  - strategy.go: Amount computation per rule type
  - allocate.go: Multi-level distribution
  - ledger.go: Calculation lifecycle
  - batcher.go: Payment batching
*/
package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RuleID string
type CalculationID string
type PaymentID string
type RecipientID string

// Ptr returns a pointer to v. Used for optional rule parameters.
func Ptr[T any](v T) *T { return &v }

var hundred = decimal.NewFromInt(100)

// =============================================================================
// ENUMERATIONS
// =============================================================================

type RuleType string

const (
	RulePercentage  RuleType = "percentage"
	RuleFixedAmount RuleType = "fixed_amount"
	RuleTiered      RuleType = "tiered"
	RuleHybrid      RuleType = "hybrid"
)

type EntityType string

const (
	EntitySale   EntityType = "sale"
	EntityLead   EntityType = "lead"
	EntityVisit  EntityType = "visit"
	EntityAction EntityType = "action"
	EntityCustom EntityType = "custom"
)

type CalculationBasis string

const (
	BasisAmount   CalculationBasis = "amount"
	BasisQuantity CalculationBasis = "quantity"
	BasisScore    CalculationBasis = "score"
	BasisCustom   CalculationBasis = "custom"
)

type PaymentFrequency string

const (
	FrequencyImmediate PaymentFrequency = "immediate"
	FrequencyDaily     PaymentFrequency = "daily"
	FrequencyWeekly    PaymentFrequency = "weekly"
	FrequencyMonthly   PaymentFrequency = "monthly"
	FrequencyQuarterly PaymentFrequency = "quarterly"
)

func (t RuleType) Valid() bool {
	switch t {
	case RulePercentage, RuleFixedAmount, RuleTiered, RuleHybrid:
		return true
	}
	return false
}

func (e EntityType) Valid() bool {
	switch e {
	case EntitySale, EntityLead, EntityVisit, EntityAction, EntityCustom:
		return true
	}
	return false
}

func (b CalculationBasis) Valid() bool {
	switch b {
	case BasisAmount, BasisQuantity, BasisScore, BasisCustom:
		return true
	}
	return false
}

func (f PaymentFrequency) Valid() bool {
	switch f {
	case FrequencyImmediate, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly:
		return true
	}
	return false
}

// =============================================================================
// RULE - How a commission is computed and shared
// =============================================================================

// Rule defines a commission. Rules are immutable once stored: a change in
// terms is a new rule, so existing calculations keep pointing at the terms
// they were computed with.
type Rule struct {
	ID               RuleID
	Name             string
	Description      string
	Type             RuleType
	EntityType       EntityType
	CalculationBasis CalculationBasis

	Percentage  *decimal.Decimal // percentage, hybrid
	FixedAmount *decimal.Decimal // fixed_amount, hybrid
	Tiers       []Tier           // tiered only

	Levels     []Level
	Conditions []Condition

	MinThreshold *decimal.Decimal
	MaxCap       *decimal.Decimal

	Active        bool
	EffectiveFrom time.Time
	EffectiveTo   *time.Time

	Currency         string
	PaymentFrequency PaymentFrequency
	Metadata         map[string]any
	CreatedAt        time.Time
}

// EffectiveAt reports whether the rule's validity window contains t.
func (r Rule) EffectiveAt(t time.Time) bool {
	if !r.EffectiveFrom.IsZero() && t.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && t.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// Tier is one bracket of a tiered rule. A nil MaxValue means open-ended.
type Tier struct {
	TierLevel      int
	MinValue       decimal.Decimal
	MaxValue       *decimal.Decimal
	RatePercentage *decimal.Decimal
	FixedAmount    *decimal.Decimal
}

// Level is an organizational role entitled to a share of the total.
// Level 1 is the primary recipient.
type Level struct {
	Level                int
	Role                 string
	AllocationPercentage decimal.Decimal
	MinAmount            *decimal.Decimal
	MaxAmount            *decimal.Decimal
}

// Recipients maps a level number to the recipient at that level.
type Recipients map[int]RecipientID

// NewRecipients builds the common three-level map. Empty ids are omitted.
func NewRecipients(primary, manager, director RecipientID) Recipients {
	r := Recipients{}
	for level, id := range map[int]RecipientID{1: primary, 2: manager, 3: director} {
		if id != "" {
			r[level] = id
		}
	}
	return r
}

// LevelShare is one recipient's part of a calculation.
type LevelShare struct {
	Level                int
	RecipientID          RecipientID
	Role                 string
	Amount               decimal.Decimal
	AllocationPercentage decimal.Decimal
}

// =============================================================================
// CALCULATION - One applied rule for one triggering event
// =============================================================================

type CalculationStatus string

const (
	StatusPending  CalculationStatus = "pending"
	StatusApproved CalculationStatus = "approved"
	StatusPaid     CalculationStatus = "paid"
	StatusRejected CalculationStatus = "rejected"
	StatusOnHold   CalculationStatus = "on_hold"
)

func (s CalculationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusPaid, StatusRejected, StatusOnHold:
		return true
	}
	return false
}

// Calculation is owned by the CalculationLedger. It is never deleted and only
// changes through status transitions.
type Calculation struct {
	ID               CalculationID
	RuleID           RuleID
	EntityType       EntityType
	EntityID         string
	Recipients       Recipients
	BasisValue       decimal.Decimal
	CalculatedAmount decimal.Decimal
	Breakdown        []LevelShare
	Status           CalculationStatus
	StatusReason     string
	Currency         string
	CalculationDate  time.Time
	ApprovalDate     *time.Time
	PaymentDate      *time.Time
	PaymentID        PaymentID
	Metadata         map[string]any
}

// ShareOf returns the recipient's breakdown entry, if any.
func (c Calculation) ShareOf(recipientID RecipientID) (LevelShare, bool) {
	for _, s := range c.Breakdown {
		if s.RecipientID == recipientID {
			return s, true
		}
	}
	return LevelShare{}, false
}

// AmountFor sums the recipient's shares. A recipient may sit at more than
// one level of the same calculation.
func (c Calculation) AmountFor(recipientID RecipientID) (decimal.Decimal, bool) {
	sum, found := decimal.Zero, false
	for _, s := range c.Breakdown {
		if s.RecipientID == recipientID {
			sum = sum.Add(s.Amount)
			found = true
		}
	}
	return sum, found
}

// StatusChange is one entry of a calculation's audit trail.
type StatusChange struct {
	CalculationID CalculationID
	From          CalculationStatus
	To            CalculationStatus
	Reason        string
	At            time.Time
}

// =============================================================================
// PAYMENT - Batched approved calculations for one recipient and period
// =============================================================================

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentCompleted, PaymentFailed:
		return true
	}
	return false
}

// RuleTotal aggregates a recipient's shares for one rule within a payment.
type RuleTotal struct {
	RuleID   RuleID
	RuleName string
	Amount   decimal.Decimal
	Count    int
}

type Payment struct {
	ID                PaymentID
	RecipientID       RecipientID
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TotalAmount       decimal.Decimal
	TotalCalculations int
	BreakdownByRule   []RuleTotal
	CalculationIDs    []CalculationID
	Status            PaymentStatus
	PaymentMethod     string
	PaymentReference  string
	Currency          string
	CreatedAt         time.Time
	ProcessedAt       *time.Time
	CompletedAt       *time.Time
}
