/*
Package presets provides pre-built commission rule configurations.

PURPOSE:
  Ready-to-use rule definitions for the incentive plans most sales
  organizations start with. Each preset returns an unsaved commission.Rule;
  pass it to Engine.CreateRule to store it.

AVAILABLE PRESETS:
  SalesPercentage:
    - Flat percentage of the sale amount
    - 70/20/10 split animator/manager/director

  TieredSales:
    - Progressive brackets: 0-1000 @5%, 1000-5000 @8%, 5000+ @10%
    - 70/20/10 split

  VisitBonus:
    - Fixed bonus per visit, paid weekly
    - Animator only

  LeadHybrid:
    - Fixed amount plus a percentage of the lead's estimated value
    - 80/20 split animator/manager, manager share capped

EXAMPLE:
  rule, err := engine.CreateRule(ctx, presets.TieredSales("Tiered sales Q1"))

  // Or as a JSON document, e.g. for POST /api/commissions/rules
  body := presets.JSON(presets.VisitBonus("Visit bonus", 25))

SEE ALSO:
  - factory/rule.go: JSON/YAML rule definitions
  - commission/registry.go: Validation and defaults
*/
package presets

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

// Standard 70/20/10 split across the three sales levels.
func standardLevels() []commission.Level {
	return []commission.Level{
		{Level: 1, Role: "animator", AllocationPercentage: decimal.NewFromInt(70)},
		{Level: 2, Role: "manager", AllocationPercentage: decimal.NewFromInt(20)},
		{Level: 3, Role: "director", AllocationPercentage: decimal.NewFromInt(10)},
	}
}

// =============================================================================
// SALES PERCENTAGE
// =============================================================================

// SalesPercentage pays percent of every sale, split 70/20/10.
func SalesPercentage(name string, percent float64) commission.Rule {
	return commission.Rule{
		Name:             name,
		Description:      "Percentage of the sale amount",
		Type:             commission.RulePercentage,
		EntityType:       commission.EntitySale,
		CalculationBasis: commission.BasisAmount,
		Percentage:       commission.Ptr(decimal.NewFromFloat(percent)),
		Levels:           standardLevels(),
		PaymentFrequency: commission.FrequencyMonthly,
	}
}

// =============================================================================
// TIERED SALES
// =============================================================================

// TieredSales pays progressively higher rates on larger sales.
// A 6000 sale earns 50 + 320 + 100 = 470.
func TieredSales(name string) commission.Rule {
	return commission.Rule{
		Name:             name,
		Description:      "Progressive rates per sale bracket",
		Type:             commission.RuleTiered,
		EntityType:       commission.EntitySale,
		CalculationBasis: commission.BasisAmount,
		Tiers: []commission.Tier{
			{TierLevel: 1, MinValue: decimal.Zero, MaxValue: commission.Ptr(decimal.NewFromInt(1000)), RatePercentage: commission.Ptr(decimal.NewFromInt(5))},
			{TierLevel: 2, MinValue: decimal.NewFromInt(1000), MaxValue: commission.Ptr(decimal.NewFromInt(5000)), RatePercentage: commission.Ptr(decimal.NewFromInt(8))},
			{TierLevel: 3, MinValue: decimal.NewFromInt(5000), RatePercentage: commission.Ptr(decimal.NewFromInt(10))},
		},
		Levels:           standardLevels(),
		PaymentFrequency: commission.FrequencyMonthly,
	}
}

// =============================================================================
// VISIT BONUS
// =============================================================================

// VisitBonus pays a flat amount per completed visit to the animator.
// Only visits that lasted at least 15 minutes qualify.
func VisitBonus(name string, amount float64) commission.Rule {
	return commission.Rule{
		Name:             name,
		Description:      "Flat bonus per completed visit",
		Type:             commission.RuleFixedAmount,
		EntityType:       commission.EntityVisit,
		CalculationBasis: commission.BasisQuantity,
		FixedAmount:      commission.Ptr(decimal.NewFromFloat(amount)),
		Levels: []commission.Level{
			{Level: 1, Role: "animator", AllocationPercentage: decimal.NewFromInt(100)},
		},
		Conditions: []commission.Condition{
			{Field: "duration_minutes", Operator: commission.OpGte, Value: 15},
		},
		PaymentFrequency: commission.FrequencyWeekly,
	}
}

// =============================================================================
// LEAD HYBRID
// =============================================================================

// LeadHybrid pays fixed + percent of the lead's estimated value.
// With fixed 100 and 2%, a 5000 lead earns 200.
func LeadHybrid(name string, fixed, percent float64) commission.Rule {
	return commission.Rule{
		Name:             name,
		Description:      "Fixed amount plus percentage of lead value",
		Type:             commission.RuleHybrid,
		EntityType:       commission.EntityLead,
		CalculationBasis: commission.BasisAmount,
		FixedAmount:      commission.Ptr(decimal.NewFromFloat(fixed)),
		Percentage:       commission.Ptr(decimal.NewFromFloat(percent)),
		Levels: []commission.Level{
			{Level: 1, Role: "animator", AllocationPercentage: decimal.NewFromInt(80)},
			{Level: 2, Role: "manager", AllocationPercentage: decimal.NewFromInt(20), MaxAmount: commission.Ptr(decimal.NewFromInt(50))},
		},
		MaxCap:           commission.Ptr(decimal.NewFromInt(1000)),
		PaymentFrequency: commission.FrequencyMonthly,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// All returns one of each preset with default parameters.
func All() []commission.Rule {
	return []commission.Rule{
		SalesPercentage("Sales 5%", 5),
		TieredSales("Tiered sales"),
		VisitBonus("Visit bonus", 25),
		LeadHybrid("Lead hybrid", 100, 2),
	}
}

// JSON renders a preset in the rule definition format accepted by the API.
func JSON(rule commission.Rule) string {
	data, _ := json.MarshalIndent(factory.ToJSON(rule), "", "  ")
	return string(data)
}
