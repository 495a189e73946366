/*
strategy.go - Commission amount computation

PURPOSE:
  Turns a rule and a basis value into the rule-level total, before any
  split across levels. Each rule type has its own ComputeStrategy; the
  strategy is resolved once per call from the rule's type.

RULE TYPES:
  percentage:   basis * percentage / 100
  fixed_amount: fixed_amount, basis ignored
  tiered:       progressive brackets, like income tax
  hybrid:       fixed_amount + basis * percentage / 100

POST-PROCESSING (all types):
  amount < min_threshold  -> 0 (full zeroing, not a partial reduction)
  amount > max_cap        -> max_cap

EXAMPLE (tiered):
  Tiers: [0-1000 @5%, 1000-5000 @8%, 5000+ @10%], basis 6000
    0-1000:    1000 * 5%  =  50
    1000-5000: 4000 * 8%  = 320
    5000-6000: 1000 * 10% = 100
    total                 = 470

SEE ALSO:
  - allocate.go: Splits the total across levels
*/
package commission

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ComputeStrategy computes the raw total for one rule type.
type ComputeStrategy interface {
	Compute(rule Rule, basis decimal.Decimal) decimal.Decimal
}

type percentageStrategy struct{}

func (percentageStrategy) Compute(rule Rule, basis decimal.Decimal) decimal.Decimal {
	return percentOf(basis, valueOrZero(rule.Percentage))
}

type fixedAmountStrategy struct{}

func (fixedAmountStrategy) Compute(rule Rule, _ decimal.Decimal) decimal.Decimal {
	return valueOrZero(rule.FixedAmount)
}

type hybridStrategy struct{}

func (hybridStrategy) Compute(rule Rule, basis decimal.Decimal) decimal.Decimal {
	return valueOrZero(rule.FixedAmount).Add(percentOf(basis, valueOrZero(rule.Percentage)))
}

type tieredStrategy struct{}

func (tieredStrategy) Compute(rule Rule, basis decimal.Decimal) decimal.Decimal {
	tiers := make([]Tier, len(rule.Tiers))
	copy(tiers, rule.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinValue.LessThan(tiers[j].MinValue)
	})

	total := decimal.Zero
	for _, tier := range tiers {
		if basis.LessThanOrEqual(tier.MinValue) {
			continue
		}

		upper := basis
		if tier.MaxValue != nil && tier.MaxValue.LessThan(basis) {
			upper = *tier.MaxValue
		}

		switch {
		case tier.RatePercentage != nil:
			total = total.Add(percentOf(upper.Sub(tier.MinValue), *tier.RatePercentage))
		case tier.FixedAmount != nil:
			total = total.Add(*tier.FixedAmount)
		}

		if tier.MaxValue == nil || basis.LessThanOrEqual(*tier.MaxValue) {
			break
		}
	}
	return total
}

var strategies = map[RuleType]ComputeStrategy{
	RulePercentage:  percentageStrategy{},
	RuleFixedAmount: fixedAmountStrategy{},
	RuleTiered:      tieredStrategy{},
	RuleHybrid:      hybridStrategy{},
}

// StrategyFor returns the strategy for a rule type.
func StrategyFor(t RuleType) (ComputeStrategy, error) {
	s, ok := strategies[t]
	if !ok {
		return nil, &InvalidFieldError{Field: "type", Reason: fmt.Sprintf("unsupported rule type %q", t)}
	}
	return s, nil
}

// ComputeTotal applies the rule's strategy and then its threshold and cap.
func ComputeTotal(rule Rule, basis decimal.Decimal) (decimal.Decimal, error) {
	strategy, err := StrategyFor(rule.Type)
	if err != nil {
		return decimal.Zero, err
	}

	amount := strategy.Compute(rule, basis)

	if rule.MinThreshold != nil && amount.LessThan(*rule.MinThreshold) {
		amount = decimal.Zero
	}
	if rule.MaxCap != nil && amount.GreaterThan(*rule.MaxCap) {
		amount = *rule.MaxCap
	}
	return amount, nil
}

func percentOf(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(pct).Div(hundred)
}

func valueOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
