package commission

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEVEL ALLOCATOR - Split a total across organizational levels
// =============================================================================

// Distribute splits total across the levels that have a recipient.
//
// Each populated level receives total * allocation / 100, then is raised to
// MinAmount or lowered to MaxAmount on its own. Levels without a recipient
// are skipped and their share is not given to anyone else. Clamped shares
// are not renormalized, so the breakdown may not sum to total when a clamp
// fires.
//
// The result is ordered by level ascending.
func Distribute(total decimal.Decimal, levels []Level, recipients Recipients) []LevelShare {
	ordered := sortedLevels(levels)
	shares := make([]LevelShare, 0, len(ordered))
	for _, lvl := range ordered {
		recipient, ok := recipients[lvl.Level]
		if !ok || recipient == "" {
			continue
		}

		shares = append(shares, LevelShare{
			Level:                lvl.Level,
			RecipientID:          recipient,
			Role:                 lvl.Role,
			Amount:               levelAmount(total, lvl),
			AllocationPercentage: lvl.AllocationPercentage,
		})
	}
	return shares
}

// levelAmount is the level's clamped share of total.
func levelAmount(total decimal.Decimal, lvl Level) decimal.Decimal {
	amount := percentOf(total, lvl.AllocationPercentage)
	if lvl.MinAmount != nil && amount.LessThan(*lvl.MinAmount) {
		amount = *lvl.MinAmount
	}
	if lvl.MaxAmount != nil && amount.GreaterThan(*lvl.MaxAmount) {
		amount = *lvl.MaxAmount
	}
	return amount
}

func sortedLevels(levels []Level) []Level {
	ordered := make([]Level, len(levels))
	copy(ordered, levels)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Level < ordered[j].Level })
	return ordered
}

// SumShares adds up breakdown amounts.
func SumShares(shares []LevelShare) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s.Amount)
	}
	return sum
}
