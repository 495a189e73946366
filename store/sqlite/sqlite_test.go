package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var base = time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)

func tieredRule() commission.Rule {
	return commission.Rule{
		ID:               "rule-1",
		Name:             "Tiered sales",
		Type:             commission.RuleTiered,
		EntityType:       commission.EntitySale,
		CalculationBasis: commission.BasisAmount,
		Tiers: []commission.Tier{
			{TierLevel: 1, MinValue: d("0"), MaxValue: commission.Ptr(d("5000")), RatePercentage: commission.Ptr(d("5"))},
			{TierLevel: 2, MinValue: d("5000"), RatePercentage: commission.Ptr(d("8"))},
		},
		Levels: []commission.Level{
			{Level: 1, Role: "animator", AllocationPercentage: d("70")},
			{Level: 2, Role: "manager", AllocationPercentage: d("30"), MaxAmount: commission.Ptr(d("500"))},
		},
		Conditions: []commission.Condition{
			{Field: "region", Operator: commission.OpIn, Value: []any{"casablanca", "rabat"}},
		},
		MaxCap:           commission.Ptr(d("1000")),
		Active:           true,
		EffectiveFrom:    base,
		Currency:         "MAD",
		PaymentFrequency: commission.FrequencyMonthly,
		CreatedAt:        base,
	}
}

func calculation(id commission.CalculationID, at time.Time, primary, manager commission.RecipientID) commission.Calculation {
	return commission.Calculation{
		ID:               id,
		RuleID:           "rule-1",
		EntityType:       commission.EntitySale,
		EntityID:         "sale-" + string(id),
		Recipients:       commission.NewRecipients(primary, manager, ""),
		BasisValue:       d("2000"),
		CalculatedAmount: d("100"),
		Breakdown: []commission.LevelShare{
			{Level: 1, RecipientID: primary, Role: "animator", Amount: d("70"), AllocationPercentage: d("70")},
			{Level: 2, RecipientID: manager, Role: "manager", Amount: d("30"), AllocationPercentage: d("30")},
		},
		Status:          commission.StatusPending,
		Currency:        "MAD",
		CalculationDate: at,
	}
}

// =============================================================================
// RULES
// =============================================================================

func TestStore_RuleRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, tieredRule()))

	got, err := s.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, commission.RuleTiered, got.Type)
	require.Len(t, got.Tiers, 2)
	assert.True(t, got.Tiers[0].MaxValue.Equal(d("5000")))
	assert.Nil(t, got.Tiers[1].MaxValue)
	require.Len(t, got.Levels, 2)
	assert.True(t, got.Levels[1].MaxAmount.Equal(d("500")))
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, commission.OpIn, got.Conditions[0].Operator)
	assert.Nil(t, got.Percentage)
	assert.Nil(t, got.MinThreshold)
	require.NotNil(t, got.MaxCap)
	assert.True(t, got.MaxCap.Equal(d("1000")))
	assert.True(t, got.Active)
	assert.Equal(t, base, got.EffectiveFrom)
	assert.Nil(t, got.EffectiveTo)

	event := commission.Event{Attributes: map[string]any{"region": "rabat"}}
	assert.Empty(t, commission.Evaluate(got.Conditions, event), "conditions still match after storage")
}

func TestStore_GetRule_NotFound(t *testing.T) {
	s := newStore(t)

	got, err := s.GetRule(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_SaveRule_Duplicate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, tieredRule()))
	err := s.SaveRule(ctx, tieredRule())
	assert.ErrorIs(t, err, sqlite.ErrDuplicate)
}

func TestStore_ListRules_Filter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := tieredRule()
	second := tieredRule()
	second.ID = "rule-2"
	second.Active = false
	second.CreatedAt = base.Add(time.Minute)
	third := tieredRule()
	third.ID = "rule-3"
	third.EntityType = commission.EntityVisit
	third.CreatedAt = base.Add(2 * time.Minute)

	for _, r := range []commission.Rule{first, second, third} {
		require.NoError(t, s.SaveRule(ctx, r))
	}

	all, err := s.ListRules(ctx, commission.RuleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, commission.RuleID("rule-3"), all[0].ID, "newest first")

	active, err := s.ListRules(ctx, commission.RuleFilter{Active: commission.Ptr(true), EntityType: commission.EntitySale})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, commission.RuleID("rule-1"), active[0].ID)
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func TestStore_CalculationRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, tieredRule()))

	calc := calculation("c1", base, "anim-1", "mgr-1")
	calc.Metadata = map[string]any{"source": "pos"}
	require.NoError(t, s.CreateCalculation(ctx, calc))

	got, err := s.GetCalculation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, commission.RecipientID("mgr-1"), got.Recipients[2])
	assert.True(t, got.CalculatedAmount.Equal(d("100")))
	require.Len(t, got.Breakdown, 2)
	assert.Equal(t, commission.RecipientID("anim-1"), got.Breakdown[0].RecipientID)
	assert.True(t, got.Breakdown[1].Amount.Equal(d("30")))
	assert.Equal(t, base, got.CalculationDate)
	assert.Equal(t, "pos", got.Metadata["source"])
	assert.Nil(t, got.ApprovalDate)
	assert.Empty(t, got.PaymentID)
}

func TestStore_CreateCalculation_UnknownRule(t *testing.T) {
	// Foreign keys are enforced; the failed insert leaves no shares behind.
	s := newStore(t)
	ctx := context.Background()

	err := s.CreateCalculation(ctx, calculation("c1", base, "anim-1", "mgr-1"))
	require.Error(t, err)

	got, err := s.GetCalculation(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_QueryCalculations(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, tieredRule()))

	require.NoError(t, s.CreateCalculation(ctx, calculation("c1", base, "anim-1", "mgr-1")))
	require.NoError(t, s.CreateCalculation(ctx, calculation("c2", base.Add(time.Hour), "anim-2", "mgr-1")))
	require.NoError(t, s.CreateCalculation(ctx, calculation("c3", base.AddDate(0, 1, 0), "anim-1", "mgr-2")))

	byRecipient, err := s.QueryCalculations(ctx, commission.CalculationFilter{RecipientID: "mgr-1"})
	require.NoError(t, err)
	require.Len(t, byRecipient, 2)
	assert.Equal(t, commission.CalculationID("c2"), byRecipient[0].ID, "newest first")
	assert.Len(t, byRecipient[0].Breakdown, 2)

	inMarch, err := s.QueryCalculations(ctx, commission.CalculationFilter{
		RecipientID: "anim-1",
		From:        time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond),
	})
	require.NoError(t, err)
	require.Len(t, inMarch, 1)
	assert.Equal(t, commission.CalculationID("c1"), inMarch[0].ID)

	limited, err := s.QueryCalculations(ctx, commission.CalculationFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, commission.CalculationID("c3"), limited[0].ID)
}

func TestStore_CompareAndSetStatus(t *testing.T) {
	// GIVEN: A pending calculation
	// WHEN: Two claims are made from "pending"
	// THEN: Only the first wins; the second sees the status already moved

	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, tieredRule()))
	require.NoError(t, s.CreateCalculation(ctx, calculation("c1", base, "anim-1", "mgr-1")))

	approvedAt := base.Add(time.Hour)
	ok, err := s.CompareAndSetStatus(ctx, "c1", commission.StatusPending, commission.StatusUpdate{
		To:           commission.StatusApproved,
		Reason:       "ok",
		ApprovalDate: &approvedAt,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetStatus(ctx, "c1", commission.StatusPending, commission.StatusUpdate{To: commission.StatusRejected})
	require.NoError(t, err)
	assert.False(t, ok)

	paidAt := base.Add(2 * time.Hour)
	ok, err = s.CompareAndSetStatus(ctx, "c1", commission.StatusApproved, commission.StatusUpdate{
		To:          commission.StatusPaid,
		PaymentDate: &paidAt,
		PaymentID:   "pay-1",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetCalculation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPaid, got.Status)
	require.NotNil(t, got.ApprovalDate, "approval date survives later transitions")
	assert.Equal(t, approvedAt, *got.ApprovalDate)
	assert.Equal(t, paidAt, *got.PaymentDate)
	assert.Equal(t, commission.PaymentID("pay-1"), got.PaymentID)
}

func TestStore_StatusHistoryAndRecipients(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, tieredRule()))
	require.NoError(t, s.CreateCalculation(ctx, calculation("c1", base, "anim-1", "mgr-1")))
	require.NoError(t, s.CreateCalculation(ctx, calculation("c2", base, "anim-2", "mgr-1")))

	require.NoError(t, s.AppendStatusChange(ctx, commission.StatusChange{
		CalculationID: "c1", From: commission.StatusPending, To: commission.StatusOnHold, Reason: "check", At: base,
	}))
	require.NoError(t, s.AppendStatusChange(ctx, commission.StatusChange{
		CalculationID: "c1", From: commission.StatusOnHold, To: commission.StatusApproved, At: base.Add(time.Minute),
	}))
	_, err := s.CompareAndSetStatus(ctx, "c1", commission.StatusPending, commission.StatusUpdate{To: commission.StatusApproved})
	require.NoError(t, err)

	history, err := s.StatusHistory(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, commission.StatusOnHold, history[0].To)
	assert.Equal(t, "check", history[0].Reason)
	assert.Equal(t, commission.StatusApproved, history[1].To)

	recipients, err := s.RecipientsWithStatus(ctx, commission.StatusApproved, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []commission.RecipientID{"anim-1", "mgr-1"}, recipients)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestStore_PaymentRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, tieredRule()))
	require.NoError(t, s.CreateCalculation(ctx, calculation("c1", base, "anim-1", "mgr-1")))

	p := commission.Payment{
		ID:                "pay-1",
		RecipientID:       "anim-1",
		PeriodStart:       time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:         time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond),
		TotalAmount:       d("70"),
		TotalCalculations: 1,
		BreakdownByRule:   []commission.RuleTotal{{RuleID: "rule-1", RuleName: "Tiered sales", Amount: d("70"), Count: 1}},
		CalculationIDs:    []commission.CalculationID{"c1"},
		Status:            commission.PaymentPending,
		Currency:          "MAD",
		CreatedAt:         base,
	}
	require.NoError(t, s.CreatePayment(ctx, p))

	got, err := s.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []commission.CalculationID{"c1"}, got.CalculationIDs)
	assert.Equal(t, p.PeriodEnd, got.PeriodEnd)
	require.Len(t, got.BreakdownByRule, 1)
	assert.True(t, got.BreakdownByRule[0].Amount.Equal(d("70")))

	completedAt := base.Add(time.Hour)
	got.Status = commission.PaymentCompleted
	got.PaymentMethod = "bank_transfer"
	got.PaymentReference = "TRX-1"
	got.CompletedAt = &completedAt
	require.NoError(t, s.UpdatePayment(ctx, *got))

	listed, err := s.ListPayments(ctx, commission.PaymentFilter{RecipientID: "anim-1", Status: commission.PaymentCompleted})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "TRX-1", listed[0].PaymentReference)
	assert.Equal(t, completedAt, *listed[0].CompletedAt)
}

func TestStore_CalculationBelongsToOnePayment(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, tieredRule()))
	require.NoError(t, s.CreateCalculation(ctx, calculation("c1", base, "anim-1", "mgr-1")))

	p := commission.Payment{
		ID:             "pay-1",
		RecipientID:    "anim-1",
		PeriodStart:    base,
		PeriodEnd:      base,
		CalculationIDs: []commission.CalculationID{"c1"},
		Status:         commission.PaymentPending,
		Currency:       "MAD",
		CreatedAt:      base,
	}
	require.NoError(t, s.CreatePayment(ctx, p))

	p.ID = "pay-2"
	err := s.CreatePayment(ctx, p)
	assert.ErrorIs(t, err, sqlite.ErrDuplicate)

	dup, err := s.GetPayment(ctx, "pay-2")
	require.NoError(t, err)
	assert.Nil(t, dup, "failed payment insert is rolled back")
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, tieredRule()))
	require.NoError(t, s.CreateCalculation(ctx, calculation("c1", base, "anim-1", "mgr-1")))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx commission.Store) error {
		ok, err := tx.CompareAndSetStatus(ctx, "c1", commission.StatusPending, commission.StatusUpdate{To: commission.StatusApproved})
		require.NoError(t, err)
		require.True(t, ok)

		// Reads inside the transaction see its own writes.
		calc, err := tx.GetCalculation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, commission.StatusApproved, calc.Status)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetCalculation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPending, got.Status)
}

func TestStore_Reset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, tieredRule()))
	require.NoError(t, s.CreateCalculation(ctx, calculation("c1", base, "anim-1", "mgr-1")))

	require.NoError(t, s.Reset(ctx))

	rules, err := s.ListRules(ctx, commission.RuleFilter{})
	require.NoError(t, err)
	assert.Empty(t, rules)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_ConcurrentPaymentGeneration(t *testing.T) {
	// GIVEN: Approved calculations for one recipient, persisted in SQLite
	// WHEN: Several payment runs for the same period race each other
	// THEN: Exactly one payment claims every calculation

	s := newStore(t)
	ctx := context.Background()
	now := base
	engine := commission.NewEngine(s, commission.Options{Now: func() time.Time { return now }})

	rule, err := engine.CreateRule(ctx, commission.Rule{
		Name:       "Sales 5%",
		Type:       commission.RulePercentage,
		EntityType: commission.EntitySale,
		Percentage: commission.Ptr(d("5")),
		Levels:     []commission.Level{{Level: 1, Role: "animator", AllocationPercentage: d("100")}},
	})
	require.NoError(t, err)

	for _, basis := range []string{"1000", "3000", "2000"} {
		calc, err := engine.CalculateCommission(ctx, commission.CalculateRequest{
			RuleID:     rule.ID,
			EntityID:   "sale-" + basis,
			BasisValue: d(basis),
			Recipients: commission.NewRecipients("anim-1", "", ""),
		})
		require.NoError(t, err)
		_, err = engine.UpdateCalculationStatus(ctx, calc.ID, commission.StatusApproved, "")
		require.NoError(t, err)
	}

	period := commission.PeriodFor(commission.FrequencyMonthly, base)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		noneLeft  int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.GeneratePayment(ctx, "anim-1", period.Start, period.End)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, commission.ErrNoEligibleCalculations):
				noneLeft++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 5, noneLeft)

	payments, err := engine.ListPaymentsForRecipient(ctx, "anim-1", commission.PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].TotalAmount.Equal(d("300")))
	assert.Len(t, payments[0].CalculationIDs, 3)

	for _, id := range payments[0].CalculationIDs {
		calc, err := engine.GetCalculation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, commission.StatusPaid, calc.Status)
		assert.Equal(t, payments[0].ID, calc.PaymentID)
	}
}
