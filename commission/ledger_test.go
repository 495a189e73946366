package commission_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestCanTransition(t *testing.T) {
	all := []commission.CalculationStatus{
		commission.StatusPending,
		commission.StatusApproved,
		commission.StatusPaid,
		commission.StatusRejected,
		commission.StatusOnHold,
	}
	allowed := map[[2]commission.CalculationStatus]bool{
		{commission.StatusPending, commission.StatusApproved}: true,
		{commission.StatusPending, commission.StatusRejected}: true,
		{commission.StatusPending, commission.StatusOnHold}:   true,
		{commission.StatusOnHold, commission.StatusApproved}:  true,
		{commission.StatusOnHold, commission.StatusRejected}:  true,
		{commission.StatusApproved, commission.StatusPaid}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]commission.CalculationStatus{from, to}]
			assert.Equal(t, want, commission.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestLedger_PendingToPaid_Rejected(t *testing.T) {
	// GIVEN: A pending calculation
	// WHEN: Marking it paid directly
	// THEN: InvalidStatusTransition, and the calculation is unchanged

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rule := createTieredRule(t, engine)
	calc := calculate(t, engine, rule.ID, "sale-1", "6000", commission.NewRecipients("anim-1", "", ""))

	_, err := engine.UpdateCalculationStatus(ctx, calc.ID, commission.StatusPaid, "")
	assert.ErrorIs(t, err, commission.ErrInvalidStatusTransition)
	var trErr *commission.TransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "pending", trErr.From)
	assert.Equal(t, "paid", trErr.To)

	stored, err := engine.GetCalculation(ctx, calc.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPending, stored.Status)
	assert.Nil(t, stored.PaymentDate)

	history, err := engine.CalculationHistory(ctx, calc.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLedger_ApproveThenPay_StampsDates(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := context.Background()
	rule := createTieredRule(t, engine)
	calc := calculate(t, engine, rule.ID, "sale-1", "6000", commission.NewRecipients("anim-1", "", ""))

	clock.Advance(time.Hour)
	approved, err := engine.UpdateCalculationStatus(ctx, calc.ID, commission.StatusApproved, "checked")
	require.NoError(t, err)
	require.NotNil(t, approved.ApprovalDate)
	assert.Equal(t, clock.Now(), *approved.ApprovalDate)
	assert.Equal(t, "checked", approved.StatusReason)

	clock.Advance(time.Hour)
	paid, err := engine.UpdateCalculationStatus(ctx, calc.ID, commission.StatusPaid, "paid by hand")
	require.NoError(t, err)
	require.NotNil(t, paid.PaymentDate)
	assert.Equal(t, clock.Now(), *paid.PaymentDate)
	assert.Empty(t, paid.PaymentID)

	// paid is terminal
	_, err = engine.UpdateCalculationStatus(ctx, calc.ID, commission.StatusRejected, "")
	assert.ErrorIs(t, err, commission.ErrInvalidStatusTransition)
}

func TestLedger_OnHoldFlow_AuditTrail(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rule := createTieredRule(t, engine)
	calc := calculate(t, engine, rule.ID, "sale-1", "6000", commission.NewRecipients("anim-1", "", ""))

	_, err := engine.UpdateCalculationStatus(ctx, calc.ID, commission.StatusOnHold, "missing invoice")
	require.NoError(t, err)
	_, err = engine.UpdateCalculationStatus(ctx, calc.ID, commission.StatusRejected, "invoice never came")
	require.NoError(t, err)

	history, err := engine.CalculationHistory(ctx, calc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, commission.StatusPending, history[0].From)
	assert.Equal(t, commission.StatusOnHold, history[0].To)
	assert.Equal(t, "missing invoice", history[0].Reason)
	assert.Equal(t, commission.StatusOnHold, history[1].From)
	assert.Equal(t, commission.StatusRejected, history[1].To)
}

func TestLedger_UnknownStatus(t *testing.T) {
	engine, _ := newTestEngine(t)
	rule := createTieredRule(t, engine)
	calc := calculate(t, engine, rule.ID, "sale-1", "100", commission.NewRecipients("anim-1", "", ""))

	_, err := engine.UpdateCalculationStatus(context.Background(), calc.ID, "archived", "")
	assert.ErrorIs(t, err, commission.ErrInvalidField)
}

func TestLedger_NotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.UpdateCalculationStatus(context.Background(), "missing", commission.StatusApproved, "")
	assert.ErrorIs(t, err, commission.ErrCalculationNotFound)

	_, err = engine.CalculationHistory(context.Background(), "missing")
	assert.ErrorIs(t, err, commission.ErrCalculationNotFound)
}

// =============================================================================
// QUERY
// =============================================================================

func TestLedger_Query_StatisticsUseOwnShare(t *testing.T) {
	// GIVEN: mgr-1 is manager on two calculations of 470 and 50
	// WHEN: Listing mgr-1's calculations
	// THEN: Totals sum mgr-1's 20% shares (94 + 10), with per-status counts

	engine, clock := newTestEngine(t)
	ctx := context.Background()
	rule := createTieredRule(t, engine)

	first := calculate(t, engine, rule.ID, "sale-1", "6000", commission.NewRecipients("anim-1", "mgr-1", ""))
	clock.Advance(time.Minute)
	calculate(t, engine, rule.ID, "sale-2", "1000", commission.NewRecipients("anim-2", "mgr-1", ""))
	clock.Advance(time.Minute)
	calculate(t, engine, rule.ID, "sale-3", "1000", commission.NewRecipients("anim-3", "mgr-2", ""))

	_, err := engine.UpdateCalculationStatus(ctx, first.ID, commission.StatusApproved, "")
	require.NoError(t, err)

	result, err := engine.ListCalculationsForRecipient(ctx, "mgr-1", commission.QueryFilter{})
	require.NoError(t, err)

	require.Len(t, result.Calculations, 2)
	assert.Equal(t, "sale-2", result.Calculations[0].EntityID, "newest first")
	assert.Equal(t, 2, result.Statistics.TotalCalculations)
	assert.Equal(t, 1, result.Statistics.ByStatus[commission.StatusApproved])
	assert.Equal(t, 1, result.Statistics.ByStatus[commission.StatusPending])
	assert.Equal(t, 0, result.Statistics.ByStatus[commission.StatusPaid])
	assert.Len(t, result.Statistics.ByStatus, 5)
	assertAmount(t, "104", result.Statistics.TotalAmount)

	approved, err := engine.ListCalculationsForRecipient(ctx, "mgr-1", commission.QueryFilter{Status: commission.StatusApproved})
	require.NoError(t, err)
	require.Len(t, approved.Calculations, 1)
	assert.Equal(t, first.ID, approved.Calculations[0].ID)
}

func TestLedger_Query_DefaultWindowIs90Days(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := context.Background()
	rule := createTieredRule(t, engine)

	calculate(t, engine, rule.ID, "old", "100", commission.NewRecipients("anim-1", "", ""))
	clock.Advance(100 * 24 * time.Hour)
	calculate(t, engine, rule.ID, "recent", "100", commission.NewRecipients("anim-1", "", ""))

	result, err := engine.ListCalculationsForRecipient(ctx, "anim-1", commission.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, result.Calculations, 1)
	assert.Equal(t, "recent", result.Calculations[0].EntityID)

	result, err = engine.ListCalculationsForRecipient(ctx, "anim-1", commission.QueryFilter{
		From: clock.Now().AddDate(-1, 0, 0),
	})
	require.NoError(t, err)
	assert.Len(t, result.Calculations, 2)
}

func TestLedger_Query_InvalidRange(t *testing.T) {
	engine, clock := newTestEngine(t)

	_, err := engine.ListCalculationsForRecipient(context.Background(), "anim-1", commission.QueryFilter{
		From: clock.Now(),
		To:   clock.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, commission.ErrInvalidPeriod)
}
