/*
batcher.go - Payment batching and previews

PURPOSE:
  Converts a recipient's approved calculations for a period into a single
  Payment, and marks those calculations paid in the same store
  transaction. Also provides Simulate, a side-effect free preview of what
  a rule would produce.

GENERATE:
  1. Select approved calculations in [start, end] where the recipient has
     a share.
  2. None found -> ErrNoEligibleCalculations.
  3. Claim each one: compare-and-set approved -> paid with the new payment
     id. A calculation claimed by a concurrent batch is skipped.
  4. Nothing claimed -> ErrNoEligibleCalculations.
  5. Total the recipient's own shares (not calculated_amount: the same
     person may sit at different levels on different rules) and group by
     rule.
  6. Persist the payment as pending.

  Because only approved calculations are selected and every selected one
  is flipped to paid before commit, a calculation belongs to at most one
  payment, and a second Generate for the same recipient and period finds
  nothing.

PAYMENT STATE MACHINE:
  pending    -> processing (stamps processed_at)
  pending    -> failed
  processing -> completed  (stamps completed_at; every source must be paid)
  processing -> failed
  failed     -> processing (retry)

SEE ALSO:
  - ledger.go: Calculation lifecycle
  - api/scheduler.go: Periodic batch runs
*/
package commission

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultPaymentLimit bounds payment listings when no limit is given.
const DefaultPaymentLimit = 50

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentFailed},
	PaymentProcessing: {PaymentCompleted, PaymentFailed},
	PaymentFailed:     {PaymentProcessing},
}

// CanTransitionPayment reports whether the payment state machine allows from -> to.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PaymentBatcher aggregates approved calculations into payments.
type PaymentBatcher struct {
	store           Store
	rules           *RuleRegistry
	defaultCurrency string
	now             func() time.Time
}

func NewPaymentBatcher(store Store, rules *RuleRegistry, defaultCurrency string, now func() time.Time) *PaymentBatcher {
	if defaultCurrency == "" {
		defaultCurrency = DefaultCurrency
	}
	if now == nil {
		now = time.Now
	}
	return &PaymentBatcher{store: store, rules: rules, defaultCurrency: defaultCurrency, now: now}
}

// Generate builds a payment for the recipient's approved calculations in the
// period and marks them paid, atomically.
func (b *PaymentBatcher) Generate(ctx context.Context, recipientID RecipientID, period Period) (Payment, error) {
	if recipientID == "" {
		return Payment{}, &MissingFieldError{Field: "recipient_id"}
	}
	if period.Start.IsZero() {
		return Payment{}, &MissingFieldError{Field: "period_start"}
	}
	if period.End.IsZero() {
		return Payment{}, &MissingFieldError{Field: "period_end"}
	}
	if err := period.Validate(); err != nil {
		return Payment{}, err
	}

	var payment Payment
	err := b.store.WithTx(ctx, func(tx Store) error {
		candidates, err := tx.QueryCalculations(ctx, CalculationFilter{
			RecipientID: recipientID,
			Status:      StatusApproved,
			From:        period.Start,
			To:          period.End,
		})
		if err != nil {
			return fmt.Errorf("failed to query approved calculations: %w", err)
		}
		if len(candidates) == 0 {
			return ErrNoEligibleCalculations
		}

		now := b.now().UTC()
		paymentID := PaymentID(uuid.NewString())

		var claimed []Calculation
		for _, calc := range candidates {
			ok, err := tx.CompareAndSetStatus(ctx, calc.ID, StatusApproved, StatusUpdate{
				To:          StatusPaid,
				Reason:      "included in payment " + string(paymentID),
				PaymentDate: &now,
				PaymentID:   paymentID,
			})
			if err != nil {
				return fmt.Errorf("failed to claim calculation %s: %w", calc.ID, err)
			}
			if !ok {
				continue
			}
			if err := tx.AppendStatusChange(ctx, StatusChange{
				CalculationID: calc.ID,
				From:          StatusApproved,
				To:            StatusPaid,
				Reason:        "included in payment " + string(paymentID),
				At:            now,
			}); err != nil {
				return fmt.Errorf("failed to record status change: %w", err)
			}
			claimed = append(claimed, calc)
		}
		if len(claimed) == 0 {
			return ErrNoEligibleCalculations
		}

		byRule, err := b.groupByRule(ctx, tx, recipientID, claimed)
		if err != nil {
			return err
		}

		total := decimal.Zero
		ids := make([]CalculationID, len(claimed))
		for i, calc := range claimed {
			amount, _ := calc.AmountFor(recipientID)
			total = total.Add(amount)
			ids[i] = calc.ID
		}

		currency := claimed[0].Currency
		if currency == "" {
			currency = b.defaultCurrency
		}

		payment = Payment{
			ID:                paymentID,
			RecipientID:       recipientID,
			PeriodStart:       period.Start,
			PeriodEnd:         period.End,
			TotalAmount:       total,
			TotalCalculations: len(claimed),
			BreakdownByRule:   byRule,
			CalculationIDs:    ids,
			Status:            PaymentPending,
			Currency:          currency,
			CreatedAt:         now,
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return payment, nil
}

func (b *PaymentBatcher) groupByRule(ctx context.Context, tx Store, recipientID RecipientID, calcs []Calculation) ([]RuleTotal, error) {
	totals := make(map[RuleID]*RuleTotal)
	for _, calc := range calcs {
		rt, ok := totals[calc.RuleID]
		if !ok {
			rt = &RuleTotal{RuleID: calc.RuleID, Amount: decimal.Zero}
			rule, err := tx.GetRule(ctx, calc.RuleID)
			if err != nil {
				return nil, fmt.Errorf("failed to load rule %s: %w", calc.RuleID, err)
			}
			if rule != nil {
				rt.RuleName = rule.Name
			}
			totals[calc.RuleID] = rt
		}
		amount, _ := calc.AmountFor(recipientID)
		rt.Amount = rt.Amount.Add(amount)
		rt.Count++
	}

	result := make([]RuleTotal, 0, len(totals))
	for _, rt := range totals {
		result = append(result, *rt)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RuleID < result[j].RuleID })
	return result, nil
}

// EligibleRecipients lists recipients holding approved calculations in the period.
func (b *PaymentBatcher) EligibleRecipients(ctx context.Context, period Period) ([]RecipientID, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	ids, err := b.store.RecipientsWithStatus(ctx, StatusApproved, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible recipients: %w", err)
	}
	return ids, nil
}

// EligibleRecipientsByLevel groups the eligible recipients by the lowest
// level they hold on any approved calculation in the period, lowest level
// first. Ids within a group are sorted.
//
// Payments claim whole calculations, so batching the groups in order lets
// primary recipients claim before managers and directors.
func (b *PaymentBatcher) EligibleRecipientsByLevel(ctx context.Context, period Period) ([][]RecipientID, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	calcs, err := b.store.QueryCalculations(ctx, CalculationFilter{
		Status: StatusApproved,
		From:   period.Start,
		To:     period.End,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible recipients: %w", err)
	}

	lowest := make(map[RecipientID]int)
	for _, calc := range calcs {
		for _, share := range calc.Breakdown {
			if share.RecipientID == "" {
				continue
			}
			if lvl, ok := lowest[share.RecipientID]; !ok || share.Level < lvl {
				lowest[share.RecipientID] = share.Level
			}
		}
	}

	byLevel := make(map[int][]RecipientID)
	for id, lvl := range lowest {
		byLevel[lvl] = append(byLevel[lvl], id)
	}
	levels := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)

	groups := make([][]RecipientID, len(levels))
	for n, lvl := range levels {
		ids := byLevel[lvl]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		groups[n] = ids
	}
	return groups, nil
}

// =============================================================================
// PAYMENT LIFECYCLE
// =============================================================================

// PaymentUpdate carries an optional method and reference alongside a status change.
type PaymentUpdate struct {
	Status    PaymentStatus
	Method    string
	Reference string
}

// UpdateStatus moves a payment through its state machine. A payment cannot
// be completed while any of its source calculations is not paid.
func (b *PaymentBatcher) UpdateStatus(ctx context.Context, id PaymentID, update PaymentUpdate) (Payment, error) {
	if !update.Status.Valid() {
		return Payment{}, &InvalidFieldError{Field: "status", Reason: fmt.Sprintf("unsupported status %q", update.Status)}
	}

	var result Payment
	err := b.store.WithTx(ctx, func(tx Store) error {
		p, err := getPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransitionPayment(p.Status, update.Status) {
			return &TransitionError{Subject: "payment", ID: string(id), From: string(p.Status), To: string(update.Status)}
		}

		now := b.now().UTC()
		switch update.Status {
		case PaymentProcessing:
			p.ProcessedAt = &now
		case PaymentCompleted:
			for _, calcID := range p.CalculationIDs {
				calc, err := getCalculation(ctx, tx, calcID)
				if err != nil {
					return err
				}
				if calc.Status != StatusPaid {
					return fmt.Errorf("%w: calculation %s is %s", ErrPaymentIncomplete, calcID, calc.Status)
				}
			}
			p.CompletedAt = &now
		}

		p.Status = update.Status
		if update.Method != "" {
			p.PaymentMethod = update.Method
		}
		if update.Reference != "" {
			p.PaymentReference = update.Reference
		}

		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		result = p
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return result, nil
}

// Get returns the payment or ErrPaymentNotFound.
func (b *PaymentBatcher) Get(ctx context.Context, id PaymentID) (Payment, error) {
	return getPayment(ctx, b.store, id)
}

func getPayment(ctx context.Context, store PaymentStore, id PaymentID) (Payment, error) {
	p, err := store.GetPayment(ctx, id)
	if err != nil {
		return Payment{}, fmt.Errorf("failed to load payment: %w", err)
	}
	if p == nil {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return *p, nil
}

// List returns a recipient's payments, newest first.
func (b *PaymentBatcher) List(ctx context.Context, recipientID RecipientID, filter PaymentFilter) ([]Payment, error) {
	if recipientID == "" {
		return nil, &MissingFieldError{Field: "recipient_id"}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &InvalidFieldError{Field: "status", Reason: fmt.Sprintf("unsupported status %q", filter.Status)}
	}
	filter.RecipientID = recipientID
	if filter.Limit <= 0 {
		filter.Limit = DefaultPaymentLimit
	}
	payments, err := b.store.ListPayments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// =============================================================================
// SIMULATE - Preview without persistence
// =============================================================================

type SimulateRequest struct {
	RuleID     RuleID
	BasisValue decimal.Decimal
	Recipients Recipients
	// Attributes are matched against the rule's conditions for the preview.
	Attributes map[string]any
}

// LevelPreview shows what each level of a rule would receive. Skipped levels
// have no recipient and are left out of the real breakdown.
type LevelPreview struct {
	Level                int
	Role                 string
	RecipientID          RecipientID
	AllocationPercentage decimal.Decimal
	Amount               decimal.Decimal
	Skipped              bool
}

type Simulation struct {
	Rule          Rule
	BasisValue    decimal.Decimal
	Total         decimal.Decimal
	Breakdown     []LevelShare
	Levels        []LevelPreview
	ConditionsMet bool
	Failed        []Condition
}

// Simulate computes and allocates without touching the ledger. Unmet
// conditions are reported, not raised.
func (b *PaymentBatcher) Simulate(ctx context.Context, req SimulateRequest) (Simulation, error) {
	if req.RuleID == "" {
		return Simulation{}, &MissingFieldError{Field: "rule_id"}
	}
	rule, err := b.rules.Get(ctx, req.RuleID)
	if err != nil {
		return Simulation{}, err
	}

	total, err := ComputeTotal(rule, req.BasisValue)
	if err != nil {
		return Simulation{}, err
	}

	failed := Evaluate(rule.Conditions, Event{
		EntityType: rule.EntityType,
		BasisValue: req.BasisValue,
		Attributes: req.Attributes,
	})

	var levels []LevelPreview
	for _, lvl := range sortedLevels(rule.Levels) {
		recipient := req.Recipients[lvl.Level]
		levels = append(levels, LevelPreview{
			Level:                lvl.Level,
			Role:                 lvl.Role,
			RecipientID:          recipient,
			AllocationPercentage: lvl.AllocationPercentage,
			Amount:               levelAmount(total, lvl),
			Skipped:              recipient == "",
		})
	}

	return Simulation{
		Rule:          rule,
		BasisValue:    req.BasisValue,
		Total:         total,
		Breakdown:     Distribute(total, rule.Levels, req.Recipients),
		Levels:        levels,
		ConditionsMet: len(failed) == 0,
		Failed:        failed,
	}, nil
}
