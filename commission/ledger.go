/*
ledger.go - Calculation lifecycle

PURPOSE:
  The CalculationLedger owns persisted calculations. It creates them as
  pending and moves them through the approval state machine. Calculations
  are never deleted; every accepted transition is recorded in an
  append-only audit trail.

STATE MACHINE:
  pending  -> approved  (stamps approval_date)
  pending  -> rejected  (terminal)
  pending  -> on_hold
  on_hold  -> approved  (stamps approval_date)
  on_hold  -> rejected  (terminal)
  approved -> paid      (stamps payment_date; terminal)

  Anything else fails with ErrInvalidStatusTransition and changes nothing.

CONCURRENCY:
  Transitions are written with a compare-and-set on the status the caller
  observed. If another writer moved the calculation first, the update is
  refused instead of overwriting it.

SEE ALSO:
  - batcher.go: The normal route to paid
  - store.go: CompareAndSetStatus contract
*/
package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var calculationTransitions = map[CalculationStatus][]CalculationStatus{
	StatusPending:  {StatusApproved, StatusRejected, StatusOnHold},
	StatusOnHold:   {StatusApproved, StatusRejected},
	StatusApproved: {StatusPaid},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to CalculationStatus) bool {
	for _, allowed := range calculationTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Default query window for recipient listings.
const (
	DefaultQueryWindow = 90 * 24 * time.Hour
	DefaultQueryLimit  = 100
)

// CalculationLedger persists calculations and enforces their lifecycle.
type CalculationLedger struct {
	store Store
	now   func() time.Time
}

func NewCalculationLedger(store Store, now func() time.Time) *CalculationLedger {
	if now == nil {
		now = time.Now
	}
	return &CalculationLedger{store: store, now: now}
}

// Create persists a calculation together with its breakdown.
func (l *CalculationLedger) Create(ctx context.Context, calc Calculation) error {
	if err := l.store.CreateCalculation(ctx, calc); err != nil {
		return fmt.Errorf("failed to create calculation: %w", err)
	}
	return nil
}

// Get returns the calculation or ErrCalculationNotFound.
func (l *CalculationLedger) Get(ctx context.Context, id CalculationID) (Calculation, error) {
	return getCalculation(ctx, l.store, id)
}

func getCalculation(ctx context.Context, store CalculationStore, id CalculationID) (Calculation, error) {
	calc, err := store.GetCalculation(ctx, id)
	if err != nil {
		return Calculation{}, fmt.Errorf("failed to load calculation: %w", err)
	}
	if calc == nil {
		return Calculation{}, fmt.Errorf("%w: %s", ErrCalculationNotFound, id)
	}
	return *calc, nil
}

// History returns the audit trail for a calculation, oldest first.
func (l *CalculationLedger) History(ctx context.Context, id CalculationID) ([]StatusChange, error) {
	if _, err := l.Get(ctx, id); err != nil {
		return nil, err
	}
	changes, err := l.store.StatusHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}
	return changes, nil
}

// Transition moves a calculation to a new status.
// The status check, the write and the audit entry happen in one store
// transaction.
func (l *CalculationLedger) Transition(ctx context.Context, id CalculationID, to CalculationStatus, reason string) (Calculation, error) {
	if !to.Valid() {
		return Calculation{}, &InvalidFieldError{Field: "status", Reason: fmt.Sprintf("unsupported status %q", to)}
	}

	var result Calculation
	err := l.store.WithTx(ctx, func(tx Store) error {
		calc, err := getCalculation(ctx, tx, id)
		if err != nil {
			return err
		}

		if !CanTransition(calc.Status, to) {
			return &TransitionError{Subject: "calculation", ID: string(id), From: string(calc.Status), To: string(to)}
		}

		now := l.now().UTC()
		update := StatusUpdate{To: to, Reason: reason}
		switch to {
		case StatusApproved:
			update.ApprovalDate = &now
		case StatusPaid:
			update.PaymentDate = &now
		}

		claimed, err := tx.CompareAndSetStatus(ctx, id, calc.Status, update)
		if err != nil {
			return fmt.Errorf("failed to update calculation status: %w", err)
		}
		if !claimed {
			return &TransitionError{Subject: "calculation", ID: string(id), From: string(calc.Status), To: string(to)}
		}

		if err := tx.AppendStatusChange(ctx, StatusChange{
			CalculationID: id,
			From:          calc.Status,
			To:            to,
			Reason:        reason,
			At:            now,
		}); err != nil {
			return fmt.Errorf("failed to record status change: %w", err)
		}

		updated, err := getCalculation(ctx, tx, id)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return Calculation{}, err
	}
	return result, nil
}

// =============================================================================
// QUERY - Recipient listings with statistics
// =============================================================================

// QueryFilter narrows a recipient listing. Zero From/To/Limit fall back to
// the last 90 days and 100 rows.
type QueryFilter struct {
	Status CalculationStatus
	From   time.Time
	To     time.Time
	Limit  int
}

// Statistics summarizes a recipient's calculations.
type Statistics struct {
	TotalCalculations int
	ByStatus          map[CalculationStatus]int
	// TotalAmount is the sum of the recipient's own shares.
	TotalAmount decimal.Decimal
}

type QueryResult struct {
	Calculations []Calculation
	Statistics   Statistics
}

// Query lists calculations in which the recipient has a share.
func (l *CalculationLedger) Query(ctx context.Context, recipientID RecipientID, filter QueryFilter) (QueryResult, error) {
	if recipientID == "" {
		return QueryResult{}, &MissingFieldError{Field: "recipient_id"}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return QueryResult{}, &InvalidFieldError{Field: "status", Reason: fmt.Sprintf("unsupported status %q", filter.Status)}
	}

	now := l.now().UTC()
	if filter.To.IsZero() {
		filter.To = now
	}
	if filter.From.IsZero() {
		filter.From = filter.To.Add(-DefaultQueryWindow)
	}
	if filter.To.Before(filter.From) {
		return QueryResult{}, ErrInvalidPeriod
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultQueryLimit
	}

	calcs, err := l.store.QueryCalculations(ctx, CalculationFilter{
		RecipientID: recipientID,
		Status:      filter.Status,
		From:        filter.From,
		To:          filter.To,
		Limit:       filter.Limit,
	})
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query calculations: %w", err)
	}

	stats := Statistics{
		ByStatus: map[CalculationStatus]int{
			StatusPending:  0,
			StatusApproved: 0,
			StatusPaid:     0,
			StatusRejected: 0,
			StatusOnHold:   0,
		},
		TotalAmount: decimal.Zero,
	}
	for _, c := range calcs {
		stats.TotalCalculations++
		stats.ByStatus[c.Status]++
		if amount, ok := c.AmountFor(recipientID); ok {
			stats.TotalAmount = stats.TotalAmount.Add(amount)
		}
	}

	return QueryResult{Calculations: calcs, Statistics: stats}, nil
}
