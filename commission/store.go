/*
store.go - Persistence port for rules, calculations and payments

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks to a driver directly; implementations can use SQLite,
  PostgreSQL, or in-memory storage.

KEY INTERFACES:
  RuleStore:        Rule definitions (insert and read only)
  CalculationStore: Calculations, their breakdown and status audit trail
  PaymentStore:     Payment batches
  Store:            All of the above plus WithTx

CLAIM CONTRACT:
  CompareAndSetStatus changes a calculation's status only if it still has
  the expected current status, and reports whether it did. Two concurrent
  payment batches racing for the same approved calculation both attempt
  the claim; exactly one sees true. This is what prevents double payment.

NOT-FOUND CONTRACT:
  Get* methods return (nil, nil) when the record doesn't exist. The engine
  turns that into the matching not-found error.

IMPLEMENTATIONS:
  - commission/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - ledger.go, batcher.go: Higher-level components using Store
*/
package commission

import (
	"context"
	"time"
)

// RuleStore persists rule definitions. There is no update: rules are versioned
// by creating new ones.
type RuleStore interface {
	SaveRule(ctx context.Context, rule Rule) error
	GetRule(ctx context.Context, id RuleID) (*Rule, error)
	// ListRules returns matching rules, newest first.
	ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error)
}

type RuleFilter struct {
	Active     *bool
	EntityType EntityType
}

// CalculationStore persists calculations. Calculations are never deleted.
type CalculationStore interface {
	// CreateCalculation writes the calculation and its breakdown atomically.
	CreateCalculation(ctx context.Context, calc Calculation) error
	GetCalculation(ctx context.Context, id CalculationID) (*Calculation, error)

	// QueryCalculations returns matching calculations, newest first.
	QueryCalculations(ctx context.Context, filter CalculationFilter) ([]Calculation, error)

	// CompareAndSetStatus applies update only if the calculation's status is
	// still from. Returns false, nil if the status had already changed.
	CompareAndSetStatus(ctx context.Context, id CalculationID, from CalculationStatus, update StatusUpdate) (bool, error)

	AppendStatusChange(ctx context.Context, change StatusChange) error
	// StatusHistory returns the audit trail, oldest first.
	StatusHistory(ctx context.Context, id CalculationID) ([]StatusChange, error)

	// RecipientsWithStatus lists distinct recipients that appear in the
	// breakdown of a calculation with the given status in [from, to].
	RecipientsWithStatus(ctx context.Context, status CalculationStatus, from, to time.Time) ([]RecipientID, error)
}

// CalculationFilter selects calculations. Zero values mean "any".
type CalculationFilter struct {
	RecipientID RecipientID
	Status      CalculationStatus
	From        time.Time
	To          time.Time
	Limit       int
}

// StatusUpdate is the write side of a status transition.
type StatusUpdate struct {
	To           CalculationStatus
	Reason       string
	ApprovalDate *time.Time
	PaymentDate  *time.Time
	PaymentID    PaymentID
}

// PaymentStore persists payment batches.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	// ListPayments returns matching payments, newest first.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	// UpdatePayment overwrites the mutable fields: status, method,
	// reference and the processed/completed timestamps.
	UpdatePayment(ctx context.Context, p Payment) error
}

type PaymentFilter struct {
	RecipientID RecipientID
	Status      PaymentStatus
	Limit       int
}

// Store is the full persistence port.
type Store interface {
	RuleStore
	CalculationStore
	PaymentStore

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
