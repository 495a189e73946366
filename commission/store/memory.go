// Package store provides commission.Store implementations.
package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	rules        map[commission.RuleID]commission.Rule
	calculations map[commission.CalculationID]commission.Calculation
	history      map[commission.CalculationID][]commission.StatusChange
	payments     map[commission.PaymentID]commission.Payment
}

var _ commission.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		rules:        make(map[commission.RuleID]commission.Rule),
		calculations: make(map[commission.CalculationID]commission.Calculation),
		history:      make(map[commission.CalculationID][]commission.StatusChange),
		payments:     make(map[commission.PaymentID]commission.Payment),
	}
}

// =============================================================================
// RULES
// =============================================================================

func (m *Memory) SaveRule(_ context.Context, rule commission.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRuleLocked(rule)
	return nil
}

func (m *Memory) saveRuleLocked(rule commission.Rule) {
	m.rules[rule.ID] = rule
}

func (m *Memory) GetRule(_ context.Context, id commission.RuleID) (*commission.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRuleLocked(id), nil
}

func (m *Memory) getRuleLocked(id commission.RuleID) *commission.Rule {
	rule, ok := m.rules[id]
	if !ok {
		return nil
	}
	return &rule
}

func (m *Memory) ListRules(_ context.Context, filter commission.RuleFilter) ([]commission.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRulesLocked(filter), nil
}

func (m *Memory) listRulesLocked(filter commission.RuleFilter) []commission.Rule {
	var result []commission.Rule
	for _, r := range m.rules {
		if filter.Active != nil && r.Active != *filter.Active {
			continue
		}
		if filter.EntityType != "" && r.EntityType != filter.EntityType {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func (m *Memory) CreateCalculation(_ context.Context, calc commission.Calculation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalculationLocked(calc)
	return nil
}

func (m *Memory) createCalculationLocked(calc commission.Calculation) {
	m.calculations[calc.ID] = cloneCalculation(calc)
}

// cloneCalculation copies the slices and maps so stored calculations never
// share memory with callers.
func cloneCalculation(c commission.Calculation) commission.Calculation {
	c.Breakdown = append([]commission.LevelShare(nil), c.Breakdown...)
	c.Recipients = maps.Clone(c.Recipients)
	c.Metadata = maps.Clone(c.Metadata)
	return c
}

func (m *Memory) GetCalculation(_ context.Context, id commission.CalculationID) (*commission.Calculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCalculationLocked(id), nil
}

func (m *Memory) getCalculationLocked(id commission.CalculationID) *commission.Calculation {
	calc, ok := m.calculations[id]
	if !ok {
		return nil
	}
	calc = cloneCalculation(calc)
	return &calc
}

func (m *Memory) QueryCalculations(_ context.Context, filter commission.CalculationFilter) ([]commission.Calculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryCalculationsLocked(filter), nil
}

func (m *Memory) queryCalculationsLocked(filter commission.CalculationFilter) []commission.Calculation {
	var result []commission.Calculation
	for _, c := range m.calculations {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && c.CalculationDate.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && c.CalculationDate.After(filter.To) {
			continue
		}
		if filter.RecipientID != "" {
			if _, ok := c.ShareOf(filter.RecipientID); !ok {
				continue
			}
		}
		result = append(result, cloneCalculation(c))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CalculationDate.Equal(result[j].CalculationDate) {
			return result[i].ID > result[j].ID
		}
		return result[i].CalculationDate.After(result[j].CalculationDate)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func (m *Memory) CompareAndSetStatus(_ context.Context, id commission.CalculationID, from commission.CalculationStatus, update commission.StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compareAndSetLocked(id, from, update), nil
}

func (m *Memory) compareAndSetLocked(id commission.CalculationID, from commission.CalculationStatus, update commission.StatusUpdate) bool {
	calc, ok := m.calculations[id]
	if !ok || calc.Status != from {
		return false
	}
	calc.Status = update.To
	calc.StatusReason = update.Reason
	if update.ApprovalDate != nil {
		calc.ApprovalDate = update.ApprovalDate
	}
	if update.PaymentDate != nil {
		calc.PaymentDate = update.PaymentDate
	}
	if update.PaymentID != "" {
		calc.PaymentID = update.PaymentID
	}
	m.calculations[id] = calc
	return true
}

func (m *Memory) AppendStatusChange(_ context.Context, change commission.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[change.CalculationID] = append(m.history[change.CalculationID], change)
	return nil
}

func (m *Memory) StatusHistory(_ context.Context, id commission.CalculationID) ([]commission.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]commission.StatusChange(nil), m.history[id]...), nil
}

func (m *Memory) RecipientsWithStatus(_ context.Context, status commission.CalculationStatus, from, to time.Time) ([]commission.RecipientID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recipientsWithStatusLocked(status, from, to), nil
}

func (m *Memory) recipientsWithStatusLocked(status commission.CalculationStatus, from, to time.Time) []commission.RecipientID {
	seen := make(map[commission.RecipientID]bool)
	var result []commission.RecipientID
	for _, c := range m.queryCalculationsLocked(commission.CalculationFilter{Status: status, From: from, To: to}) {
		for _, s := range c.Breakdown {
			if !seen[s.RecipientID] {
				seen[s.RecipientID] = true
				result = append(result, s.RecipientID)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) CreatePayment(_ context.Context, p commission.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func clonePayment(p commission.Payment) commission.Payment {
	p.BreakdownByRule = append([]commission.RuleTotal(nil), p.BreakdownByRule...)
	p.CalculationIDs = append([]commission.CalculationID(nil), p.CalculationIDs...)
	return p
}

func (m *Memory) GetPayment(_ context.Context, id commission.PaymentID) (*commission.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPaymentLocked(id), nil
}

func (m *Memory) getPaymentLocked(id commission.PaymentID) *commission.Payment {
	p, ok := m.payments[id]
	if !ok {
		return nil
	}
	p = clonePayment(p)
	return &p
}

func (m *Memory) ListPayments(_ context.Context, filter commission.PaymentFilter) ([]commission.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPaymentsLocked(filter), nil
}

func (m *Memory) listPaymentsLocked(filter commission.PaymentFilter) []commission.Payment {
	var result []commission.Payment
	for _, p := range m.payments {
		if filter.RecipientID != "" && p.RecipientID != filter.RecipientID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		result = append(result, clonePayment(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func (m *Memory) UpdatePayment(_ context.Context, p commission.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatePaymentLocked(p)
	return nil
}

func (m *Memory) updatePaymentLocked(p commission.Payment) {
	existing, ok := m.payments[p.ID]
	if !ok {
		return
	}
	existing.Status = p.Status
	existing.PaymentMethod = p.PaymentMethod
	existing.PaymentReference = p.PaymentReference
	existing.ProcessedAt = p.ProcessedAt
	existing.CompletedAt = p.CompletedAt
	m.payments[p.ID] = existing
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The lock is held for the whole of fn, so transactions are serialized.
func (m *Memory) WithTx(_ context.Context, fn func(commission.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txMemoryView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	rules        map[commission.RuleID]commission.Rule
	calculations map[commission.CalculationID]commission.Calculation
	history      map[commission.CalculationID][]commission.StatusChange
	payments     map[commission.PaymentID]commission.Payment
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		rules:        make(map[commission.RuleID]commission.Rule, len(m.rules)),
		calculations: make(map[commission.CalculationID]commission.Calculation, len(m.calculations)),
		history:      make(map[commission.CalculationID][]commission.StatusChange, len(m.history)),
		payments:     make(map[commission.PaymentID]commission.Payment, len(m.payments)),
	}
	for k, v := range m.rules {
		s.rules[k] = v
	}
	for k, v := range m.calculations {
		s.calculations[k] = v
	}
	for k, v := range m.history {
		s.history[k] = append([]commission.StatusChange(nil), v...)
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.rules = s.rules
	m.calculations = s.calculations
	m.history = s.history
	m.payments = s.payments
}

// txMemoryView runs against the parent's maps while WithTx holds the lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) SaveRule(_ context.Context, rule commission.Rule) error {
	tv.parent.saveRuleLocked(rule)
	return nil
}

func (tv *txMemoryView) GetRule(_ context.Context, id commission.RuleID) (*commission.Rule, error) {
	return tv.parent.getRuleLocked(id), nil
}

func (tv *txMemoryView) ListRules(_ context.Context, filter commission.RuleFilter) ([]commission.Rule, error) {
	return tv.parent.listRulesLocked(filter), nil
}

func (tv *txMemoryView) CreateCalculation(_ context.Context, calc commission.Calculation) error {
	tv.parent.createCalculationLocked(calc)
	return nil
}

func (tv *txMemoryView) GetCalculation(_ context.Context, id commission.CalculationID) (*commission.Calculation, error) {
	return tv.parent.getCalculationLocked(id), nil
}

func (tv *txMemoryView) QueryCalculations(_ context.Context, filter commission.CalculationFilter) ([]commission.Calculation, error) {
	return tv.parent.queryCalculationsLocked(filter), nil
}

func (tv *txMemoryView) CompareAndSetStatus(_ context.Context, id commission.CalculationID, from commission.CalculationStatus, update commission.StatusUpdate) (bool, error) {
	return tv.parent.compareAndSetLocked(id, from, update), nil
}

func (tv *txMemoryView) AppendStatusChange(_ context.Context, change commission.StatusChange) error {
	tv.parent.history[change.CalculationID] = append(tv.parent.history[change.CalculationID], change)
	return nil
}

func (tv *txMemoryView) StatusHistory(_ context.Context, id commission.CalculationID) ([]commission.StatusChange, error) {
	return append([]commission.StatusChange(nil), tv.parent.history[id]...), nil
}

func (tv *txMemoryView) RecipientsWithStatus(_ context.Context, status commission.CalculationStatus, from, to time.Time) ([]commission.RecipientID, error) {
	return tv.parent.recipientsWithStatusLocked(status, from, to), nil
}

func (tv *txMemoryView) CreatePayment(_ context.Context, p commission.Payment) error {
	tv.parent.payments[p.ID] = clonePayment(p)
	return nil
}

func (tv *txMemoryView) GetPayment(_ context.Context, id commission.PaymentID) (*commission.Payment, error) {
	return tv.parent.getPaymentLocked(id), nil
}

func (tv *txMemoryView) ListPayments(_ context.Context, filter commission.PaymentFilter) ([]commission.Payment, error) {
	return tv.parent.listPaymentsLocked(filter), nil
}

func (tv *txMemoryView) UpdatePayment(_ context.Context, p commission.Payment) error {
	tv.parent.updatePaymentLocked(p)
	return nil
}

// WithTx on a view runs fn in the enclosing transaction.
func (tv *txMemoryView) WithTx(_ context.Context, fn func(commission.Store) error) error {
	return fn(tv)
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = make(map[commission.RuleID]commission.Rule)
	m.calculations = make(map[commission.CalculationID]commission.Calculation)
	m.history = make(map[commission.CalculationID][]commission.StatusChange)
	m.payments = make(map[commission.PaymentID]commission.Payment)
	return nil
}
