/*
Package sqlite provides a SQLite-backed implementation of commission.Store.

PURPOSE:
  Persists rules, calculations, their breakdown and audit trail, and
  payments in SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  rules:                      Rule definitions (insert only, never updated)
  calculations:               One row per applied rule per event
  calculation_shares:         Per-level breakdown, written with its calculation
  calculation_status_history: Append-only audit trail of status changes
  payments:                   Payment batches
  payment_calculations:       Calculation -> payment link (unique per calculation)

CLAIMS:
  Status changes are conditional updates:

    UPDATE calculations SET status = ? ... WHERE id = ? AND status = ?

  and the affected row count tells the caller whether it won. A payment
  batch that loses the race for a calculation simply leaves it out. The
  unique index on payment_calculations.calculation_id backs this up at the
  schema level.

TIME STORAGE:
  Timestamps are stored as fixed-width UTC text so that string comparison
  matches chronological order in range queries.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a
  transaction sees every write it made. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/commissions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := commission.NewEngine(store, commission.Options{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/commission"
)

// timeLayout is RFC3339 with fixed nanosecond width.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrDuplicate is returned when a record with the same id already exists.
var ErrDuplicate = errors.New("record already exists")

// Store implements commission.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ commission.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Rules (immutable definitions)
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		rule_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		calculation_basis TEXT NOT NULL,
		percentage TEXT,
		fixed_amount TEXT,
		tiers_json TEXT,
		levels_json TEXT NOT NULL,
		conditions_json TEXT,
		min_threshold TEXT,
		max_cap TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		currency TEXT NOT NULL,
		payment_frequency TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_entity_active
		ON rules(entity_type, active);
	CREATE INDEX IF NOT EXISTS idx_rules_created_at
		ON rules(created_at DESC);

	-- Calculations
	CREATE TABLE IF NOT EXISTS calculations (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL REFERENCES rules(id),
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		recipients_json TEXT NOT NULL,
		basis_value TEXT NOT NULL,
		calculated_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		status_reason TEXT,
		currency TEXT NOT NULL,
		calculation_date TEXT NOT NULL,
		approval_date TEXT,
		payment_date TEXT,
		payment_id TEXT,
		metadata_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_calculations_status_date
		ON calculations(status, calculation_date);
	CREATE INDEX IF NOT EXISTS idx_calculations_rule
		ON calculations(rule_id);
	CREATE INDEX IF NOT EXISTS idx_calculations_entity
		ON calculations(entity_type, entity_id);

	-- Per-level breakdown
	CREATE TABLE IF NOT EXISTS calculation_shares (
		calculation_id TEXT NOT NULL REFERENCES calculations(id),
		level INTEGER NOT NULL,
		recipient_id TEXT NOT NULL,
		role TEXT,
		amount TEXT NOT NULL,
		allocation_percentage TEXT NOT NULL,
		PRIMARY KEY (calculation_id, level)
	);

	-- Hot path: recipient listings and payment batching
	CREATE INDEX IF NOT EXISTS idx_shares_recipient
		ON calculation_shares(recipient_id, calculation_id);

	-- Status audit trail (append-only)
	CREATE TABLE IF NOT EXISTS calculation_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		calculation_id TEXT NOT NULL REFERENCES calculations(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT,
		changed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_status_history_calculation
		ON calculation_status_history(calculation_id, id);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		total_calculations INTEGER NOT NULL,
		breakdown_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payment_method TEXT,
		payment_reference TEXT,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		processed_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_recipient
		ON payments(recipient_id, created_at DESC);

	-- A calculation belongs to at most one payment
	CREATE TABLE IF NOT EXISTS payment_calculations (
		payment_id TEXT NOT NULL REFERENCES payments(id),
		calculation_id TEXT NOT NULL REFERENCES calculations(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (payment_id, calculation_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_calculations_unique
		ON payment_calculations(calculation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// RULES
// =============================================================================

func (s *Store) SaveRule(ctx context.Context, rule commission.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRule(ctx, s.db, rule)
}

func (s *Store) GetRule(ctx context.Context, id commission.RuleID) (*commission.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRule(ctx, s.db, id)
}

func (s *Store) ListRules(ctx context.Context, filter commission.RuleFilter) ([]commission.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRules(ctx, s.db, filter)
}

const ruleColumns = `id, name, description, rule_type, entity_type, calculation_basis,
	percentage, fixed_amount, tiers_json, levels_json, conditions_json,
	min_threshold, max_cap, active, effective_from, effective_to,
	currency, payment_frequency, metadata_json, created_at`

func saveRule(ctx context.Context, q querier, r commission.Rule) error {
	tiersJSON, err := json.Marshal(r.Tiers)
	if err != nil {
		return fmt.Errorf("failed to encode tiers: %w", err)
	}
	levelsJSON, err := json.Marshal(r.Levels)
	if err != nil {
		return fmt.Errorf("failed to encode levels: %w", err)
	}
	conditionsJSON, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}
	metadataJSON, _ := json.Marshal(r.Metadata)

	query := `INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = q.ExecContext(ctx, query,
		r.ID, r.Name, nullString(r.Description), r.Type, r.EntityType, r.CalculationBasis,
		nullDecimal(r.Percentage), nullDecimal(r.FixedAmount),
		string(tiersJSON), string(levelsJSON), string(conditionsJSON),
		nullDecimal(r.MinThreshold), nullDecimal(r.MaxCap),
		r.Active, formatTime(r.EffectiveFrom), nullTime(r.EffectiveTo),
		r.Currency, r.PaymentFrequency, string(metadataJSON), formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("rule %s: %w", r.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func getRule(ctx context.Context, q querier, id commission.RuleID) (*commission.Rule, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule: %w", err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return &rules[0], nil
}

func listRules(ctx context.Context, q querier, filter commission.RuleFilter) ([]commission.Rule, error) {
	var (
		where []string
		args  []any
	)
	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *filter.Active)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}

	query := `SELECT ` + ruleColumns + ` FROM rules` + whereClause(where) + ` ORDER BY created_at DESC, id DESC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]commission.Rule, error) {
	defer rows.Close()

	var rules []commission.Rule
	for rows.Next() {
		var (
			r                                       commission.Rule
			description, percentage, fixedAmount    sql.NullString
			tiersJSON, conditionsJSON, metadataJSON sql.NullString
			minThreshold, maxCap, effectiveTo       sql.NullString
			levelsJSON, effectiveFrom, createdAt    string
		)
		err := rows.Scan(
			&r.ID, &r.Name, &description, &r.Type, &r.EntityType, &r.CalculationBasis,
			&percentage, &fixedAmount, &tiersJSON, &levelsJSON, &conditionsJSON,
			&minThreshold, &maxCap, &r.Active, &effectiveFrom, &effectiveTo,
			&r.Currency, &r.PaymentFrequency, &metadataJSON, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		r.Description = description.String
		r.Percentage = parseNullDecimal(percentage)
		r.FixedAmount = parseNullDecimal(fixedAmount)
		r.MinThreshold = parseNullDecimal(minThreshold)
		r.MaxCap = parseNullDecimal(maxCap)
		r.EffectiveFrom = parseTime(effectiveFrom)
		r.EffectiveTo = parseNullTime(effectiveTo)
		r.CreatedAt = parseTime(createdAt)

		if err := json.Unmarshal([]byte(levelsJSON), &r.Levels); err != nil {
			return nil, fmt.Errorf("failed to decode levels of rule %s: %w", r.ID, err)
		}
		if err := decodeJSON(tiersJSON, &r.Tiers); err != nil {
			return nil, fmt.Errorf("failed to decode tiers of rule %s: %w", r.ID, err)
		}
		if err := decodeJSON(conditionsJSON, &r.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode conditions of rule %s: %w", r.ID, err)
		}
		_ = decodeJSON(metadataJSON, &r.Metadata)

		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func (s *Store) CreateCalculation(ctx context.Context, calc commission.Calculation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := createCalculation(ctx, sqlTx, calc); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) GetCalculation(ctx context.Context, id commission.CalculationID) (*commission.Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCalculation(ctx, s.db, id)
}

func (s *Store) QueryCalculations(ctx context.Context, filter commission.CalculationFilter) ([]commission.Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryCalculations(ctx, s.db, filter)
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id commission.CalculationID, from commission.CalculationStatus, update commission.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return compareAndSetStatus(ctx, s.db, id, from, update)
}

func (s *Store) AppendStatusChange(ctx context.Context, change commission.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendStatusChange(ctx, s.db, change)
}

func (s *Store) StatusHistory(ctx context.Context, id commission.CalculationID) ([]commission.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statusHistory(ctx, s.db, id)
}

func (s *Store) RecipientsWithStatus(ctx context.Context, status commission.CalculationStatus, from, to time.Time) ([]commission.RecipientID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recipientsWithStatus(ctx, s.db, status, from, to)
}

const calculationColumns = `c.id, c.rule_id, c.entity_type, c.entity_id, c.recipients_json,
	c.basis_value, c.calculated_amount, c.status, c.status_reason, c.currency,
	c.calculation_date, c.approval_date, c.payment_date, c.payment_id, c.metadata_json`

// createCalculation writes the row and its shares. Callers run it inside a
// transaction so the breakdown is never partial.
func createCalculation(ctx context.Context, q querier, c commission.Calculation) error {
	recipientsJSON, err := json.Marshal(c.Recipients)
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}
	metadataJSON, _ := json.Marshal(c.Metadata)

	_, err = q.ExecContext(ctx, `
		INSERT INTO calculations
		(id, rule_id, entity_type, entity_id, recipients_json, basis_value, calculated_amount,
		 status, status_reason, currency, calculation_date, approval_date, payment_date,
		 payment_id, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RuleID, c.EntityType, c.EntityID, string(recipientsJSON),
		c.BasisValue.String(), c.CalculatedAmount.String(),
		c.Status, nullString(c.StatusReason), c.Currency,
		formatTime(c.CalculationDate), nullTime(c.ApprovalDate), nullTime(c.PaymentDate),
		nullString(string(c.PaymentID)), string(metadataJSON),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("calculation %s: %w", c.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert calculation: %w", err)
	}

	for _, share := range c.Breakdown {
		_, err := q.ExecContext(ctx, `
			INSERT INTO calculation_shares
			(calculation_id, level, recipient_id, role, amount, allocation_percentage)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, share.Level, share.RecipientID, share.Role,
			share.Amount.String(), share.AllocationPercentage.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert share for level %d: %w", share.Level, err)
		}
	}
	return nil
}

func getCalculation(ctx context.Context, q querier, id commission.CalculationID) (*commission.Calculation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+calculationColumns+` FROM calculations c WHERE c.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query calculation: %w", err)
	}
	calcs, err := scanCalculations(rows)
	if err != nil {
		return nil, err
	}
	if len(calcs) == 0 {
		return nil, nil
	}
	if err := loadShares(ctx, q, calcs); err != nil {
		return nil, err
	}
	return &calcs[0], nil
}

func queryCalculations(ctx context.Context, q querier, filter commission.CalculationFilter) ([]commission.Calculation, error) {
	var (
		where []string
		args  []any
	)
	if filter.RecipientID != "" {
		where = append(where, `EXISTS (SELECT 1 FROM calculation_shares s
			WHERE s.calculation_id = c.id AND s.recipient_id = ?)`)
		args = append(args, filter.RecipientID)
	}
	if filter.Status != "" {
		where = append(where, "c.status = ?")
		args = append(args, filter.Status)
	}
	if !filter.From.IsZero() {
		where = append(where, "c.calculation_date >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "c.calculation_date <= ?")
		args = append(args, formatTime(filter.To))
	}

	query := `SELECT ` + calculationColumns + ` FROM calculations c` + whereClause(where) +
		` ORDER BY c.calculation_date DESC, c.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calculations: %w", err)
	}
	calcs, err := scanCalculations(rows)
	if err != nil {
		return nil, err
	}
	if err := loadShares(ctx, q, calcs); err != nil {
		return nil, err
	}
	return calcs, nil
}

func scanCalculations(rows *sql.Rows) ([]commission.Calculation, error) {
	defer rows.Close()

	var calcs []commission.Calculation
	for rows.Next() {
		var (
			c                                   commission.Calculation
			recipientsJSON, basis, amount, date string
			reason, approvalDate, paymentDate   sql.NullString
			paymentID, metadataJSON             sql.NullString
		)
		err := rows.Scan(
			&c.ID, &c.RuleID, &c.EntityType, &c.EntityID, &recipientsJSON,
			&basis, &amount, &c.Status, &reason, &c.Currency,
			&date, &approvalDate, &paymentDate, &paymentID, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calculation: %w", err)
		}

		if err := json.Unmarshal([]byte(recipientsJSON), &c.Recipients); err != nil {
			return nil, fmt.Errorf("failed to decode recipients of calculation %s: %w", c.ID, err)
		}
		c.BasisValue = parseDecimal(basis)
		c.CalculatedAmount = parseDecimal(amount)
		c.StatusReason = reason.String
		c.CalculationDate = parseTime(date)
		c.ApprovalDate = parseNullTime(approvalDate)
		c.PaymentDate = parseNullTime(paymentDate)
		c.PaymentID = commission.PaymentID(paymentID.String)
		_ = decodeJSON(metadataJSON, &c.Metadata)

		calcs = append(calcs, c)
	}
	return calcs, rows.Err()
}

// loadShares fills in each calculation's breakdown. It runs after the
// calculation rows are closed: with a single connection, nesting queries
// inside an open result set would block.
func loadShares(ctx context.Context, q querier, calcs []commission.Calculation) error {
	for i := range calcs {
		rows, err := q.QueryContext(ctx, `
			SELECT level, recipient_id, role, amount, allocation_percentage
			FROM calculation_shares
			WHERE calculation_id = ?
			ORDER BY level ASC`, calcs[i].ID)
		if err != nil {
			return fmt.Errorf("failed to query shares: %w", err)
		}

		var shares []commission.LevelShare
		for rows.Next() {
			var (
				share         commission.LevelShare
				role          sql.NullString
				amount, alloc string
			)
			if err := rows.Scan(&share.Level, &share.RecipientID, &role, &amount, &alloc); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan share: %w", err)
			}
			share.Role = role.String
			share.Amount = parseDecimal(amount)
			share.AllocationPercentage = parseDecimal(alloc)
			shares = append(shares, share)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
		calcs[i].Breakdown = shares
	}
	return nil
}

func compareAndSetStatus(ctx context.Context, q querier, id commission.CalculationID, from commission.CalculationStatus, u commission.StatusUpdate) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE calculations SET
			status = ?,
			status_reason = ?,
			approval_date = COALESCE(?, approval_date),
			payment_date = COALESCE(?, payment_date),
			payment_id = COALESCE(?, payment_id)
		WHERE id = ? AND status = ?`,
		u.To, nullString(u.Reason), nullTime(u.ApprovalDate), nullTime(u.PaymentDate),
		nullString(string(u.PaymentID)), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update calculation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func appendStatusChange(ctx context.Context, q querier, ch commission.StatusChange) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO calculation_status_history (calculation_id, from_status, to_status, reason, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		ch.CalculationID, ch.From, ch.To, nullString(ch.Reason), formatTime(ch.At),
	)
	if err != nil {
		return fmt.Errorf("failed to insert status change: %w", err)
	}
	return nil
}

func statusHistory(ctx context.Context, q querier, id commission.CalculationID) ([]commission.StatusChange, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT calculation_id, from_status, to_status, reason, changed_at
		FROM calculation_status_history
		WHERE calculation_id = ?
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	var changes []commission.StatusChange
	for rows.Next() {
		var (
			ch     commission.StatusChange
			reason sql.NullString
			at     string
		)
		if err := rows.Scan(&ch.CalculationID, &ch.From, &ch.To, &reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		ch.Reason = reason.String
		ch.At = parseTime(at)
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

func recipientsWithStatus(ctx context.Context, q querier, status commission.CalculationStatus, from, to time.Time) ([]commission.RecipientID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT s.recipient_id
		FROM calculation_shares s
		JOIN calculations c ON c.id = s.calculation_id
		WHERE c.status = ? AND c.calculation_date >= ? AND c.calculation_date <= ?
		ORDER BY s.recipient_id`,
		status, formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	var ids []commission.RecipientID
	for rows.Next() {
		var id commission.RecipientID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) CreatePayment(ctx context.Context, p commission.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := createPayment(ctx, sqlTx, p); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) GetPayment(ctx context.Context, id commission.PaymentID) (*commission.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayment(ctx, s.db, id)
}

func (s *Store) ListPayments(ctx context.Context, filter commission.PaymentFilter) ([]commission.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayments(ctx, s.db, filter)
}

func (s *Store) UpdatePayment(ctx context.Context, p commission.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePayment(ctx, s.db, p)
}

const paymentColumns = `id, recipient_id, period_start, period_end, total_amount,
	total_calculations, breakdown_json, status, payment_method, payment_reference,
	currency, created_at, processed_at, completed_at`

func createPayment(ctx context.Context, q querier, p commission.Payment) error {
	breakdownJSON, err := json.Marshal(p.BreakdownByRule)
	if err != nil {
		return fmt.Errorf("failed to encode payment breakdown: %w", err)
	}

	_, err = q.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RecipientID, formatTime(p.PeriodStart), formatTime(p.PeriodEnd),
		p.TotalAmount.String(), p.TotalCalculations, string(breakdownJSON), p.Status,
		nullString(p.PaymentMethod), nullString(p.PaymentReference), p.Currency,
		formatTime(p.CreatedAt), nullTime(p.ProcessedAt), nullTime(p.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("payment %s: %w", p.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	for i, calcID := range p.CalculationIDs {
		_, err := q.ExecContext(ctx, `
			INSERT INTO payment_calculations (payment_id, calculation_id, position)
			VALUES (?, ?, ?)`, p.ID, calcID, i)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("calculation %s already belongs to a payment: %w", calcID, ErrDuplicate)
			}
			return fmt.Errorf("failed to link calculation %s: %w", calcID, err)
		}
	}
	return nil
}

func getPayment(ctx context.Context, q querier, id commission.PaymentID) (*commission.Payment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	payments, err := scanPayments(rows)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil
	}
	if err := loadPaymentCalculations(ctx, q, payments); err != nil {
		return nil, err
	}
	return &payments[0], nil
}

func listPayments(ctx context.Context, q querier, filter commission.PaymentFilter) ([]commission.Payment, error) {
	var (
		where []string
		args  []any
	)
	if filter.RecipientID != "" {
		where = append(where, "recipient_id = ?")
		args = append(args, filter.RecipientID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + paymentColumns + ` FROM payments` + whereClause(where) + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	payments, err := scanPayments(rows)
	if err != nil {
		return nil, err
	}
	if err := loadPaymentCalculations(ctx, q, payments); err != nil {
		return nil, err
	}
	return payments, nil
}

func scanPayments(rows *sql.Rows) ([]commission.Payment, error) {
	defer rows.Close()

	var payments []commission.Payment
	for rows.Next() {
		var (
			p                                commission.Payment
			start, end, total, breakdownJSON string
			createdAt                        string
			method, reference                sql.NullString
			processedAt, completedAt         sql.NullString
		)
		err := rows.Scan(
			&p.ID, &p.RecipientID, &start, &end, &total,
			&p.TotalCalculations, &breakdownJSON, &p.Status, &method, &reference,
			&p.Currency, &createdAt, &processedAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}

		p.PeriodStart = parseTime(start)
		p.PeriodEnd = parseTime(end)
		p.TotalAmount = parseDecimal(total)
		p.PaymentMethod = method.String
		p.PaymentReference = reference.String
		p.CreatedAt = parseTime(createdAt)
		p.ProcessedAt = parseNullTime(processedAt)
		p.CompletedAt = parseNullTime(completedAt)
		if err := json.Unmarshal([]byte(breakdownJSON), &p.BreakdownByRule); err != nil {
			return nil, fmt.Errorf("failed to decode breakdown of payment %s: %w", p.ID, err)
		}

		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func loadPaymentCalculations(ctx context.Context, q querier, payments []commission.Payment) error {
	for i := range payments {
		rows, err := q.QueryContext(ctx, `
			SELECT calculation_id FROM payment_calculations
			WHERE payment_id = ?
			ORDER BY position ASC`, payments[i].ID)
		if err != nil {
			return fmt.Errorf("failed to query payment calculations: %w", err)
		}

		var ids []commission.CalculationID
		for rows.Next() {
			var id commission.CalculationID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan payment calculation: %w", err)
			}
			ids = append(ids, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
		payments[i].CalculationIDs = ids
	}
	return nil
}

func updatePayment(ctx context.Context, q querier, p commission.Payment) error {
	_, err := q.ExecContext(ctx, `
		UPDATE payments SET
			status = ?,
			payment_method = ?,
			payment_reference = ?,
			processed_at = ?,
			completed_at = ?
		WHERE id = ?`,
		p.Status, nullString(p.PaymentMethod), nullString(p.PaymentReference),
		nullTime(p.ProcessedAt), nullTime(p.CompletedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store commission.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every query on the open transaction. It never touches the
// parent's lock, which WithTx already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveRule(ctx context.Context, rule commission.Rule) error {
	return saveRule(ctx, ts.tx, rule)
}

func (ts *txStore) GetRule(ctx context.Context, id commission.RuleID) (*commission.Rule, error) {
	return getRule(ctx, ts.tx, id)
}

func (ts *txStore) ListRules(ctx context.Context, filter commission.RuleFilter) ([]commission.Rule, error) {
	return listRules(ctx, ts.tx, filter)
}

func (ts *txStore) CreateCalculation(ctx context.Context, calc commission.Calculation) error {
	return createCalculation(ctx, ts.tx, calc)
}

func (ts *txStore) GetCalculation(ctx context.Context, id commission.CalculationID) (*commission.Calculation, error) {
	return getCalculation(ctx, ts.tx, id)
}

func (ts *txStore) QueryCalculations(ctx context.Context, filter commission.CalculationFilter) ([]commission.Calculation, error) {
	return queryCalculations(ctx, ts.tx, filter)
}

func (ts *txStore) CompareAndSetStatus(ctx context.Context, id commission.CalculationID, from commission.CalculationStatus, update commission.StatusUpdate) (bool, error) {
	return compareAndSetStatus(ctx, ts.tx, id, from, update)
}

func (ts *txStore) AppendStatusChange(ctx context.Context, change commission.StatusChange) error {
	return appendStatusChange(ctx, ts.tx, change)
}

func (ts *txStore) StatusHistory(ctx context.Context, id commission.CalculationID) ([]commission.StatusChange, error) {
	return statusHistory(ctx, ts.tx, id)
}

func (ts *txStore) RecipientsWithStatus(ctx context.Context, status commission.CalculationStatus, from, to time.Time) ([]commission.RecipientID, error) {
	return recipientsWithStatus(ctx, ts.tx, status, from, to)
}

func (ts *txStore) CreatePayment(ctx context.Context, p commission.Payment) error {
	return createPayment(ctx, ts.tx, p)
}

func (ts *txStore) GetPayment(ctx context.Context, id commission.PaymentID) (*commission.Payment, error) {
	return getPayment(ctx, ts.tx, id)
}

func (ts *txStore) ListPayments(ctx context.Context, filter commission.PaymentFilter) ([]commission.Payment, error) {
	return listPayments(ctx, ts.tx, filter)
}

func (ts *txStore) UpdatePayment(ctx context.Context, p commission.Payment) error {
	return updatePayment(ctx, ts.tx, p)
}

// WithTx on a transaction view joins the enclosing transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(commission.Store) error) error {
	return fn(ts)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"payment_calculations",
		"payments",
		"calculation_status_history",
		"calculation_shares",
		"calculations",
		"rules",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseNullDecimal(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d := parseDecimal(ns.String)
	return &d
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func decodeJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
