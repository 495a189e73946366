/*
handlers_test.go - HTTP tests for the commission API

Tests for:
- Rule creation, validation and listing
- Calculate / simulate and error status mapping
- Calculation lifecycle and audit trail
- Payment generation and lifecycle
- Rate limiting
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
	"github.com/warp/commission-engine/factory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march10 = time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)

type testServer struct {
	router  *chi.Mux
	handler *api.Handler
	engine  *commission.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	engine := commission.NewEngine(mem, commission.Options{Now: func() time.Time { return march10 }})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := api.NewHandler(mem, engine, logger)
	h.Scheduler.Now = func() time.Time { return time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC) }
	return &testServer{
		router:  api.NewRouter(h, api.RouterOptions{AllowedOrigins: []string{"*"}}),
		handler: h,
		engine:  engine,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func tieredRuleBody() map[string]any {
	return map[string]any{
		"name":        "Tiered sales",
		"type":        "tiered",
		"entity_type": "sale",
		"tiers": []map[string]any{
			{"tier_level": 1, "min_value": 0, "max_value": 1000, "rate_percentage": 5},
			{"tier_level": 2, "min_value": 1000, "max_value": 5000, "rate_percentage": 8},
			{"tier_level": 3, "min_value": 5000, "rate_percentage": 10},
		},
		"levels": []map[string]any{
			{"level": 1, "role": "animator", "allocation_percentage": 70},
			{"level": 2, "role": "manager", "allocation_percentage": 20},
			{"level": 3, "role": "director", "allocation_percentage": 10},
		},
	}
}

func (s *testServer) createRule(t *testing.T, body map[string]any) factory.RuleJSON {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/commissions/rules", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[factory.RuleJSON](t, rec)
}

func (s *testServer) calculate(t *testing.T, ruleID, entityID string, basis int, animator, manager string) api.CalculationDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/commissions/calculate", map[string]any{
		"rule_id":     ruleID,
		"entity_id":   entityID,
		"basis_value": basis,
		"animator_id": animator,
		"manager_id":  manager,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[api.CalculationDTO](t, rec)
}

func (s *testServer) setStatus(t *testing.T, calcID, status string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPut, "/api/commissions/calculations/"+calcID+"/status", map[string]any{"status": status})
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// RULES
// =============================================================================

func TestCreateRule(t *testing.T) {
	s := newTestServer(t)

	rule := s.createRule(t, tieredRuleBody())

	assert.NotEmpty(t, rule.ID)
	require.NotNil(t, rule.Active)
	assert.True(t, *rule.Active)
	assert.Equal(t, "amount", rule.CalculationBasis)
	assert.Equal(t, "monthly", rule.PaymentFrequency)
	assert.Equal(t, "MAD", rule.Currency)

	rec := s.do(t, http.MethodGet, "/api/commissions/rules/"+rule.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[factory.RuleJSON](t, rec)
	assert.Len(t, got.Tiers, 3)
}

func TestCreateRule_Validation(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]func(map[string]any){
		"missing name":     func(b map[string]any) { delete(b, "name") },
		"no levels":        func(b map[string]any) { b["levels"] = []map[string]any{} },
		"unknown type":     func(b map[string]any) { b["type"] = "bonus" },
		"missing tiers":    func(b map[string]any) { delete(b, "tiers") },
		"allocation sum":   func(b map[string]any) { b["levels"] = []map[string]any{{"level": 1, "allocation_percentage": 90}} },
		"bad date":         func(b map[string]any) { b["effective_from"] = "soon" },
		"unknown operator": func(b map[string]any) { b["conditions"] = []map[string]any{{"field": "x", "operator": "like", "value": 1}} },
		"zero max cap":     func(b map[string]any) { b["max_cap"] = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			body := tieredRuleBody()
			mutate(body)
			rec := s.do(t, http.MethodPost, "/api/commissions/rules", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeBody[api.ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}

	rec := s.do(t, http.MethodGet, "/api/commissions/rules", nil)
	assert.Empty(t, decodeBody[[]factory.RuleJSON](t, rec), "failed creates leave nothing behind")
}

func TestListRules_ActiveFilter(t *testing.T) {
	s := newTestServer(t)

	s.createRule(t, tieredRuleBody())
	inactive := tieredRuleBody()
	inactive["name"] = "Retired plan"
	inactive["active"] = false
	s.createRule(t, inactive)

	rec := s.do(t, http.MethodGet, "/api/commissions/rules?active=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decodeBody[[]factory.RuleJSON](t, rec)
	require.Len(t, rules, 1)
	assert.Equal(t, "Retired plan", rules[0].Name)

	rec = s.do(t, http.MethodGet, "/api/commissions/rules?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRule_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/commissions/rules/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func TestCalculate_ScenarioAC(t *testing.T) {
	// GIVEN: The tiered 70/20/10 rule
	// WHEN: A 6000 sale is recorded for animator and manager
	// THEN: 470 total, breakdown [329, 94], pending

	s := newTestServer(t)
	rule := s.createRule(t, tieredRuleBody())

	calc := s.calculate(t, rule.ID, "sale-1", 6000, "anim-1", "mgr-1")

	assertDecimal(t, "470", calc.CalculatedAmount)
	require.Len(t, calc.Breakdown, 2)
	assertDecimal(t, "329", calc.Breakdown[0].Amount)
	assert.Equal(t, "animator", calc.Breakdown[0].Role)
	assertDecimal(t, "94", calc.Breakdown[1].Amount)
	assert.Equal(t, "pending", calc.Status)
	assert.Equal(t, "sale", calc.EntityType)
	assert.Equal(t, "2025-03-10T10:00:00Z", calc.CalculationDate)
}

func TestCalculate_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule(t, tieredRuleBody())

	conditional := tieredRuleBody()
	conditional["conditions"] = []map[string]any{{"field": "region", "operator": "eq", "value": "rabat"}}
	condRule := s.createRule(t, conditional)

	inactive := tieredRuleBody()
	inactive["active"] = false
	inactiveRule := s.createRule(t, inactive)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing animator", map[string]any{"rule_id": rule.ID, "entity_id": "s1", "basis_value": 10}, http.StatusBadRequest},
		{"negative basis", map[string]any{"rule_id": rule.ID, "entity_id": "s1", "basis_value": -1, "animator_id": "a"}, http.StatusBadRequest},
		{"wrong entity type", map[string]any{"rule_id": rule.ID, "entity_type": "visit", "entity_id": "s1", "basis_value": 10, "animator_id": "a"}, http.StatusBadRequest},
		{"unknown rule", map[string]any{"rule_id": "nope", "entity_id": "s1", "basis_value": 10, "animator_id": "a"}, http.StatusNotFound},
		{"inactive rule", map[string]any{"rule_id": inactiveRule.ID, "entity_id": "s1", "basis_value": 10, "animator_id": "a"}, http.StatusConflict},
		{"conditions not met", map[string]any{"rule_id": condRule.ID, "entity_id": "s1", "basis_value": 10, "animator_id": "a", "attributes": map[string]any{"region": "fes"}}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/commissions/calculate", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCalculate_ExplicitLevelMap(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule(t, tieredRuleBody())

	rec := s.do(t, http.MethodPost, "/api/commissions/calculate", map[string]any{
		"rule_id":     rule.ID,
		"entity_id":   "sale-1",
		"basis_value": "1000",
		"recipients":  map[string]string{"1": "anim-1", "3": "dir-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	calc := decodeBody[api.CalculationDTO](t, rec)

	assert.Equal(t, "anim-1", calc.AnimatorID)
	assert.Equal(t, "dir-1", calc.DirectorID)
	require.Len(t, calc.Breakdown, 2)
	assert.Equal(t, 3, calc.Breakdown[1].Level)
	assertDecimal(t, "5", calc.Breakdown[1].Amount)
}

func TestSimulate(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule(t, tieredRuleBody())

	rec := s.do(t, http.MethodPost, "/api/commissions/simulate", map[string]any{
		"rule_id":     rule.ID,
		"basis_value": 6000,
		"animator_id": "anim-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sim := decodeBody[api.SimulationDTO](t, rec)

	assertDecimal(t, "470", sim.CalculatedAmount)
	assert.Len(t, sim.Breakdown, 1)
	require.Len(t, sim.Levels, 3)
	assert.True(t, sim.Levels[1].Skipped)
	assert.True(t, sim.ConditionsMet)

	rec = s.do(t, http.MethodGet, "/api/commissions/recipients/anim-1/calculations", nil)
	list := decodeBody[api.CalculationListResponse](t, rec)
	assert.Empty(t, list.Calculations, "simulate records nothing")
}

func TestCalculationLifecycle(t *testing.T) {
	// GIVEN: A pending calculation
	// WHEN: It is marked paid, then put on hold, then approved
	// THEN: paid is refused with 409; the two accepted moves are in the history

	s := newTestServer(t)
	rule := s.createRule(t, tieredRuleBody())
	calc := s.calculate(t, rule.ID, "sale-1", 6000, "anim-1", "")

	rec := s.setStatus(t, calc.ID, "paid")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.setStatus(t, calc.ID, "archived")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/commissions/calculations/"+calc.ID+"/status", map[string]any{
		"status": "on_hold",
		"reason": "missing invoice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.setStatus(t, calc.ID, "approved")
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decodeBody[api.CalculationDTO](t, rec)
	require.NotNil(t, approved.ApprovalDate)

	rec = s.do(t, http.MethodGet, "/api/commissions/calculations/"+calc.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[api.CalculationDTO](t, rec)
	require.Len(t, got.History, 2)
	assert.Equal(t, "pending", got.History[0].From)
	assert.Equal(t, "on_hold", got.History[0].To)
	assert.Equal(t, "missing invoice", got.History[0].Reason)
	assert.Equal(t, "approved", got.History[1].To)

	rec = s.setStatus(t, "missing", "approved")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRecipientCalculations(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule(t, tieredRuleBody())

	first := s.calculate(t, rule.ID, "sale-1", 6000, "anim-1", "mgr-1")
	s.calculate(t, rule.ID, "sale-2", 1000, "anim-2", "mgr-1")
	require.Equal(t, http.StatusOK, s.setStatus(t, first.ID, "approved").Code)

	rec := s.do(t, http.MethodGet, "/api/commissions/recipients/mgr-1/calculations?start_date=2025-03-01&end_date=2025-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decodeBody[api.CalculationListResponse](t, rec)

	assert.Len(t, list.Calculations, 2, "date-only end_date covers the whole day")
	assert.Equal(t, 2, list.Statistics.TotalCalculations)
	assert.Equal(t, 1, list.Statistics.ByStatus["approved"])
	assert.Equal(t, 0, list.Statistics.ByStatus["paid"])
	assertDecimal(t, "104", list.Statistics.TotalAmount)

	rec = s.do(t, http.MethodGet, "/api/commissions/recipients/mgr-1/calculations?status=approved&limit=5", nil)
	list = decodeBody[api.CalculationListResponse](t, rec)
	assert.Len(t, list.Calculations, 1)

	rec = s.do(t, http.MethodGet, "/api/commissions/recipients/mgr-1/calculations?limit=-2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/commissions/recipients/mgr-1/calculations?start_date=2025-04-01&end_date=2025-03-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPaymentFlow(t *testing.T) {
	// GIVEN: Two approved and one pending calculation for anim-1 in March
	// WHEN: A payment is generated for March, then processed and completed
	// THEN: The payment sums anim-1's approved shares; a second run finds nothing

	s := newTestServer(t)
	rule := s.createRule(t, tieredRuleBody())

	a := s.calculate(t, rule.ID, "sale-1", 6000, "anim-1", "")
	b := s.calculate(t, rule.ID, "sale-2", 1000, "anim-1", "")
	s.calculate(t, rule.ID, "sale-3", 1000, "anim-1", "")
	require.Equal(t, http.StatusOK, s.setStatus(t, a.ID, "approved").Code)
	require.Equal(t, http.StatusOK, s.setStatus(t, b.ID, "approved").Code)

	generate := map[string]any{
		"recipient_id": "anim-1",
		"period_start": "2025-03-01",
		"period_end":   "2025-03-31",
	}
	rec := s.do(t, http.MethodPost, "/api/commissions/payments/generate", generate)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payment := decodeBody[api.PaymentDTO](t, rec)

	assertDecimal(t, "364", payment.TotalAmount) // 329 + 35
	assert.Equal(t, 2, payment.TotalCalculations)
	assert.Equal(t, "pending", payment.Status)
	require.Len(t, payment.BreakdownByRule, 1)
	assert.Equal(t, "Tiered sales", payment.BreakdownByRule[0].RuleName)

	rec = s.do(t, http.MethodPost, "/api/commissions/payments/generate", generate)
	assert.Equal(t, http.StatusNotFound, rec.Code, "idempotent per recipient and period")

	rec = s.do(t, http.MethodGet, "/api/commissions/calculations/"+a.ID, nil)
	paid := decodeBody[api.CalculationDTO](t, rec)
	assert.Equal(t, "paid", paid.Status)
	assert.Equal(t, payment.ID, paid.PaymentID)

	rec = s.do(t, http.MethodPut, "/api/commissions/payments/"+payment.ID+"/status", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusConflict, rec.Code, "pending cannot jump to completed")

	rec = s.do(t, http.MethodPut, "/api/commissions/payments/"+payment.ID+"/status", map[string]any{
		"status":         "processing",
		"payment_method": "bank_transfer",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPut, "/api/commissions/payments/"+payment.ID+"/status", map[string]any{
		"status":            "completed",
		"payment_reference": "TRX-42",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	completed := decodeBody[api.PaymentDTO](t, rec)
	assert.Equal(t, "bank_transfer", completed.PaymentMethod)
	assert.Equal(t, "TRX-42", completed.PaymentReference)
	assert.NotNil(t, completed.ProcessedAt)
	assert.NotNil(t, completed.CompletedAt)

	rec = s.do(t, http.MethodGet, "/api/commissions/recipients/anim-1/payments?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.PaymentDTO](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/commissions/payments/"+payment.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[api.PaymentDTO](t, rec).CalculationIDs, 2)
}

func TestGeneratePayment_BadRequests(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing recipient", map[string]any{"period_start": "2025-03-01", "period_end": "2025-03-31"}, http.StatusBadRequest},
		{"bad date", map[string]any{"recipient_id": "a", "period_start": "March", "period_end": "2025-03-31"}, http.StatusBadRequest},
		{"end before start", map[string]any{"recipient_id": "a", "period_start": "2025-03-31", "period_end": "2025-03-01"}, http.StatusBadRequest},
		{"nothing eligible", map[string]any{"recipient_id": "a", "period_start": "2025-03-01", "period_end": "2025-03-31"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/commissions/payments/generate", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(t, http.MethodGet, "/api/commissions/payments/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/commissions/calculate", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decodeBody[api.ErrorResponse](t, rec).Error)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRateLimit(t *testing.T) {
	h := api.NewHandler(store.NewMemory(), commission.NewEngine(store.NewMemory(), commission.Options{}), nil)
	router := api.NewRouter(h, api.RouterOptions{RateLimitRPS: 0.001, RateLimitBurst: 2})

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Other clients have their own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
