/*
Package factory provides JSON/YAML to Go rule conversion.

PURPOSE:
  Converts rule definitions written as JSON (API payloads) or YAML (seed
  files) into commission.Rule values, and back. This enables rule
  configuration without code changes - sales ops can define commission
  plans in a file, and the factory creates the proper Go structs.

JSON SCHEMA:
  {
    "name": "Tiered sales",
    "type": "tiered",
    "entity_type": "sale",
    "calculation_basis": "amount",
    "tiers": [
      {"tier_level": 1, "min_value": 0, "max_value": 5000, "rate_percentage": 5},
      {"tier_level": 2, "min_value": 5000, "rate_percentage": 8}
    ],
    "levels": [
      {"level": 1, "role": "animator", "allocation_percentage": 70},
      {"level": 2, "role": "manager", "allocation_percentage": 20},
      {"level": 3, "role": "director", "allocation_percentage": 10}
    ],
    "conditions": [
      {"field": "region", "operator": "in", "value": ["casablanca", "rabat"]}
    ],
    "max_cap": 1000,
    "payment_frequency": "monthly"
  }

  Amounts may be JSON numbers or strings. Dates accept RFC3339 or
  YYYY-MM-DD. "active" defaults to true when omitted.

YAML RULE FILES:
  rules:
    - name: Sales 5%
      type: percentage
      entity_type: sale
      percentage: 5
      levels:
        - {level: 1, role: animator, allocation_percentage: 100}

USAGE:
  rj, err := factory.ParseRule(body)
  rule, err := factory.FromJSON(rj)

  defs, err := factory.LoadRulesFile("rules.yaml")

SEE ALSO:
  - commission/types.go: Rule type definition
  - commission/registry.go: Validation and defaults
  - presets/rules.go: Ready-made rule configurations
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/commission"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name" validate:"required"`
	Description      string           `json:"description,omitempty"`
	Type             string           `json:"type" validate:"required"`
	EntityType       string           `json:"entity_type" validate:"required"`
	CalculationBasis string           `json:"calculation_basis,omitempty"`
	Percentage       *decimal.Decimal `json:"percentage,omitempty"`
	FixedAmount      *decimal.Decimal `json:"fixed_amount,omitempty"`
	Tiers            []TierJSON       `json:"tiers,omitempty" validate:"dive"`
	Levels           []LevelJSON      `json:"levels" validate:"required,min=1,dive"`
	Conditions       []ConditionJSON  `json:"conditions,omitempty" validate:"dive"`
	MinThreshold     *decimal.Decimal `json:"min_threshold,omitempty"`
	MaxCap           *decimal.Decimal `json:"max_cap,omitempty"`
	Active           *bool            `json:"active,omitempty"` // Default true
	EffectiveFrom    string           `json:"effective_from,omitempty"`
	EffectiveTo      string           `json:"effective_to,omitempty"`
	Currency         string           `json:"currency,omitempty"`
	PaymentFrequency string           `json:"payment_frequency,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        string           `json:"created_at,omitempty"`
}

// TierJSON represents one bracket of a tiered rule.
type TierJSON struct {
	TierLevel      int              `json:"tier_level" validate:"gte=1"`
	MinValue       decimal.Decimal  `json:"min_value"`
	MaxValue       *decimal.Decimal `json:"max_value,omitempty"`
	RatePercentage *decimal.Decimal `json:"rate_percentage,omitempty"`
	FixedAmount    *decimal.Decimal `json:"fixed_amount,omitempty"`
}

// LevelJSON represents one organizational level.
type LevelJSON struct {
	Level                int              `json:"level" validate:"gte=1"`
	Role                 string           `json:"role"`
	AllocationPercentage decimal.Decimal  `json:"allocation_percentage"`
	MinAmount            *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount            *decimal.Decimal `json:"max_amount,omitempty"`
}

// ConditionJSON represents an eligibility condition.
type ConditionJSON struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value"`
}

// RulesFile is the layout of a seed file.
type RulesFile struct {
	Rules []RuleJSON `json:"rules"`
}

// IsActive reports the requested active flag, defaulting to true.
func (rj RuleJSON) IsActive() bool {
	return rj.Active == nil || *rj.Active
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRule parses a JSON document into a RuleJSON.
func ParseRule(data []byte) (RuleJSON, error) {
	var rj RuleJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return RuleJSON{}, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return rj, nil
}

// ParseRuleYAML parses a YAML document into a RuleJSON.
func ParseRuleYAML(data []byte) (RuleJSON, error) {
	jsonData, err := yamlToJSON(data)
	if err != nil {
		return RuleJSON{}, fmt.Errorf("failed to parse rule YAML: %w", err)
	}
	return ParseRule(jsonData)
}

// LoadRulesFile reads a rules file. Files ending in .json are parsed as JSON,
// everything else as YAML.
func LoadRulesFile(path string) ([]RuleJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	if !strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
		}
	}

	var file RulesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return file.Rules, nil
}

// yamlToJSON re-encodes YAML as JSON so both formats share one set of
// decoders (decimal.Decimal only knows JSON).
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(doc))
}

// normalizeYAML converts map[any]any (non-string keys) into map[string]any.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}

// =============================================================================
// CONVERSION
// =============================================================================

// FromJSON converts RuleJSON to a commission.Rule. Enum values are copied
// as given; the registry validates them.
func FromJSON(rj RuleJSON) (commission.Rule, error) {
	rule := commission.Rule{
		ID:               commission.RuleID(rj.ID),
		Name:             rj.Name,
		Description:      rj.Description,
		Type:             commission.RuleType(rj.Type),
		EntityType:       commission.EntityType(rj.EntityType),
		CalculationBasis: commission.CalculationBasis(rj.CalculationBasis),
		Percentage:       rj.Percentage,
		FixedAmount:      rj.FixedAmount,
		MinThreshold:     rj.MinThreshold,
		MaxCap:           rj.MaxCap,
		Active:           rj.IsActive(),
		Currency:         rj.Currency,
		PaymentFrequency: commission.PaymentFrequency(rj.PaymentFrequency),
		Metadata:         rj.Metadata,
	}

	for _, tj := range rj.Tiers {
		rule.Tiers = append(rule.Tiers, commission.Tier{
			TierLevel:      tj.TierLevel,
			MinValue:       tj.MinValue,
			MaxValue:       tj.MaxValue,
			RatePercentage: tj.RatePercentage,
			FixedAmount:    tj.FixedAmount,
		})
	}

	for _, lj := range rj.Levels {
		rule.Levels = append(rule.Levels, commission.Level{
			Level:                lj.Level,
			Role:                 lj.Role,
			AllocationPercentage: lj.AllocationPercentage,
			MinAmount:            lj.MinAmount,
			MaxAmount:            lj.MaxAmount,
		})
	}

	for _, cj := range rj.Conditions {
		rule.Conditions = append(rule.Conditions, commission.Condition{
			Field:    cj.Field,
			Operator: commission.Operator(cj.Operator),
			Value:    cj.Value,
		})
	}

	if rj.EffectiveFrom != "" {
		t, err := ParseTime(rj.EffectiveFrom)
		if err != nil {
			return commission.Rule{}, &commission.InvalidFieldError{Field: "effective_from", Reason: err.Error()}
		}
		rule.EffectiveFrom = t
	}
	if rj.EffectiveTo != "" {
		t, err := ParseTime(rj.EffectiveTo)
		if err != nil {
			return commission.Rule{}, &commission.InvalidFieldError{Field: "effective_to", Reason: err.Error()}
		}
		rule.EffectiveTo = &t
	}

	return rule, nil
}

// ToJSON converts a Rule to RuleJSON.
func ToJSON(rule commission.Rule) RuleJSON {
	rj := RuleJSON{
		ID:               string(rule.ID),
		Name:             rule.Name,
		Description:      rule.Description,
		Type:             string(rule.Type),
		EntityType:       string(rule.EntityType),
		CalculationBasis: string(rule.CalculationBasis),
		Percentage:       rule.Percentage,
		FixedAmount:      rule.FixedAmount,
		MinThreshold:     rule.MinThreshold,
		MaxCap:           rule.MaxCap,
		Active:           commission.Ptr(rule.Active),
		Currency:         rule.Currency,
		PaymentFrequency: string(rule.PaymentFrequency),
		Metadata:         rule.Metadata,
	}
	if !rule.EffectiveFrom.IsZero() {
		rj.EffectiveFrom = rule.EffectiveFrom.Format(time.RFC3339)
	}
	if rule.EffectiveTo != nil {
		rj.EffectiveTo = rule.EffectiveTo.Format(time.RFC3339)
	}
	if !rule.CreatedAt.IsZero() {
		rj.CreatedAt = rule.CreatedAt.Format(time.RFC3339)
	}

	for _, t := range rule.Tiers {
		rj.Tiers = append(rj.Tiers, TierJSON{
			TierLevel:      t.TierLevel,
			MinValue:       t.MinValue,
			MaxValue:       t.MaxValue,
			RatePercentage: t.RatePercentage,
			FixedAmount:    t.FixedAmount,
		})
	}
	for _, l := range rule.Levels {
		rj.Levels = append(rj.Levels, LevelJSON{
			Level:                l.Level,
			Role:                 l.Role,
			AllocationPercentage: l.AllocationPercentage,
			MinAmount:            l.MinAmount,
			MaxAmount:            l.MaxAmount,
		})
	}
	for _, c := range rule.Conditions {
		rj.Conditions = append(rj.Conditions, ConditionJSON{
			Field:    c.Field,
			Operator: string(c.Operator),
			Value:    c.Value,
		})
	}

	return rj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// ParseTime accepts RFC3339 timestamps and plain YYYY-MM-DD dates (midnight UTC).
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use RFC3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}
