package x12

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// PayerRule captures payer-specific EDI behavior. Everything here is
// configuration-driven; the parser itself has no payer knowledge.
type PayerRule struct {
	// AllowNegativeAdjustments permits negative monetary CAS amounts
	// (reversals). Payers that never issue reversals leave this false so a
	// negative amount surfaces as a field issue.
	AllowNegativeAdjustments bool `yaml:"allow_negative_adjustments"`

	// AdjustmentGroups lists the recognized claim-adjustment group codes
	// (CO, PR, OA, PI). An empty list recognizes all groups.
	AdjustmentGroups []string `yaml:"adjustment_groups"`

	// DecimalPrecision is the implied-decimal precision for monetary
	// values and the tolerance used when balancing control totals.
	DecimalPrecision int `yaml:"decimal_precision"`

	Currency string `yaml:"currency"`

	// RemittanceNote is payer-specific text attached to adjustment
	// reason descriptions.
	RemittanceNote string `yaml:"remittance_note"`
}

// PayerTable maps payer identifiers to their rules. Unknown payer codes
// fall back to the global defaults rather than failing.
type PayerTable struct {
	Defaults PayerRule            `yaml:"defaults"`
	Payers   map[string]PayerRule `yaml:"payers"`
}

// DefaultPayerTable returns a table with only the global defaults
// (precision 2, USD).
func DefaultPayerTable() *PayerTable {
	return &PayerTable{
		Defaults: PayerRule{DecimalPrecision: 2, Currency: "USD"},
	}
}

// LoadPayerTable reads a payer lookup table from a YAML file.
func LoadPayerTable(path string) (*PayerTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "x12: read payer table")
	}
	t := DefaultPayerTable()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, eris.Wrap(err, "x12: parse payer table")
	}
	if t.Defaults.DecimalPrecision == 0 {
		t.Defaults.DecimalPrecision = 2
	}
	if t.Defaults.Currency == "" {
		t.Defaults.Currency = "USD"
	}
	return t, nil
}

// Lookup returns the rule for a payer id, falling back to defaults for
// unknown codes. Per-payer zero values inherit from the defaults.
func (t *PayerTable) Lookup(payerID string) PayerRule {
	rule, ok := t.Payers[payerID]
	if !ok {
		return t.Defaults
	}
	if rule.DecimalPrecision == 0 {
		rule.DecimalPrecision = t.Defaults.DecimalPrecision
	}
	if rule.Currency == "" {
		rule.Currency = t.Defaults.Currency
	}
	return rule
}

// RecognizesGroup reports whether an adjustment group code is recognized
// under this rule.
func (r PayerRule) RecognizesGroup(group string) bool {
	if len(r.AdjustmentGroups) == 0 {
		return true
	}
	for _, g := range r.AdjustmentGroups {
		if g == group {
			return true
		}
	}
	return false
}
