// Package candidate narrows, for each internal record, the external records
// that are plausible counterparts under per-source tolerance rules.
package candidate

import (
	"fmt"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/shopspring/decimal"
)

// Rule bounds how far an external record may drift from the internal one.
type Rule struct {
	// Percent of the internal amount, e.g. 2 for ±2%.
	Percent decimal.Decimal
	// Absolute floor of the band in currency units.
	Absolute decimal.Decimal
	// WindowDays is the inclusive settlement drift in days.
	WindowDays int
}

// Band returns the inclusive amount tolerance for amount.
func (r Rule) Band(amount decimal.Decimal) decimal.Decimal {
	pct := r.Percent.Mul(amount.Abs()).Shift(-2)
	if pct.GreaterThan(r.Absolute) {
		return pct
	}
	return r.Absolute
}

// Rules maps each external source kind to its rule. Kinds without a rule are
// never offered as candidates.
type Rules map[record.SourceKind]Rule

// RulesFromConfig converts the tolerance section of the configuration.
func RulesFromConfig(cfg map[string]config.ToleranceConfig) (Rules, error) {
	rules := make(Rules, len(cfg))
	for name, tc := range cfg {
		kind, err := record.ParseSourceKind(name)
		if err != nil {
			return nil, fmt.Errorf("tolerance %q: %w", name, err)
		}
		if kind.Internal() {
			return nil, fmt.Errorf("tolerance %q: internal kinds cannot carry a rule", name)
		}
		pct, err := tc.Percent.Decimal()
		if err != nil {
			return nil, fmt.Errorf("tolerance %q: %w", name, err)
		}
		abs, err := tc.Absolute.Decimal()
		if err != nil {
			return nil, fmt.Errorf("tolerance %q: %w", name, err)
		}
		if pct.IsNegative() || abs.IsNegative() || tc.WindowDays < 0 {
			return nil, fmt.Errorf("tolerance %q: values must be non-negative", name)
		}
		rules[kind] = Rule{Percent: pct, Absolute: abs, WindowDays: tc.WindowDays}
	}
	return rules, nil
}
