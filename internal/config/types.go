package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Duration is a time.Duration read from Go duration strings ("72h", "30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler. Negative values are
// rejected; every duration in the config is a timeout or an interval.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Amount is a decimal quantity kept in its written form so tolerance bands
// never pass through float64. YAML numbers arrive here already stringified
// by the weakly typed decoder. The empty string is zero.
type Amount string

// Decimal parses the amount.
func (a Amount) Decimal() (decimal.Decimal, error) {
	if a == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(string(a))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", string(a), err)
	}
	return d, nil
}

// nonNegative reports a parse error or a negative value.
func (a Amount) nonNegative() error {
	d, err := a.Decimal()
	if err != nil {
		return err
	}
	if d.IsNegative() {
		return fmt.Errorf("amount %s must be non-negative", d)
	}
	return nil
}

// Secret holds a credential. It prints and marshals redacted.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the credential itself.
func (s Secret) Value() string {
	return string(s)
}

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
