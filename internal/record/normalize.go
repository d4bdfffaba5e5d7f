package record

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/recond/internal/date"
	"github.com/fyrsmithlabs/recond/internal/tenant"
	"github.com/shopspring/decimal"
)

var (
	gstinPattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][0-9A-Z]Z[0-9A-Z]$`)

	currencyPrefixes = []string{"₹", "$", "€", "£", "inr", "rs.", "rs"}

	stopWords = map[string]bool{
		"to": true, "by": true, "from": true, "the": true, "of": true,
		"and": true, "for": true, "ref": true, "no": true,
	}
)

// Normalize converts a raw record into a Comparable.
func Normalize(raw Raw) (Comparable, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return Comparable{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	tid, err := tenant.Parse(strings.TrimSpace(raw.TenantID))
	if err != nil {
		return Comparable{}, fmt.Errorf("%w: record %s: %v", ErrInvalidRecord, raw.ID, err)
	}
	kind, err := ParseSourceKind(raw.SourceKind)
	if err != nil {
		return Comparable{}, fmt.Errorf("record %s: %w", raw.ID, err)
	}

	amount, signDir, err := ParseAmount(string(raw.Amount))
	if err != nil {
		return Comparable{}, fmt.Errorf("%w: record %s: %v", ErrInvalidRecord, raw.ID, err)
	}
	on, err := date.Parse(raw.Date)
	if err != nil {
		return Comparable{}, fmt.Errorf("%w: record %s: %v", ErrInvalidRecord, raw.ID, err)
	}

	dir := parseDirection(raw.Direction)
	if dir == DirectionUnknown {
		dir = signDir
	}

	return Comparable{
		ID:           strings.TrimSpace(raw.ID),
		TenantID:     tid,
		Kind:         kind,
		Amount:       amount,
		Direction:    dir,
		Date:         on,
		Counterparty: NormalizeCounterparty(raw.Counterparty),
		References:   Tokenize(raw.ReferenceText),
		PayloadRef:   raw.RawPayloadRef,
	}, nil
}

// ParseAmount parses a money string into its magnitude and the direction its
// notation implies. Accepted forms include "10,000.00", "₹ 10000", "-250.5",
// "(250.50)", "1200.00 DR" and "1200 CR".
func ParseAmount(s string) (decimal.Decimal, Direction, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return decimal.Decimal{}, DirectionUnknown, fmt.Errorf("missing amount")
	}

	dir := DirectionUnknown
	switch {
	case strings.HasSuffix(v, "dr"):
		dir = DirectionDebit
		v = strings.TrimSpace(strings.TrimSuffix(v, "dr"))
	case strings.HasSuffix(v, "cr"):
		dir = DirectionCredit
		v = strings.TrimSpace(strings.TrimSuffix(v, "cr"))
	}

	negative := false
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		negative = true
		v = strings.TrimSpace(v[1 : len(v)-1])
	}
	if strings.HasPrefix(v, "-") {
		negative = true
		v = strings.TrimSpace(v[1:])
	}
	for _, p := range currencyPrefixes {
		if strings.HasPrefix(v, p) {
			v = strings.TrimSpace(strings.TrimPrefix(v, p))
			break
		}
	}
	if strings.HasPrefix(v, "-") {
		negative = true
		v = strings.TrimSpace(v[1:])
	}
	v = strings.NewReplacer(",", "", " ", "", "_", "").Replace(v)

	amount, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, DirectionUnknown, fmt.Errorf("unparseable amount %q", s)
	}
	if amount.IsNegative() {
		negative = true
		amount = amount.Abs()
	}
	if negative && dir == DirectionUnknown {
		dir = DirectionDebit
	}
	return amount, dir, nil
}

func parseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debit", "dr", "d", "withdrawal":
		return DirectionDebit
	case "credit", "cr", "c", "deposit":
		return DirectionCredit
	}
	return DirectionUnknown
}

// NormalizeCounterparty folds a counterparty name into a comparison token.
// GSTINs are kept verbatim in upper case.
func NormalizeCounterparty(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if upper := strings.ToUpper(s); gstinPattern.MatchString(upper) {
		return upper
	}
	s = strings.Map(func(r rune) rune {
		if r == '.' || r == ',' {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Tokenize case-folds reference text and returns its sorted, de-duplicated
// token set with stop words removed. '/' and '-' are kept inside tokens so
// invoice numbers like "inv/2024-117" survive intact.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-')
	})

	seen := make(map[string]bool, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "/-")
		if f == "" || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	sort.Strings(tokens)
	return tokens
}
