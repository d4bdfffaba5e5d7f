package matching

import (
	"github.com/agnivade/levenshtein"
	"github.com/fyrsmithlabs/recond/internal/candidate"
	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/record"
)

// Comparator names.
const (
	ExactAmount      = config.ComparatorExactAmount
	AmountTolerance  = config.ComparatorAmountTolerance
	DateWindow       = config.ComparatorDateWindow
	ReferenceOverlap = config.ComparatorReferenceOverlap
	Counterparty     = config.ComparatorCounterparty
)

// minFuzzyTokenLen is the shortest token that may match with one edit.
const minFuzzyTokenLen = 5

// Result is the outcome of one comparator for one candidate.
type Result struct {
	Name         string  `json:"name"`
	Applicable   bool    `json:"applicable"`
	Fired        bool    `json:"fired"`
	Closeness    float64 `json:"closeness"`
	Contribution float64 `json:"contribution"`
}

// Params tunes comparator behavior.
type Params struct {
	// PartialCredit is the contribution a band comparator earns merely for
	// firing; closeness fills the remainder up to 1.
	PartialCredit float64
	// FuzzyTokens lets reference tokens of length >= 5 match within one edit.
	FuzzyTokens bool
}

type compareFunc func(p Params, internal record.Comparable, c candidate.Candidate) Result

// table is evaluated in this order for every candidate.
var table = []struct {
	name string
	fn   compareFunc
}{
	{ExactAmount, exactAmount},
	{AmountTolerance, amountTolerance},
	{DateWindow, dateWindow},
	{ReferenceOverlap, referenceOverlap},
	{Counterparty, counterparty},
}

// Names returns comparator names in evaluation order.
func Names() []string {
	out := make([]string, len(table))
	for i, c := range table {
		out[i] = c.name
	}
	return out
}

// IsComparator reports whether name is in the table.
func IsComparator(name string) bool {
	for _, c := range table {
		if c.name == name {
			return true
		}
	}
	return false
}

// Compare runs every comparator in table order.
func Compare(p Params, internal record.Comparable, c candidate.Candidate) []Result {
	out := make([]Result, len(table))
	for i, entry := range table {
		r := entry.fn(p, internal, c)
		r.Name = entry.name
		out[i] = r
	}
	return out
}

func exactAmount(_ Params, internal record.Comparable, c candidate.Candidate) Result {
	if internal.Amount.Equal(c.External.Amount) {
		return Result{Applicable: true, Fired: true, Closeness: 1, Contribution: 1}
	}
	return Result{Applicable: true}
}

func amountTolerance(p Params, internal record.Comparable, c candidate.Candidate) Result {
	band := c.Rule.Band(internal.Amount)
	diff := internal.Amount.Sub(c.External.Amount).Abs()
	if diff.GreaterThan(band) {
		return Result{Applicable: true}
	}
	closeness := 1.0
	if !band.IsZero() {
		ratio, _ := diff.Div(band).Float64()
		closeness = clamp01(1 - ratio)
	} else if !diff.IsZero() {
		closeness = 0
	}
	return banded(p, closeness)
}

func dateWindow(p Params, internal record.Comparable, c candidate.Candidate) Result {
	days := internal.Date.AbsDays(c.External.Date)
	window := c.Rule.WindowDays
	if days > window {
		return Result{Applicable: true}
	}
	closeness := 1.0
	if window > 0 {
		closeness = clamp01(1 - float64(days)/float64(window))
	}
	return banded(p, closeness)
}

func banded(p Params, closeness float64) Result {
	return Result{
		Applicable:   true,
		Fired:        true,
		Closeness:    closeness,
		Contribution: p.PartialCredit + (1-p.PartialCredit)*closeness,
	}
}

func referenceOverlap(p Params, internal record.Comparable, c candidate.Candidate) Result {
	a, b := internal.References, c.External.References
	if len(a) == 0 || len(b) == 0 {
		return Result{}
	}
	iou := TokenIoU(a, b, p.FuzzyTokens)
	return Result{Applicable: true, Fired: iou > 0, Closeness: iou, Contribution: iou}
}

func counterparty(_ Params, internal record.Comparable, c candidate.Candidate) Result {
	if !internal.HasCounterparty() || !c.External.HasCounterparty() {
		return Result{}
	}
	if internal.Counterparty == c.External.Counterparty {
		return Result{Applicable: true, Fired: true, Closeness: 1, Contribution: 1}
	}
	return Result{Applicable: true}
}

// TokenIoU is intersection-over-union of two token sets. With fuzzy set,
// tokens of at least five characters within edit distance one count as equal;
// each token of b is matched at most once.
func TokenIoU(a, b []string, fuzzy bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	used := make([]bool, len(b))
	matched := make([]bool, len(a))
	inter := 0
	match := func(eq func(x, y string) bool) {
		for i, ta := range a {
			if matched[i] {
				continue
			}
			for j, tb := range b {
				if !used[j] && eq(ta, tb) {
					used[j], matched[i] = true, true
					inter++
					break
				}
			}
		}
	}
	match(func(x, y string) bool { return x == y })
	if fuzzy {
		match(fuzzyEqual)
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func fuzzyEqual(a, b string) bool {
	if len(a) < minFuzzyTokenLen || len(b) < minFuzzyTokenLen {
		return false
	}
	if d := len(a) - len(b); d > 1 || d < -1 {
		return false
	}
	return levenshtein.ComputeDistance(a, b) <= 1
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
