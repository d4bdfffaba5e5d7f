package candidate

import (
	"sort"

	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/shopspring/decimal"
)

// Candidate is one plausible external counterpart of an internal record.
type Candidate struct {
	External   record.Comparable
	Rule       Rule
	AmountDiff decimal.Decimal
	DayDiff    int
}

// Pair names an internal/external combination.
type Pair struct {
	InternalID string
	ExternalID string
}

// index buckets external records of one kind by calendar day. Each bucket is
// sorted by amount so the tolerance band is a binary search, not a scan.
type index struct {
	buckets map[int][]record.Comparable
}

func newIndex(recs []record.Comparable) *index {
	idx := &index{buckets: make(map[int][]record.Comparable)}
	for _, r := range recs {
		key := r.Date.Ordinal()
		idx.buckets[key] = append(idx.buckets[key], r)
	}
	for _, b := range idx.buckets {
		sort.Slice(b, func(i, j int) bool {
			if c := b[i].Amount.Cmp(b[j].Amount); c != 0 {
				return c < 0
			}
			return b[i].ID < b[j].ID
		})
	}
	return idx
}

// rangeOf returns records dated day whose amount lies in [lo, hi].
func (idx *index) rangeOf(day int, lo, hi decimal.Decimal) []record.Comparable {
	b := idx.buckets[day]
	start := sort.Search(len(b), func(i int) bool { return b[i].Amount.GreaterThanOrEqual(lo) })
	end := start
	for end < len(b) && b[end].Amount.LessThanOrEqual(hi) {
		end++
	}
	return b[start:end]
}

// Generator holds immutable indexes over one tenant's external records and
// is safe for concurrent use.
type Generator struct {
	rules    Rules
	indexes  map[record.SourceKind]*index
	excluded map[Pair]bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithExcludedPairs drops pairs a reviewer has already rejected.
func WithExcludedPairs(pairs []Pair) Option {
	return func(g *Generator) {
		for _, p := range pairs {
			g.excluded[p] = true
		}
	}
}

// NewGenerator indexes external by source kind.
func NewGenerator(rules Rules, external []record.Comparable, opts ...Option) *Generator {
	byKind := make(map[record.SourceKind][]record.Comparable)
	for _, r := range external {
		if r.Kind.Internal() {
			continue
		}
		byKind[r.Kind] = append(byKind[r.Kind], r)
	}

	g := &Generator{
		rules:    rules,
		indexes:  make(map[record.SourceKind]*index, len(byKind)),
		excluded: make(map[Pair]bool),
	}
	for kind, recs := range byKind {
		g.indexes[kind] = newIndex(recs)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Candidates returns every external record within tolerance of internal,
// ordered by amount difference, then day difference, then external id.
// Both tolerance edges are inclusive. An empty result is not an error.
func (g *Generator) Candidates(internal record.Comparable) []Candidate {
	var out []Candidate
	for _, kind := range record.ExternalKinds() {
		rule, ok := g.rules[kind]
		if !ok {
			continue
		}
		idx, ok := g.indexes[kind]
		if !ok {
			continue
		}

		band := rule.Band(internal.Amount)
		lo, hi := internal.Amount.Sub(band), internal.Amount.Add(band)
		center := internal.Date.Ordinal()

		for day := center - rule.WindowDays; day <= center+rule.WindowDays; day++ {
			for _, ext := range idx.rangeOf(day, lo, hi) {
				if !internal.Direction.Compatible(ext.Direction) {
					continue
				}
				if g.excluded[Pair{InternalID: internal.ID, ExternalID: ext.ID}] {
					continue
				}
				out = append(out, Candidate{
					External:   ext,
					Rule:       rule,
					AmountDiff: internal.Amount.Sub(ext.Amount).Abs(),
					DayDiff:    internal.Date.AbsDays(ext.Date),
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := a.AmountDiff.Cmp(b.AmountDiff); c != 0 {
			return c < 0
		}
		if a.DayDiff != b.DayDiff {
			return a.DayDiff < b.DayDiff
		}
		if a.External.ID != b.External.ID {
			return a.External.ID < b.External.ID
		}
		return a.External.Kind < b.External.Kind
	})
	return out
}
