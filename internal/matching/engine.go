package matching

import (
	"sort"

	"github.com/fyrsmithlabs/recond/internal/candidate"
	"github.com/fyrsmithlabs/recond/internal/record"
)

// Evaluation is a scored candidate. It lives only for one matching pass.
type Evaluation struct {
	InternalID  string
	Candidate   candidate.Candidate
	Results     []Result
	Pattern     []string
	PatternHash string
	Weights     Weights
	Score       float64
}

// ExternalID returns the candidate's external record id.
func (e Evaluation) ExternalID() string { return e.Candidate.External.ID }

// Contribution returns the named comparator's contribution, or 0.
func (e Evaluation) Contribution(name string) float64 {
	for _, r := range e.Results {
		if r.Name == name {
			return r.Contribution
		}
	}
	return 0
}

// Engine scores candidates. It holds no mutable state.
type Engine struct {
	params Params
}

// NewEngine creates an Engine.
func NewEngine(params Params) *Engine {
	return &Engine{params: params}
}

// Evaluate scores every candidate and returns them ranked by score
// descending, then nearer date, then lower external id.
func (e *Engine) Evaluate(internal record.Comparable, cands []candidate.Candidate, lookup Lookup) []Evaluation {
	out := make([]Evaluation, 0, len(cands))
	for _, c := range cands {
		results := Compare(e.params, internal, c)
		pattern := FiringPattern(results)
		hash := PatternHash(pattern)
		w := lookup.Weights(hash)
		out = append(out, Evaluation{
			InternalID:  internal.ID,
			Candidate:   c,
			Results:     results,
			Pattern:     pattern,
			PatternHash: hash,
			Weights:     w,
			Score:       Composite(results, w),
		})
	}
	Rank(out)
	return out
}

// Rank sorts evaluations into their total order.
func Rank(evals []Evaluation) {
	sort.SliceStable(evals, func(i, j int) bool {
		a, b := evals[i], evals[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Candidate.DayDiff != b.Candidate.DayDiff {
			return a.Candidate.DayDiff < b.Candidate.DayDiff
		}
		if a.ExternalID() != b.ExternalID() {
			return a.ExternalID() < b.ExternalID()
		}
		return a.Candidate.External.Kind < b.Candidate.External.Kind
	})
}
