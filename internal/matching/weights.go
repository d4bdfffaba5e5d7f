package matching

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Weights maps comparator name to its weight.
type Weights map[string]float64

// Clone returns an independent copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Validate checks every comparator has a finite weight inside [lo, hi] and
// that no unknown names are present.
func (w Weights) Validate(lo, hi float64) error {
	for _, name := range Names() {
		v, ok := w[name]
		if !ok {
			return fmt.Errorf("missing weight for %q", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < lo || v > hi {
			return fmt.Errorf("weight for %q out of range [%v,%v]: %v", name, lo, hi, v)
		}
	}
	for name := range w {
		if !IsComparator(name) {
			return fmt.Errorf("unknown comparator %q", name)
		}
	}
	return nil
}

// Lookup resolves the weight vector for a firing pattern. Implementations
// return tenant defaults when nothing has been learned for hash.
type Lookup interface {
	Weights(hash string) Weights
}

// StaticLookup always returns the same weights.
type StaticLookup Weights

func (s StaticLookup) Weights(string) Weights { return Weights(s) }

// FiringPattern returns the sorted names of comparators with non-zero contribution.
func FiringPattern(results []Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Contribution > 0 {
			out = append(out, r.Name)
		}
	}
	sort.Strings(out)
	return out
}

// PatternHash is the hex SHA-256 of the sorted, de-duplicated pattern names
// joined by '|'. Input order does not change the hash.
func PatternHash(pattern []string) string {
	names := append([]string(nil), pattern...)
	sort.Strings(names)
	dedup := make([]string, 0, len(names))
	for _, n := range names {
		if len(dedup) == 0 || dedup[len(dedup)-1] != n {
			dedup = append(dedup, n)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(dedup, "|")))
	return hex.EncodeToString(sum[:])
}

// Composite is Σ wᵢcᵢ / Σ wᵢ over applicable comparators, clamped to [0,1]
// and rounded half-to-even at four decimal places. Comparators that cannot
// apply (no tokens, no counterparty) are left out of both sums.
func Composite(results []Result, w Weights) float64 {
	var num, den float64
	for _, r := range results {
		if !r.Applicable {
			continue
		}
		wi := w[r.Name]
		num += wi * r.Contribution
		den += wi
	}
	if den <= 0 {
		return 0
	}
	return RoundScore(clamp01(num / den))
}

// RoundScore rounds to four decimal places, half to even.
func RoundScore(v float64) float64 {
	return math.RoundToEven(v*1e4) / 1e4
}
