package reflection

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
)

// isDecision reports whether e was written by a matching pass for its own
// internal record, as opposed to a displacement side effect or a reviewer.
func isDecision(e reconlog.Entry) bool {
	if !e.Automated() {
		return false
	}
	switch e.Trace.Rule {
	case reconlog.RuleScored, reconlog.RuleNoCandidates, reconlog.RuleClaimConflict:
		return true
	}
	return false
}

// ComputeMetrics aggregates the automated decisions created in [start, end).
// entries may extend past end so later reviewer verdicts are seen.
func ComputeMetrics(entries []reconlog.Entry, start, end time.Time) Metrics {
	verdicts := make(map[string]decision.Status)
	for _, e := range entries {
		if e.SupersedesID != "" && !e.Automated() {
			if _, seen := verdicts[e.SupersedesID]; !seen {
				verdicts[e.SupersedesID] = e.Status
			}
		}
	}

	var m Metrics
	var scoreSum float64
	for _, e := range entries {
		if e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) || !isDecision(e) {
			continue
		}
		m.Decisions++
		scoreSum += e.ScoreFloat()
		switch e.Status {
		case decision.StatusMatched:
			m.AutoMatched++
			if verdicts[e.ID] == decision.StatusDisputed {
				m.Disputed++
			}
		case decision.StatusNearMatch:
			m.NearMatch++
		case decision.StatusUnmatched:
			m.Unmatched++
		}
		if verdicts[e.ID] == decision.StatusHumanVerified {
			m.Confirmed++
		}
	}
	if m.Decisions == 0 {
		return m
	}
	n := float64(m.Decisions)
	m.AutoMatchRate = ratio(m.AutoMatched, n)
	m.NearMatchRate = ratio(m.NearMatch, n)
	m.UnmatchedRate = ratio(m.Unmatched, n)
	m.AverageConfidence = round4(scoreSum / n)
	if m.AutoMatched > 0 {
		m.DisputeRate = ratio(m.Disputed, float64(m.AutoMatched))
	}
	return m
}

func (m Metrics) validate() error {
	for _, v := range []float64{m.AutoMatchRate, m.DisputeRate, m.NearMatchRate, m.UnmatchedRate, m.AverageConfidence} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
			return fmt.Errorf("%w: metric out of range: %v", ErrReflectionComputation, v)
		}
	}
	return nil
}

// analysis is the outcome of evaluating metrics and patterns against the
// configured ceilings.
type analysis struct {
	issues          []Issue
	proposals       []heuristics.Adjustment
	recommendations []string
}

// analyze turns metrics into issues and bounded proposals. th is the
// tenant's current thresholds; patterns are its visible learned rows.
func analyze(cfg Config, m Metrics, th decision.Thresholds, patterns []heuristics.Pattern) analysis {
	var a analysis
	if m.Decisions < cfg.MinDecisions {
		a.issues = append(a.issues, Issue{Kind: IssueInsufficientData, Value: float64(m.Decisions), Limit: float64(cfg.MinDecisions)})
		a.recommendations = append(a.recommendations,
			fmt.Sprintf("only %d decisions in window, need %d before adjusting", m.Decisions, cfg.MinDecisions))
		return a
	}

	step := math.Min(cfg.ThresholdStep, cfg.MaxThresholdDelta)
	if m.DisputeRate > cfg.MaxDisputeRate {
		a.issues = append(a.issues, Issue{Kind: IssueDisputeRateHigh, Value: m.DisputeRate, Limit: cfg.MaxDisputeRate})
		if th.High+step < 1 {
			a.proposals = append(a.proposals, heuristics.Adjustment{
				Kind: heuristics.AdjustThreshold, Target: heuristics.TargetHigh, Delta: step,
				Reason: string(IssueDisputeRateHigh),
			})
			a.recommendations = append(a.recommendations,
				fmt.Sprintf("dispute rate %.1f%% exceeds %.1f%%: raising t_high to %.2f", 100*m.DisputeRate, 100*cfg.MaxDisputeRate, th.High+step))
		} else {
			a.recommendations = append(a.recommendations,
				fmt.Sprintf("dispute rate %.1f%% exceeds %.1f%% but t_high is at its limit; review comparator weights", 100*m.DisputeRate, 100*cfg.MaxDisputeRate))
		}
	}

	if m.NearMatchRate > cfg.MaxNearMatchRate {
		a.issues = append(a.issues, Issue{Kind: IssueNearMatchRateHigh, Value: m.NearMatchRate, Limit: cfg.MaxNearMatchRate})
		switch {
		case m.DisputeRate >= cfg.MaxDisputeRate/2:
			a.recommendations = append(a.recommendations,
				fmt.Sprintf("near-match rate %.1f%% is high but disputes are too frequent to lower t_high", 100*m.NearMatchRate))
		case th.High-step <= th.Mid:
			a.recommendations = append(a.recommendations,
				fmt.Sprintf("near-match rate %.1f%% is high but t_high cannot move closer to t_mid", 100*m.NearMatchRate))
		default:
			a.proposals = append(a.proposals, heuristics.Adjustment{
				Kind: heuristics.AdjustThreshold, Target: heuristics.TargetHigh, Delta: -step,
				Reason: string(IssueNearMatchRateHigh),
			})
			a.recommendations = append(a.recommendations,
				fmt.Sprintf("near-match rate %.1f%% exceeds %.1f%%: lowering t_high to %.2f", 100*m.NearMatchRate, 100*cfg.MaxNearMatchRate, th.High-step))
		}
	}

	if m.UnmatchedRate > cfg.MaxUnmatchedRate {
		a.issues = append(a.issues, Issue{Kind: IssueUnmatchedRateHigh, Value: m.UnmatchedRate, Limit: cfg.MaxUnmatchedRate})
		a.recommendations = append(a.recommendations,
			fmt.Sprintf("unmatched rate %.1f%% exceeds %.1f%%: check that external statements for the period were imported and tolerance windows fit the source", 100*m.UnmatchedRate, 100*cfg.MaxUnmatchedRate))
	}

	weak := make([]heuristics.Pattern, 0)
	for _, p := range patterns {
		if p.Success < cfg.WeakPatternSuccess && p.Usage >= cfg.WeakPatternUsage {
			weak = append(weak, p)
		}
	}
	sort.Slice(weak, func(i, j int) bool {
		if weak[i].Partition != weak[j].Partition {
			return weak[i].Partition < weak[j].Partition
		}
		return weak[i].Hash < weak[j].Hash
	})
	for _, p := range weak {
		a.issues = append(a.issues, Issue{Kind: IssueWeakPattern, Value: p.Success, Limit: cfg.WeakPatternSuccess, Partition: p.Partition, PatternHash: p.Hash})
		heaviest := heaviestComparator(p)
		if heaviest == "" {
			continue
		}
		a.proposals = append(a.proposals, heuristics.Adjustment{
			Kind: heuristics.AdjustWeight, Target: heaviest, Partition: p.Partition, PatternHash: p.Hash,
			Delta: -cfg.WeightStep, Reason: string(IssueWeakPattern),
		})
		a.recommendations = append(a.recommendations,
			fmt.Sprintf("pattern %v succeeds %.0f%% of the time over %d uses: lowering %s", p.Names, 100*p.Success, p.Usage, heaviest))
	}
	return a
}

// heaviestComparator returns the pattern member with the largest weight,
// first by name on ties.
func heaviestComparator(p heuristics.Pattern) string {
	names := append([]string(nil), p.Names...)
	sort.Strings(names)
	best, bestW := "", math.Inf(-1)
	for _, n := range names {
		if w, ok := p.Weights[n]; ok && w > bestW {
			best, bestW = n, w
		}
	}
	return best
}

func ratio(k int, n float64) float64 { return round4(float64(k) / n) }

func round4(v float64) float64 { return math.RoundToEven(v*1e4) / 1e4 }
