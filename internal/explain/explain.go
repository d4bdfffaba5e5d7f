// Package explain turns a decision's rule trace into reviewer-facing text.
// The text is stored as opaque metadata next to the log entry and never
// feeds back into scoring or status.
package explain

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/matching"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
)

// Explainer produces commentary for a log entry.
type Explainer interface {
	Explain(ctx context.Context, e reconlog.Entry) (string, error)
}

// Template is the default Explainer. Its output depends only on the entry.
type Template struct{}

// Explain implements Explainer.
func (Template) Explain(_ context.Context, e reconlog.Entry) (string, error) {
	var b strings.Builder
	switch e.Trace.Rule {
	case reconlog.RuleNoCandidates:
		fmt.Fprintf(&b, "%s: no external record fell inside the tolerance window", e.InternalID)
		return b.String(), nil
	case reconlog.RuleClaimDisplaced:
		fmt.Fprintf(&b, "%s: released %s to a higher-scoring decision", e.InternalID, e.ExternalID)
		return b.String(), nil
	case reconlog.RuleFeedbackConfirmed:
		fmt.Fprintf(&b, "%s: reviewer confirmed the link to %s", e.InternalID, e.ExternalID)
		return b.String(), nil
	case reconlog.RuleFeedbackCorrected:
		fmt.Fprintf(&b, "%s: reviewer rejected the link to %s", e.InternalID, e.ExternalID)
		return b.String(), nil
	case reconlog.RuleCorrectionTarget:
		fmt.Fprintf(&b, "%s: reviewer linked %s", e.InternalID, e.ExternalID)
		return b.String(), nil
	}

	fmt.Fprintf(&b, "%s vs %s scored %s (%s)", e.InternalID, e.ExternalID, e.Score.StringFixed(4), statusPhrase(e.Status))
	var fired []string
	for _, r := range e.Trace.Results {
		if r.Contribution > 0 {
			fired = append(fired, fmt.Sprintf("%s %.2f", label(r.Name), r.Contribution))
		}
	}
	if len(fired) > 0 {
		fmt.Fprintf(&b, "; %s", strings.Join(fired, ", "))
	}
	if len(e.Trace.Conflicts) > 0 {
		fmt.Fprintf(&b, "; already claimed: %s", strings.Join(e.Trace.Conflicts, ", "))
	}
	return b.String(), nil
}

func statusPhrase(s decision.Status) string {
	switch s {
	case decision.StatusMatched:
		return "auto-matched"
	case decision.StatusNearMatch:
		return "needs review"
	default:
		return "below review threshold"
	}
}

func label(name string) string {
	switch name {
	case matching.ExactAmount:
		return "exact amount"
	case matching.AmountTolerance:
		return "amount within tolerance"
	case matching.DateWindow:
		return "date within window"
	case matching.ReferenceOverlap:
		return "reference overlap"
	case matching.Counterparty:
		return "same counterparty"
	}
	return name
}
