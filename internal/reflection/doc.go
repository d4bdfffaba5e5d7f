// Package reflection reviews a tenant's recent decisions and proposes
// bounded adjustments to thresholds and learned weights.
//
// # Cycle
//
// A cycle reads the reconciliation log over a trailing window and computes
// aggregate rates: auto-matched, later disputed, near-match and unmatched.
// Rates above their configured ceilings become Issues, and some issues carry
// a proposal:
//
//   - dispute_rate_high raises t_high by one step
//   - near_match_rate_high lowers t_high by one step while disputes stay low
//   - weak_pattern lowers the heaviest weight of a pattern that keeps failing
//   - unmatched_rate_high produces a recommendation only
//
// Too few decisions yields insufficient_data and no proposals.
//
// # Applying proposals
//
// The snapshot is saved with Applied=false before anything changes. Proposals
// are then handed to heuristics.Memory, the only component that mutates
// weights and thresholds, and the snapshot is marked applied once every
// proposal has been accepted. A failed cycle is skipped; it never affects
// matching or feedback processing.
//
// # Scheduling
//
// Scheduler runs cycles for the configured tenants on a fixed interval and
// recovers from panics so one bad cycle cannot stop later ones.
package reflection
