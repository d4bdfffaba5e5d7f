// Package heuristics stores learned weight vectors per firing pattern and
// per-tenant decision thresholds.
//
// Pattern rows are keyed by (partition, hash). The partition is a tenant id
// or tenant.GlobalPartition, selected by the configured scope. Reads build an
// immutable Snapshot that a matching pass scores against, so scoring stays
// deterministic while feedback keeps arriving. Every mutation, whether it
// comes from reviewer feedback or an accepted reflection proposal, runs
// through Memory under a per-partition lock and is bounded by MaxDelta and
// the [MinWeight, MaxWeight] clamp.
package heuristics
