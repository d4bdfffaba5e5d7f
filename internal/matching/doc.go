// Package matching evaluates primitive comparators over an internal record
// and its candidates and composes them into a ranked confidence score.
//
// Comparators form a fixed table of pure functions evaluated in a fixed
// order, so identical inputs and weights always produce identical scores.
// Weights come from a Lookup keyed by the firing pattern (the set of
// comparators with non-zero contribution); the Lookup falls back to tenant
// defaults when nothing has been learned for that pattern.
package matching
