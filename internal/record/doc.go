// Package record turns raw voucher, bank and tax-filing rows into the common
// Comparable shape used by candidate generation and matching.
//
// Normalization is a pure function. Amounts become exact decimals, dates are
// truncated to calendar days and reference text is folded into a sorted token
// set. A row missing an amount or a date fails with ErrInvalidRecord and is
// skipped by the caller without aborting the batch.
package record
