// Package orchestrator runs reconciliation batches and applies reviewer
// feedback.
//
// A batch run for one tenant moves through fixed phases:
//
//	load → normalize → score → decide → report
//
// Scoring is concurrent across internal records over an immutable weight
// snapshot. Deciding is sequential in a deterministic order (best composite
// score descending, then internal id) because it is where external records
// are claimed. Cancellation is checked between records; claims already
// committed stay valid and unprocessed records keep their prior status.
//
// Feedback appends new log entries and never rewrites history. A confirmation
// pins the claim as human-verified; a correction disputes the pair, releases
// the claim and optionally pins the corrected counterpart. Both feed the
// outcome to Heuristic Memory.
//
// # Usage
//
//	runner, err := orchestrator.NewRunner(deps, cfg, logger)
//	summary, err := runner.Run(ctx, "acme")
//	result, err := runner.ApplyFeedback(ctx, reconlog.FeedbackEvent{...})
package orchestrator
