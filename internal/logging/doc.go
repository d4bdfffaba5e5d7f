// Package logging provides structured logging with OpenTelemetry integration.
//
// Logging wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stdout + OpenTelemetry log bridge)
//   - Automatic context field injection (trace_id, tenant_id, run_id, request_id)
//   - Sampling below Warn (rejections and errors always reach the log)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = tenant.WithTenant(ctx, "acme")
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "batch run finished", zap.Int("processed", n))
//
// Components that only need a plain *zap.Logger receive logger.Underlying()
// and append ContextFields(ctx) themselves where correlation matters.
package logging
