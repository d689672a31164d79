// Package logging provides structured, context-aware logging for
// recalld on top of Zap.
//
// The Logger carries correlation data from context on every call:
// OpenTelemetry trace and span IDs, the HTTP request ID, and the
// active vault scope. Construct one logger at startup and derive
// named children per component:
//
//	logger, err := logging.NewLogger(cfg, telemetry.LoggerProvider())
//	if err != nil {
//		return err
//	}
//	defer logger.Sync()
//
//	repoLog := logger.Named("repository")
//	repoLog.Info(ctx, "memory stored", zap.String("memory_id", id))
//
// # Outputs
//
// Logs are written to stdout (JSON or console format) and optionally
// exported through the OpenTelemetry log bridge when a LoggerProvider
// is supplied.
//
// # Redaction
//
// Field names like password, api_key, and dsn are replaced with
// [REDACTED] before encoding, and value patterns (bearer tokens,
// connection strings with embedded credentials) are matched and
// scrubbed. Use the Secret field constructor for values that are
// sensitive by construction.
//
// # Sampling
//
// Info and below are sampled after a per-tick budget so hot paths
// (retrieval scoring, touch flushing) cannot flood the output. Errors
// are never sampled.
package logging
