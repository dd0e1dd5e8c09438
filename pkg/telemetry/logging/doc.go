// Package logging builds the gateway's structured logger.
//
// # Overview
//
// The package wraps Go's standard log/slog package to provide:
//   - JSON and text output with a configurable minimum level
//   - Request-scoped fields (request id, service, instance, session) read from the context
//   - Redaction of credential-bearing HTTP headers before they reach a log line
//
// # Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    return err
//	}
//	slog.SetDefault(logger)
//
//	ctx = logging.WithRequestID(ctx, "req-123")
//	ctx = logging.WithServiceID(ctx, "orders")
//	logger.InfoContext(ctx, "request routed")  // includes request_id and service_id
//
// # Header Redaction
//
// Headers named in Config.RedactHeaders (Authorization, Cookie, Set-Cookie and
// X-Api-Key by default) are replaced with "[REDACTED]":
//
//	logger.Info("inbound", logging.Headers("headers", r.Header))
package logging
