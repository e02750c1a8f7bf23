/*
Package log provides structured logging for Starcore using zerolog.

A single global logger is initialized once at startup via Init, after
which components obtain child loggers through WithComponent,
WithRequestID, or WithConnectionID. Console output (the default) is for
interactive use; JSON output is for log aggregation.

# Usage

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("socket")
	logger.Info().Str("state", "connected").Msg("socket connected")

Request-scoped correlation uses the request id the HTTP client attaches
to every outbound call:

	log.WithRequestID(reqID).Warn().Msg("retrying transient failure")
*/
package log
