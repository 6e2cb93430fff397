// Package shield provides the HTTP protection layer for seatfinder: security
// headers, request tracing, and the admission gate that fronts every seating
// lookup. The gate combines a fixed-window rate limit, client heuristics, a
// burst-timing check, and a sequential-identifier scraping detector, all
// evaluated before any upstream campus fetch is attempted.
//
// Usage:
//
//	gate := shield.NewGate(shield.DefaultGateConfig())
//	gate.StartSweeper(done)
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.TraceID)
//	r.Use(shield.HeadToGet)
//	r.Use(gate.Middleware("/healthz"))
package shield

import (
	"context"
	"log/slog"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
