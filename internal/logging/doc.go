// Package logging assembles structured slog loggers and attribute helpers used
// across the upload service.
//
// It owns the console/JSON handlers, centralizes level and output plumbing, and
// exposes context-aware helpers so request handlers can tag log lines with
// upload IDs and correlation IDs. The package also provides a no-op logger for
// tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// records with the same shape as the rest of the system.
package logging
