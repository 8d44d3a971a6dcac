package domain

import "errors"

// Sentinel errors the api package maps to HTTP statuses.
var (
	// ErrNoProviders — no eligible key at request time: none enabled, or
	// all filtered out by forced provider, model support, or an open
	// circuit breaker. 503.
	ErrNoProviders = errors.New("No providers configured. Add API keys to config/config.yaml")
	// ErrCapacityTimeout — RESERVE wait exceeded request_timeout. 504.
	ErrCapacityTimeout = errors.New("request timed out waiting for available capacity")
	// ErrCircuitBreakerOpen — provider breaker tripped, all its keys skipped.
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	// ErrModelNotSupported — Model Registry has an entry for the unified
	// name but none for the requested provider.
	ErrModelNotSupported = errors.New("model not supported by provider")
	// ErrInsufficientCapacity — Ledger.TryReserve couldn't grant a
	// reservation against a single key.
	ErrInsufficientCapacity = errors.New("insufficient capacity")
)

// UpstreamError wraps a non-recovered provider response, distinguishing
// client-fault (a 4xx other than 429, not retried elsewhere) from every
// other upstream failure (429, 5xx, a 2xx with no choices), which the
// Dispatcher rotates away from.
type UpstreamError struct {
	StatusCode  int
	Message     string
	ClientFault bool
}

func (e *UpstreamError) Error() string {
	return e.Message
}
