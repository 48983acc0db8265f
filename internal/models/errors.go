package models

import "errors"

// Error taxonomy shared by adapters and the orchestrator. Wrap with %w.
var (
	// ErrSourceUnavailable means a fetch failed; the cycle is skipped.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMalformedInput means a single record was rejected.
	ErrMalformedInput = errors.New("malformed input")
	// ErrDeliveryFailure means the transport rejected or timed out.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
)
