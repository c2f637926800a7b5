package query

import "errors"

var (
	// ErrEvidenceEmpty marks a route that produced no usable candidates.
	// Recoverable; the pipeline falls back to the next permitted route.
	ErrEvidenceEmpty = errors.New("query: evidence empty")

	// ErrDegraded marks a route that could not run at full quality because
	// the backend lacks a capability it needs. Recoverable.
	ErrDegraded = errors.New("query: backend degraded")

	// ErrUpstreamTimeout marks an external call that exceeded its deadline
	// while the query itself still had budget. Recoverable.
	ErrUpstreamTimeout = errors.New("query: upstream timeout")
)
