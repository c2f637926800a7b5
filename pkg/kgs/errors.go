package kgs

import "errors"

var (
	// ErrUnavailable reports that the knowledge graph store cannot be
	// reached. Callers map this to a service-level "try again later"
	// rather than a synthesized answer.
	ErrUnavailable = errors.New("kgs: store unavailable")

	// ErrUnsupportedCapability reports that the active backend does not
	// implement the requested operation natively. Callers fall back to
	// their degraded in-process path.
	ErrUnsupportedCapability = errors.New("kgs: unsupported capability")

	// ErrIsolationViolation reports an attempt to build or run a statement
	// that is not bound to a tenant.
	ErrIsolationViolation = errors.New("kgs: tenant isolation violation")

	// ErrNotFound reports a lookup by id that matched nothing within the
	// tenant's graph.
	ErrNotFound = errors.New("kgs: not found")
)
