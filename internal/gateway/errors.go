// Package gateway holds the shared kernel for the messaging gateway:
// the error taxonomy, clock and RNG abstractions, and the pure pacing
// math used by the session manager, auto-reply engine, and scraper.
package gateway

import "errors"

// Sentinel errors forming the gateway-wide error taxonomy. Components
// wrap these with fmt.Errorf("...: %w", ...) so callers can classify
// failures with errors.Is regardless of where they originated.
var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates a session-ownership or tenant mismatch.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidArgument indicates a validation failure on caller input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRateLimited indicates a send or scrape was denied by a cooldown,
	// an hour/day ceiling, or the scraper's daily quota.
	ErrRateLimited = errors.New("rate limited")

	// ErrPrecondition indicates the entity is in the wrong state for the
	// requested transition (session not connected, campaign not pending).
	ErrPrecondition = errors.New("precondition failed")

	// ErrTransientTransport indicates a recoverable transport closure.
	// These never escape the session manager; they drive reconnection.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrFatalTransport indicates an unrecoverable transport closure
	// (logout, replaced session, auth rejection). Credentials are purged.
	ErrFatalTransport = errors.New("fatal transport error")

	// ErrDependencyFailed indicates an external collaborator (AI,
	// shipping) returned an error.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrInternal is the catch-all for unexpected internal failures.
	ErrInternal = errors.New("internal error")
)
