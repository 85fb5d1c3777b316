// Package kindred provides a Go client for the Kindred matching API.
package kindred

import (
	"errors"
	"fmt"
)

// Error represents an error from the Kindred API with the HTTP status code
// and the server's error message. Reason carries the domain failure kind
// (e.g. "node_mismatch") when the status alone is too coarse to act on.
type Error struct {
	StatusCode int
	Code       string
	Reason     string
	Message    string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("kindred: %s/%s (%d): %s", e.Code, e.Reason, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("kindred: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// hasReason reports whether err is an API error with the given domain reason.
func hasReason(err error, reason string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason == reason
	}
	return false
}

// IsNodeMismatch returns true when a choice was submitted against a node the
// session has already moved past. Re-fetch the session and retry from its
// current prompt.
func IsNodeMismatch(err error) bool { return hasReason(err, "node_mismatch") }

// IsSessionTerminal returns true when the gate session has already settled.
func IsSessionTerminal(err error) bool { return hasReason(err, "session_terminal") }

// IsAlreadyActive returns true when the pair already has a gate in flight.
func IsAlreadyActive(err error) bool { return hasReason(err, "already_active") }

// IsIneligible returns true when the pair cannot open a gate (blocked,
// connected, archived, or self-targeted).
func IsIneligible(err error) bool { return hasReason(err, "ineligible") }

// IsVersionConflict returns true when a profile update lost an optimistic
// concurrency race. Re-read the profile and retry with its current version.
func IsVersionConflict(err error) bool { return hasReason(err, "version_conflict") }
