package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionConflict is returned when an optimistic-concurrency write
	// presents a stale version stamp.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrPairActive is returned when a gate session already exists in the
	// active state for the same unordered user pair.
	ErrPairActive = errors.New("storage: active session exists for pair")

	// ErrSessionNotAdvanceable is returned when an atomic session advance
	// matched no row: the session is terminal or its current node moved.
	ErrSessionNotAdvanceable = errors.New("storage: session not advanceable")
)
