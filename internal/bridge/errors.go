package bridge

import "errors"

var (
	// ErrUnresolvedHandle: the callback handle maps to nothing. Terminal
	// for the operation that carried it; no side effects.
	ErrUnresolvedHandle = errors.New("callback handle does not resolve")

	// ErrContextBound: a different background context is already bound.
	// The existing binding is preserved.
	ErrContextBound = errors.New("different background context already bound")

	// ErrBackendUnavailable: the host alarm backend is missing. Schedule
	// and cancel log this and return; it never reaches their callers.
	ErrBackendUnavailable = errors.New("alarm backend unavailable")
)
