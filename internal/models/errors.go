package models

import "errors"

// ErrorKind is a typed sentinel for the control plane's error taxonomy.
// Components wrap these with fmt.Errorf("...: %w", ErrX) rather than
// constructing ad hoc error strings, so callers can errors.Is against a
// stable kind across package boundaries.
type ErrorKind error

var (
	ErrInvalidSpec           ErrorKind = errors.New("invalid_spec")
	ErrNotFound              ErrorKind = errors.New("not_found")
	ErrQueueFull             ErrorKind = errors.New("queue_full")
	ErrCapabilityMismatch    ErrorKind = errors.New("capability_mismatch")
	ErrCyclic                ErrorKind = errors.New("cyclic")
	ErrTimeout               ErrorKind = errors.New("timeout")
	ErrTransportFailure      ErrorKind = errors.New("transport_failure")
	ErrMessageTooLarge       ErrorKind = errors.New("message_too_large")
	ErrInsufficientResources ErrorKind = errors.New("insufficient_resources")
	ErrAuthFailed            ErrorKind = errors.New("auth_failed")
	ErrStoreUnavailable      ErrorKind = errors.New("store_unavailable")
)
