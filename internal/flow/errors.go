package flow

import "errors"

// Error taxonomy shared by the configuration plane. None of these is fatal:
// they are returned synchronously to the caller that issued the request.
var (
	// ErrUnsupported is returned for request types, directions, priorities
	// or chains outside the supported range. Never retried.
	ErrUnsupported = errors.New("unsupported")

	// ErrAlreadyExists is returned on a duplicate registry key.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned when a registry key is absent.
	ErrNotFound = errors.New("not found")

	// ErrResourceExhausted is returned when a shared hardware resource
	// cannot be acquired. The caller must undo any partial state.
	ErrResourceExhausted = errors.New("resource exhausted")
)
