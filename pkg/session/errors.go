package session

import "errors"

// Sentinel errors for the session package.
var (
	// ErrNotActive indicates the operation needs an initialized session.
	ErrNotActive = errors.New("session: not active")

	// ErrAlreadyInitialized indicates Initialize was called twice.
	ErrAlreadyInitialized = errors.New("session: already initialized")

	// ErrClosed indicates the session has been stopped.
	ErrClosed = errors.New("session: closed")
)
