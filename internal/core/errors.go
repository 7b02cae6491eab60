package core

import "errors"

// Lifecycle sentinels shared by the channel manager and the call
// coordinator. Precondition failures are reported through these values
// and a log event, never as a panic.
var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrNotInitialized     = errors.New("not initialized")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrNotConnected       = errors.New("not connected")
	ErrBackpressure       = errors.New("backpressure")
)
