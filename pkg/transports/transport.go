package transports

import (
	"context"
)

// Transport is the inbound call boundary. Implementations own their network
// lifecycle.
type Transport interface {
	Name() string
	// Start binds the listener and serves in the background.
	Start(ctx context.Context) error
	// Stop refuses new calls and shuts the listener down.
	Stop(ctx context.Context) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// ErrorReporter exposes fatal serve errors raised after Start returned.
type ErrorReporter interface {
	Errors() <-chan error
}
