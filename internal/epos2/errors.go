package epos2

import (
	"errors"
	"fmt"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
// Transport failures are not wrapped in these; they surface with the
// transport sentinels (transport.ErrWrite, transport.ErrTimeout, ...).
var (
	ErrInvalidState       = errors.New("invalid state")
	ErrTelemetryTimeout   = errors.New("telemetry timeout")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrInvalidNodeID      = errors.New("invalid node id")
)

// StateError reports an operation attempted outside the states that allow it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("epos2: %s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
