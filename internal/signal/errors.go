// Package signal implements the websocket signaling surface: the wire
// protocol, per-connection channels and the dispatcher that maps requests
// onto rooms, peers and the media engine.
package signal

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a request failure for the client.
type ErrorKind string

const (
	// KindArgumentInvalid marks a malformed or incomplete request.
	KindArgumentInvalid ErrorKind = "ARGUMENT_INVALID"

	// KindNotFound marks a reference to a room, peer, transport, producer
	// or consumer that does not exist or is not visible to the caller.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindConflict marks a request that is valid in itself but collides
	// with current state, like a duplicate peer id.
	KindConflict ErrorKind = "CONFLICT"

	// KindEngineRejected marks an operation the media engine refused on
	// semantic grounds, like incompatible capabilities.
	KindEngineRejected ErrorKind = "ENGINE_REJECTED"

	// KindEngineFailed marks an engine operation that failed or timed out
	// for operational reasons.
	KindEngineFailed ErrorKind = "ENGINE_FAILED"

	// KindFatal marks an internal inconsistency. The connection is closed
	// after the reply.
	KindFatal ErrorKind = "FATAL"
)

// Error is a request failure carrying its classification.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds a classified error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// AsError extracts the classification from err, defaulting unclassified
// errors to KindFatal.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindFatal, Message: err.Error(), Cause: err}
}
