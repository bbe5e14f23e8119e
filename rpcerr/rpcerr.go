// Package rpcerr defines the error taxonomy shared by every layer of the runtime.
//
// Callers always receive one of these values (possibly wrapped), never a panic:
//
//   - caller-side contract errors (ErrWrongResults, ErrMissingResults, ErrWrongMessageType,
//     ErrAmbiguousResponse) are returned to the one caller and affect nothing else
//   - RemoteError carries a handler failure reported by the peer
//   - TransportError means the connection is gone; every pending call fails with it
//   - DecodeError wraps a malformed frame; all of them except orphaned responses are fatal
//     for the connection
package rpcerr

import (
	"errors"
	"fmt"
)

var (
	ErrWrongResults      = errors.New("rpc: results do not match the expected type")
	ErrMissingResults    = errors.New("rpc: response carries neither error nor results")
	ErrWrongMessageType  = errors.New("rpc: non-response message on a call completion path")
	ErrWrongParams       = errors.New("rpc: params do not match the handler type")
	ErrAmbiguousResponse = errors.New("rpc: response carries both error and results")
	ErrCallTimeout       = errors.New("rpc: call timed out")
	ErrShutdown          = errors.New("rpc: connection is shut down")

	ErrUnknownMethod    = errors.New("codec: unknown method")
	ErrOrphanedResponse = errors.New("codec: response for an id that is not pending")
	ErrMalformedFrame   = errors.New("codec: malformed frame")
	ErrMessageTooLarge  = errors.New("codec: message exceeds maximum size")
)

// RemoteError is a handler failure reported by the peer in a Response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

// TransportError reports a connection, write or teardown failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rpc: transport error during %s", e.Op)
	}
	return fmt.Sprintf("rpc: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MethodUnimplementedError is returned by a dispatch table that has no slot for a method.
type MethodUnimplementedError struct {
	Method string
}

func (e *MethodUnimplementedError) Error() string {
	return fmt.Sprintf("rpc: method unimplemented: %s", e.Method)
}

// DecodeError wraps a failure to decode one frame.
type DecodeError struct {
	Kind string // "request", "response", "notification" or "" if the kind was not read yet
	ID   uint32
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("codec: decode: %v", e.Err)
	}
	return fmt.Sprintf("codec: decode %s (id=%d): %v", e.Kind, e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Malformed builds a DecodeError wrapping ErrMalformedFrame with extra detail.
func Malformed(kind string, id uint32, format string, args ...any) error {
	return &DecodeError{
		Kind: kind,
		ID:   id,
		Err:  fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...)),
	}
}

// IsFatal reports whether a decode error leaves the stream in an unknown state.
// An orphaned response is a complete, well-framed message and can be skipped.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrOrphanedResponse)
}
