package onlycat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// ErrorKind classifies client failures so callers can branch without inspecting messages.
type ErrorKind int

const (
	// KindUnknown covers malformed frames, protocol violations and internal client faults.
	KindUnknown ErrorKind = iota
	// KindAuth means the gateway rejected the access token.
	KindAuth
	// KindCommunication means the gateway could not be reached or the connection broke.
	KindCommunication
)

// String returns the short name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindCommunication:
		return "communication"
	default:
		return "unknown"
	}
}

// Error is returned by every Client operation.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind
	// Op names the client operation that failed (connect, send, disconnect).
	Op string
	// Message is a human readable description.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := "onlycat: " + e.Op
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind ErrorKind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// transportError wraps a failure from the websocket layer with the kind KindOf assigns it.
func transportError(op string, cause error) *Error {
	return newError(KindOf(cause), op, "", cause)
}

// KindOf classifies any error returned by, or surfaced through, the client.
// Errors that are not *Error are treated as communication failures when they
// come from the network layer and as unknown otherwise.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var clientErr *Error
	if errors.As(err, &clientErr) {
		return clientErr.Kind
	}
	var netErr net.Error
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &netErr),
		errors.As(err, &closeErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, websocket.ErrBadHandshake),
		errors.Is(err, context.DeadlineExceeded):
		return KindCommunication
	}
	return KindUnknown
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return err != nil && KindOf(err) == KindAuth }

// IsCommunication reports whether err is a communication failure.
func IsCommunication(err error) bool { return err != nil && KindOf(err) == KindCommunication }

func errNotConnected(op string) *Error {
	return newError(KindUnknown, op, "client is not connected", nil)
}

func errProtocol(op, format string, args ...any) *Error {
	return newError(KindUnknown, op, fmt.Sprintf(format, args...), nil)
}
