// Package sandboxerr defines the typed error taxonomy shared by every
// component of the sandbox execution service. Admission, configuration,
// and session errors carry enough information for callers to map them to
// an HTTP status or a WebSocket close code without inspecting error
// strings.
package sandboxerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies an error's place in the taxonomy. Kinds are compared
// with errors.Is-style helpers (Is), never by string.
type Kind string

const (
	// Admission
	TooManySessions   Kind = "TooManySessions"
	TooManyConcurrent Kind = "TooManyConcurrent"
	TooManyCommands   Kind = "TooManyCommands"
	TooManyConnections Kind = "TooManyConnections"
	CircuitOpen       Kind = "CircuitOpen"

	// Configuration
	UnknownEnvironment  Kind = "UnknownEnvironment"
	InvalidConfiguration Kind = "InvalidConfiguration"

	// Provisioning
	ImageMissing      Kind = "ImageMissing"
	ProvisionFailed   Kind = "ProvisionFailed"
	DestroyFailed     Kind = "DestroyFailed"
	ContainerNotFound Kind = "ContainerNotFound"
	RuntimeUnavailable Kind = "RuntimeUnavailable"

	// Session
	SessionNotFound Kind = "SessionNotFound"
	InvalidState    Kind = "InvalidState"
	Forbidden       Kind = "Forbidden"

	// Transport
	OriginRejected   Kind = "OriginRejected"
	AuthFailed       Kind = "AuthFailed"
	MessageTooLarge  Kind = "MessageTooLarge"
	MaliciousInput   Kind = "MaliciousInput"
	StreamWriteFailed Kind = "StreamWriteFailed"
	StreamClosed     Kind = "StreamClosed"

	// Internal
	Timeout      Kind = "Timeout"
	UnknownError Kind = "UnknownError"
)

// Error is the concrete error type every component returns for a known
// failure mode. Invariant violations that should never happen in a
// correctly functioning process are not represented here — those panic.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, sandboxerr.New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithRetryAfter attaches a retry-after duration, used by windowed
// admission failures.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Of returns the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// HasKind reports whether err is (or wraps) a *Error of the given kind.
func HasKind(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// HTTPStatus maps a Kind to the canonical HTTP status for the admin
// surface and WebSocket upgrade path.
func (k Kind) HTTPStatus() int {
	switch k {
	case TooManySessions, TooManyConcurrent, TooManyCommands, TooManyConnections:
		return http.StatusTooManyRequests
	case CircuitOpen:
		return http.StatusServiceUnavailable
	case UnknownEnvironment, InvalidConfiguration:
		return http.StatusBadRequest
	case ImageMissing, ProvisionFailed, DestroyFailed, RuntimeUnavailable:
		return http.StatusBadGateway
	case ContainerNotFound, SessionNotFound:
		return http.StatusNotFound
	case InvalidState:
		return http.StatusConflict
	case Forbidden:
		return http.StatusForbidden
	case OriginRejected:
		return http.StatusForbidden
	case AuthFailed:
		return http.StatusUnauthorized
	case MessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case MaliciousInput:
		return http.StatusBadRequest
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WebSocket close codes, per RFC 6455 plus the service's own usage.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
)

// CloseCode maps a Kind to the WebSocket close code used when the Terminal
// Bridge tears down a connection because of this error.
func (k Kind) CloseCode() int {
	switch k {
	case MaliciousInput:
		return ClosePolicyViolation
	case MessageTooLarge:
		return CloseMessageTooBig
	case StreamWriteFailed, StreamClosed, Timeout, UnknownError, ProvisionFailed, DestroyFailed:
		return CloseInternalError
	default:
		return CloseNormal
	}
}
