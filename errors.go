package worker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies recoverable request errors. A rejected request carries
// the kind's name plus a reason; packet-path failures never use these, they
// are dropped and counted locally.
type ErrorKind int

const (
	// KindProtocol is a malformed request, missing field or wrong type.
	KindProtocol ErrorKind = iota
	// KindNotFound is a request targeting an unknown entity id.
	KindNotFound
	// KindConflict is an entity that already exists or a broken profile invariant.
	KindConflict
	// KindCapacity means no dynamic payload types are left for the room codecs.
	KindCapacity
	// KindInvalidState is an operation on a closed entity.
	KindInvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "ProtocolError"
	case KindNotFound:
		return "NotFoundError"
	case KindConflict:
		return "ConflictError"
	case KindCapacity:
		return "CapacityError"
	case KindInvalidState:
		return "InvalidStateError"
	default:
		return "UnknownError"
	}
}

// RequestError is the single result discriminant for recoverable request
// errors. The dispatcher turns it into a rejected response.
type RequestError struct {
	Kind   ErrorKind
	Reason string
}

func (e *RequestError) Error() string {
	return e.Reason
}

func NewProtocolError(format string, args ...interface{}) error {
	return &RequestError{Kind: KindProtocol, Reason: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...interface{}) error {
	return &RequestError{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...interface{}) error {
	return &RequestError{Kind: KindConflict, Reason: fmt.Sprintf(format, args...)}
}

func NewCapacityError(format string, args ...interface{}) error {
	return &RequestError{Kind: KindCapacity, Reason: fmt.Sprintf(format, args...)}
}

func NewInvalidStateError(format string, args ...interface{}) error {
	return &RequestError{Kind: KindInvalidState, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a RequestError, or KindProtocol for any other
// error reaching the dispatcher.
func KindOf(err error) ErrorKind {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	return KindProtocol
}
