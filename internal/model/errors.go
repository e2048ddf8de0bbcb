package model

import (
	"errors"
	"fmt"
)

// Kind classifies relay failures.
type Kind int

const (
	KindInternal Kind = iota
	// KindMalformedRequest is a caller error detected before any network I/O.
	KindMalformedRequest
	// KindProxyRejected is the transient refusal of the local SOCKS5 endpoint.
	KindProxyRejected
	// KindDestination covers every other connection, TLS or stream failure.
	KindDestination
)

// String returns the identifier reported in the ts-error-name header.
func (k Kind) String() string {
	switch k {
	case KindMalformedRequest:
		return "MalformedRequest"
	case KindProxyRejected:
		return "ProxyRejected"
	case KindDestination:
		return "DestinationError"
	default:
		return "InternalError"
	}
}

// Error is the relay's tagged error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// MissingHeader reports an absent required control header.
func MissingHeader(name string) *Error {
	return &Error{Kind: KindMalformedRequest, Message: fmt.Sprintf("Missing header '%s'", name)}
}

// InvalidHeader reports a control header with an unusable value.
func InvalidHeader(name string) *Error {
	return &Error{Kind: KindMalformedRequest, Message: fmt.Sprintf("Invalid header '%s'", name)}
}

// Malformed reports any other unusable inbound request.
func Malformed(message string, cause error) *Error {
	return &Error{Kind: KindMalformedRequest, Message: message, Cause: cause}
}

// ProxyRejected tags a refusal by the local SOCKS5 endpoint.
func ProxyRejected(cause error) *Error {
	return &Error{Kind: KindProxyRejected, Message: "socks5 proxy rejected connection", Cause: cause}
}

// Destination tags a failure reaching or reading from the destination.
func Destination(message string, cause error) *Error {
	return &Error{Kind: KindDestination, Message: message, Cause: cause}
}

// KindOf returns the kind of the first tagged error in err's chain.
// Untagged errors are KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsProxyRejected reports whether err is a transient SOCKS5 rejection.
func IsProxyRejected(err error) bool {
	return err != nil && KindOf(err) == KindProxyRejected
}
