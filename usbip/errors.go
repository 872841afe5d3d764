// SPDX-License-Identifier: GPL-2.0-only

package usbip

import (
	baseerrors "errors"

	"github.com/efficientgo/core/errors"
)

// Kind classifies a failure so that callers can branch on it without
// inspecting error text.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindConnection covers socket connect, send and receive failures.
	KindConnection
	// KindProtocol covers malformed or short frames and unusable handshake replies.
	KindProtocol
	// KindDevice covers failures to open, write or read the local device.
	KindDevice
	// KindEncoding covers values that do not fit their fixed-width wire field.
	KindEncoding
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindProtocol:
		return "protocol error"
	case KindDevice:
		return "device error"
	case KindEncoding:
		return "encoding error"
	default:
		return "unknown error"
	}
}

// Error is an error tagged with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if baseerrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind is shorthand for KindOf(err) == k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func newError(k Kind, err error) error {
	return &Error{Kind: k, Err: err}
}

// ConnectionError wraps err as a KindConnection failure.
func ConnectionError(err error, msg string) error {
	return newError(KindConnection, errors.Wrap(err, msg))
}

// ProtocolError returns a KindProtocol failure.
func ProtocolError(format string, args ...interface{}) error {
	return newError(KindProtocol, errors.Newf(format, args...))
}

// WrapProtocolError wraps err as a KindProtocol failure.
func WrapProtocolError(err error, msg string) error {
	return newError(KindProtocol, errors.Wrap(err, msg))
}

// DeviceError wraps err as a KindDevice failure.
func DeviceError(err error, msg string) error {
	return newError(KindDevice, errors.Wrap(err, msg))
}

// EncodingError returns a KindEncoding failure.
func EncodingError(format string, args ...interface{}) error {
	return newError(KindEncoding, errors.Newf(format, args...))
}
