// Package wire implements the Nexus frame codec: a self-delimited
// text/binary hybrid frame used on both the control and transfer ports.
package wire

import (
	"errors"
	"fmt"
)

// ErrStopWriting is a sentinel a StreamPayload destination writer may wrap
// and return to abort receiving a payload mid-stream (e.g. a mid-transfer
// ban) without leaving the connection desynchronized: StreamPayload
// discards whatever payload bytes remain unread and still consumes the
// frame terminator before returning the writer's original error.
var ErrStopWriting = errors.New("wire: stop writing, drain remainder")

// ErrorKind is the closed set of codec-layer failures (spec §7).
type ErrorKind int

const (
	ErrInvalidMagic ErrorKind = iota
	ErrInvalidMessageID
	ErrInvalidTypeLength
	ErrTypeLengthTooManyDigits
	ErrTypeLengthOutOfRange
	ErrUnknownMessageType
	ErrMissingDelimiter
	ErrInvalidPayloadLength
	ErrPayloadLengthTooManyDigits
	ErrPayloadLengthExceedsTypeMax
	ErrMissingTerminator
	ErrConnectionClosed
	ErrIdleTimeout
	ErrFrameTimeout
	ErrIO
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidMagic:
		return "InvalidMagic"
	case ErrInvalidMessageID:
		return "InvalidMessageId"
	case ErrInvalidTypeLength:
		return "InvalidTypeLength"
	case ErrTypeLengthTooManyDigits:
		return "TypeLengthTooManyDigits"
	case ErrTypeLengthOutOfRange:
		return "TypeLengthOutOfRange"
	case ErrUnknownMessageType:
		return "UnknownMessageType"
	case ErrMissingDelimiter:
		return "MissingDelimiter"
	case ErrInvalidPayloadLength:
		return "InvalidPayloadLength"
	case ErrPayloadLengthTooManyDigits:
		return "PayloadLengthTooManyDigits"
	case ErrPayloadLengthExceedsTypeMax:
		return "PayloadLengthExceedsTypeMax"
	case ErrMissingTerminator:
		return "MissingTerminator"
	case ErrConnectionClosed:
		return "ConnectionClosed"
	case ErrIdleTimeout:
		return "IdleTimeout"
	case ErrFrameTimeout:
		return "FrameTimeout"
	case ErrIO:
		return "Io"
	default:
		return "Unknown"
	}
}

// Error is a codec-layer failure, carrying its closed-set Kind alongside a
// human-readable message and, where relevant, the underlying I/O cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("wire: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapErr(kind ErrorKind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err, if it is (or wraps) a *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return 0, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
