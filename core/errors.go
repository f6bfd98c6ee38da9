package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned when writing to a connection that has been closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownSession is returned by registry operations addressing a key that is not admitted.
	ErrUnknownSession = errors.New("unknown session")
	// ErrMalformedTransaction is returned when a replication transaction cannot be decoded.
	ErrMalformedTransaction = errors.New("malformed replication transaction")
	// ErrChecksumMismatch is returned when a frame's CRC does not match its contents.
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	// ErrFrameTooLarge is returned when a frame header announces more bytes than allowed.
	ErrFrameTooLarge = errors.New("frame too large")
)

// UnsupportedTypeError reports a value of an enumeration the receiver does not know.
type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type value: %s", e.Message)
}

// IsUnsupportedError checks if an error is an UnsupportedTypeError.
func IsUnsupportedError(err error) bool {
	var unsupportedError *UnsupportedTypeError
	return errors.As(err, &unsupportedError)
}
