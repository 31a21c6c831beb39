package graph

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("write conflict")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidValue      = errors.New("invalid property value")
	ErrClosed            = errors.New("datastore closed")
	ErrTransactionClosed = errors.New("transaction closed")
	// ErrTxnTooLarge means one atomic write exceeded the engine's transaction
	// size limit. Nothing was written.
	ErrTxnTooLarge = errors.New("transaction too large")
)

// DecodingError reports stored bytes that do not parse as the expected entity.
// It identifies the offending record so callers can act on it alone.
type DecodingError struct {
	Partition string
	Key       []byte
	Reason    string
	Err       error
}

func (e *DecodingError) Error() string {
	msg := fmt.Sprintf("decoding %s record %x: %s", e.Partition, e.Key, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// IOError carries an error from the underlying key-value engine verbatim.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsDecodingError reports whether err is or wraps a *DecodingError.
func IsDecodingError(err error) bool {
	var de *DecodingError
	return errors.As(err, &de)
}

// IsIOError reports whether err is or wraps an *IOError.
func IsIOError(err error) bool {
	var ioe *IOError
	return errors.As(err, &ioe)
}
