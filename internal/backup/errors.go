package backup

import (
	"errors"
	"fmt"

	"github.com/BadgerOps/localconsole/internal/snapshot"
)

// ErrBusy is returned when another create, restore or import is in flight
var ErrBusy = errors.New("another backup or restore is in progress")

// ErrSerialization is matched by every *SerializationError
var ErrSerialization = errors.New("snapshot serialization failed")

// SerializationError reports that the dataset could not be read or encoded
// consistently while producing a snapshot
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failed while %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// FormatError reports an invalid profile definition or backup request.
// It matches snapshot.ErrFormat so callers treat every malformed input alike.
type FormatError struct {
	Field  string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "invalid " + e.Field
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == snapshot.ErrFormat }
