package canonicalize

import (
	"errors"
	"fmt"
)

var (
	ErrNonFinite       = errors.New("non-finite number")
	ErrPrecision       = errors.New("integer not exactly representable as a double")
	ErrUnsupportedType = errors.New("unsupported type")
	ErrInvalidUTF8     = errors.New("invalid UTF-8 string")
	ErrDuplicateKey    = errors.New("duplicate key after NFC normalisation")
	ErrMalformedJSON   = errors.New("malformed embedded JSON")
	ErrTooDeep         = errors.New("value nested too deeply")
)

// Error is a canonicalization failure. Path locates the offending value
// using $ for the root, .key for map members and [i] for list elements.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("canonicalize: %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
