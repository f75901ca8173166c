// Package errs defines the failure kinds a training run can abort with.
//
// Every error that crosses a package boundary is tagged with a Kind so the
// command line can report what went wrong (a missing file, a malformed label
// row, a tensor shape mismatch or a numeric blow-up) without string matching.
// The underlying error keeps its github.com/pkg/errors stack trace, printable
// with "%+v".
package errs

import (
	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	// IO means a referenced file is missing, unreadable or cannot be decoded.
	IO
	// Format means a label row could not be parsed.
	Format
	// Shape means an image or tensor has the wrong dimensions.
	Shape
	// Numeric means a loss or gradient became NaN or infinite.
	Numeric
	// Config means the run configuration is invalid.
	Config
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io error"
	case Format:
		return "format error"
	case Shape:
		return "shape error"
	case Numeric:
		return "numeric error"
	case Config:
		return "config error"
	}
	return "error"
}

// Error is an error tagged with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the tagged error.
func (e *Error) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.Err }

// New creates an error of the given kind with a stack trace.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Wrap tags err with kind and annotates it with a message. It returns nil if
// err is nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}

// KindOf returns the kind of the outermost tagged error in err's chain, or
// Unknown.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
