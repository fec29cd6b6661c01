// Package ferr defines the flashing engine's error taxonomy and a small
// wrapping helper built on top of github.com/cesanta/errors so
// every propagation boundary in seboot, ymodem, fwpkg, and ws63 attaches a
// Kind and human-readable context without losing the underlying cause or
// its stack trace.
package ferr

import (
	"errors"
	"fmt"

	cerrors "github.com/cesanta/errors"
)

// Kind classifies why an operation failed, independent of the human
// readable message. Callers should switch on Kind, not on message text.
type Kind int

const (
	// KindUnknown is never attached to an *Error built by this package;
	// KindOf reports it for errors that carry no Kind. It exists so the
	// zero value of Kind is not mistaken for a real classification.
	KindUnknown Kind = iota
	KindIo
	KindNotFound
	KindBusy
	KindTimeout
	KindHandshake
	KindProtocolError
	KindCrcMismatch
	KindInvalidImage
	KindInvalidArgument
	KindFlashFailed
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindIo:
		return "Io"
	case KindNotFound:
		return "NotFound"
	case KindBusy:
		return "Busy"
	case KindTimeout:
		return "Timeout"
	case KindHandshake:
		return "Handshake"
	case KindProtocolError:
		return "ProtocolError"
	case KindCrcMismatch:
		return "CrcMismatch"
	case KindInvalidImage:
		return "InvalidImage"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindFlashFailed:
		return "FlashFailed"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the structured error every public operation in this module
// returns on failure: a Kind, a human-readable description of what was
// being attempted, and (usually) an underlying cause.
type Error struct {
	Kind    Kind
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &ferr.Error{Kind: ferr.KindTimeout}) work without
// requiring callers to match Context or Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Wrap annotates err with a Kind and human-readable context, tracing the
// call site via cesanta/errors so the original stack is preserved. Wrap
// returns nil if err is nil.
func Wrap(kind Kind, context string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Context: context, Err: cerrors.Trace(err)}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error, or KindUnknown otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
