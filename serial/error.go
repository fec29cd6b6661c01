package serial

import (
	"errors"
	"syscall"

	"hisiflash/ferr"
)

// ErrClosed is returned by Read/Write/SetBaud/... once Close has been
// called; Close itself is idempotent and never returns it.
var ErrClosed = ferr.New(ferr.KindIo, "port already closed")

// classify maps a syscall-level error to the engine's error taxonomy: a
// named device that doesn't exist is NotFound, one locked by another
// process is Busy, everything else OS-level is Io.
func classify(context string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT, syscall.ENXIO, syscall.ENODEV:
			return ferr.Wrap(ferr.KindNotFound, context, err)
		case syscall.EBUSY, syscall.EAGAIN:
			return ferr.Wrap(ferr.KindBusy, context, err)
		}
	}
	return ferr.Wrap(ferr.KindIo, context, err)
}
