// Package serial implements the byte-level Port abstraction the flashing
// engine runs over: exclusive, byte-oriented access to a serial endpoint
// with configurable read timeout, baud, DTR/RTS, and buffer flushing.
//
// The Linux implementation talks directly to the kernel tty layer via
// ioctl (github.com/daedaluz/goioctl) and a read-timeout poll
// (github.com/daedaluz/fdev/poll), adapted from a general-purpose termios
// wrapper down to the operations the WS63 flashing engine actually needs.
package serial

import "time"

// Port is the byte-level access a Flasher needs from a serial endpoint.
// A Port is exclusively owned by one caller for its lifetime; concurrent
// use from multiple goroutines is undefined.
type Port interface {
	// Read waits up to timeout for at least one byte and returns what's
	// available. It returns (0, nil) on timeout, never blocking past
	// timeout; a timeout of 0 means return immediately.
	Read(buf []byte, timeout time.Duration) (int, error)

	// Write writes the entirety of data or fails; a short write is never
	// returned as success.
	Write(data []byte) (int, error)

	// SetBaud changes the line rate. It takes effect before the next
	// Read or Write.
	SetBaud(rate uint32) error

	// SetDTR and SetRTS drive the DTR/RTS modem control lines.
	SetDTR(level bool) error
	SetRTS(level bool) error

	// FlushInput and FlushOutput discard buffered bytes in the named
	// direction.
	FlushInput() error
	FlushOutput() error

	// Close is idempotent.
	Close() error
}

// Info describes a serial endpoint discovered by Enumerate, classified
// against the known USB-UART bridge table.
type Info struct {
	Name    string // e.g. "/dev/ttyUSB0"
	VID     uint16
	PID     uint16
	Driver  string // classified bridge family, "" if unrecognized
	USBPath string // sysfs device path, if known
}
