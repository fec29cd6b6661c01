package serial

import (
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
)

// Termios mirrors struct termios from <asm-generic/termbits.h>, field for
// field, as the TCGETS/TCSETS ioctls read and write it.
type Termios struct {
	Iflag uint32
	Oflag uint32
	Cflag uint32
	Lflag uint32
	Line  byte
	Cc    [19]byte
}

// Termios2 adds the explicit input/output speed fields used by BOTHER
// custom-baud negotiation (needed for target bauds like 921600 that some
// architectures don't expose as a CBAUD enum value).
type Termios2 struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   byte
	Cc     [19]byte
	ISpeed uint32
	OSpeed uint32
}

// Control-mode flag bits this package cares about.
const (
	cBaud   = 0010017
	cBaudEx = 0010000
	bother  = cBaudEx
	cSize   = 0000060
	cs8     = 0000060
	cread   = 0000200
	clocal  = 0004000
	parenb  = 0000400
)

// Standard baud-rate encodings (CBAUD field values), the ones the WS63
// bootloader dialect actually uses.
var standardBauds = map[uint32]uint32{
	9600:    000015,
	19200:   000016,
	38400:   000017,
	57600:   0010001,
	115200:  0010002,
	230400:  0010003,
	460800:  0010004,
	500000:  0010005,
	576000:  0010006,
	921600:  0010007,
	1000000: 0010010,
	1500000: 0010012,
	2000000: 0010013,
}

// Modem control line bits (TIOCM_*).
const (
	tiocmDTR = 0x002
	tiocmRTS = 0x004
)

// Flush queue selectors (TCFLSH argument).
const (
	tciflush = 0
	tcoflush = 1
)

type linuxPort struct {
	closed atomic.Bool
	fd     int
}

// Open opens name (e.g. "/dev/ttyUSB0") at baud, 8N1, raw mode, with
// hangup-on-close lines ignored per CLOCAL — the configuration every
// caller of this engine wants, since nothing here runs as a controlling
// terminal.
func Open(name string, baud uint32) (Port, error) {
	fd, err := syscall.Open(name, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, classify("open "+name, err)
	}
	p := &linuxPort{fd: fd}
	if err := p.makeRaw(); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.SetBaud(baud); err != nil {
		p.Close()
		return nil, err
	}
	// Clear O_NONBLOCK now that the line is configured: reads are
	// timed via poll.WaitInput below, not via non-blocking retry loops.
	if err := syscall.SetNonblock(fd, false); err != nil {
		p.Close()
		return nil, classify("clear O_NONBLOCK", err)
	}
	return p, nil
}

func (p *linuxPort) getAttr() (*Termios, error) {
	attrs := &Termios{}
	if err := ioctl.Ioctl(uintptr(p.fd), tcgets, uintptr(unsafe.Pointer(attrs))); err != nil {
		return nil, classify("get termios", err)
	}
	return attrs, nil
}

func (p *linuxPort) setAttr(attrs *Termios) error {
	return classify("set termios", ioctl.Ioctl(uintptr(p.fd), tcsets, uintptr(unsafe.Pointer(attrs))))
}

func (p *linuxPort) makeRaw() error {
	attrs, err := p.getAttr()
	if err != nil {
		return err
	}
	attrs.Iflag = 0
	attrs.Oflag = 0
	attrs.Lflag = 0
	attrs.Cflag = (attrs.Cflag &^ (cSize | parenb)) | cs8 | cread | clocal
	return p.setAttr(attrs)
}

// isTimeout reports whether err from poll.WaitInput represents an ordinary
// wait-expired condition rather than a hard I/O failure.
func isTimeout(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func (p *linuxPort) Read(buf []byte, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if err := poll.WaitInput(p.fd, timeout); err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		return 0, classify("poll for input", err)
	}
	n, err := syscall.Read(p.fd, buf)
	if err != nil {
		return 0, classify("read", err)
	}
	return n, nil
}

func (p *linuxPort) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	total := 0
	for total < len(data) {
		n, err := syscall.Write(p.fd, data[total:])
		if err != nil {
			return total, classify("write", err)
		}
		total += n
	}
	return total, nil
}

func (p *linuxPort) SetBaud(rate uint32) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if enc, ok := standardBauds[rate]; ok {
		attrs, err := p.getAttr()
		if err != nil {
			return err
		}
		attrs.Cflag = (attrs.Cflag &^ cBaud) | enc
		return p.setAttr(attrs)
	}
	// Non-standard rate: use termios2's BOTHER custom-speed fields.
	attrs2 := &Termios2{}
	if err := ioctl.Ioctl(uintptr(p.fd), tcgets2, uintptr(unsafe.Pointer(attrs2))); err != nil {
		return classify("get termios2", err)
	}
	attrs2.Cflag = (attrs2.Cflag &^ cBaud) | bother
	attrs2.ISpeed = rate
	attrs2.OSpeed = rate
	return classify("set custom baud", ioctl.Ioctl(uintptr(p.fd), tcsets2, uintptr(unsafe.Pointer(attrs2))))
}

func (p *linuxPort) setModemLine(line uintptr, set bool) error {
	if p.closed.Load() {
		return ErrClosed
	}
	bits := uint32(line)
	op := tiocmbic
	if set {
		op = tiocmbis
	}
	return classify("set modem line", ioctl.Ioctl(uintptr(p.fd), op, uintptr(unsafe.Pointer(&bits))))
}

func (p *linuxPort) SetDTR(level bool) error { return p.setModemLine(tiocmDTR, level) }
func (p *linuxPort) SetRTS(level bool) error { return p.setModemLine(tiocmRTS, level) }

func (p *linuxPort) flush(queue uintptr) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return classify("flush", ioctl.Ioctl(uintptr(p.fd), tcflsh, queue))
}

func (p *linuxPort) FlushInput() error  { return p.flush(tciflush) }
func (p *linuxPort) FlushOutput() error { return p.flush(tcoflush) }

func (p *linuxPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return classify("close", syscall.Close(p.fd))
}
