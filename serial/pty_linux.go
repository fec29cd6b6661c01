package serial

import (
	"fmt"
	"syscall"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// OpenPTY opens a fresh pseudoterminal pair at baud and returns the master
// and slave ends as Ports. The serial package's tests use it as a
// real-kernel-TTY loopback transport; only the slave end is switched to
// raw mode at baud.
func OpenPTY(baud uint32) (master, slave Port, err error) {
	mfd, err := syscall.Open("/dev/ptmx", syscall.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, nil, classify("open /dev/ptmx", err)
	}
	defer func() {
		if err != nil {
			syscall.Close(mfd)
		}
	}()

	var lock int32
	if ierr := ioctl.Ioctl(uintptr(mfd), tiocsptlck, uintptr(unsafe.Pointer(&lock))); ierr != nil {
		return nil, nil, classify("unlock pty", ierr)
	}

	var ptyNum uint32
	if ierr := ioctl.Ioctl(uintptr(mfd), tiocgptn, uintptr(unsafe.Pointer(&ptyNum))); ierr != nil {
		return nil, nil, classify("get pty number", ierr)
	}

	slaveName := fmt.Sprintf("/dev/pts/%d", ptyNum)
	sfd, err := syscall.Open(slaveName, syscall.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, nil, classify("open "+slaveName, err)
	}

	m := &linuxPort{fd: mfd}
	s := &linuxPort{fd: sfd}
	if err := s.makeRaw(); err != nil {
		syscall.Close(sfd)
		return nil, nil, err
	}
	if err := s.SetBaud(baud); err != nil {
		syscall.Close(sfd)
		return nil, nil, err
	}
	return m, s, nil
}
