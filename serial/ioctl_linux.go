package serial

import (
	ioctl "github.com/daedaluz/goioctl"
	"unsafe"
)

var (
	tcgets = uintptr(0x5401)
	tcsets = uintptr(0x5402)

	tcgets2 = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2 = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))

	tcflsh = uintptr(0x540B)

	tiocmget = uintptr(0x5415) // get status
	tiocmbis = uintptr(0x5416) // set indicated bits
	tiocmbic = uintptr(0x5417) // clear indicated bits
	tiocmset = uintptr(0x5418) // set status

	tiocgptn   = ioctl.IOR('T', 0x30, unsafe.Sizeof(uint32(0)))
	tiocsptlck = ioctl.IOW('T', 0x31, unsafe.Sizeof(int32(0)))

	tiocexcl = uintptr(0x540C)
)
