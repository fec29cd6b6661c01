package serial

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Enumerate lists the ttyUSB* and ttyACM* serial endpoints under /dev,
// classifying each by USB vendor/product ID against the known-bridge
// table. An endpoint whose idVendor/idProduct can't be read is still
// listed, with VID, PID and Driver left empty; one with no USB device
// directory in its sysfs ancestry is skipped, and other tty devices (such
// as on-board UARTs) are not listed.
//
// This walks /sys/class/tty directly rather than going through a USB
// stack; deeper OS-specific USB topology enumeration is out of scope for
// this core.
func Enumerate() ([]Info, error) {
	const ttyClass = "/sys/class/tty"
	entries, err := os.ReadDir(ttyClass)
	if err != nil {
		return nil, classify("enumerate "+ttyClass, err)
	}

	var infos []Info
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "ttyUSB") && !strings.HasPrefix(name, "ttyACM") {
			continue
		}
		devicePath := filepath.Join(ttyClass, name, "device")
		usbDir, err := usbInterfaceDir(devicePath)
		if err != nil {
			continue
		}
		vid, okV := readHexAttr(filepath.Join(usbDir, "idVendor"))
		pid, okP := readHexAttr(filepath.Join(usbDir, "idProduct"))
		info := Info{Name: filepath.Join("/dev", name)}
		if okV && okP {
			info.VID, info.PID = vid, pid
			info.Driver = classifyUSB(vid, pid)
			info.USBPath = usbDir
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// usbInterfaceDir walks up from a tty's /sys/class/tty/<name>/device
// symlink to the USB device directory that carries idVendor/idProduct,
// the same attributes a USB-UART bridge's own registers would expose.
func usbInterfaceDir(devicePath string) (string, error) {
	dir, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		return "", err
	}
	for i := 0; i < 6 && dir != "/" && dir != "."; i++ {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir, nil
		}
		dir = filepath.Dir(dir)
	}
	return "", os.ErrNotExist
}

func readHexAttr(path string) (uint16, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
