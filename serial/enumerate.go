package serial

// usbBridge describes one known USB-UART bridge family, by vendor ID and
// the set of product IDs it ships under.
type usbBridge struct {
	name string
	vid  uint16
	pids map[uint16]bool
}

var knownBridges = []usbBridge{
	{name: "CH340", vid: 0x1A86, pids: pidSet(0x7523, 0x5523, 0x55D4)},
	{name: "CP210x", vid: 0x10C4, pids: pidSet(0xEA60, 0xEA70, 0xEA71)},
	{name: "FTDI", vid: 0x0403, pids: pidSet(0x6001, 0x6010, 0x6011, 0x6014, 0x6015)},
	{name: "HiSilicon", vid: 0x12D1, pids: nil}, // nil == any PID under this VID
}

func pidSet(pids ...uint16) map[uint16]bool {
	m := make(map[uint16]bool, len(pids))
	for _, p := range pids {
		m[p] = true
	}
	return m
}

// classifyUSB returns the bridge family name for vid/pid, or "" if it
// doesn't match any entry in the known-bridge table.
func classifyUSB(vid, pid uint16) string {
	for _, b := range knownBridges {
		if b.vid != vid {
			continue
		}
		if b.pids == nil || b.pids[pid] {
			return b.name
		}
	}
	return ""
}
