// Package ws63 implements the Flasher driver for HiSilicon WS63-family
// wireless SoCs: handshake, optional baud-rate renegotiation, per-partition
// download over SEBOOT command frames and YMODEM-1K, erase, and reset.
package ws63

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"hisiflash/cancelctx"
	"hisiflash/ferr"
	"hisiflash/fwpkg"
	"hisiflash/seboot"
	"hisiflash/serial"
	"hisiflash/ymodem"
)

// State names a point in the Flasher's session lifecycle: Closed -> Open
// -> Handshaken -> BaudSwitched -> Downloading(partition_k) -> ... ->
// Reset -> Closed.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHandshaken
	StateBaudSwitched
	StateDownloading
	StateReset
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHandshaken:
		return "Handshaken"
	case StateBaudSwitched:
		return "BaudSwitched"
	case StateDownloading:
		return "Downloading"
	case StateReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// PulseStep is one step of the DTR/RTS pulse sequence used to drive the
// chip into its bootloader. The exact sequence is board-specific, so it
// is a configuration hook rather than a hard-coded behavior.
type PulseStep struct {
	DTR  bool
	RTS  bool
	Hold time.Duration
}

// defaultPulse reproduces the reference best-effort sequence: DTR low,
// RTS high, brief sleep, DTR high.
func defaultPulse() []PulseStep {
	return []PulseStep{
		{DTR: false, RTS: false, Hold: 10 * time.Millisecond},
		{DTR: false, RTS: true, Hold: 100 * time.Millisecond},
		{DTR: true, RTS: true, Hold: 10 * time.Millisecond},
	}
}

// sectorSize is the flash sector size used to round up a partition's
// content length into an erase size before a Download command.
const sectorSize = 4096

func roundUpSector(n uint32) uint32 {
	if n%sectorSize == 0 {
		return n
	}
	return (n/sectorSize + 1) * sectorSize
}

// Config holds every tunable of a Flasher, with defaults matching the
// reference timeouts and retry budgets.
type Config struct {
	BootloaderBaud       uint32
	TargetBaud           uint32
	LateBaud             bool
	Verbosity            int
	HandshakeAttempts    int
	HandshakeTimeout     time.Duration
	ReadTimeout          time.Duration
	DownloadAckTimeout   time.Duration
	MaxDownloadRetries   int
	MaxBaudSwitchRetries int
	Pulse                []PulseStep
	Cancel               cancelctx.Context
}

func defaultConfig() Config {
	return Config{
		BootloaderBaud:       115200,
		TargetBaud:           921600,
		LateBaud:             false,
		HandshakeAttempts:    7,
		HandshakeTimeout:     300 * time.Millisecond,
		ReadTimeout:          1000 * time.Millisecond,
		DownloadAckTimeout:   30 * time.Second,
		MaxDownloadRetries:   3,
		MaxBaudSwitchRetries: 3,
		Pulse:                defaultPulse(),
		Cancel:               cancelctx.None(),
	}
}

// Option configures a Flasher at construction time.
type Option func(*Config)

func WithBootloaderBaud(baud uint32) Option { return func(c *Config) { c.BootloaderBaud = baud } }
func WithTargetBaud(baud uint32) Option     { return func(c *Config) { c.TargetBaud = baud } }
func WithLateBaud(late bool) Option         { return func(c *Config) { c.LateBaud = late } }
func WithVerbosity(v int) Option            { return func(c *Config) { c.Verbosity = v } }
func WithHandshakeAttempts(n int) Option    { return func(c *Config) { c.HandshakeAttempts = n } }
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) { c.HandshakeTimeout = d }
}
func WithReadTimeout(d time.Duration) Option { return func(c *Config) { c.ReadTimeout = d } }
func WithDownloadAckTimeout(d time.Duration) Option {
	return func(c *Config) { c.DownloadAckTimeout = d }
}
func WithMaxDownloadRetries(n int) Option { return func(c *Config) { c.MaxDownloadRetries = n } }
func WithMaxBaudSwitchRetries(n int) Option {
	return func(c *Config) { c.MaxBaudSwitchRetries = n }
}
func WithDTRRTSPulse(steps []PulseStep) Option { return func(c *Config) { c.Pulse = steps } }
func WithCancelContext(ctx cancelctx.Context) Option {
	return func(c *Config) { c.Cancel = ctx }
}

// ProgressFunc reports bytes transferred for the named partition.
type ProgressFunc func(partitionName string, bytesDone, bytesTotal int)

// Flasher owns a Port and a CancelContext for the duration of one flashing
// session; it is not reusable across sessions.
type Flasher struct {
	port  serial.Port
	cfg   Config
	state State
}

// New builds a Flasher bound to port, applying opts over the package
// defaults.
func New(port serial.Port, opts ...Option) *Flasher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flasher{port: port, cfg: cfg, state: StateOpen}
}

// traceFrame hex-dumps a frame written to or read from the port when the
// Flasher's verbosity hint asks for it, independent of glog's own -v flag.
func (f *Flasher) traceFrame(direction, label string, frame []byte) {
	if f.cfg.Verbosity < 2 {
		return
	}
	glog.Infof("ws63: %s %s: % x", direction, label, frame)
}

// fail marks the session Closed and passes err through unchanged, so a
// caller sees the original error Kind (Cancelled, Io, ProtocolError, ...)
// rather than a blanket reclassification.
func (f *Flasher) fail(err error) error {
	f.state = StateClosed
	return err
}

// pulseIntoBootloader drives DTR/RTS through f.cfg.Pulse to force the chip
// into its bootloader before the handshake loop begins.
func (f *Flasher) pulseIntoBootloader() error {
	for _, step := range f.cfg.Pulse {
		if err := f.port.SetDTR(step.DTR); err != nil {
			return ferr.Wrap(ferr.KindIo, "setting DTR during bootloader pulse", err)
		}
		if err := f.port.SetRTS(step.RTS); err != nil {
			return ferr.Wrap(ferr.KindIo, "setting RTS during bootloader pulse", err)
		}
		time.Sleep(step.Hold)
	}
	return nil
}

// Connect performs the handshake and baud-negotiation sequence,
// transitioning the Flasher from Open to BaudSwitched on success.
func (f *Flasher) Connect() error {
	if err := f.cfg.Cancel.Check(); err != nil {
		return ferr.Wrap(ferr.KindCancelled, "cancelled before connect", err)
	}

	if err := f.pulseIntoBootloader(); err != nil {
		return f.fail(err)
	}
	if err := f.port.FlushInput(); err != nil {
		return f.fail(ferr.Wrap(ferr.KindIo, "flushing input before handshake", err))
	}

	requestedBaud := f.cfg.TargetBaud
	if f.cfg.LateBaud {
		requestedBaud = f.cfg.BootloaderBaud
	}
	if err := f.handshake(requestedBaud); err != nil {
		return f.fail(err)
	}
	f.state = StateHandshaken
	glog.V(1).Infof("ws63: handshake complete at %d baud", f.cfg.BootloaderBaud)

	if err := f.negotiateBaud(); err != nil {
		return f.fail(err)
	}
	f.state = StateBaudSwitched
	return nil
}

// handshake runs the bounded handshake retry loop: send a Handshake frame
// requesting requestedBaud, scan for the ACK within HandshakeTimeout,
// retrying on timeout up to HandshakeAttempts times. A decoded protocol
// error (bad inverted-type, unexpected frame type) propagates immediately
// rather than being retried: a malformed frame is a ProtocolError, not a
// Timeout.
func (f *Flasher) handshake(requestedBaud uint32) error {
	frame := seboot.Encode(seboot.Handshake, seboot.HandshakePayload(requestedBaud))
	for attempt := 0; attempt < f.cfg.HandshakeAttempts; attempt++ {
		if err := f.cfg.Cancel.Check(); err != nil {
			return ferr.Wrap(ferr.KindCancelled, "cancelled during handshake retry", err)
		}
		if _, err := f.port.Write(frame); err != nil {
			return ferr.Wrap(ferr.KindIo, "sending handshake frame", err)
		}
		ack, err := seboot.ReadAck(f.port, f.cfg.Cancel, f.cfg.HandshakeTimeout)
		if err != nil {
			if ferr.KindOf(err) == ferr.KindTimeout {
				continue
			}
			// A decoded protocol error is a hard failure, not a retry
			// candidate: a bad inverted-type surfaces as ProtocolError
			// rather than Timeout.
			return err
		}
		if !ack.Success() {
			continue
		}
		return nil
	}
	return ferr.New(ferr.KindHandshake, fmt.Sprintf("exhausted handshake attempts requesting %d baud", requestedBaud))
}

// negotiateBaud implements the two baud-switch modes. Early switch
// applies the target baud immediately after the initial handshake
// (which already requested it); late switch sends a separate SetBaudRate
// frame first. Both modes finish with a verification handshake at the new
// rate, retried up to MaxBaudSwitchRetries times.
func (f *Flasher) negotiateBaud() error {
	if f.cfg.TargetBaud == f.cfg.BootloaderBaud {
		return nil
	}

	if f.cfg.LateBaud {
		frame := seboot.Encode(seboot.SetBaudRate, seboot.SetBaudRatePayload(f.cfg.TargetBaud))
		if _, err := f.port.Write(frame); err != nil {
			return ferr.Wrap(ferr.KindIo, "sending SetBaudRate frame", err)
		}
		ack, err := seboot.ReadAck(f.port, f.cfg.Cancel, f.cfg.HandshakeTimeout)
		if err != nil {
			return err
		}
		if !ack.Success() {
			return ferr.New(ferr.KindHandshake, "SetBaudRate ACK reported failure")
		}
	}

	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxBaudSwitchRetries; attempt++ {
		if err := f.cfg.Cancel.Check(); err != nil {
			return ferr.Wrap(ferr.KindCancelled, "cancelled during baud switch", err)
		}
		if err := f.port.SetBaud(f.cfg.TargetBaud); err != nil {
			return ferr.Wrap(ferr.KindIo, "switching port baud", err)
		}
		glog.V(1).Infof("ws63: switched port to %d baud, verifying", f.cfg.TargetBaud)
		if err := f.handshake(f.cfg.TargetBaud); err != nil {
			if ferr.KindOf(err) == ferr.KindCancelled {
				return err
			}
			lastErr = err
			continue
		}
		return nil
	}
	return ferr.Wrap(ferr.KindHandshake, "baud switch verification failed", lastErr)
}

// downloadErrorRetryable classifies a Download ACK failure's error code:
// transient network/CRC errors are worth retrying, anything else is
// treated as a fatal device-reported failure.
func downloadErrorRetryable(code byte) bool {
	switch code {
	case 0x01, 0x02: // CRC mismatch, link timeout on the device side
		return true
	default:
		return false
	}
}

// sendDownloadCommand sends one Download command frame and waits for its
// ACK, classifying a non-success ACK by error code.
func (f *Flasher) sendDownloadCommand(addr, length, eraseSize uint32, timeout time.Duration) error {
	frame := seboot.Encode(seboot.Download, seboot.DownloadPayload(addr, length, eraseSize))
	if _, err := f.port.Write(frame); err != nil {
		return ferr.Wrap(ferr.KindIo, "sending Download command frame", err)
	}
	ack, err := seboot.ReadAck(f.port, f.cfg.Cancel, timeout)
	if err != nil {
		return err
	}
	if !ack.Success() {
		return &downloadNAK{code: ack.ErrorCode}
	}
	return nil
}

// downloadNAK carries the device-reported error code of a failed Download
// ACK so the per-partition retry loop can classify it.
type downloadNAK struct{ code byte }

func (d *downloadNAK) Error() string {
	return "device reported Download failure"
}

// downloadPartition runs the per-partition sequence: command frame,
// YMODEM transfer, final commit ACK, retrying the whole sequence on a
// retryable device-reported error up to MaxDownloadRetries times.
func (f *Flasher) downloadPartition(d fwpkg.Descriptor, data []byte, progress ProgressFunc) error {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxDownloadRetries; attempt++ {
		if err := f.cfg.Cancel.Check(); err != nil {
			return ferr.Wrap(ferr.KindCancelled, "cancelled before partition download", err)
		}
		f.state = StateDownloading

		eraseSize := roundUpSector(d.Length)
		err := f.sendDownloadCommand(d.BurnAddr, d.Length, eraseSize, f.cfg.ReadTimeout)
		if err != nil {
			if retryable, code := classifyDownloadErr(err); retryable {
				lastErr = err
				glog.V(1).Infof("ws63: download command for %s NAKed (code 0x%02x), retrying", d.Name, code)
				continue
			}
			return terminalDownloadError(err, d.Name)
		}

		ymodemOpts := ymodem.Options{
			Progress: func(sent, total int) {
				if progress != nil {
					progress(d.Name, sent, total)
				}
			},
		}
		if err := ymodem.SendWithOptions(f.port, f.cfg.Cancel, d.Name, data, ymodemOpts); err != nil {
			return err
		}

		err = f.waitDownloadCommit()
		if err != nil {
			if retryable, code := classifyDownloadErr(err); retryable {
				lastErr = err
				glog.V(1).Infof("ws63: commit ACK for %s NAKed (code 0x%02x), retrying", d.Name, code)
				continue
			}
			return terminalDownloadError(err, d.Name)
		}
		return nil
	}
	return terminalDownloadError(lastErr, d.Name)
}

func (f *Flasher) waitDownloadCommit() error {
	ack, err := seboot.ReadAck(f.port, f.cfg.Cancel, f.cfg.DownloadAckTimeout)
	if err != nil {
		return err
	}
	if !ack.Success() {
		return &downloadNAK{code: ack.ErrorCode}
	}
	return nil
}

func classifyDownloadErr(err error) (retryable bool, code byte) {
	if nak, ok := err.(*downloadNAK); ok {
		return downloadErrorRetryable(nak.code), nak.code
	}
	return false, 0
}

func terminalDownloadError(err error, partition string) error {
	if nak, ok := err.(*downloadNAK); ok {
		return ferr.Wrap(ferr.KindFlashFailed, "flashing partition "+partition, nak)
	}
	return err
}

// FlashPackage flashes the partitions pkg.Select(selectedNames) chooses,
// in order, reporting progress through progress. It requires the Flasher
// to already be connected (BaudSwitched or later).
func (f *Flasher) FlashPackage(pkg *fwpkg.Package, selectedNames []string, progress ProgressFunc) error {
	plan, err := pkg.Select(selectedNames)
	if err != nil {
		return err
	}
	for _, d := range plan {
		if err := f.cfg.Cancel.Check(); err != nil {
			return ferr.Wrap(ferr.KindCancelled, "cancelled before partition "+d.Name, err)
		}
		data := pkg.Payload(d)
		if err := f.downloadPartition(d, data, progress); err != nil {
			return err
		}
	}
	return nil
}

// EraseAll performs a full-chip erase: a Download command with
// address=0, length=0, erase_size=0xFFFFFFFF, with no YMODEM transfer to
// follow.
func (f *Flasher) EraseAll() error {
	if err := f.cfg.Cancel.Check(); err != nil {
		return ferr.Wrap(ferr.KindCancelled, "cancelled before erase", err)
	}
	f.state = StateDownloading
	err := f.sendDownloadCommand(0, 0, seboot.EraseAllSize, f.cfg.DownloadAckTimeout)
	if err != nil {
		return terminalDownloadError(err, "<full chip erase>")
	}
	return nil
}

// Reset sends the Reset command frame and waits for its ACK. It is safe
// to call once per session; a second call fails fast rather than talking
// to a chip that has already rebooted.
func (f *Flasher) Reset() error {
	if f.state == StateReset {
		return ferr.New(ferr.KindInvalidArgument, "Reset already sent for this session")
	}
	if err := f.cfg.Cancel.Check(); err != nil {
		return ferr.Wrap(ferr.KindCancelled, "cancelled before reset", err)
	}
	frame := seboot.Encode(seboot.Reset, seboot.ResetPayload())
	if _, err := f.port.Write(frame); err != nil {
		return ferr.Wrap(ferr.KindIo, "sending Reset frame", err)
	}
	ack, err := seboot.ReadAck(f.port, f.cfg.Cancel, f.cfg.ReadTimeout)
	if err != nil {
		return err
	}
	if !ack.Success() {
		return ferr.New(ferr.KindProtocolError, "Reset ACK reported failure")
	}
	f.state = StateReset
	return nil
}

// State reports the Flasher's current point in the session state machine.
func (f *Flasher) State() State { return f.state }

// Close releases the underlying Port. The chip is not expected to respond
// further after Reset; Close does not itself talk to the device.
func (f *Flasher) Close() error {
	f.state = StateClosed
	return f.port.Close()
}
