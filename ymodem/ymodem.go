// Package ymodem implements a YMODEM-1K sender: stop-and-wait,
// 1024-byte data blocks, CRC-16 only (no checksum fallback), used to
// stream a single named payload into the SEBOOT bootloader after a
// Download command frame has been acknowledged.
package ymodem

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"hisiflash/cancelctx"
	"hisiflash/crc16"
	"hisiflash/ferr"
	"hisiflash/serial"
)

// Control bytes per the canonical YMODEM protocol.
const (
	soh byte = 0x01
	stx byte = 0x02
	eot byte = 0x04
	ack byte = 0x06
	nak byte = 0x15
	can byte = 0x18
	crcMode byte = 'C'
	pad     byte = 0x1A
)

const (
	blockSize = 1024

	// DefaultCRequestRetries bounds how many times the sender waits for
	// the receiver's initial 'C' before giving up.
	DefaultCRequestRetries = 10
	// DefaultBlockRetries bounds how many times a single data (or
	// header) block is retransmitted after a NAK or timeout.
	DefaultBlockRetries = 10

	cWaitTimeout    = 1000 * time.Millisecond
	blockAckTimeout = 1000 * time.Millisecond
)

// ProgressFunc is invoked after each acknowledged data block with the
// number of payload bytes sent so far and the total payload size. It is
// not invoked for retransmissions.
type ProgressFunc func(sent, total int)

// Options configures a Send call. The zero value uses the spec's default
// retry budgets.
type Options struct {
	CRequestRetries int
	BlockRetries    int
	Progress        ProgressFunc
}

func (o Options) cRetries() int {
	if o.CRequestRetries > 0 {
		return o.CRequestRetries
	}
	return DefaultCRequestRetries
}

func (o Options) blockRetries() int {
	if o.BlockRetries > 0 {
		return o.BlockRetries
	}
	return DefaultBlockRetries
}

// Send transmits data under name via port, following the 1K-block YMODEM
// protocol: wait for 'C', send the header block, send each 1024-byte
// data block, then close out with EOT and a zeroed block 0.
func Send(port serial.Port, cancel cancelctx.Context, name string, data []byte) error {
	return SendWithOptions(port, cancel, name, data, Options{})
}

// SendWithOptions is Send with explicit retry budgets and a progress
// callback.
func SendWithOptions(port serial.Port, cancel cancelctx.Context, name string, data []byte, opts Options) error {
	if err := cancel.Check(); err != nil {
		return ferr.Wrap(ferr.KindCancelled, "cancelled before YMODEM transfer started", cancelctx.Cancelled)
	}

	if err := waitForCRequest(port, cancel, opts.cRetries()); err != nil {
		return err
	}

	header := buildHeaderBlock(name, len(data))
	if err := sendBlockWithRetry(port, cancel, header, opts.blockRetries(), "YMODEM header block"); err != nil {
		return err
	}

	total := len(data)
	sent := 0
	seq := byte(1)
	for off := 0; off < total; off += blockSize {
		if err := cancel.Check(); err != nil {
			sendCancel(port)
			return ferr.Wrap(ferr.KindCancelled, "cancelled during YMODEM transfer", cancelctx.Cancelled)
		}
		end := off + blockSize
		if end > total {
			end = total
		}
		chunk := make([]byte, blockSize)
		for i := range chunk {
			chunk[i] = pad
		}
		copy(chunk, data[off:end])

		block := buildDataBlock(seq, chunk)
		label := fmt.Sprintf("YMODEM data block %d", seq)
		if err := sendBlockWithRetry(port, cancel, block, opts.blockRetries(), label); err != nil {
			return err
		}
		sent = end
		if opts.Progress != nil {
			opts.Progress(sent, total)
		}
		glog.V(2).Infof("ymodem: acked block %d (%d/%d bytes)", seq, sent, total)
		seq++
	}

	if err := cancel.Check(); err != nil {
		sendCancel(port)
		return ferr.Wrap(ferr.KindCancelled, "cancelled before YMODEM EOT", cancelctx.Cancelled)
	}

	if err := closeSession(port, cancel); err != nil {
		return err
	}

	// The end-of-session marker is a block 0 header whose 128-byte
	// payload is all zero, not buildHeaderBlock("", 0) (which would
	// encode a zero-length file name/size rather than a literal zero
	// payload), so it's built directly here.
	endMarker := make([]byte, 3+128+2)
	endMarker[0] = soh
	endMarker[1] = 0
	endMarker[2] = 0xFF
	crc := crc16.Checksum(endMarker[3 : 3+128])
	endMarker[3+128] = byte(crc >> 8)
	endMarker[3+128+1] = byte(crc)
	return sendBlockWithRetry(port, cancel, endMarker, opts.blockRetries(), "YMODEM end-of-session block")
}

// waitForCRequest blocks until the receiver sends the literal byte 'C',
// retrying up to retries times on timeout.
func waitForCRequest(port serial.Port, cancel cancelctx.Context, retries int) error {
	buf := make([]byte, 64)
	for attempt := 0; attempt < retries; attempt++ {
		if err := cancel.Check(); err != nil {
			return ferr.Wrap(ferr.KindCancelled, "cancelled waiting for YMODEM 'C'", cancelctx.Cancelled)
		}
		n, err := port.Read(buf, cWaitTimeout)
		if err != nil {
			return ferr.Wrap(ferr.KindIo, "waiting for YMODEM 'C'", err)
		}
		for i := 0; i < n; i++ {
			if buf[i] == crcMode {
				return nil
			}
		}
	}
	return ferr.New(ferr.KindTimeout, "receiver never requested CRC mode")
}

// buildHeaderBlock builds YMODEM block 0: the file name, its decimal size,
// and zero padding to 128 bytes, CRC16 big-endian.
func buildHeaderBlock(name string, size int) []byte {
	payload := make([]byte, 128)
	i := copy(payload, name)
	payload[i] = 0
	i++
	sizeStr := []byte(fmt.Sprintf("%d ", size))
	copy(payload[i:], sizeStr)

	block := make([]byte, 3+128+2)
	block[0] = soh
	block[1] = 0
	block[2] = 0xFF
	copy(block[3:3+128], payload)
	crc := crc16.Checksum(payload)
	block[3+128] = byte(crc >> 8)
	block[3+128+1] = byte(crc)
	return block
}

// buildDataBlock wraps a (already padded) 1024-byte chunk as an STX data
// block with its sequence number and trailing CRC16.
func buildDataBlock(seq byte, chunk []byte) []byte {
	block := make([]byte, 3+blockSize+2)
	block[0] = stx
	block[1] = seq
	block[2] = seq ^ 0xFF
	copy(block[3:3+blockSize], chunk)
	crc := crc16.Checksum(chunk)
	block[3+blockSize] = byte(crc >> 8)
	block[3+blockSize+1] = byte(crc)
	return block
}

// sendBlockWithRetry writes block and waits for ACK, resending on NAK or
// timeout up to retries times. The transfer is strictly stop-and-wait: no
// new block is sent before this one is acknowledged.
func sendBlockWithRetry(port serial.Port, cancel cancelctx.Context, block []byte, retries int, what string) error {
	for attempt := 0; attempt < retries; attempt++ {
		if err := cancel.Check(); err != nil {
			sendCancel(port)
			return ferr.Wrap(ferr.KindCancelled, "cancelled sending "+what, cancelctx.Cancelled)
		}
		if _, err := port.Write(block); err != nil {
			return ferr.Wrap(ferr.KindIo, "writing "+what, err)
		}
		resp, cancelled, err := waitForAck(port, cancel)
		if err != nil {
			return ferr.Wrap(ferr.KindIo, "waiting for ACK of "+what, err)
		}
		if cancelled {
			return ferr.New(ferr.KindCancelled, "receiver cancelled "+what)
		}
		switch resp {
		case ack:
			return nil
		case nak:
			glog.V(1).Infof("ymodem: NAK on %s, retrying", what)
			continue
		case 0:
			glog.V(1).Infof("ymodem: timed out waiting for ACK of %s, retrying", what)
			continue
		default:
			glog.V(1).Infof("ymodem: unexpected byte 0x%02x waiting for ACK of %s, retrying", resp, what)
			continue
		}
	}
	return ferr.New(ferr.KindTimeout, "exhausted retries sending "+what)
}

// waitForAck reads a single response byte, reporting resp=0 on timeout and
// cancelled=true if the receiver sent two consecutive CAN bytes.
func waitForAck(port serial.Port, cancel cancelctx.Context) (resp byte, cancelled bool, err error) {
	buf := make([]byte, 1)
	canSeen := false
	for {
		if cerr := cancel.Check(); cerr != nil {
			return 0, false, nil
		}
		n, err := port.Read(buf, blockAckTimeout)
		if err != nil {
			return 0, false, err
		}
		if n == 0 {
			return 0, false, nil
		}
		if buf[0] == can {
			if canSeen {
				return 0, true, nil
			}
			canSeen = true
			continue
		}
		return buf[0], false, nil
	}
}

// sendCancel emits two CAN bytes as a courtesy before aborting. Best-effort:
// write errors are ignored since the caller is already unwinding.
func sendCancel(port serial.Port) {
	_, _ = port.Write([]byte{can, can})
}

// closeSession sends EOT and waits for the NAK, ACK, 'C' sequence the
// receiver replies with before the end-of-session marker.
func closeSession(port serial.Port, cancel cancelctx.Context) error {
	if _, err := port.Write([]byte{eot}); err != nil {
		return ferr.Wrap(ferr.KindIo, "sending YMODEM EOT", err)
	}
	wantSeq := []byte{nak, ack, crcMode}
	buf := make([]byte, 1)
	for _, want := range wantSeq {
		if err := cancel.Check(); err != nil {
			return ferr.Wrap(ferr.KindCancelled, "cancelled during YMODEM close", cancelctx.Cancelled)
		}
		n, err := port.Read(buf, blockAckTimeout)
		if err != nil {
			return ferr.Wrap(ferr.KindIo, "waiting for YMODEM close handshake", err)
		}
		if n == 0 {
			return ferr.New(ferr.KindTimeout, "timed out during YMODEM close handshake")
		}
		if buf[0] != want {
			return ferr.New(ferr.KindProtocolError, fmt.Sprintf("unexpected byte 0x%02x during YMODEM close handshake", buf[0]))
		}
	}
	return nil
}
