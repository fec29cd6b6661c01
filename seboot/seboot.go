// Package seboot implements the HiSilicon SEBOOT command/ACK framing
// protocol: encoding outbound command frames and scanning an inbound byte
// stream for the bootloader's twelve-byte ACK, tolerating the boot-log
// noise a chip emits before its bootloader is ready to talk.
package seboot

import (
	"encoding/binary"
	"time"

	"hisiflash/cancelctx"
	"hisiflash/crc16"
	"hisiflash/ferr"
	"hisiflash/serial"
)

// Magic is the four-byte little-endian sentinel that opens every SEBOOT
// frame, command or ACK.
const Magic uint32 = 0xDEADBEEF

// minFrameLen and maxFrameLen bound the length field of a candidate frame
// during ACK scanning; anything outside this range cannot be a real SEBOOT
// frame and the scanner discards the magic and resumes one byte later.
const (
	minFrameLen = 12
	maxFrameLen = 4096
)

// CommandType identifies the kind of a SEBOOT command frame.
type CommandType byte

const (
	Handshake    CommandType = 0xF0
	SetBaudRate  CommandType = 0x5A
	Download     CommandType = 0xD2
	Reset        CommandType = 0x87
	DownloadNV   CommandType = 0x4B
	ReadOtpEfuse CommandType = 0xA5
	FlashLock    CommandType = 0x96
	SwitchDfu    CommandType = 0x1E
	ackType      CommandType = 0xE1
)

func (t CommandType) String() string {
	switch t {
	case Handshake:
		return "Handshake"
	case SetBaudRate:
		return "SetBaudRate"
	case Download:
		return "Download"
	case Reset:
		return "Reset"
	case DownloadNV:
		return "DownloadNV"
	case ReadOtpEfuse:
		return "ReadOtpEfuse"
	case FlashLock:
		return "FlashLock"
	case SwitchDfu:
		return "SwitchDfu"
	case ackType:
		return "ACK"
	default:
		return "Unknown"
	}
}

// Ack result bytes.
const (
	ResultSuccess byte = 0x5A
	ResultFailure byte = 0x00
)

// Ack is a decoded SEBOOT acknowledgement frame.
type Ack struct {
	Result    byte
	ErrorCode byte
}

// Success reports whether the device reported success for the command this
// Ack answers.
func (a Ack) Success() bool { return a.Result == ResultSuccess }

// EncodeAck builds a complete twelve-byte SEBOOT ACK frame, as a device
// (or a test double standing in for one) would send it.
func EncodeAck(result, errorCode byte) []byte {
	return Encode(ackType, []byte{result, errorCode})
}

// Encode builds a complete SEBOOT command frame for typ carrying payload:
// magic, length, type, inverted type, payload, trailing CRC16, all
// multi-byte fields little-endian.
func Encode(typ CommandType, payload []byte) []byte {
	length := 10 + len(payload)
	frame := make([]byte, length)
	binary.LittleEndian.PutUint32(frame[0:4], Magic)
	binary.LittleEndian.PutUint16(frame[4:6], uint16(length))
	frame[6] = byte(typ)
	frame[7] = byte(typ) ^ 0xFF
	copy(frame[8:8+len(payload)], payload)
	crc := crc16.Checksum(frame[:length-2])
	binary.LittleEndian.PutUint16(frame[length-2:length], crc)
	return frame
}

// HandshakePayload builds the payload of a Handshake frame: the requested
// baud rate followed by the constant trailer 0x00000108, both
// little-endian four-byte fields.
func HandshakePayload(requestedBaud uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], requestedBaud)
	binary.LittleEndian.PutUint32(buf[4:8], 0x00000108)
	return buf
}

// SetBaudRatePayload builds the payload of a SetBaudRate frame: the new
// baud rate as a little-endian four-byte field.
func SetBaudRatePayload(baud uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, baud)
	return buf
}

// EraseAllSize is the magic Download payload erase-size field that
// requests a full-chip erase.
const EraseAllSize uint32 = 0xFFFFFFFF

// DownloadPayload builds the payload of a Download frame: flash address,
// length, erase size, and the fixed two-byte trailer {0x00, 0xFF}.
func DownloadPayload(addr, length, eraseSize uint32) []byte {
	buf := make([]byte, 14)
	binary.LittleEndian.PutUint32(buf[0:4], addr)
	binary.LittleEndian.PutUint32(buf[4:8], length)
	binary.LittleEndian.PutUint32(buf[8:12], eraseSize)
	buf[12] = 0x00
	buf[13] = 0xFF
	return buf
}

// ResetPayload builds the payload of a Reset frame: a fixed two-byte zero
// payload.
func ResetPayload() []byte {
	return []byte{0x00, 0x00}
}

// ReadAck scans port for a SEBOOT ACK frame, tolerating arbitrary
// device-side noise ahead of the magic bytes. The noise window is bounded
// to one read-timeout cycle from the moment scanning began, so a
// partially-ready device produces a Timeout rather than a hang. cancel is
// checked immediately before every port read, so a cancelled session
// doesn't sit through the full timeout waiting on a device that will never
// answer.
func ReadAck(port serial.Port, cancel cancelctx.Context, timeout time.Duration) (Ack, error) {
	deadline := time.Now().Add(timeout)
	var buf []byte
	readChunk := make([]byte, 256)

	// fill blocks (bounded by the overall deadline) until exactly need
	// bytes are available in buf, or returns ok=false on timeout. It never
	// reads past need, so bytes the device sends after the ACK frame stay
	// on the port for the next reader.
	fill := func(need int) (bool, error) {
		for len(buf) < need {
			if err := cancel.Check(); err != nil {
				return false, ferr.Wrap(ferr.KindCancelled, "cancelled while reading SEBOOT ACK", err)
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false, nil
			}
			want := need - len(buf)
			if want > len(readChunk) {
				want = len(readChunk)
			}
			n, err := port.Read(readChunk[:want], remaining)
			if err != nil {
				return false, err
			}
			if n == 0 {
				return false, nil
			}
			buf = append(buf, readChunk[:n]...)
		}
		return true, nil
	}

	start := 0
	for {
		ok, err := fill(start + 4)
		if err != nil {
			if ferr.KindOf(err) == ferr.KindCancelled {
				return Ack{}, err
			}
			return Ack{}, ferr.Wrap(ferr.KindIo, "reading for SEBOOT ACK magic", err)
		}
		if !ok {
			return Ack{}, ferr.New(ferr.KindTimeout, "timed out waiting for SEBOOT ACK")
		}
		if binary.LittleEndian.Uint32(buf[start:start+4]) != Magic {
			start++
			continue
		}

		ok, err = fill(start + 6)
		if err != nil {
			if ferr.KindOf(err) == ferr.KindCancelled {
				return Ack{}, err
			}
			return Ack{}, ferr.Wrap(ferr.KindIo, "reading SEBOOT frame length", err)
		}
		if !ok {
			return Ack{}, ferr.New(ferr.KindTimeout, "timed out waiting for SEBOOT ACK")
		}
		length := int(binary.LittleEndian.Uint16(buf[start+4 : start+6]))
		if length < minFrameLen || length > maxFrameLen {
			// Not a real frame; discard only the magic's first byte and
			// resume scanning one byte later.
			start++
			continue
		}

		ok, err = fill(start + length)
		if err != nil {
			if ferr.KindOf(err) == ferr.KindCancelled {
				return Ack{}, err
			}
			return Ack{}, ferr.Wrap(ferr.KindIo, "reading SEBOOT frame body", err)
		}
		if !ok {
			return Ack{}, ferr.New(ferr.KindTimeout, "timed out waiting for SEBOOT ACK")
		}

		frame := buf[start : start+length]
		typ := CommandType(frame[6])
		if frame[7] != byte(typ)^0xFF {
			return Ack{}, ferr.New(ferr.KindProtocolError, "SEBOOT frame inverted-type mismatch")
		}
		gotCRC := binary.LittleEndian.Uint16(frame[length-2:])
		wantCRC := crc16.Checksum(frame[:length-2])
		if gotCRC != wantCRC {
			// CRC failure: reject this frame and keep scanning past its
			// magic for another one.
			start++
			continue
		}
		if typ != ackType {
			return Ack{}, ferr.New(ferr.KindProtocolError, "unexpected SEBOOT frame type "+typ.String())
		}
		return Ack{Result: frame[8], ErrorCode: frame[9]}, nil
	}
}
