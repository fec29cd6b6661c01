package serial

import (
	"bytes"
	"sync"
	"time"
)

// Fake is an in-memory loopback Port used by framing, YMODEM, and driver
// tests so they can run without a real bootloader attached. Bytes written
// to Fake are appended to Out; bytes queued with Feed are returned by Read.
// Feed, Read, Write and the Out* helpers are safe for concurrent use from a
// test's driving goroutine and the code under test.
type Fake struct {
	mu     sync.Mutex
	in     bytes.Buffer
	Out    bytes.Buffer
	baud   uint32
	dtr    bool
	rts    bool
	closed bool
}

// NewFake returns a ready-to-use Fake Port.
func NewFake() *Fake { return &Fake{} }

// Feed appends bytes to the read side, as if the remote end had sent them.
func (f *Fake) Feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in.Write(b)
}

func (f *Fake) Read(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return 0, ErrClosed
		}
		if f.in.Len() > 0 {
			n, err := f.in.Read(buf)
			f.mu.Unlock()
			return n, err
		}
		f.mu.Unlock()
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *Fake) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	return f.Out.Write(data)
}

func (f *Fake) SetBaud(rate uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baud = rate
	return nil
}

func (f *Fake) Baud() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baud
}

func (f *Fake) SetDTR(level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtr = level
	return nil
}

func (f *Fake) SetRTS(level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rts = level
	return nil
}

func (f *Fake) FlushInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in.Reset()
	return nil
}

func (f *Fake) FlushOutput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Out.Reset()
	return nil
}

// OutSnapshot returns a copy of the bytes written and not yet discarded by
// OutAdvance, safe to call concurrently with Write. Tests drive a fake receiver off
// this rather than reading Out directly while the sender is still writing.
func (f *Fake) OutSnapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte{}, f.Out.Bytes()...)
}

// OutAdvance discards the first n bytes of the write-side buffer, as if a
// test's fake receiver had consumed them.
func (f *Fake) OutAdvance(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Out.Next(n)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
