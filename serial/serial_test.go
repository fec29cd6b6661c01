package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeLoopback(t *testing.T) {
	f := NewFake()
	f.Feed([]byte("hello"))
	buf := make([]byte, 16)
	n, err := f.Read(buf, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	n, err = f.Write([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", f.Out.String())
}

func TestFakeReadTimeoutReturnsZero(t *testing.T) {
	f := NewFake()
	buf := make([]byte, 4)
	n, err := f.Read(buf, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFakeClosedRejectsIO(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Close())
	_, err := f.Write([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = f.Read(make([]byte, 1), time.Millisecond)
	require.ErrorIs(t, err, ErrClosed)
}

func TestClassifyUSB(t *testing.T) {
	require.Equal(t, "CH340", classifyUSB(0x1A86, 0x7523))
	require.Equal(t, "CP210x", classifyUSB(0x10C4, 0xEA60))
	require.Equal(t, "FTDI", classifyUSB(0x0403, 0x6001))
	require.Equal(t, "HiSilicon", classifyUSB(0x12D1, 0x1234))
	require.Equal(t, "", classifyUSB(0xFFFF, 0xFFFF))
}

func TestOpenPTYLoopback(t *testing.T) {
	master, slave, err := OpenPTY(115200)
	if err != nil {
		t.Skipf("pty not available in this sandbox: %v", err)
	}
	defer master.Close()
	defer slave.Close()

	if _, err := master.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := slave.Read(buf, 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}
