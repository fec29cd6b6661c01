package crc16

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumKnownVector(t *testing.T) {
	require.Equal(t, uint16(0x31C3), Checksum([]byte("123456789")))
}

func TestChecksumEmpty(t *testing.T) {
	require.Equal(t, uint16(0), Checksum(nil))
}

func TestChecksumAppendedTrailerIsZero(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("a"),
		[]byte("123456789"),
		[]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01, 0x02, 0xFF},
	}
	for _, d := range cases {
		sum := Checksum(d)
		withTrailer := append(append([]byte{}, d...), byte(sum>>8), byte(sum))
		require.Equal(t, uint16(0), Checksum(withTrailer))
	}
}

func TestUpdateMatchesSinglePass(t *testing.T) {
	d := []byte("the quick brown fox jumps over the lazy dog")
	whole := Checksum(d)
	split := Update(Update(0, d[:10]), d[10:])
	require.Equal(t, whole, split)
}
