package fwpkg

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"hisiflash/crc16"
	"hisiflash/ferr"
)

// buildContainer assembles a minimal valid FWPKG buffer with the given
// descriptors and their payload bytes, recomputing CRC and total length.
func buildContainer(t *testing.T, descs []Descriptor, payloads [][]byte) []byte {
	t.Helper()
	require.Equal(t, len(descs), len(payloads))

	headerAndTable := headerLen + len(descs)*descriptorLen
	totalLen := headerAndTable
	for _, p := range payloads {
		totalLen += len(p)
	}

	buf := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(descs)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(totalLen))

	offset := headerAndTable
	for i, d := range descs {
		d.Offset = uint32(offset)
		d.Length = uint32(len(payloads[i]))
		start := headerLen + i*descriptorLen
		copy(buf[start:start+nameLen], d.Name)
		binary.LittleEndian.PutUint32(buf[start+32:start+36], d.Offset)
		binary.LittleEndian.PutUint32(buf[start+36:start+40], d.Length)
		binary.LittleEndian.PutUint32(buf[start+40:start+44], d.BurnAddr)
		binary.LittleEndian.PutUint32(buf[start+44:start+48], d.BurnSize)
		binary.LittleEndian.PutUint32(buf[start+48:start+52], uint32(d.Type))
		copy(buf[offset:offset+len(payloads[i])], payloads[i])
		offset += len(payloads[i])
	}

	crc := crc16.Checksum(buf[6:totalLen])
	binary.LittleEndian.PutUint16(buf[4:6], crc)
	return buf
}

func TestParseValidContainer(t *testing.T) {
	descs := []Descriptor{
		{Name: "loaderboot", BurnAddr: 0x0, Type: TypeLoaderBoot},
		{Name: "app", BurnAddr: 0x1000, Type: TypeNormal},
	}
	payloads := [][]byte{[]byte("LOADER_BYTES"), []byte("APP_IMAGE_BYTES")}
	buf := buildContainer(t, descs, payloads)

	pkg, err := Parse(buf)
	require.NoError(t, err)
	require.Len(t, pkg.Descriptors(), 2)

	lb, ok := pkg.LoaderBoot()
	require.True(t, ok)
	require.Equal(t, "loaderboot", lb.Name)
	require.Equal(t, payloads[0], pkg.Payload(lb))

	normals := pkg.Normal()
	require.Len(t, normals, 1)
	require.Equal(t, payloads[1], pkg.Payload(normals[0]))
}

func TestParseRejectsBadMagic(t *testing.T) {
	buf := buildContainer(t, []Descriptor{{Name: "a", Type: TypeNormal}}, [][]byte{{1, 2}})
	buf[0] ^= 0xFF
	_, err := Parse(buf)
	require.Equal(t, ferr.KindInvalidImage, ferr.KindOf(err))
}

func TestParseRejectsBadCRC(t *testing.T) {
	buf := buildContainer(t, []Descriptor{{Name: "a", Type: TypeNormal}}, [][]byte{{1, 2}})
	buf[len(buf)-1] ^= 0xFF
	_, err := Parse(buf)
	require.Equal(t, ferr.KindCrcMismatch, ferr.KindOf(err))
}

func TestParseRejectsOversizedPartitionCount(t *testing.T) {
	buf := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[6:8], 17)
	_, err := Parse(buf)
	require.Equal(t, ferr.KindInvalidImage, ferr.KindOf(err))
}

func TestParseAcceptsSixteenPartitions(t *testing.T) {
	descs := make([]Descriptor, 16)
	payloads := make([][]byte, 16)
	for i := range descs {
		descs[i] = Descriptor{Name: "part", Type: TypeNormal}
		payloads[i] = []byte{byte(i)}
	}
	buf := buildContainer(t, descs, payloads)
	_, err := Parse(buf)
	require.NoError(t, err)
}

func TestParseRejectsDescriptorExceedingBounds(t *testing.T) {
	buf := buildContainer(t, []Descriptor{{Name: "a", Type: TypeNormal}}, [][]byte{{1, 2, 3}})
	// Declare one byte more length than actually present, then recompute
	// CRC over the corrupted header so the bounds check (not CRC) fires.
	start := headerLen
	binary.LittleEndian.PutUint32(buf[start+36:start+40], 4)
	totalLen := len(buf)
	crc := crc16.Checksum(buf[6:totalLen])
	binary.LittleEndian.PutUint16(buf[4:6], crc)

	_, err := Parse(buf)
	require.Equal(t, ferr.KindInvalidImage, ferr.KindOf(err))
}

func TestSelectEmptyFlashesLoaderBootThenAllNormal(t *testing.T) {
	descs := []Descriptor{
		{Name: "loaderboot", Type: TypeLoaderBoot},
		{Name: "app1", Type: TypeNormal},
		{Name: "app2", Type: TypeNormal},
	}
	payloads := [][]byte{{1}, {2}, {3}}
	buf := buildContainer(t, descs, payloads)
	pkg, err := Parse(buf)
	require.NoError(t, err)

	plan, err := pkg.Select(nil)
	require.NoError(t, err)
	require.Len(t, plan, 3)
	require.Equal(t, "loaderboot", plan[0].Name)
	require.Equal(t, "app1", plan[1].Name)
	require.Equal(t, "app2", plan[2].Name)
}

func TestSelectNamedPartitionsPreservesOrder(t *testing.T) {
	descs := []Descriptor{
		{Name: "loaderboot", Type: TypeLoaderBoot},
		{Name: "app1", Type: TypeNormal},
		{Name: "app2", Type: TypeNormal},
	}
	payloads := [][]byte{{1}, {2}, {3}}
	buf := buildContainer(t, descs, payloads)
	pkg, err := Parse(buf)
	require.NoError(t, err)

	plan, err := pkg.Select([]string{"app2"})
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, "loaderboot", plan[0].Name)
	require.Equal(t, "app2", plan[1].Name)
}

func TestSelectUnknownNameFailsBeforeSending(t *testing.T) {
	descs := []Descriptor{{Name: "app1", Type: TypeNormal}}
	payloads := [][]byte{{1}}
	buf := buildContainer(t, descs, payloads)
	pkg, err := Parse(buf)
	require.NoError(t, err)

	_, err = pkg.Select([]string{"nope"})
	require.Equal(t, ferr.KindInvalidArgument, ferr.KindOf(err))
}
