// Package fwpkg parses the HiSilicon FWPKG multi-partition firmware
// container: a twelve-byte header, a CRC16-protected descriptor table, and
// the raw partition bytes those descriptors point into.
package fwpkg

import (
	"bytes"
	"encoding/binary"
	"os"

	"hisiflash/crc16"
	"hisiflash/ferr"
)

// Magic is the four-byte little-endian sentinel that opens every FWPKG
// container.
const Magic uint32 = 0xEFBEADDF

const (
	headerLen     = 12
	descriptorLen = 56
	maxPartitions = 16
	nameLen       = 32
)

// PartitionType classifies a descriptor's role in the flashing sequence.
type PartitionType uint32

const (
	TypeLoaderBoot PartitionType = 0
	TypeNormal     PartitionType = 1
)

// Descriptor describes one partition within a Package: where its bytes
// live in the container, and where they are burned in flash.
type Descriptor struct {
	Name     string
	Offset   uint32
	Length   uint32
	BurnAddr uint32
	BurnSize uint32
	Type     PartitionType
}

// Package is a parsed, validated FWPKG container. The underlying bytes are
// retained so Payload can return zero-copy slices.
type Package struct {
	raw         []byte
	totalLength uint32
	descriptors []Descriptor
}

// Load parses and validates an FWPKG container from a file path.
func Load(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindIo, "reading FWPKG file "+path, err)
	}
	return Parse(data)
}

// Parse parses and validates an FWPKG container from an in-memory byte
// buffer.
func Parse(data []byte) (*Package, error) {
	if len(data) < headerLen {
		return nil, ferr.New(ferr.KindInvalidImage, "FWPKG buffer shorter than header")
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, ferr.New(ferr.KindInvalidImage, "FWPKG magic mismatch")
	}
	storedCRC := binary.LittleEndian.Uint16(data[4:6])
	count := binary.LittleEndian.Uint16(data[6:8])
	totalLength := binary.LittleEndian.Uint32(data[8:12])

	if count > maxPartitions {
		return nil, ferr.New(ferr.KindInvalidImage, "FWPKG partition count exceeds 16")
	}

	descriptorTableEnd := headerLen + int(count)*descriptorLen
	if len(data) < descriptorTableEnd {
		return nil, ferr.New(ferr.KindInvalidImage, "FWPKG buffer shorter than descriptor table")
	}
	if int(totalLength) > len(data) {
		return nil, ferr.New(ferr.KindInvalidImage, "FWPKG declared total length exceeds buffer size")
	}

	computedCRC := crc16.Checksum(data[6:totalLength])
	if computedCRC != storedCRC {
		return nil, ferr.New(ferr.KindCrcMismatch, "FWPKG header CRC mismatch")
	}

	descriptors := make([]Descriptor, 0, count)
	seenLoaderBoot := false
	for i := 0; i < int(count); i++ {
		start := headerLen + i*descriptorLen
		raw := data[start : start+descriptorLen]

		nameBytes := raw[0:nameLen]
		nul := bytes.IndexByte(nameBytes, 0)
		name := string(nameBytes)
		if nul >= 0 {
			name = string(nameBytes[:nul])
		}

		d := Descriptor{
			Name:     name,
			Offset:   binary.LittleEndian.Uint32(raw[32:36]),
			Length:   binary.LittleEndian.Uint32(raw[36:40]),
			BurnAddr: binary.LittleEndian.Uint32(raw[40:44]),
			BurnSize: binary.LittleEndian.Uint32(raw[44:48]),
			Type:     PartitionType(binary.LittleEndian.Uint32(raw[48:52])),
		}
		if uint64(d.Offset)+uint64(d.Length) > uint64(totalLength) {
			return nil, ferr.New(ferr.KindInvalidImage, "FWPKG descriptor "+d.Name+" exceeds container bounds")
		}
		if d.Type == TypeLoaderBoot {
			if seenLoaderBoot {
				return nil, ferr.New(ferr.KindInvalidImage, "FWPKG contains more than one LoaderBoot descriptor")
			}
			seenLoaderBoot = true
		}
		descriptors = append(descriptors, d)
	}

	return &Package{raw: data, totalLength: totalLength, descriptors: descriptors}, nil
}

// Descriptors returns every partition descriptor in container order.
func (p *Package) Descriptors() []Descriptor {
	out := make([]Descriptor, len(p.descriptors))
	copy(out, p.descriptors)
	return out
}

// LoaderBoot returns the package's LoaderBoot descriptor, if present.
func (p *Package) LoaderBoot() (Descriptor, bool) {
	for _, d := range p.descriptors {
		if d.Type == TypeLoaderBoot {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Normal returns every "normal" (type = 1) descriptor, in container order.
func (p *Package) Normal() []Descriptor {
	var out []Descriptor
	for _, d := range p.descriptors {
		if d.Type == TypeNormal {
			out = append(out, d)
		}
	}
	return out
}

// Payload returns a zero-copy slice of d's content bytes, borrowed from
// the container's underlying buffer.
func (p *Package) Payload(d Descriptor) []byte {
	return p.raw[d.Offset : d.Offset+d.Length]
}

// Plan is the ordered, validated sequence of descriptors a flash operation
// will send.
type Plan []Descriptor

// Select builds the flash plan for selectedNames: if selectedNames is
// empty, LoaderBoot first (when present), then every normal partition in
// descriptor order; descriptors of other type codes are not included. If
// non-empty, LoaderBoot first (when present, since
// it is always required for a first-time flash) followed only by the
// named normal partitions, preserving descriptor order. An unknown name
// fails InvalidArgument before any bytes are sent.
func (p *Package) Select(selectedNames []string) (Plan, error) {
	var plan Plan
	if lb, ok := p.LoaderBoot(); ok {
		plan = append(plan, lb)
	}

	normals := p.Normal()
	if len(selectedNames) == 0 {
		plan = append(plan, normals...)
		return plan, nil
	}

	byName := make(map[string]Descriptor, len(normals))
	for _, d := range normals {
		byName[d.Name] = d
	}
	want := make(map[string]bool, len(selectedNames))
	for _, name := range selectedNames {
		if _, ok := byName[name]; !ok {
			return nil, ferr.New(ferr.KindInvalidArgument, "unknown partition name "+name)
		}
		want[name] = true
	}
	for _, d := range normals {
		if want[d.Name] {
			plan = append(plan, d)
		}
	}
	return plan, nil
}
