// infer/store/format.go
//
// On-disk container layout. All multi-byte fields are little-endian; offsets
// and sizes are 64-bit unsigned. The file is header | layer index | weight
// blob, with the header padded to a 64-byte boundary and fixed 64-byte index
// entries.

package store

import (
	"bytes"
	"encoding/binary"

	"github.com/tinyweights/tinyweights/infer/fault"
)

var magic = [4]byte{'T', 'M', 'A', 'I'}

const (
	VersionMajor = 1
	VersionMinor = 0

	headerSize     = 64
	indexEntrySize = 64

	// maxRank is the number of shape slots in an index entry.
	maxRank = 8

	// FlagChecksums marks a file whose index entries carry valid CRC32s.
	FlagChecksums uint32 = 1 << 0

	// layerFlagChecksum marks a single entry whose crc32 field is valid.
	layerFlagChecksum uint16 = 1 << 0
)

// DType identifies the element type of a layer's weights.
type DType uint16

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI8
	DTypeU8
	DTypeQ4
)

var dtypeNames = map[DType]string{
	DTypeF32:  "f32",
	DTypeF16:  "f16",
	DTypeBF16: "bf16",
	DTypeI8:   "i8",
	DTypeU8:   "u8",
	DTypeQ4:   "q4",
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return "unknown"
}

// ParseDType converts a dtype name to a DType.
func ParseDType(name string) (DType, error) {
	for d, n := range dtypeNames {
		if n == name {
			return d, nil
		}
	}
	return 0, fault.New(fault.InvalidArg, "unknown dtype %q", name)
}

// Header mirrors the fixed-width file header.
type Header struct {
	VersionMajor uint16
	VersionMinor uint16
	LayerCount   uint32
	IndexOffset  uint64
	BlobOffset   uint64
	Flags        uint32
}

// LayerInfo is one decoded index entry.
type LayerInfo struct {
	Offset uint64 // into the weight blob region, absolute file offset
	Size   uint64
	DType  DType
	Shape  []uint32 // rank entries, at most maxRank
	Flags  uint16
	CRC32  uint32
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.VersionMajor)
	binary.LittleEndian.PutUint16(buf[6:8], h.VersionMinor)
	binary.LittleEndian.PutUint32(buf[8:12], h.LayerCount)
	binary.LittleEndian.PutUint64(buf[12:20], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[20:28], h.BlobOffset)
	binary.LittleEndian.PutUint32(buf[28:32], h.Flags)
	// bytes 32..64 are padding
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < headerSize {
		return h, fault.New(fault.Corrupt, "short header: %d bytes", len(buf))
	}
	if !bytes.Equal(buf[0:4], magic[:]) {
		return h, fault.New(fault.Corrupt, "bad magic %q", buf[0:4])
	}
	h.VersionMajor = binary.LittleEndian.Uint16(buf[4:6])
	h.VersionMinor = binary.LittleEndian.Uint16(buf[6:8])
	h.LayerCount = binary.LittleEndian.Uint32(buf[8:12])
	h.IndexOffset = binary.LittleEndian.Uint64(buf[12:20])
	h.BlobOffset = binary.LittleEndian.Uint64(buf[20:28])
	h.Flags = binary.LittleEndian.Uint32(buf[28:32])
	if h.VersionMajor != VersionMajor {
		return h, fault.New(fault.VersionMismatch,
			"file version %d.%d, runtime supports %d.x", h.VersionMajor, h.VersionMinor, VersionMajor)
	}
	return h, nil
}

func encodeIndexEntry(info LayerInfo) ([]byte, error) {
	if len(info.Shape) > maxRank {
		return nil, fault.New(fault.InvalidArg, "rank %d exceeds max %d", len(info.Shape), maxRank)
	}
	buf := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], info.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], info.Size)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(info.DType))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(len(info.Shape)))
	for i, dim := range info.Shape {
		binary.LittleEndian.PutUint32(buf[20+4*i:24+4*i], dim)
	}
	binary.LittleEndian.PutUint16(buf[52:54], info.Flags)
	// buf[54:56] reserved
	binary.LittleEndian.PutUint32(buf[56:60], info.CRC32)
	return buf, nil
}

func decodeIndexEntry(buf []byte) (LayerInfo, error) {
	var info LayerInfo
	if len(buf) < indexEntrySize {
		return info, fault.New(fault.Corrupt, "short index entry: %d bytes", len(buf))
	}
	info.Offset = binary.LittleEndian.Uint64(buf[0:8])
	info.Size = binary.LittleEndian.Uint64(buf[8:16])
	info.DType = DType(binary.LittleEndian.Uint16(buf[16:18]))
	rank := binary.LittleEndian.Uint16(buf[18:20])
	if rank > maxRank {
		return info, fault.New(fault.Corrupt, "index entry rank %d exceeds max %d", rank, maxRank)
	}
	info.Shape = make([]uint32, rank)
	for i := range info.Shape {
		info.Shape[i] = binary.LittleEndian.Uint32(buf[20+4*i : 24+4*i])
	}
	info.Flags = binary.LittleEndian.Uint16(buf[52:54])
	info.CRC32 = binary.LittleEndian.Uint32(buf[56:60])
	return info, nil
}

// Elems returns the element count implied by the shape, or 0 for rank 0.
func (li LayerInfo) Elems() uint64 {
	if len(li.Shape) == 0 {
		return 0
	}
	n := uint64(1)
	for _, dim := range li.Shape {
		n *= uint64(dim)
	}
	return n
}
