package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyweights/tinyweights/infer/fault"
)

func TestEncodeHeader_FixedFieldPlacement(t *testing.T) {
	// GIVEN a header with distinctive field values
	buf := encodeHeader(Header{
		VersionMajor: 1,
		VersionMinor: 2,
		LayerCount:   7,
		IndexOffset:  64,
		BlobOffset:   512,
		Flags:        FlagChecksums,
	})

	// THEN every field sits at its fixed little-endian offset
	require.Len(t, buf, 64)
	assert.Equal(t, []byte{0x54, 0x4D, 0x41, 0x49}, buf[0:4]) // "TMAI"
	assert.Equal(t, []byte{0x01, 0x00}, buf[4:6])
	assert.Equal(t, []byte{0x02, 0x00}, buf[6:8])
	assert.Equal(t, []byte{0x07, 0x00, 0x00, 0x00}, buf[8:12])
	assert.Equal(t, byte(64), buf[12])
	assert.Equal(t, []byte{0x00, 0x02}, buf[20:22]) // 512 LE
	assert.Equal(t, byte(0x01), buf[28])
	for _, b := range buf[32:] {
		if b != 0 {
			t.Fatalf("header padding is not zero: % x", buf[32:])
		}
	}
}

func TestDecodeHeader_RoundTrip(t *testing.T) {
	in := Header{VersionMajor: 1, VersionMinor: 3, LayerCount: 42, IndexOffset: 64, BlobOffset: 2752, Flags: 1}
	out, err := decodeHeader(encodeHeader(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeHeader_BadMagic_IsCorrupt(t *testing.T) {
	buf := encodeHeader(Header{VersionMajor: 1})
	buf[0] = 'X'
	_, err := decodeHeader(buf)
	assert.Equal(t, fault.Corrupt, fault.KindOf(err))
}

func TestDecodeHeader_MajorVersionAhead_IsVersionMismatch(t *testing.T) {
	buf := encodeHeader(Header{VersionMajor: 2})
	_, err := decodeHeader(buf)
	assert.Equal(t, fault.VersionMismatch, fault.KindOf(err))
}

func TestDecodeHeader_ShortBuffer_IsCorrupt(t *testing.T) {
	_, err := decodeHeader(make([]byte, 10))
	assert.Equal(t, fault.Corrupt, fault.KindOf(err))
}

func TestIndexEntry_RoundTrip(t *testing.T) {
	in := LayerInfo{
		Offset: 2752,
		Size:   262144,
		DType:  DTypeF16,
		Shape:  []uint32{64, 1024},
		Flags:  layerFlagChecksum,
		CRC32:  0xDEADBEEF,
	}
	buf, err := encodeIndexEntry(in)
	require.NoError(t, err)
	require.Len(t, buf, 64)

	out, err := decodeIndexEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, uint64(64*1024), out.Elems())
}

func TestEncodeIndexEntry_RankAboveMax_IsInvalidArg(t *testing.T) {
	_, err := encodeIndexEntry(LayerInfo{Shape: make([]uint32, 9)})
	assert.Equal(t, fault.InvalidArg, fault.KindOf(err))
}

func TestDecodeIndexEntry_CorruptRank_IsCorrupt(t *testing.T) {
	buf, err := encodeIndexEntry(LayerInfo{Shape: []uint32{4}})
	require.NoError(t, err)
	buf[18] = 0xFF
	_, err = decodeIndexEntry(buf)
	assert.Equal(t, fault.Corrupt, fault.KindOf(err))
}

func TestParseDType_KnownAndUnknownNames(t *testing.T) {
	d, err := ParseDType("bf16")
	require.NoError(t, err)
	assert.Equal(t, DTypeBF16, d)

	_, err = ParseDType("f64")
	assert.Equal(t, fault.InvalidArg, fault.KindOf(err))
}
