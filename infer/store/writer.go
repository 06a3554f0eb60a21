// infer/store/writer.go
package store

import (
	"hash/crc32"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tinyweights/tinyweights/infer/fault"
)

// Writer assembles a model container in memory and flushes it as a single
// sequential file. Layers are laid out in the blob in the order they are
// added; ids match that order.
type Writer struct {
	checksums bool
	infos     []LayerInfo
	payloads  [][]byte
	total     uint64
}

// NewWriter returns a Writer. When checksums is true every index entry
// carries a CRC32 of its payload and the header checksum flag is set.
func NewWriter(checksums bool) *Writer {
	return &Writer{checksums: checksums}
}

// AddLayer appends a layer payload and returns its id. The payload is
// retained by reference until WriteFile; callers must not mutate it.
func (w *Writer) AddLayer(dtype DType, shape []uint32, data []byte) (int, error) {
	if len(shape) > maxRank {
		return 0, fault.New(fault.InvalidArg, "rank %d exceeds max %d", len(shape), maxRank)
	}
	info := LayerInfo{
		Size:  uint64(len(data)),
		DType: dtype,
		Shape: append([]uint32(nil), shape...),
	}
	if w.checksums {
		info.Flags |= layerFlagChecksum
		info.CRC32 = crc32.ChecksumIEEE(data)
	}
	id := len(w.infos)
	w.infos = append(w.infos, info)
	w.payloads = append(w.payloads, data)
	w.total += info.Size
	return id, nil
}

// LayerCount returns the number of layers added so far.
func (w *Writer) LayerCount() int { return len(w.infos) }

// WriteFile lays out header | index | blob and writes the container to path.
func (w *Writer) WriteFile(path string) error {
	if len(w.infos) == 0 {
		return fault.New(fault.InvalidArg, "no layers added")
	}

	indexOffset := uint64(headerSize)
	blobOffset := indexOffset + uint64(len(w.infos))*indexEntrySize
	// keep the blob 64-byte aligned like the header
	if rem := blobOffset % 64; rem != 0 {
		blobOffset += 64 - rem
	}

	hdr := Header{
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		LayerCount:   uint32(len(w.infos)),
		IndexOffset:  indexOffset,
		BlobOffset:   blobOffset,
	}
	if w.checksums {
		hdr.Flags |= FlagChecksums
	}

	buf := make([]byte, blobOffset, blobOffset+w.total)
	copy(buf, encodeHeader(hdr))

	cursor := blobOffset
	for i := range w.infos {
		w.infos[i].Offset = cursor
		entry, err := encodeIndexEntry(w.infos[i])
		if err != nil {
			return err
		}
		copy(buf[indexOffset+uint64(i)*indexEntrySize:], entry)
		cursor += w.infos[i].Size
	}
	for _, payload := range w.payloads {
		buf = append(buf, payload...)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fault.Wrap(fault.IOError, err, "write container %s", path)
	}
	logrus.Debugf("wrote container %s: %d layers, %d blob bytes", path, len(w.infos), w.total)
	return nil
}
