// infer/store/store.go
//
// The mapped store opens a model container, exposes per-layer byte ranges and
// keeps a bounded cache of materialized layer weights. Callers take holds on
// weights with GetWeights and give them back with Release; eviction never
// touches a held entry.

package store

import (
	"context"
	"hash/crc32"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tinyweights/tinyweights/infer/fault"
)

// fetchChunk is the copy granularity when materializing a layer. Deadlines
// are checked between chunks so a stuck fetch cannot overrun its timeout by
// more than one chunk.
const fetchChunk = 1 << 20

// Config controls how a container is opened.
type Config struct {
	// CacheMax bounds the total bytes of resident layer weights. Zero means
	// no internal ceiling; the progressive loader uses that when it enforces
	// its own budget on top of the store.
	CacheMax uint64
	// Prefault asks the kernel to fault the mapping in ahead of use.
	Prefault bool
	// ReadOnly opens the file O_RDONLY. Weights are immutable either way.
	ReadOnly bool
	// VerifyChecksums validates entry CRC32s on fetch when the file carries
	// them.
	VerifyChecksums bool
}

// Store is a handle to an open container.
type Store struct {
	mu sync.Mutex

	f      *os.File
	size   int64
	data   []byte // mmap window, nil when unavailable
	hdr    Header
	layers []LayerInfo
	verify bool

	cfg           Config
	entries       []*resident // indexed by layer id, nil when not resident
	lru           lruList
	residentBytes uint64
	tick          uint64
	totalBytes    uint64
	closed        bool
}

// Open validates the container at path and establishes a mapping of the
// weight blob. When the platform cannot map files the store reads layers
// positionally instead.
func Open(path string, cfg Config) (*Store, error) {
	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fault.Wrap(fault.IOError, err, "open %s", path)
	}

	st, err := newStore(f, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	logrus.Debugf("opened container %s: %d layers, %d blob bytes, mmap=%v",
		path, len(st.layers), st.totalBytes, st.data != nil)
	return st, nil
}

func newStore(f *os.File, cfg Config) (*Store, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fault.Wrap(fault.IOError, err, "stat container")
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return nil, fault.Wrap(fault.IOError, err, "read header")
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	// the header is untrusted; bound the index before allocating for it
	indexBytes := uint64(hdr.LayerCount) * indexEntrySize
	if hdr.IndexOffset < headerSize || hdr.IndexOffset > uint64(fi.Size()) ||
		indexBytes > uint64(fi.Size())-hdr.IndexOffset {
		return nil, fault.New(fault.Corrupt,
			"layer index (%d entries at offset %d) exceeds file size %d",
			hdr.LayerCount, hdr.IndexOffset, fi.Size())
	}

	indexBuf := make([]byte, indexBytes)
	if _, err := f.ReadAt(indexBuf, int64(hdr.IndexOffset)); err != nil {
		return nil, fault.Wrap(fault.IOError, err, "read layer index")
	}

	st := &Store{
		f:       f,
		size:    fi.Size(),
		hdr:     hdr,
		layers:  make([]LayerInfo, hdr.LayerCount),
		entries: make([]*resident, hdr.LayerCount),
		cfg:     cfg,
		verify:  cfg.VerifyChecksums && hdr.Flags&FlagChecksums != 0,
	}
	for i := range st.layers {
		info, err := decodeIndexEntry(indexBuf[i*indexEntrySize:])
		if err != nil {
			return nil, err
		}
		if info.Offset+info.Size > uint64(fi.Size()) {
			return nil, fault.New(fault.Corrupt,
				"layer %d range [%d,%d) exceeds file size %d", i, info.Offset, info.Offset+info.Size, fi.Size())
		}
		st.layers[i] = info
		st.totalBytes += info.Size
	}

	if data, err := mapFile(f, fi.Size()); err == nil {
		st.data = data
		if cfg.Prefault {
			adviseWillNeed(data)
		}
	} else {
		logrus.Debugf("mmap unavailable, using positional reads: %v", err)
	}
	return st, nil
}

// LayerCount returns the number of layers in the container.
func (s *Store) LayerCount() int { return len(s.layers) }

// Header returns the decoded file header.
func (s *Store) Header() Header { return s.hdr }

// TotalBytes returns the sum of all layer sizes on disk.
func (s *Store) TotalBytes() uint64 { return s.totalBytes }

// LayerInfo returns the descriptor for a layer.
func (s *Store) LayerInfo(id int) (LayerInfo, error) {
	if id < 0 || id >= len(s.layers) {
		return LayerInfo{}, fault.New(fault.NotFound, "layer %d of %d", id, len(s.layers))
	}
	return s.layers[id], nil
}

// GetWeights returns the layer's bytes and takes a hold on them. The slice
// stays valid until the matching Release. Other unheld layers may be evicted
// to make room.
func (s *Store) GetWeights(id int) ([]byte, error) {
	return s.GetWeightsContext(context.Background(), id)
}

// GetWeightsContext is GetWeights with cancellation and deadline checks
// between copy chunks.
func (s *Store) GetWeightsContext(ctx context.Context, id int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fault.New(fault.InvalidArg, "store is closed")
	}
	if id < 0 || id >= len(s.layers) {
		return nil, fault.New(fault.NotFound, "layer %d of %d", id, len(s.layers))
	}

	s.tick++
	if r := s.entries[id]; r != nil {
		r.holds++
		r.tick = s.tick
		s.lru.touch(r)
		return r.buf, nil
	}

	info := s.layers[id]
	if err := s.makeRoom(info.Size); err != nil {
		return nil, err
	}

	buf, err := s.fetch(ctx, info)
	if err != nil {
		return nil, err
	}

	r := &resident{id: id, buf: buf, holds: 1, tick: s.tick}
	s.entries[id] = r
	s.lru.pushFront(r)
	s.residentBytes += info.Size
	logrus.Debugf("materialized layer %d (%d bytes), resident=%d", id, info.Size, s.residentBytes)
	return buf, nil
}

// makeRoom evicts unheld entries until size fits under CacheMax. Caller holds
// the mutex.
func (s *Store) makeRoom(size uint64) error {
	if s.cfg.CacheMax == 0 {
		return nil
	}
	if size > s.cfg.CacheMax {
		return fault.New(fault.OutOfCapacity,
			"layer of %d bytes exceeds cache ceiling %d", size, s.cfg.CacheMax)
	}
	for s.residentBytes+size > s.cfg.CacheMax {
		v := s.lru.victim()
		if v == nil {
			return fault.New(fault.AllPinned,
				"need %d bytes but every resident layer is held", size)
		}
		s.dropLocked(v)
	}
	return nil
}

// fetch materializes a layer, copying from the mapped window when available
// and falling back to positional reads otherwise. Caller holds the mutex.
func (s *Store) fetch(ctx context.Context, info LayerInfo) ([]byte, error) {
	buf := make([]byte, info.Size)
	for done := uint64(0); done < info.Size; {
		if err := ctx.Err(); err != nil {
			return nil, mapCtxErr(err)
		}
		n := uint64(fetchChunk)
		if info.Size-done < n {
			n = info.Size - done
		}
		if s.data != nil {
			copy(buf[done:done+n], s.data[info.Offset+done:info.Offset+done+n])
		} else {
			if _, err := s.f.ReadAt(buf[done:done+n], int64(info.Offset+done)); err != nil {
				return nil, fault.Wrap(fault.IOError, err, "read layer at offset %d", info.Offset+done)
			}
		}
		done += n
	}
	if err := ctx.Err(); err != nil {
		return nil, mapCtxErr(err)
	}

	if s.verify && info.Flags&layerFlagChecksum != 0 {
		if sum := crc32.ChecksumIEEE(buf); sum != info.CRC32 {
			return nil, fault.New(fault.Corrupt,
				"layer checksum mismatch: got %08x, index has %08x", sum, info.CRC32)
		}
	}
	return buf, nil
}

func mapCtxErr(err error) error {
	if err == context.DeadlineExceeded {
		return fault.Wrap(fault.Timeout, err, "layer fetch timed out")
	}
	return fault.Wrap(fault.Cancelled, err, "layer fetch cancelled")
}

// Release gives back one hold. A layer with zero holds becomes eligible for
// eviction but stays resident until there is pressure.
func (s *Store) Release(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.entryLocked(id)
	if r == nil {
		return
	}
	if r.holds > 0 {
		r.holds--
	}
}

// Drop discards a resident layer immediately. It is a no-op while holds
// remain or when the layer is not resident.
func (s *Store) Drop(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.entryLocked(id)
	if r == nil || r.holds > 0 {
		return
	}
	s.dropLocked(r)
}

func (s *Store) entryLocked(id int) *resident {
	if id < 0 || id >= len(s.entries) {
		return nil
	}
	return s.entries[id]
}

func (s *Store) dropLocked(r *resident) {
	s.lru.remove(r)
	s.entries[r.id] = nil
	s.residentBytes -= uint64(len(r.buf))
	r.buf = nil
	logrus.Debugf("evicted layer %d, resident=%d", r.id, s.residentBytes)
}

// MemoryUsage returns the bytes currently resident in the cache.
func (s *Store) MemoryUsage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.residentBytes
}

// Holds returns the current hold count for a layer. Zero when not resident.
func (s *Store) Holds(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.entryLocked(id); r != nil {
		return r.holds
	}
	return 0
}

// Close unmaps the file and releases all resident buffers. Outstanding
// weight slices become invalid.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, r := range s.entries {
		if r != nil {
			r.holds = 0
			s.dropLocked(r)
		}
	}
	err := unmapFile(s.data)
	s.data = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fault.Wrap(fault.IOError, err, "close container")
	}
	return nil
}
