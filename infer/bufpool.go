// infer/bufpool.go
package infer

// bufPool recycles activation buffers by size class. Passes over the same
// graph reuse identical sizes, so exact-size bucketing is enough.
type bufPool struct {
	free map[uint64][][]byte
}

func newBufPool() *bufPool {
	return &bufPool{free: make(map[uint64][][]byte)}
}

func (p *bufPool) get(size uint64) []byte {
	if bufs := p.free[size]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.free[size] = bufs[:len(bufs)-1]
		return buf
	}
	return make([]byte, size)
}

func (p *bufPool) put(buf []byte) {
	if buf == nil {
		return
	}
	size := uint64(len(buf))
	p.free[size] = append(p.free[size], buf)
}
