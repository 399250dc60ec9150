package storage

import "sync"

// BytesPool recycles scratch buffers used to copy values out of a mapping
// before they are handed to a codec.
type BytesPool struct {
	pool sync.Pool
}

func NewBytesPool() *BytesPool {
	return &BytesPool{
		pool: sync.Pool{
			New: func() any {
				buf := new([]byte)            // Attempt to force allocation on heap.
				*buf = make([]byte, 0, 1<<10) // 1kb
				return buf
			},
		},
	}
}

func (p *BytesPool) GetBytes() *[]byte {
	return p.pool.Get().(*[]byte)
}

// CopyBytes returns a pooled buffer holding a copy of src.
func (p *BytesPool) CopyBytes(src []byte) *[]byte {
	b := p.GetBytes()
	*b = append(*b, src...)
	return b
}

func (p *BytesPool) PutBytes(b *[]byte) {
	*b = (*b)[:0]

	p.pool.Put(b)
}
