package dtls_bridge

import "sync"

type PayloadPooler interface {
	Get() []byte
	Put(buf []byte)
}

// PayloadPool recycles receive buffers of one fixed size between the
// receivers of successive connections.
type PayloadPool struct {
	size        int
	payloadPool *sync.Pool
}

func NewPayloadPool(size int) *PayloadPool {
	return &PayloadPool{
		size: size,
		payloadPool: &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

func (p *PayloadPool) Size() int {
	return p.size
}

func (p *PayloadPool) Get() []byte {
	return *p.payloadPool.Get().(*[]byte)
}

// Put zeroes buf before recycling it. Buffers of a foreign size are dropped.
func (p *PayloadPool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	clear(buf)
	p.payloadPool.Put(&buf)
}
