package proxy

import (
	"io"
	"sync"
)

const (
	// DefaultBufferSize is the size of the pooled relay buffers (32KB).
	DefaultBufferSize = 32 * 1024
	// headChunkSize is how much the head reader asks for per Read.
	headChunkSize = 4 * 1024
)

// relayPool holds the buffers each tunnel direction copies through.
var relayPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// headPool holds the scratch chunks used while reading request heads.
var headPool = sync.Pool{
	New: func() any {
		buf := make([]byte, headChunkSize)
		return &buf
	},
}

// getBuffer retrieves a relay buffer from the pool.
// The caller must return the buffer using putBuffer when done.
func getBuffer() *[]byte {
	return relayPool.Get().(*[]byte)
}

// putBuffer returns a relay buffer to the pool for reuse.
func putBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == DefaultBufferSize {
		relayPool.Put(buf)
	}
}

func getHeadChunk() *[]byte {
	return headPool.Get().(*[]byte)
}

func putHeadChunk(buf *[]byte) {
	if buf != nil && len(*buf) == headChunkSize {
		headPool.Put(buf)
	}
}

// copyBuffer copies from src to dst using a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}
