// Package stratum implements the line-oriented mining protocol spoken by the
// solo pool over TCP and websocket connections. It provides message parsing,
// session management, and the accept loops.
package stratum

import (
	"sync"
)

const readBufferSize = 4096

// Object pools for hot path optimizations
var (
	// bufferPool reuses scanner buffers for network reads
	bufferPool = sync.Pool{
		New: func() any {
			return make([]byte, readBufferSize)
		},
	}
)

// GetBuffer gets a byte buffer from the pool
func GetBuffer() []byte {
	return bufferPool.Get().([]byte)
}

// PutBuffer returns a byte buffer to the pool
func PutBuffer(buf []byte) {
	if cap(buf) == readBufferSize {
		bufferPool.Put(buf[:readBufferSize])
	}
}
