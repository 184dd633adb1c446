// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync/atomic"

// DefaultReadSize is the read chunk used by transport connections.
const DefaultReadSize = 16 << 10

// BytePool hands out fixed-size read buffers and growable scratch slices.
type BytePool struct {
	size    int
	buffers *SyncPool[*[]byte]

	gets atomic.Int64
	puts atomic.Int64
}

// NewBytePool creates a pool of buffers of length size.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = DefaultReadSize
	}
	return &BytePool{
		size: size,
		buffers: NewSyncPool(
			func() *[]byte {
				b := make([]byte, size)
				return &b
			},
			func(b *[]byte) *[]byte {
				*b = (*b)[:cap(*b)]
				return b
			},
		),
	}
}

// Size returns the length of buffers returned by GetBuffer.
func (b *BytePool) Size() int {
	return b.size
}

// GetBuffer returns a buffer of Size bytes.
func (b *BytePool) GetBuffer() *[]byte {
	b.gets.Add(1)
	return b.buffers.Get()
}

// PutBuffer returns a buffer to the pool. Buffers of a foreign size are
// dropped.
func (b *BytePool) PutBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) != b.size {
		return
	}
	b.puts.Add(1)
	b.buffers.Put(buf)
}

// Outstanding reports buffers taken and not yet returned.
func (b *BytePool) Outstanding() int64 {
	return b.gets.Load() - b.puts.Load()
}

var shared = NewBytePool(DefaultReadSize)

// Default returns the process-wide read buffer pool.
func Default() *BytePool {
	return shared
}
