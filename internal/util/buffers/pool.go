// Package buffers provides reusable byte buffers for the splitter and
// provider upload paths, reducing GC pressure during large transfers.
package buffers

import (
	"log"
	"sync"
	"sync/atomic"
)

const (
	// ChunkSize is the size of buffers used for provider upload parts.
	ChunkSize = 16 * 1024 * 1024 // 16 MB

	// SplitterBufferSize is the size of buffers used to read ciphertext
	// out of the encryptor before framing it into the splitter.
	SplitterBufferSize = 16 * 1024 // 16 KB
)

var (
	chunkAllocations int64
	chunkReuses      int64
	smallAllocations int64
)

var (
	// chunkPool provides ChunkSize buffers for provider upload operations.
	chunkPool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&chunkAllocations, 1)
			allocs := atomic.LoadInt64(&chunkAllocations)
			if allocs%10 == 0 {
				reuses := atomic.LoadInt64(&chunkReuses)
				log.Printf("buffer pool: %d chunk allocations, %d reuses (%.1f%% reuse rate)",
					allocs, reuses, float64(reuses)/float64(allocs+reuses)*100)
			}
			buf := make([]byte, ChunkSize)
			return &buf
		},
	}

	// smallPool provides SplitterBufferSize buffers for splitter reads.
	smallPool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&smallAllocations, 1)
			buf := make([]byte, SplitterBufferSize)
			return &buf
		},
	}
)

// GetChunkBuffer retrieves a ChunkSize buffer from the pool.
// The buffer must be returned with PutChunkBuffer when done.
func GetChunkBuffer() *[]byte {
	buf := chunkPool.Get().(*[]byte)
	atomic.AddInt64(&chunkReuses, 1)
	return buf
}

// PutChunkBuffer returns a buffer to the pool for reuse.
// Only buffers of the correct size are pooled; the buffer is cleared
// first so stale plaintext/ciphertext doesn't linger in the pool.
func PutChunkBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == ChunkSize {
		clear(*buf)
		chunkPool.Put(buf)
	}
}

// GetSmallBuffer retrieves a SplitterBufferSize buffer from the pool.
func GetSmallBuffer() *[]byte {
	return smallPool.Get().(*[]byte)
}

// PutSmallBuffer returns a small buffer to the pool for reuse.
func PutSmallBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == SplitterBufferSize {
		clear(*buf)
		smallPool.Put(buf)
	}
}

// Stats reports current buffer pool allocation counts.
type Stats struct {
	ChunkBufferSize  int
	SmallBufferSize  int
	ChunkAllocations int64
	SmallAllocations int64
}

// GetStats returns current buffer pool statistics.
func GetStats() Stats {
	return Stats{
		ChunkBufferSize:  ChunkSize,
		SmallBufferSize:  SplitterBufferSize,
		ChunkAllocations: atomic.LoadInt64(&chunkAllocations),
		SmallAllocations: atomic.LoadInt64(&smallAllocations),
	}
}
