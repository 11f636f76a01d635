package capture

import (
	"sync"
)

// ChunkBuffer holds the encoded chunks of one recording in arrival order.
// It only grows until Reset.
type ChunkBuffer struct {
	chunks [][]byte
	size   int
	mu     sync.RWMutex
}

// NewChunkBuffer creates an empty chunk buffer
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{}
}

// Append adds a chunk at the end of the sequence and returns the chunk count.
// Empty chunks are ignored.
func (b *ChunkBuffer) Append(chunk []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(chunk) > 0 {
		b.chunks = append(b.chunks, chunk)
		b.size += len(chunk)
	}
	return len(b.chunks)
}

// Len returns the number of chunks
func (b *ChunkBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Size returns the total number of audio bytes
func (b *ChunkBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Bytes concatenates all chunks in arrival order
func (b *ChunkBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Reset drops every chunk
func (b *ChunkBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = nil
	b.size = 0
}

// IsEmpty returns true if no chunk has been appended since the last Reset
func (b *ChunkBuffer) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks) == 0
}
