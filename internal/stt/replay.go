package stt

import "sync"

// pendingBuffer holds audio that failed to reach the server so the next
// connection can resend it. Chunks delivered on a healthy link are never
// buffered, so nothing is sent twice. A byte budget bounds the buffer; evicted
// chunks are counted as lost.
type pendingBuffer struct {
	mu      sync.Mutex
	chunks  [][]byte
	size    int
	limit   int
	evicted int64
}

func newPendingBuffer(limit int) *pendingBuffer {
	return &pendingBuffer{limit: limit}
}

func (b *pendingBuffer) add(chunk []byte) {
	if b.limit <= 0 || len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	b.trim()
}

// drain removes and returns the buffered chunks oldest first.
func (b *pendingBuffer) drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.chunks
	b.chunks = nil
	b.size = 0
	return out
}

// restore puts back chunks a failed flush could not deliver. They predate
// anything added since the drain, so they go to the front.
func (b *pendingBuffer) restore(chunks [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(append([][]byte(nil), chunks...), b.chunks...)
	b.size = 0
	for _, c := range b.chunks {
		b.size += len(c)
	}
	b.trim()
}

func (b *pendingBuffer) trim() {
	if b.limit <= 0 {
		return
	}
	for b.size > b.limit && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
		b.evicted++
	}
}

func (b *pendingBuffer) evictions() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
