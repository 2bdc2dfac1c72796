// Package jitter implements the per-sender PCM jitter buffer (C1): a FIFO
// byte queue fed by network callbacks and drained once per mix tick. Unlike
// a sequence-reordering jitter buffer, this one makes no ordering promises
// beyond arrival order — the mix tick pulls whatever is available and
// zero-pads the rest, which is all the 20 ms cadence needs.
package jitter

import (
	"sync"
	"sync/atomic"
	"time"
)

// Buffer is a single sender's PCM byte FIFO. Write is safe to call from any
// goroutine (network callbacks); LastWrite is wait-free so the mix tick can
// read staleness without acquiring the buffer's internal lock. ReadFrame is
// intended to be called only by the mix tick, which already holds the
// recording mutex while doing so — it is not independently safe for
// concurrent readers.
type Buffer struct {
	mu        sync.Mutex
	chunks    [][]byte
	lastWrite atomic.Int64 // unix nanos
}

// New creates an empty jitter buffer.
func New() *Buffer {
	return &Buffer{}
}

// Write enqueues a copy of data and atomically records the write time.
func (b *Buffer) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	b.chunks = append(b.chunks, cp)
	b.mu.Unlock()

	b.lastWrite.Store(time.Now().UnixNano())
}

// ReadFrame dequeues exactly n bytes into dst (which must have length n),
// concatenating across internal chunks. If fewer than n bytes are
// available, the remainder is zero-padded. It returns whether any bytes at
// all were copied.
func (b *Buffer) ReadFrame(dst []byte) bool {
	n := len(dst)
	b.mu.Lock()
	defer b.mu.Unlock()

	copied := 0
	for copied < n && len(b.chunks) > 0 {
		head := b.chunks[0]
		take := n - copied
		if take > len(head) {
			take = len(head)
		}
		copy(dst[copied:copied+take], head[:take])
		copied += take
		if take == len(head) {
			b.chunks = b.chunks[1:]
		} else {
			b.chunks[0] = head[take:]
		}
	}
	for i := copied; i < n; i++ {
		dst[i] = 0
	}
	return copied > 0
}

// LastWrite returns the time of the most recent Write, or the zero Time if
// Write has never been called.
func (b *Buffer) LastWrite() time.Time {
	ns := b.lastWrite.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
