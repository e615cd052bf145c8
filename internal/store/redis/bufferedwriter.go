package redis

import (
	"context"
	"log"
	"sync"
)

// BufferedWriter wraps the Store with a circuit breaker. While the circuit
// is open, close writes are buffered in memory and replayed once the
// circuit closes again, so a Redis outage never loses captured closes.
type BufferedWriter struct {
	store *Store
	cb    *CircuitBreaker
	ctx   context.Context

	mu     sync.Mutex
	buffer []CloseEntry
	maxBuf int

	// Callbacks for metrics hooks.
	OnBuffer func()
	OnFlush  func(count int)
}

// NewBufferedWriter creates a BufferedWriter around the given Store.
func NewBufferedWriter(ctx context.Context, s *Store, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		store:  s,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]CloseEntry, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}

	return bw
}

// WriteLastClose writes one close through the circuit breaker, buffering
// it locally if the circuit is open.
func (bw *BufferedWriter) WriteLastClose(e CloseEntry) error {
	err := bw.cb.Execute(func() error {
		return bw.store.WriteLastClose(bw.ctx, e)
	})
	if err == ErrCircuitOpen {
		bw.bufferEntry(e)
		return nil // buffered, not lost
	}
	return err
}

func (bw *BufferedWriter) bufferEntry(e CloseEntry) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:] // drop oldest
	}
	bw.buffer = append(bw.buffer, e)

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays buffered closes as one batch.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]CloseEntry, 0, 256)
	bw.mu.Unlock()

	if err := bw.store.WriteLastCloseBatch(bw.ctx, toFlush); err != nil {
		log.Printf("[buffered-writer] flush of %d closes failed: %v", len(toFlush), err)
		// Re-buffer so the next circuit close retries them.
		bw.mu.Lock()
		bw.buffer = append(toFlush, bw.buffer...)
		if len(bw.buffer) > bw.maxBuf {
			bw.buffer = bw.buffer[len(bw.buffer)-bw.maxBuf:]
		}
		bw.mu.Unlock()
		return
	}

	log.Printf("[buffered-writer] flushed %d buffered closes", len(toFlush))
	if bw.OnFlush != nil {
		bw.OnFlush(len(toFlush))
	}
}

// PendingCount returns the number of buffered closes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Underlying returns the wrapped Store for direct access.
func (bw *BufferedWriter) Underlying() *Store {
	return bw.store
}
