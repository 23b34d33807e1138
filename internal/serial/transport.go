package serial

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// Transport is a raw byte link to the stage controller. It knows nothing
// about frames; inbound bytes are buffered until the reader takes them.
type Transport interface {
	Write(p []byte) error
	// BytesAvailable reports how many inbound bytes are buffered.
	BytesAvailable() int
	// ReadAvailable consumes up to n bytes from the head of the buffer.
	ReadAvailable(n int) []byte
	// Ready is signalled whenever new bytes arrive.
	Ready() <-chan struct{}
	Close() error
}

// Buffer is the inbound side shared by the hardware port and the simulator.
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	ready chan struct{}
}

func NewBuffer() *Buffer {
	return &Buffer{ready: make(chan struct{}, 1)}
}

func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *Buffer) Take(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.data) {
		n = len(b.data)
	}
	if n <= 0 {
		return nil
	}

	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = append(b.data[:0], b.data[n:]...)
	return out
}

func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Reset drops everything buffered, used after (re)opening a link.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.data = b.data[:0]
	b.mu.Unlock()
}
