package reading

import (
	"errors"
	"fmt"
	"sync"
)

var ErrEmptyBuffer = errors.New("reading buffer is empty")

// Buffer is a fixed-capacity FIFO of readings. When full, Push evicts the
// oldest entry. It is safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	items []Reading
	head  int // index of the oldest entry
	size  int
}

func NewBuffer(maxSize int) (*Buffer, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("buffer size must be >= 1, got %d", maxSize)
	}
	return &Buffer{items: make([]Reading, maxSize)}, nil
}

func (b *Buffer) Push(r Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = r
		b.size++
		return
	}
	b.items[b.head] = r
	b.head = (b.head + 1) % len(b.items)
}

// Get returns every stored reading, oldest first.
func (b *Buffer) Get() []Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLocked(b.size)
}

// Latest returns the most recently pushed reading.
func (b *Buffer) Latest() (Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return Reading{}, ErrEmptyBuffer
	}
	return b.items[(b.head+b.size-1)%len(b.items)], nil
}

// LatestN returns the last min(n, Len()) readings in chronological order.
func (b *Buffer) LatestN(n int) []Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLocked(n)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Cap() int { return len(b.items) }

func (b *Buffer) lastLocked(n int) []Reading {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return []Reading{}
	}
	out := make([]Reading, n)
	start := b.head + b.size - n
	for i := range n {
		out[i] = b.items[(start+i)%len(b.items)]
	}
	return out
}
