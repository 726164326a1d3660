// Package candbuf buffers locally generated ICE candidates until the relay
// protocol is able to carry them.
//
// The signaling relay only forwards candidates between matched, answered
// peers, so candidates generated before the counter-description exists must
// be parked. The buffer supports atomic append and atomic drain-all; appends
// come from the media layer's candidate callback while the signaling path
// drains, so the two must be mutually exclusive.
package candbuf

import "sync"

// Buffer is a concurrency-safe, append-only candidate queue.
//
// The zero value is ready to use.
type Buffer struct {
	mu    sync.Mutex
	items []string
}

// Append adds a candidate to the buffer.
func (b *Buffer) Append(candidate string) {
	b.mu.Lock()
	b.items = append(b.items, candidate)
	b.mu.Unlock()
}

// Drain atomically removes and returns all buffered candidates,
// most-recently-appended first. Callers see each candidate exactly once
// across all Drain calls.
func (b *Buffer) Drain() []string {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// Len reports the number of buffered candidates.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
