package chat

import "sync"

// MaxRecentMessages is the number of recent messages retained per channel for
// the subscribe-time snapshot. Full history lives in the store.
const MaxRecentMessages = 50

// RecentCache keeps the tail of each channel's message log in memory so a
// subscriber gets an immediate snapshot while REST hydration is in flight.
// It is a derived index: always reconstructible from the store, never the
// source of truth. Goroutine-safe, ring buffer per channel.
type RecentCache struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // channel -> ring buffer
}

type ringBuffer struct {
	items []Message
	pos   int
	count int
}

// NewRecentCache creates an empty RecentCache.
func NewRecentCache() *RecentCache {
	return &RecentCache{
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a committed message to the channel's ring buffer, overwriting
// the oldest entry when full.
func (rc *RecentCache) Add(channel string, msg Message) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rb, ok := rc.buffers[channel]
	if !ok {
		rb = &ringBuffer{
			items: make([]Message, MaxRecentMessages),
		}
		rc.buffers[channel] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxRecentMessages
	if rb.count < MaxRecentMessages {
		rb.count++
	}
}

// Update replaces the cached copy of a message in place (reaction or status
// changes). A miss is fine: the message has already rotated out.
func (rc *RecentCache) Update(channel string, msg Message) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rb, ok := rc.buffers[channel]
	if !ok {
		return
	}
	for i := 0; i < rb.count; i++ {
		idx := (rb.pos - rb.count + i + MaxRecentMessages) % MaxRecentMessages
		if rb.items[idx].ID == msg.ID {
			rb.items[idx] = msg
			return
		}
	}
}

// Recent returns the cached tail for a channel in chronological order
// (oldest first). Returns an empty slice for unknown channels.
func (rc *RecentCache) Recent(channel string) []Message {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	rb, ok := rc.buffers[channel]
	if !ok {
		return []Message{}
	}

	result := make([]Message, rb.count)
	start := (rb.pos - rb.count + MaxRecentMessages) % MaxRecentMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxRecentMessages]
	}
	return result
}

// Drop deletes the buffer for a channel (called when the channel is
// garbage-collected).
func (rc *RecentCache) Drop(channel string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	delete(rc.buffers, channel)
}
