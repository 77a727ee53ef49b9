package registry

import (
	"sync"
)

// LocalBus is an in-process Bus for single-instance deployments and tests.
// Delivery is synchronous and in publish order, matching the per-subject
// ordering the NATS bus provides.
type LocalBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]func(data []byte) // channel -> subscription id -> handler
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]map[int]func(data []byte))}
}

// PublishChannel delivers data to every handler subscribed to the channel.
func (b *LocalBus) PublishChannel(channel string, data []byte) error {
	b.mu.Lock()
	hs := make([]func(data []byte), 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
	return nil
}

// SubscribeChannel registers the handler and returns a cancel that removes
// exactly this subscription.
func (b *LocalBus) SubscribeChannel(channel string, handler func(data []byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[int]func(data []byte))
	}
	b.handlers[channel][id] = handler

	cancel := func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[channel], id)
		if len(b.handlers[channel]) == 0 {
			delete(b.handlers, channel)
		}
		return nil
	}
	return cancel, nil
}
