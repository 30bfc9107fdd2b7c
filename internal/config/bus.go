package config

import (
	"sync"
)

// Bus holds the single authoritative Config and broadcasts change
// notifications to every subscriber. There is exactly one writer path
// (Update); everyone else only ever reads a Snapshot.
//
// Subscribers are notified via a capacity-1 channel: a full channel
// means the subscriber has not yet consumed the previous notification,
// which is fine, since on waking it always re-reads the latest
// snapshot rather than replaying a queue of diffs (watch, not queue,
// semantics).
type Bus struct {
	mu      sync.RWMutex
	current *Config

	subMu sync.Mutex
	subs  map[int]chan struct{}
	next  int
}

func NewBus(initial *Config) *Bus {
	return &Bus{
		current: initial.Clone(),
		subs:    make(map[int]chan struct{}),
	}
}

// Snapshot returns the current configuration. The returned value must
// not be mutated; callers that need to change it go through Update.
func (b *Bus) Snapshot() *Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Subscribe returns a channel that receives a value every time the
// configuration changes, and a cancel function to stop receiving them.
func (b *Bus) Subscribe() (<-chan struct{}, func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.next
	b.next++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch
	return ch, func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.subs, id)
	}
}

// Update atomically replaces the configuration with the result of
// applying mutate to a clone of the current value, then notifies every
// subscriber. If mutate returns an error, the configuration is
// unchanged and no notification is sent.
func (b *Bus) Update(mutate func(*Config) error) (*Config, error) {
	b.mu.Lock()
	next := b.current.Clone()
	if err := mutate(next); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.current = next
	b.mu.Unlock()

	b.notify()
	return next.Clone(), nil
}

func (b *Bus) notify() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
