package bus

import (
	"context"
	"path"
	"sync"
	"time"
)

// LocalBus implements Bus inside a single process. It is the
// single-replica degradation path: fan-out stays in-process and
// cross-replica routing is unavailable.
type LocalBus struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan []byte
	nextSubID   int
	keys        map[string]localEntry
	closed      bool
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[string]map[int]chan []byte),
		keys:        make(map[string]localEntry),
	}
}

// Publish fans payload out to local subscribers of channel
func (b *LocalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := make([]chan []byte, 0, len(b.subscribers[channel]))
	for _, ch := range b.subscribers[channel] {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

// Subscribe registers an in-process subscriber
func (b *LocalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++

	ch := make(chan []byte, 64)
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[int]chan []byte)
	}
	b.subscribers[channel][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subscribers[channel]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subscribers, channel)
				}
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// SetKey writes a volatile key
func (b *LocalBus) SetKey(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[key] = localEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// GetKey reads a key, honoring expiry
func (b *LocalBus) GetKey(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.keys[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(b.keys, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// DeleteKey removes a key
func (b *LocalBus) DeleteKey(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
	return nil
}

// Keys lists unexpired keys matching a glob pattern
func (b *LocalBus) Keys(ctx context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var matched []string
	for key, entry := range b.keys {
		if now.After(entry.expiresAt) {
			delete(b.keys, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// AcquireLock takes an in-process TTL lock
func (b *LocalBus) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.keys[key]; ok && time.Now().Before(entry.expiresAt) {
		return false, func() {}, nil
	}
	b.keys[key] = localEntry{value: "locked", expiresAt: time.Now().Add(ttl)}

	release := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.keys, key)
	}
	return true, release, nil
}

// Distributed reports cross-replica reach; a LocalBus has none
func (b *LocalBus) Distributed() bool {
	return false
}

// Close drops all subscribers
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	// Subscribers own their channels through their cancel funcs; just
	// stop routing publishes to them.
	b.subscribers = make(map[string]map[int]chan []byte)
	return nil
}
