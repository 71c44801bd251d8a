package transport

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Broadcaster used by tests and by single-node
// development setups. Delivery is synchronous and in publish order, matching
// the ordering contract of the real substrate. DropConnection and FailDials
// let tests exercise the reconnect paths deterministically.
type MemoryBus struct {
	mu        sync.Mutex
	connected bool
	failDials int
	subs      map[string]map[int]Handler
	nextSub   int
	statusFns map[int]func(connected bool)
	nextFn    int
}

// NewMemoryBus returns an undialed in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:      make(map[string]map[int]Handler),
		statusFns: make(map[int]func(connected bool)),
	}
}

// FailDials makes the next n Dial calls return ErrNotConnected.
func (b *MemoryBus) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// Dial marks the bus connected unless a failure was injected.
func (b *MemoryBus) Dial(ctx context.Context) error {
	b.mu.Lock()
	if b.failDials > 0 {
		b.failDials--
		b.mu.Unlock()
		return ErrNotConnected
	}
	was := b.connected
	b.connected = true
	b.mu.Unlock()

	if !was {
		b.notifyStatus(true)
	}
	return nil
}

// DropConnection simulates a transport failure.
func (b *MemoryBus) DropConnection() {
	b.mu.Lock()
	was := b.connected
	b.connected = false
	b.mu.Unlock()

	if was {
		b.notifyStatus(false)
	}
}

// Publish delivers data synchronously to every subscriber of the subject.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers a handler for a subject.
func (b *MemoryBus) Subscribe(subject string, h Handler) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]Handler)
	}
	id := b.nextSub
	b.nextSub++
	b.subs[subject][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[subject], id)
		})
	}, nil
}

// Connected reports bus liveness.
func (b *MemoryBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// OnStatusChange registers a liveness callback.
func (b *MemoryBus) OnStatusChange(fn func(connected bool)) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextFn
	b.nextFn++
	b.statusFns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.statusFns, id)
		})
	}
}

// Close disconnects and drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.connected = false
	b.subs = make(map[string]map[int]Handler)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) notifyStatus(connected bool) {
	b.mu.Lock()
	fns := make([]func(bool), 0, len(b.statusFns))
	for _, fn := range b.statusFns {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

var _ Broadcaster = (*MemoryBus)(nil)
var _ Broadcaster = (*NATSBroadcaster)(nil)
