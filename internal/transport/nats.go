package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds connection settings for the NATS transport.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns settings suitable for a local broker.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "bingo-session",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBroadcaster implements Broadcaster over a NATS connection. The NATS
// client handles wire-level reconnection itself; this type surfaces its
// liveness transitions through OnStatusChange so the connection manager can
// run the session-level state machine on top.
type NATSBroadcaster struct {
	config NATSConfig

	mu        sync.Mutex
	nc        *nats.Conn
	statusFns map[int]func(connected bool)
	nextFn    int
}

// NewNATSBroadcaster creates an undialed NATS transport.
func NewNATSBroadcaster(config NATSConfig) *NATSBroadcaster {
	return &NATSBroadcaster{
		config:    config,
		statusFns: make(map[int]func(connected bool)),
	}
}

// Dial connects to the broker. Repeated calls on a live connection are a
// no-op.
func (b *NATSBroadcaster) Dial(ctx context.Context) error {
	b.mu.Lock()
	if b.nc != nil && b.nc.IsConnected() {
		b.mu.Unlock()
		return nil
	}

	opts := []nats.Option{
		nats.Name(b.config.Name),
		nats.MaxReconnects(b.config.MaxReconnects),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			b.notifyStatus(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			b.notifyStatus(true)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("connect to NATS: %w", err)
	}
	b.nc = nc
	b.mu.Unlock()

	b.notifyStatus(true)
	return nil
}

// Publish sends data on a subject and flushes so the write is on the wire
// before the caller treats the event as visible.
func (b *NATSBroadcaster) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()

	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for a subject.
func (b *NATSBroadcaster) Subscribe(subject string, h Handler) (Unsubscribe, error) {
	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()

	if nc == nil {
		return nil, ErrNotConnected
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				log.Debug().Err(err).Str("subject", subject).Msg("unsubscribe failed")
			}
		})
	}, nil
}

// Connected reports whether the NATS connection is live.
func (b *NATSBroadcaster) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nc != nil && b.nc.IsConnected()
}

// OnStatusChange registers a liveness callback.
func (b *NATSBroadcaster) OnStatusChange(fn func(connected bool)) Unsubscribe {
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

// Close drains and closes the connection.
func (b *NATSBroadcaster) Close() error {
	b.mu.Lock()
	nc := b.nc
	b.nc = nil
	b.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	return nil
}

func (b *NATSBroadcaster) notifyStatus(connected bool) {
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
