// Package transport abstracts the broadcast substrate: a durable pub-sub
// channel with per-session subjects and a connection liveness signal. The
// production implementation rides NATS; tests use the in-memory bus.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotConnected is returned by Publish when the transport has no live
// connection to the substrate.
var ErrNotConnected = errors.New("transport: not connected")

// Handler receives the raw bytes of one published message.
type Handler func(data []byte)

// Unsubscribe removes a subscription. Safe to call more than once and after
// the transport closes.
type Unsubscribe func()

// Broadcaster is the one transport contract everything above depends on.
type Broadcaster interface {
	// Dial establishes the underlying connection. Idempotent.
	Dial(ctx context.Context) error

	// Publish sends data on a subject. Delivery is in publish order within
	// one connection; there is no cross-connection ordering guarantee.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for a subject.
	Subscribe(subject string, h Handler) (Unsubscribe, error)

	// Connected reports current transport liveness.
	Connected() bool

	// OnStatusChange registers a callback invoked on every liveness change.
	OnStatusChange(fn func(connected bool)) Unsubscribe

	// Close tears down the connection and drops all subscriptions.
	Close() error
}

// Subject naming: one subject per session for call events and a separate
// namespace for claim events, so a player process only ever subscribes to
// sessions it has joined.

// CallSubject returns the subject carrying call-state events for a session.
func CallSubject(sessionID uuid.UUID) string {
	return fmt.Sprintf("bingo.session.%s.calls", sessionID)
}

// ClaimSubject returns the subject carrying claim events for a session.
func ClaimSubject(sessionID uuid.UUID) string {
	return fmt.Sprintf("bingo.session.%s.claims", sessionID)
}
