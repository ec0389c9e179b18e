// Package broadcast lets several server processes share one logical
// document. Every local change is published on a per-document channel,
// wrapped in an envelope that names the publishing instance, and every
// instance applies what the others publish.
package broadcast

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by buses and adapters after Close.
	ErrClosed = errors.New("broadcast: closed")
	// ErrQueueFull is reported when the publish queue cannot take another message.
	ErrQueueFull = errors.New("broadcast: publish queue full")
)

// Handler receives the raw payload published on a channel.
type Handler func(payload []byte)

// Subscription is an active channel subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a byte-channel pub/sub transport. Handlers for one subscription are
// called sequentially in publish order.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	Close() error
}
