// Package bus moves committed event books from the store's write path to
// downstream consumers. Delivery is at-least-once; consumers deduplicate by
// content hash when they need exactly-once effects.
package bus

import (
	"context"

	"github.com/louisbranch/chronicle/internal/book"
)

// Handler consumes one published event book. Returning an error leaves the
// book eligible for redelivery; handlers are expected to be idempotent.
type Handler func(ctx context.Context, eb book.EventBook) error

// Subscription is a live registration on a bus.
type Subscription interface {
	// Unsubscribe stops delivery and releases the subscription's resources.
	Unsubscribe()
}

// Subscriber is a named, domain-filtered registration whose delivery starts
// only when StartConsuming runs. Books published between creation and
// consumption are buffered up to the backend's capacity.
type Subscriber interface {
	Subscription
	// Name identifies the subscriber for logs and diagnostics.
	Name() string
	// StartConsuming delivers buffered and future books to the handler until
	// the context is canceled or the subscriber is unsubscribed.
	StartConsuming(ctx context.Context, handler Handler) error
}

// EventBus publishes committed event books to subscribers.
type EventBus interface {
	// Publish delivers the book to every subscription matching its domain.
	Publish(ctx context.Context, eb book.EventBook) error
	// Subscribe registers a handler and starts delivery immediately. No
	// domains means every domain.
	Subscribe(handler Handler, domains ...string) (Subscription, error)
	// CreateSubscriber registers a named subscriber without starting
	// delivery; the caller drives consumption via StartConsuming.
	CreateSubscriber(name string, domains ...string) (Subscriber, error)
	// Close shuts the bus down and stops all deliveries.
	Close() error
}
