package bus

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/encoding"
)

// ErrBusClosed indicates an operation on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// ErrAlreadyConsuming indicates a second StartConsuming on one subscriber.
var ErrAlreadyConsuming = errors.New("subscriber is already consuming")

const subscriberBuffer = 64

// MemoryBus is an in-process bus. Each subscriber owns a buffered channel, so
// a slow handler never blocks Publish until its buffer fills. Duplicate
// books, identified by content hash, are dropped per subscriber.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[*memorySubscriber]struct{}
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscriber]struct{})}
}

// CreateSubscriber registers a named subscriber. Publishes start buffering
// immediately; delivery waits for StartConsuming.
func (b *MemoryBus) CreateSubscriber(name string, domains ...string) (Subscriber, error) {
	sub := &memorySubscriber{
		bus:  b,
		name: name,
		ch:   make(chan book.EventBook, subscriberBuffer),
		seen: make(map[string]bool),
		quit: make(chan struct{}),
	}
	if len(domains) > 0 {
		sub.domains = make(map[string]bool, len(domains))
		for _, d := range domains {
			sub.domains[d] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Subscribe registers a handler and starts delivery on a dedicated goroutine.
func (b *MemoryBus) Subscribe(handler Handler, domains ...string) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	sub, err := b.CreateSubscriber("", domains...)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := sub.StartConsuming(context.Background(), handler); err != nil {
			log.Printf("bus: consume loop ended: %v", err)
		}
	}()
	return sub, nil
}

// Publish fans the book out to every matching subscriber. A full subscriber
// buffer fails the publish so the caller can retry or dead-letter; other
// subscribers still receive the book.
func (b *MemoryBus) Publish(_ context.Context, eb book.EventBook) error {
	if err := eb.Cover.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	subs := make([]*memorySubscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if sub.domains != nil && !sub.domains[eb.Cover.Domain] {
			continue
		}
		select {
		case sub.ch <- eb:
		default:
			errs = append(errs, errors.New("subscriber buffer full for domain "+eb.Cover.Domain))
		}
	}
	return errors.Join(errs...)
}

// Close stops every subscriber and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*memorySubscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

type memorySubscriber struct {
	bus     *MemoryBus
	name    string
	domains map[string]bool
	ch      chan book.EventBook
	seen    map[string]bool

	mu        sync.Mutex
	consuming bool
	quit      chan struct{}
	quitOnce  sync.Once
}

// Name identifies the subscriber.
func (s *memorySubscriber) Name() string {
	return s.name
}

// StartConsuming delivers books to the handler until the context is canceled
// or the subscriber is stopped. It returns nil on a clean stop.
func (s *memorySubscriber) StartConsuming(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	s.mu.Lock()
	if s.consuming {
		s.mu.Unlock()
		return ErrAlreadyConsuming
	}
	s.consuming = true
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return nil
		case eb := <-s.ch:
			key, err := bookKey(eb)
			if err != nil {
				log.Printf("bus: drop undeliverable book for %s: %v", eb.Cover.Key(), err)
				continue
			}
			if s.seen[key] {
				continue
			}
			s.seen[key] = true
			if err := handler(ctx, eb); err != nil {
				// Redelivery is the publisher's job; forget the hash so a
				// retried publish reaches the handler again.
				delete(s.seen, key)
				log.Printf("bus: handler failed for %s: %v", eb.Cover.Key(), err)
			}
		}
	}
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *memorySubscriber) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *memorySubscriber) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// bookKey identifies a published book by its cover and page contents, so a
// republish after a transient failure dedupes but new pages never do.
func bookKey(eb book.EventBook) (string, error) {
	hash, err := encoding.ContentHash(struct {
		Key   string           `json:"key"`
		Pages []book.EventPage `json:"pages"`
	}{Key: eb.Cover.Key(), Pages: eb.Pages})
	if err != nil {
		return "", err
	}
	return hash, nil
}
