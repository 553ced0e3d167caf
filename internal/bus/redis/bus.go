// Package redis adapts the event bus onto Redis pub/sub. Each domain maps to
// its own channel, so cross-process subscribers can filter server-side.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	backend "github.com/redis/go-redis/v9"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/bus"
	"github.com/louisbranch/chronicle/internal/encoding"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

const defaultPrefix = "chronicle.events."

// Bus publishes event books over Redis pub/sub.
type Bus struct {
	client *backend.Client
	prefix string

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithPrefix overrides the channel name prefix.
func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// New creates a bus over a fresh Redis client.
func New(address, password string, db int, opts ...Option) *Bus {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(client, opts...)
}

// NewFromClient creates a bus from an existing client. The caller keeps
// ownership of the client; Close does not close it.
func NewFromClient(client *backend.Client, opts ...Option) *Bus {
	b := &Bus{
		client: client,
		prefix: defaultPrefix,
		subs:   make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) channel(domain string) string {
	return b.prefix + domain
}

// Publish marshals the book and publishes it on the domain's channel.
// Transport failures come back retryable so the caller's publish retry loop
// can pick them up.
func (b *Bus) Publish(ctx context.Context, eb book.EventBook) error {
	if err := eb.Cover.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(eb)
	if err != nil {
		return fmt.Errorf("marshal event book: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(eb.Cover.Domain), payload).Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeTransientBus, "publish to redis", err)
	}
	return nil
}

// CreateSubscriber opens the pub/sub subscription for the domains without
// starting delivery. No domains means a pattern subscription on the prefix.
func (b *Bus) CreateSubscriber(name string, domains ...string) (bus.Subscriber, error) {
	ctx := context.Background()
	var pubsub *backend.PubSub
	if len(domains) == 0 {
		pubsub = b.client.PSubscribe(ctx, b.prefix+"*")
	} else {
		channels := make([]string, len(domains))
		for i, d := range domains {
			channels[i] = b.channel(d)
		}
		pubsub = b.client.Subscribe(ctx, channels...)
	}

	sub := &subscriber{
		bus:    b,
		name:   name,
		pubsub: pubsub,
		seen:   make(map[string]bool),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Subscribe registers a handler and starts delivery on a dedicated goroutine.
func (b *Bus) Subscribe(handler bus.Handler, domains ...string) (bus.Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	sub, err := b.CreateSubscriber("", domains...)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := sub.StartConsuming(context.Background(), handler); err != nil {
			log.Printf("redis bus: consume loop ended: %v", err)
		}
	}()
	return sub, nil
}

// Close stops every subscriber. The underlying client stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

type subscriber struct {
	bus    *Bus
	name   string
	pubsub *backend.PubSub
	seen   map[string]bool
}

// Name identifies the subscriber.
func (s *subscriber) Name() string {
	return s.name
}

// StartConsuming delivers published books to the handler until the context is
// canceled or the subscription is closed. It returns nil on a clean stop.
func (s *subscriber) StartConsuming(ctx context.Context, handler bus.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var eb book.EventBook
			if err := json.Unmarshal([]byte(msg.Payload), &eb); err != nil {
				log.Printf("redis bus: drop undecodable message on %s: %v", msg.Channel, err)
				continue
			}
			key, err := encoding.ContentHash(struct {
				Key   string           `json:"key"`
				Pages []book.EventPage `json:"pages"`
			}{Key: eb.Cover.Key(), Pages: eb.Pages})
			if err != nil {
				log.Printf("redis bus: drop unhashable message on %s: %v", msg.Channel, err)
				continue
			}
			if s.seen[key] {
				continue
			}
			s.seen[key] = true
			if err := handler(ctx, eb); err != nil {
				delete(s.seen, key)
				log.Printf("redis bus: handler failed for %s: %v", eb.Cover.Key(), err)
			}
		}
	}
}

// Unsubscribe stops delivery for this subscriber.
func (s *subscriber) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *subscriber) stop() {
	if err := s.pubsub.Close(); err != nil {
		log.Printf("redis bus: close subscription: %v", err)
	}
}
