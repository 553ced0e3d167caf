// Package coordinator is the orchestrating entry point of the runtime: it
// loads prior history, dispatches commands to aggregate routers, hands the
// resulting events to the sequencing engine, persists and publishes them, and
// routes committed events onward to sagas and process managers.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/bus"
	"github.com/louisbranch/chronicle/internal/deadletter"
	"github.com/louisbranch/chronicle/internal/platform/id"
	"github.com/louisbranch/chronicle/internal/router"
	"github.com/louisbranch/chronicle/internal/sequence"
	"github.com/louisbranch/chronicle/internal/storage"
	"github.com/louisbranch/chronicle/internal/telemetry"
)

var (
	// ErrStoreRequired indicates a coordinator built without a store.
	ErrStoreRequired = errors.New("store is required")
	// ErrBusRequired indicates a coordinator built without an event bus.
	ErrBusRequired = errors.New("event bus is required")
	// ErrDomainRegistered indicates a second aggregate for one domain.
	ErrDomainRegistered = errors.New("domain already registered")
)

// Projector computes read-model views from newly committed events. Projectors
// run synchronously after persistence; their output travels on the business
// response and never back into the history.
type Projector func(ctx context.Context, eb book.EventBook) ([]book.Projection, error)

// BusinessLogic invokes aggregate business logic hosted in a separate
// process. It is consulted only for domains with no in-process router.
type BusinessLogic interface {
	Handle(ctx context.Context, prior book.EventBook, cb book.CommandBook) ([]book.EventPage, error)
}

// Coordinator wires routers, the sequencing engine, storage, and the bus into
// one command-handling surface. Concurrent commands against the same root are
// not serialized in-process; correctness relies on the store's
// compare-and-append semantics and the engine's retry and merge logic.
type Coordinator struct {
	store   storage.Store
	bus     bus.EventBus
	engine  *sequence.Engine
	sink    deadletter.Sink
	metrics *telemetry.Metrics
	remote  BusinessLogic
	tracer  trace.Tracer

	// snapshotEvery is the event-count cadence for snapshot refreshes; zero
	// disables snapshotting.
	snapshotEvery uint64

	publishAttempts uint
	publishInitial  time.Duration
	publishMax      time.Duration

	mu         sync.RWMutex
	routers    map[string]*router.CommandRouter
	projectors map[string][]Projector
	sagas      []*router.SagaRouter
	processes  []*router.ProcessRouter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDeadLetterSink routes terminal failures to the sink.
func WithDeadLetterSink(sink deadletter.Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithMetrics records operational counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSnapshotEvery refreshes an aggregate's snapshot every n committed
// events. Zero disables snapshotting.
func WithSnapshotEvery(n uint64) Option {
	return func(c *Coordinator) { c.snapshotEvery = n }
}

// WithBusinessLogic consults remote business logic for domains that have no
// in-process router.
func WithBusinessLogic(remote BusinessLogic) Option {
	return func(c *Coordinator) { c.remote = remote }
}

// WithPublishRetry bounds the asynchronous publish retry loop.
func WithPublishRetry(attempts uint, initial, max time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.publishAttempts = attempts
		}
		if initial > 0 {
			c.publishInitial = initial
		}
		if max > 0 {
			c.publishMax = max
		}
	}
}

// New creates a coordinator over a store and a bus.
func New(store storage.Store, eventBus bus.EventBus, engine *sequence.Engine, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if eventBus == nil {
		return nil, ErrBusRequired
	}
	if engine == nil {
		return nil, errors.New("sequencing engine is required")
	}
	c := &Coordinator{
		store:           store,
		bus:             eventBus,
		engine:          engine,
		tracer:          otel.Tracer("chronicle/coordinator"),
		publishAttempts: 5,
		publishInitial:  50 * time.Millisecond,
		publishMax:      2 * time.Second,
		routers:         make(map[string]*router.CommandRouter),
		projectors:      make(map[string][]Projector),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RegisterAggregate installs the command router for its domain, with optional
// synchronous projectors.
func (c *Coordinator) RegisterAggregate(r *router.CommandRouter, projectors ...Projector) error {
	if r == nil {
		return errors.New("router is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.routers[r.Domain()]; ok {
		return ErrDomainRegistered
	}
	c.routers[r.Domain()] = r
	c.projectors[r.Domain()] = append(c.projectors[r.Domain()], projectors...)
	return nil
}

// RegisterSaga installs a saga reacting to its input domain's events.
func (c *Coordinator) RegisterSaga(s *router.SagaRouter) error {
	if s == nil {
		return errors.New("saga is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sagas = append(c.sagas, s)
	return nil
}

// RegisterProcessManager installs a process manager reacting to its input
// domain's events with its own persisted state.
func (c *Coordinator) RegisterProcessManager(p *router.ProcessRouter) error {
	if p == nil {
		return errors.New("process manager is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processes = append(c.processes, p)
	return nil
}

// Descriptors returns the registered component topology.
func (c *Coordinator) Descriptors() []book.ComponentDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []book.ComponentDescriptor
	for _, r := range c.routers {
		out = append(out, r.Descriptor())
	}
	for _, s := range c.sagas {
		out = append(out, s.Descriptor())
	}
	for _, p := range c.processes {
		out = append(out, p.Descriptor())
	}
	return out
}

func (c *Coordinator) routerFor(domain string) (*router.CommandRouter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routers[domain]
	return r, ok
}

func (c *Coordinator) projectorsFor(domain string) []Projector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.projectors[domain]
}

// defaultCorrelation fills a missing correlation id so every causal chain is
// traceable across domains.
func defaultCorrelation(cover book.Cover) book.Cover {
	if cover.CorrelationID != "" {
		return cover
	}
	return cover.WithCorrelation(id.New())
}
