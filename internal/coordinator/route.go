package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/deadletter"
	"github.com/louisbranch/chronicle/internal/router"
)

// RouteEvent feeds one committed event book to every saga and process
// manager observing its domain. Issued commands are handled in-process
// through Handle, so their events persist and publish like any other write.
func (c *Coordinator) RouteEvent(ctx context.Context, eb book.EventBook) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.RouteEvent")
	defer span.End()
	span.SetAttributes(attribute.String("chronicle.domain", eb.Cover.Domain))

	c.mu.RLock()
	sagas := append([]*router.SagaRouter(nil), c.sagas...)
	processes := append([]*router.ProcessRouter(nil), c.processes...)
	c.mu.RUnlock()

	var errs []error
	for _, saga := range sagas {
		if saga.InputDomain() != eb.Cover.Domain {
			continue
		}
		if err := c.routeToSaga(ctx, saga, eb); err != nil {
			errs = append(errs, fmt.Errorf("saga %s: %w", saga.Name(), err))
		}
	}
	for _, proc := range processes {
		if proc.InputDomain() != eb.Cover.Domain {
			continue
		}
		if err := c.routeToProcess(ctx, proc, eb); err != nil {
			errs = append(errs, fmt.Errorf("process manager %s: %w", proc.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) routeToSaga(ctx context.Context, saga *router.SagaRouter, eb book.EventBook) error {
	commands, err := saga.Dispatch(ctx, eb, c.fetchDestinations)
	if err != nil {
		c.deadLetterEvents(ctx, eb, err, saga.Name())
		return err
	}
	return c.handleIssued(ctx, commands, saga.Name())
}

func (c *Coordinator) routeToProcess(ctx context.Context, proc *router.ProcessRouter, eb book.EventBook) error {
	// A process manager instance keys its own history by the triggering root
	// inside its state domain, so independent flows never share state.
	ownCover := book.Cover{
		Domain:        proc.StateDomain(),
		Root:          eb.Cover.Root,
		CorrelationID: eb.Cover.CorrelationID,
		Edition:       eb.Cover.Edition,
	}
	ownHistory, err := c.History(ctx, ownCover)
	if err != nil {
		return err
	}

	response, err := proc.Dispatch(ctx, eb, ownHistory, c.fetchDestinations)
	if err != nil {
		c.deadLetterEvents(ctx, eb, err, proc.Name())
		return err
	}
	if response.Empty() {
		return nil
	}

	if len(response.Events) > 0 {
		result, err := c.engine.Commit(ctx, ownCover, response.Events, book.SyncAutoResequence, proc.Rebuilder())
		if err != nil {
			c.deadLetterEvents(ctx, eb, err, proc.Name())
			return fmt.Errorf("persist own events: %w", err)
		}
		ownBook := book.EventBook{Cover: ownCover, Pages: result.Pages}
		if last, ok := ownBook.LastSequence(); ok {
			ownBook.NextSequence = last + 1
		}
		c.publishAsync(ctx, ownBook)
	}

	return c.handleIssued(ctx, response.Commands, proc.Name())
}

// handleIssued runs issued command books through the full coordination path.
// One failing command does not stop the rest; failures aggregate.
func (c *Coordinator) handleIssued(ctx context.Context, commands []book.CommandBook, component string) error {
	var errs []error
	for _, cb := range commands {
		if _, err := c.Handle(ctx, cb); err != nil {
			errs = append(errs, fmt.Errorf("%s issued command for %s: %w", component, cb.Cover.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// fetchDestinations loads the declared destination histories in parallel.
func (c *Coordinator) fetchDestinations(ctx context.Context, covers []book.Cover) (router.Destinations, error) {
	destinations := make(router.Destinations, len(covers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, len(covers))

	for i, cover := range covers {
		wg.Add(1)
		go func(i int, cover book.Cover) {
			defer wg.Done()
			eb, err := c.History(ctx, cover)
			if err != nil {
				errs[i] = fmt.Errorf("fetch destination %s: %w", cover.Key(), err)
				return
			}
			mu.Lock()
			destinations[cover.Key()] = eb
			mu.Unlock()
		}(i, cover)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return destinations, nil
}

// Run subscribes the routing loop to every registered input domain and
// consumes until the context is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	domains := c.inputDomains()
	if len(domains) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	sub, err := c.bus.CreateSubscriber("coordinator-router", domains...)
	if err != nil {
		return fmt.Errorf("create routing subscriber: %w", err)
	}
	defer sub.Unsubscribe()

	log.Printf("routing events for domains %v", domains)
	err = sub.StartConsuming(ctx, func(ctx context.Context, eb book.EventBook) error {
		if err := c.RouteEvent(ctx, eb); err != nil {
			log.Printf("route event for %s: %v", eb.Cover.Key(), err)
			return err
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) inputDomains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	var domains []string
	for _, s := range c.sagas {
		if !seen[s.InputDomain()] {
			seen[s.InputDomain()] = true
			domains = append(domains, s.InputDomain())
		}
	}
	for _, p := range c.processes {
		if !seen[p.InputDomain()] {
			seen[p.InputDomain()] = true
			domains = append(domains, p.InputDomain())
		}
	}
	return domains
}

func (c *Coordinator) deadLetterEvents(ctx context.Context, eb book.EventBook, err error, component string) {
	c.metrics.DeadLettered(string(deadletter.KindProcessing))
	c.depositDeadLetter(ctx, deadletter.Record{
		Cover:     eb.Cover,
		Events:    eb.Pages,
		Reason:    deadletter.FromError(deadletter.KindProcessing, err),
		Component: component,
	})
}
