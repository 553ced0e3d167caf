package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/deadletter"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
	"github.com/louisbranch/chronicle/internal/rebuild"
	"github.com/louisbranch/chronicle/internal/sequence"
	"github.com/louisbranch/chronicle/internal/storage"
)

// History loads the event book for a cover: the stored snapshot, when one
// exists, plus every page after it.
func (c *Coordinator) History(ctx context.Context, cover book.Cover) (book.EventBook, error) {
	snap, err := c.store.GetSnapshot(ctx, cover.Domain, cover.Root)
	switch {
	case err == nil:
		eb, err := c.store.GetFrom(ctx, cover.Domain, cover.Root, snap.Sequence+1)
		if err != nil {
			return book.EventBook{}, fmt.Errorf("load history after snapshot: %w", err)
		}
		eb.Cover = eb.Cover.WithCorrelation(cover.CorrelationID)
		eb.Snapshot = &snap
		return eb, nil
	case errors.Is(err, storage.ErrNotFound):
		eb, err := c.store.Get(ctx, cover.Domain, cover.Root)
		if err != nil {
			return book.EventBook{}, fmt.Errorf("load history: %w", err)
		}
		eb.Cover = eb.Cover.WithCorrelation(cover.CorrelationID)
		return eb, nil
	default:
		return book.EventBook{}, fmt.Errorf("load snapshot: %w", err)
	}
}

// Handle coordinates one command book end to end: rebuild, dispatch,
// sequence, persist, publish, project. Persistence is the durability
// boundary; once events are committed, publish failures are retried
// asynchronously rather than rolled back.
func (c *Coordinator) Handle(ctx context.Context, cb book.CommandBook) (book.BusinessResponse, error) {
	return c.handle(ctx, nil, cb)
}

// HandleWithHistory coordinates a command book against a caller-supplied,
// possibly stale, view of the history. Explicit-strategy pages dispatched
// from a stale view resolve through the engine's merge analysis.
func (c *Coordinator) HandleWithHistory(ctx context.Context, prior book.EventBook, cb book.CommandBook) (book.BusinessResponse, error) {
	return c.handle(ctx, &prior, cb)
}

func (c *Coordinator) handle(ctx context.Context, prior *book.EventBook, cb book.CommandBook) (book.BusinessResponse, error) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "coordinator.Handle")
	defer span.End()

	if err := cb.Validate(); err != nil {
		c.deadLetterCommand(ctx, cb, deadletter.KindValidation, err, "coordinator")
		c.observeCommand(cb.Cover.Domain, "rejected", started)
		return book.BusinessResponse{}, apperrors.Wrap(apperrors.CodeCoverInvalid, "invalid command book", err)
	}
	cb.Cover = defaultCorrelation(cb.Cover)
	span.SetAttributes(
		attribute.String("chronicle.domain", cb.Cover.Domain),
		attribute.String("chronicle.correlation_id", cb.Cover.CorrelationID),
	)

	var history book.EventBook
	if prior != nil {
		if prior.Cover.Domain != "" && !prior.Cover.SameBoundary(cb.Cover) {
			err := apperrors.WithMetadata(apperrors.CodeCoverInvalid,
				"supplied history belongs to another aggregate",
				map[string]string{"history": prior.Cover.Key(), "command": cb.Cover.Key()})
			c.observeCommand(cb.Cover.Domain, "rejected", started)
			return book.BusinessResponse{}, err
		}
		history = *prior
		history.Cover = cb.Cover
	} else {
		loaded, err := c.History(ctx, cb.Cover)
		if err != nil {
			c.observeCommand(cb.Cover.Domain, "error", started)
			return book.BusinessResponse{}, err
		}
		history = loaded
	}

	committed, err := c.dispatchAndCommit(ctx, cb, history)
	if err != nil {
		c.observeCommand(cb.Cover.Domain, outcomeOf(err), started)
		return book.BusinessResponse{}, err
	}

	newBook := book.EventBook{Cover: cb.Cover, Pages: committed}
	if last, ok := newBook.LastSequence(); ok {
		newBook.NextSequence = last + 1
	}

	c.maintainSnapshot(ctx, cb.Cover, newBook.NextSequence)
	c.publishAsync(ctx, newBook)

	response := book.BusinessResponse{Cover: cb.Cover, Events: committed}
	response.Projections = c.project(ctx, newBook)

	c.observeCommand(cb.Cover.Domain, "accepted", started)
	return response, nil
}

// dispatchAndCommit runs every command page in order against the evolving
// history, committing each page's events under its own sync strategy before
// the next page dispatches.
func (c *Coordinator) dispatchAndCommit(ctx context.Context, cb book.CommandBook, history book.EventBook) ([]book.EventPage, error) {
	cmdRouter, hasRouter := c.routerFor(cb.Cover.Domain)
	if !hasRouter && c.remote == nil {
		return nil, apperrors.WithMetadata(apperrors.CodeUnknownDomain,
			"no aggregate registered for domain",
			map[string]string{"domain": cb.Cover.Domain})
	}

	var committed []book.EventPage
	for _, page := range cb.Pages {
		var candidates []book.EventPage
		var err error
		if hasRouter {
			candidates, err = cmdRouter.Dispatch(ctx, history, page)
		} else {
			candidates, err = c.remote.Handle(ctx, history, book.CommandBook{Cover: cb.Cover, Pages: []book.CommandPage{page}})
		}
		if err != nil {
			// Business rejections and unknown types surface verbatim.
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}

		// Explicit and forced pages occupy exactly the caller's asserted
		// sequences; auto-resequenced pages are renumbered by the engine.
		if page.Sync == book.SyncExplicit || page.Sync == book.SyncForce {
			for i := range candidates {
				candidates[i].Sequence = page.Sequence + uint64(i)
			}
		}

		var rebuilder *rebuild.Reconstructor
		if hasRouter {
			rebuilder = cmdRouter.Rebuilder()
		}
		result, err := c.engine.Commit(ctx, cb.Cover, candidates, page.Sync, rebuilder)
		if err != nil {
			c.recordCommitFailure(ctx, cb, err)
			return nil, err
		}
		c.recordCommitResult(cb.Cover.Domain, result)

		committed = append(committed, result.Pages...)
		history.Pages = append(history.Pages, result.Pages...)
		if last := result.Pages[len(result.Pages)-1].Sequence; last >= history.NextSequence {
			history.NextSequence = last + 1
		}
	}
	return committed, nil
}

func (c *Coordinator) recordCommitFailure(ctx context.Context, cb book.CommandBook, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeSequenceExhausted:
		c.metrics.SequenceConflict(cb.Cover.Domain)
		c.deadLetterCommand(ctx, cb, deadletter.KindSequence, err, cb.Cover.Domain+"-aggregate")
	case apperrors.CodeSequenceConflict:
		c.metrics.SequenceConflict(cb.Cover.Domain)
	}
}

func (c *Coordinator) recordCommitResult(domain string, result sequence.Result) {
	if result.Attempts > 1 {
		c.metrics.SequenceRetries(domain, result.Attempts-1)
	}
	if result.Merged {
		c.metrics.CommutativeMerge(domain)
	}
}

// maintainSnapshot refreshes the aggregate's snapshot when the history has
// grown past the configured cadence since the last one.
func (c *Coordinator) maintainSnapshot(ctx context.Context, cover book.Cover, nextSeq uint64) {
	if c.snapshotEvery == 0 || nextSeq == 0 {
		return
	}
	cmdRouter, ok := c.routerFor(cover.Domain)
	if !ok {
		return
	}

	var since uint64 = nextSeq
	snap, err := c.store.GetSnapshot(ctx, cover.Domain, cover.Root)
	if err == nil {
		since = nextSeq - (snap.Sequence + 1)
	}
	if since < c.snapshotEvery {
		return
	}

	full, err := c.History(ctx, cover)
	if err != nil {
		log.Printf("coordinator: snapshot load for %s: %v", cover.Key(), err)
		return
	}
	state, err := cmdRouter.Rebuilder().Rebuild(full)
	if err != nil {
		log.Printf("coordinator: snapshot rebuild for %s: %v", cover.Key(), err)
		return
	}
	last, ok := full.LastSequence()
	if !ok {
		return
	}
	err = c.store.PutSnapshot(ctx, cover.Domain, cover.Root, book.Snapshot{
		Sequence: last,
		State:    book.Payload{TypeName: cover.Domain + ".State", Data: state.Data},
	})
	if err != nil {
		log.Printf("coordinator: snapshot put for %s: %v", cover.Key(), err)
	}
}

// publishAsync hands the committed book to the bus off the request path. The
// store is the source of truth; a publish that exhausts its retries is
// dead-lettered, never rolled back.
func (c *Coordinator) publishAsync(ctx context.Context, eb book.EventBook) {
	if len(eb.Pages) == 0 {
		return
	}
	// The publish must outlive the request that triggered it.
	ctx = context.WithoutCancel(ctx)
	go func() {
		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = c.publishInitial
		expo.MaxInterval = c.publishMax

		attempts := uint(0)
		operation := func() (struct{}, error) {
			attempts++
			err := c.bus.Publish(ctx, eb)
			if err == nil {
				return struct{}{}, nil
			}
			if !apperrors.IsRetryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		_, err := backoff.Retry(ctx, operation,
			backoff.WithBackOff(expo),
			backoff.WithMaxTries(c.publishAttempts))
		if err != nil {
			c.metrics.DeadLettered(string(deadletter.KindProcessing))
			c.depositDeadLetter(ctx, deadletter.Record{
				Cover:     eb.Cover,
				Events:    eb.Pages,
				Reason:    deadletter.FromError(deadletter.KindProcessing, err),
				Component: "coordinator-publisher",
				Retries:   attempts,
			})
			return
		}
		c.metrics.Published(eb.Cover.Domain)
	}()
}

// project runs the domain's projectors over the newly committed book.
// Projection failures never unwind a committed write; they dead-letter.
func (c *Coordinator) project(ctx context.Context, eb book.EventBook) []book.Projection {
	var out []book.Projection
	for _, projector := range c.projectorsFor(eb.Cover.Domain) {
		views, err := projector(ctx, eb)
		if err != nil {
			c.metrics.DeadLettered(string(deadletter.KindProcessing))
			c.depositDeadLetter(ctx, deadletter.Record{
				Cover:     eb.Cover,
				Events:    eb.Pages,
				Reason:    deadletter.FromError(deadletter.KindProcessing, err),
				Component: eb.Cover.Domain + "-projector",
			})
			continue
		}
		out = append(out, views...)
	}
	return out
}

func (c *Coordinator) deadLetterCommand(ctx context.Context, cb book.CommandBook, kind deadletter.Kind, err error, component string) {
	c.metrics.DeadLettered(string(kind))
	c.depositDeadLetter(ctx, deadletter.Record{
		Cover:     cb.Cover,
		Command:   &cb,
		Reason:    deadletter.FromError(kind, err),
		Component: component,
	})
}

func (c *Coordinator) depositDeadLetter(ctx context.Context, record deadletter.Record) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Deposit(ctx, record); err != nil {
		log.Printf("coordinator: dead letter deposit failed for %s: %v", record.Cover.Key(), err)
	}
}

func (c *Coordinator) observeCommand(domain, outcome string, started time.Time) {
	c.metrics.CommandHandled(domain, outcome, time.Since(started))
}

func outcomeOf(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeSequenceConflict, apperrors.CodeSequenceExhausted:
		return "conflict"
	case apperrors.CodeValidationRejected:
		return "rejected"
	default:
		return "error"
	}
}
