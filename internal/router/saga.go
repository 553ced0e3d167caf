package router

import (
	"context"
	"errors"
	"strings"

	"github.com/louisbranch/chronicle/internal/book"
)

// Destinations holds pre-fetched aggregate histories keyed by cover key.
type Destinations map[string]book.EventBook

// DestinationFetcher loads the current histories for a set of covers. The
// host may fetch them in parallel; the router only declares what it needs.
type DestinationFetcher func(ctx context.Context, covers []book.Cover) (Destinations, error)

// Prepare declares which other aggregates' state a reaction needs fetched
// before it runs. It decouples "what data is needed" from "how it's fetched".
type Prepare func(page book.EventPage) []book.Cover

// Reaction turns one observed event into commands for the output domain.
type Reaction func(ctx context.Context, page book.EventPage, destinations Destinations) ([]book.CommandBook, error)

type sagaEntry struct {
	typeName string
	prepare  Prepare
	react    Reaction
}

// SagaRouter maps events observed in an input domain to reactions that issue
// commands to an output domain. Events with no matching reaction are skipped
// silently: sagas stay forward-compatible with event types they don't yet
// understand.
type SagaRouter struct {
	name         string
	inputDomain  string
	outputDomain string
	entries      []sagaEntry
}

// NewSagaRouter creates a saga router between two domains.
func NewSagaRouter(name, inputDomain, outputDomain string) (*SagaRouter, error) {
	if strings.TrimSpace(name) == "" {
		return nil, book.ErrComponentNameRequired
	}
	if strings.TrimSpace(inputDomain) == "" || strings.TrimSpace(outputDomain) == "" {
		return nil, errors.New("input and output domains are required")
	}
	return &SagaRouter{name: name, inputDomain: inputDomain, outputDomain: outputDomain}, nil
}

// Name returns the saga's registered name.
func (r *SagaRouter) Name() string {
	return r.name
}

// InputDomain returns the domain whose events the saga observes.
func (r *SagaRouter) InputDomain() string {
	return r.inputDomain
}

// OutputDomain returns the domain the saga issues commands to.
func (r *SagaRouter) OutputDomain() string {
	return r.outputDomain
}

// Descriptor returns the component descriptor for topology registration.
// Reactions decide their command types at runtime, so Produces declares the
// whole output domain rather than individual types.
func (r *SagaRouter) Descriptor() book.ComponentDescriptor {
	desc := book.ComponentDescriptor{Name: r.name, Kind: book.KindSaga}
	for _, e := range r.entries {
		desc.Consumes = append(desc.Consumes, book.TypeRef{Domain: r.inputDomain, Type: e.typeName})
	}
	desc.Produces = []book.TypeRef{{Domain: r.outputDomain}}
	return desc
}

// On registers a reaction for an event type. The prepare function may be nil
// when the reaction needs no destination state.
func (r *SagaRouter) On(typeName string, prepare Prepare, react Reaction) error {
	if r == nil {
		return errors.New("router is required")
	}
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return ErrTypeNameRequired
	}
	if react == nil {
		return ErrHandlerRequired
	}
	r.entries = append(r.entries, sagaEntry{typeName: typeName, prepare: prepare, react: react})
	return nil
}

// PrepareDestinations collects every cover the matching reactions need for
// the pages of an event book. Duplicate covers collapse to one fetch.
func (r *SagaRouter) PrepareDestinations(eb book.EventBook) []book.Cover {
	var covers []book.Cover
	seen := make(map[string]bool)
	for _, page := range eb.Pages {
		entry, ok := r.match(page.Event.TypeName)
		if !ok || entry.prepare == nil {
			continue
		}
		for _, cover := range entry.prepare(page) {
			if seen[cover.Key()] {
				continue
			}
			seen[cover.Key()] = true
			covers = append(covers, cover)
		}
	}
	return covers
}

// Dispatch runs the matching reaction for every page of the event book and
// returns the command books to issue. The fetcher supplies the destinations
// declared by PrepareDestinations; it may be nil when nothing was declared.
func (r *SagaRouter) Dispatch(ctx context.Context, eb book.EventBook, fetch DestinationFetcher) ([]book.CommandBook, error) {
	destinations := Destinations{}
	if covers := r.PrepareDestinations(eb); len(covers) > 0 {
		if fetch == nil {
			return nil, errors.New("destination fetcher is required")
		}
		fetched, err := fetch(ctx, covers)
		if err != nil {
			return nil, err
		}
		destinations = fetched
	}

	var commands []book.CommandBook
	for _, page := range eb.Pages {
		entry, ok := r.match(page.Event.TypeName)
		if !ok {
			// No reaction registered for this event type: skip.
			continue
		}
		issued, err := entry.react(ctx, page, destinations)
		if err != nil {
			return nil, err
		}
		for _, cb := range issued {
			if cb.Cover.CorrelationID == "" {
				cb.Cover.CorrelationID = eb.Cover.CorrelationID
			}
			commands = append(commands, cb)
		}
	}
	return commands, nil
}

func (r *SagaRouter) match(typeName string) (sagaEntry, bool) {
	for _, e := range r.entries {
		if book.TypeMatches(typeName, e.typeName) {
			return e, true
		}
	}
	return sagaEntry{}, false
}
