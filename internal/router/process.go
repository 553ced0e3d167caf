package router

import (
	"context"
	"errors"
	"strings"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/rebuild"
)

// ProcessReaction turns one observed event into a process-manager response,
// given the manager's own rebuilt state and any pre-fetched destinations.
// Commands travel to other domains; events persist to the manager's own
// history.
type ProcessReaction func(ctx context.Context, page book.EventPage, state rebuild.State, destinations Destinations) (book.ProcessManagerResponse, error)

type processEntry struct {
	typeName string
	prepare  Prepare
	react    ProcessReaction
}

// ProcessRouter is a saga router with its own persisted, rebuildable state.
// The manager's history lives under its own domain and is rebuilt and
// threaded through every reaction.
type ProcessRouter struct {
	name        string
	inputDomain string
	stateDomain string
	rebuilder   *rebuild.Reconstructor
	entries     []processEntry
}

// NewProcessRouter creates a process-manager router. The state domain names
// the manager's own history; the rebuilder folds it.
func NewProcessRouter(name, inputDomain, stateDomain string, rebuilder *rebuild.Reconstructor) (*ProcessRouter, error) {
	if strings.TrimSpace(name) == "" {
		return nil, book.ErrComponentNameRequired
	}
	if strings.TrimSpace(inputDomain) == "" || strings.TrimSpace(stateDomain) == "" {
		return nil, errors.New("input and state domains are required")
	}
	if rebuilder == nil {
		return nil, ErrReconstructorRequired
	}
	return &ProcessRouter{
		name:        name,
		inputDomain: inputDomain,
		stateDomain: stateDomain,
		rebuilder:   rebuilder,
	}, nil
}

// Name returns the process manager's registered name.
func (r *ProcessRouter) Name() string {
	return r.name
}

// InputDomain returns the domain whose events the manager observes.
func (r *ProcessRouter) InputDomain() string {
	return r.inputDomain
}

// StateDomain returns the domain holding the manager's own history.
func (r *ProcessRouter) StateDomain() string {
	return r.stateDomain
}

// Rebuilder returns the reconstructor for the manager's own state.
func (r *ProcessRouter) Rebuilder() *rebuild.Reconstructor {
	return r.rebuilder
}

// Descriptor returns the component descriptor for topology registration.
// Produces lists the manager's own persisted event types; commands issued to
// other domains are decided by reactions at runtime.
func (r *ProcessRouter) Descriptor() book.ComponentDescriptor {
	desc := book.ComponentDescriptor{Name: r.name, Kind: book.KindProcessManager}
	for _, e := range r.entries {
		desc.Consumes = append(desc.Consumes, book.TypeRef{Domain: r.inputDomain, Type: e.typeName})
	}
	for _, typeName := range r.rebuilder.Types() {
		desc.Produces = append(desc.Produces, book.TypeRef{Domain: r.stateDomain, Type: typeName})
	}
	return desc
}

// On registers a reaction for an event type.
func (r *ProcessRouter) On(typeName string, prepare Prepare, react ProcessReaction) error {
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
	r.entries = append(r.entries, processEntry{typeName: typeName, prepare: prepare, react: react})
	return nil
}

// PrepareDestinations collects every cover the matching reactions need.
func (r *ProcessRouter) PrepareDestinations(eb book.EventBook) []book.Cover {
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

// Dispatch rebuilds the manager's own state from ownHistory, runs the
// matching reaction for every page, and merges the responses. State is
// re-derived between pages by folding each reaction's own-domain events onto
// the working document, so later pages observe earlier results.
func (r *ProcessRouter) Dispatch(ctx context.Context, eb book.EventBook, ownHistory book.EventBook, fetch DestinationFetcher) (book.ProcessManagerResponse, error) {
	destinations := Destinations{}
	if covers := r.PrepareDestinations(eb); len(covers) > 0 {
		if fetch == nil {
			return book.ProcessManagerResponse{}, errors.New("destination fetcher is required")
		}
		fetched, err := fetch(ctx, covers)
		if err != nil {
			return book.ProcessManagerResponse{}, err
		}
		destinations = fetched
	}

	state, err := r.rebuilder.Rebuild(ownHistory)
	if err != nil {
		return book.ProcessManagerResponse{}, err
	}

	var response book.ProcessManagerResponse
	for _, page := range eb.Pages {
		entry, ok := r.match(page.Event.TypeName)
		if !ok {
			continue
		}
		out, err := entry.react(ctx, page, state, destinations)
		if err != nil {
			return book.ProcessManagerResponse{}, err
		}
		for _, cb := range out.Commands {
			if cb.Cover.CorrelationID == "" {
				cb.Cover.CorrelationID = eb.Cover.CorrelationID
			}
			response.Commands = append(response.Commands, cb)
		}
		if len(out.Events) > 0 {
			response.Events = append(response.Events, out.Events...)
			folded, err := r.rebuilder.Apply(state.Data, out.Events)
			if err != nil {
				return book.ProcessManagerResponse{}, err
			}
			state.Data = folded
		}
	}
	return response, nil
}

func (r *ProcessRouter) match(typeName string) (processEntry, bool) {
	for _, e := range r.entries {
		if book.TypeMatches(typeName, e.typeName) {
			return e, true
		}
	}
	return processEntry{}, false
}
