// Package rebuild folds a snapshot plus an ordered event tail into current
// aggregate or process-manager state. Rebuilding is a pure function of the
// event book: identical inputs always yield an identical state document.
package rebuild

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/encoding"
)

var (
	// ErrDomainRequired indicates a reconstructor built without a domain.
	ErrDomainRequired = errors.New("domain is required")
	// ErrApplierRequired indicates a registration without an applier.
	ErrApplierRequired = errors.New("applier is required")
	// ErrTypeNameRequired indicates a registration without a type name.
	ErrTypeNameRequired = errors.New("event type name is required")
)

// State is a rebuilt state document plus the sequence it was rebuilt at.
type State struct {
	// Data is the canonical-JSON state document.
	Data []byte
	// Sequence is the next sequence after the last folded event.
	Sequence uint64
}

// Applier folds one event into a state document and returns the new document.
// Appliers must be pure: no I/O, no hidden inputs.
type Applier func(state []byte, page book.EventPage) ([]byte, error)

type entry struct {
	typeName string
	apply    Applier
}

// Reconstructor rebuilds state for one domain from snapshots and events.
// Appliers are registered per event type and matched by the type name's
// trailing component, first registration wins.
type Reconstructor struct {
	domain  string
	entries []entry
}

// New creates a reconstructor for a domain.
func New(domain string) (*Reconstructor, error) {
	if strings.TrimSpace(domain) == "" {
		return nil, ErrDomainRequired
	}
	return &Reconstructor{domain: domain}, nil
}

// Domain returns the domain this reconstructor serves.
func (r *Reconstructor) Domain() string {
	return r.domain
}

// On registers an applier for an event type. Registration order is dispatch
// order; overlapping suffixes resolve to the earliest registration.
func (r *Reconstructor) On(typeName string, apply Applier) error {
	if r == nil {
		return errors.New("reconstructor is required")
	}
	if strings.TrimSpace(typeName) == "" {
		return ErrTypeNameRequired
	}
	if apply == nil {
		return ErrApplierRequired
	}
	r.entries = append(r.entries, entry{typeName: strings.TrimSpace(typeName), apply: apply})
	return nil
}

// Types returns the registered event type names in registration order. The
// routers use it to declare what a component produces.
func (r *Reconstructor) Types() []string {
	if r == nil || len(r.entries) == 0 {
		return nil
	}
	types := make([]string, len(r.entries))
	for i, e := range r.entries {
		types[i] = e.typeName
	}
	return types
}

// MatchCount reports how many registered appliers match a type name. Used to
// surface overlapping-suffix ambiguity; dispatch itself stays first-match.
func (r *Reconstructor) MatchCount(typeName string) int {
	count := 0
	for _, e := range r.entries {
		if book.TypeMatches(typeName, e.typeName) {
			count++
		}
	}
	return count
}

// Rebuild folds an event book into state. With a snapshot present, only pages
// after the snapshot's sequence are folded onto the snapshot's document;
// otherwise the whole history folds onto an empty document. Unknown event
// types and undecodable pages are skipped so history stays forward-compatible.
func (r *Reconstructor) Rebuild(eb book.EventBook) (State, error) {
	if r == nil {
		return State{}, errors.New("reconstructor is required")
	}

	state := []byte("{}")
	var nextSeq uint64

	if eb.Snapshot != nil {
		doc, err := encoding.CanonicalRaw(eb.Snapshot.State.Data)
		if err != nil {
			return State{}, fmt.Errorf("canonical snapshot state: %w", err)
		}
		state = doc
		nextSeq = eb.Snapshot.Sequence + 1
	}

	for _, page := range eb.Pages {
		if eb.Snapshot != nil && page.Sequence <= eb.Snapshot.Sequence {
			continue
		}
		applied, err := r.applyOne(state, page)
		if err != nil {
			return State{}, err
		}
		state = applied
		nextSeq = page.Sequence + 1
	}

	canonical, err := encoding.CanonicalRaw(state)
	if err != nil {
		return State{}, fmt.Errorf("canonical state: %w", err)
	}
	return State{Data: canonical, Sequence: nextSeq}, nil
}

// Apply folds candidate pages that are not yet part of a book onto an
// existing state document. The sequencing engine uses it to materialize the
// state a caller's stale view would have produced.
func (r *Reconstructor) Apply(state []byte, pages []book.EventPage) ([]byte, error) {
	if len(state) == 0 {
		state = []byte("{}")
	}
	for _, page := range pages {
		applied, err := r.applyOne(state, page)
		if err != nil {
			return nil, err
		}
		state = applied
	}
	return encoding.CanonicalRaw(state)
}

func (r *Reconstructor) applyOne(state []byte, page book.EventPage) ([]byte, error) {
	if len(page.Event.Data) > 0 && !json.Valid(page.Event.Data) {
		// Malformed history entries are skipped, not fatal.
		return state, nil
	}
	for _, e := range r.entries {
		if !book.TypeMatches(page.Event.TypeName, e.typeName) {
			continue
		}
		applied, err := e.apply(state, page)
		if err != nil {
			return nil, fmt.Errorf("apply %s at seq %d: %w", page.Event.TypeName, page.Sequence, err)
		}
		return applied, nil
	}
	// No applier registered: skip for forward compatibility.
	return state, nil
}
