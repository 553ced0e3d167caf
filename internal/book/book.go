package book

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNoPages indicates a book submitted without any pages.
	ErrNoPages = errors.New("book has no pages")
	// ErrTypeNameRequired indicates a payload without a type name.
	ErrTypeNameRequired = errors.New("payload type name is required")
	// ErrPayloadInvalid indicates a payload whose body is not valid JSON.
	ErrPayloadInvalid = errors.New("payload body must be valid JSON")
)

// SyncStrategy selects how the sequencing engine resolves the target sequence
// for a command page's resulting events.
type SyncStrategy int

const (
	// SyncExplicit asserts the exact sequence the new events must occupy.
	// A stale assertion falls back to a commutative merge before rejecting.
	SyncExplicit SyncStrategy = iota
	// SyncAutoResequence ignores any caller-supplied sequence and always
	// targets the current tip, retrying bounded on races.
	SyncAutoResequence
	// SyncForce bypasses sequencing and appends at the caller's sequence.
	// Contiguity of the history is intentionally relaxed for forced writes.
	SyncForce
)

// String returns the strategy name for logs and dead-letter records.
func (s SyncStrategy) String() string {
	switch s {
	case SyncExplicit:
		return "explicit"
	case SyncAutoResequence:
		return "auto_resequence"
	case SyncForce:
		return "force"
	}
	return "unknown"
}

// Payload is a schema-typed, discriminated message: a fully-qualified dotted
// type name plus an opaque encoded body. Dispatch throughout the runtime
// matches on the type name's trailing component, never on the body's shape.
type Payload struct {
	// TypeName is the fully-qualified dotted type name (e.g.
	// "chronicle.customer.CustomerCreated").
	TypeName string
	// Data is the canonical-JSON encoded body.
	Data []byte
}

// Validate reports whether the payload is well formed.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.TypeName) == "" {
		return ErrTypeNameRequired
	}
	if len(p.Data) > 0 && !json.Valid(p.Data) {
		return ErrPayloadInvalid
	}
	return nil
}

// CommandPage is one command submitted for coordination. Pages are owned by
// the caller and consumed, never mutated, by the coordinator.
type CommandPage struct {
	// Sequence is the caller's asserted base sequence. It is authoritative
	// for SyncExplicit and SyncForce and advisory otherwise.
	Sequence uint64
	// Sync selects the sequencing strategy for the page's resulting events.
	Sync SyncStrategy
	// Command carries the discriminated command payload.
	Command Payload
	// CreatedAt is when the caller produced the page.
	CreatedAt time.Time
}

// CommandBook groups one or more ordered command pages under a single cover.
type CommandBook struct {
	Cover Cover
	Pages []CommandPage
}

// Validate checks the cover and every page of the command book.
func (b CommandBook) Validate() error {
	if err := b.Cover.Validate(); err != nil {
		return err
	}
	if len(b.Pages) == 0 {
		return ErrNoPages
	}
	for _, page := range b.Pages {
		if err := page.Command.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Primary returns the page whose declared type drives dispatch.
func (b CommandBook) Primary() CommandPage {
	if len(b.Pages) == 0 {
		return CommandPage{}
	}
	return b.Pages[0]
}

// EventPage is one persisted fact. Sequence numbers are unique and
// total-ordered within a (domain, root); forced pages may leave gaps.
type EventPage struct {
	// Sequence is the page's position in the history.
	Sequence uint64
	// Forced marks a page written outside normal sequencing.
	Forced bool
	// Event carries the discriminated event payload.
	Event Payload
	// CreatedAt is when the event was committed.
	CreatedAt time.Time
}

// Snapshot is a materialized state value tagged with the sequence it was
// computed at. It is an accelerator, never a source of truth: the same state
// must always be re-derivable by replaying from sequence 0.
type Snapshot struct {
	// Sequence is the last event sequence folded into State.
	Sequence uint64
	// State is the materialized state document.
	State Payload
}

// EventBook is the full or partial event history for one aggregate. Books are
// read-only to routers; only the coordinator and storage layer append.
type EventBook struct {
	Cover Cover
	// Snapshot, when present, covers events up to and including its sequence.
	Snapshot *Snapshot
	// Pages are ordered ascending by sequence.
	Pages []EventPage
	// NextSequence is the next free sequence at the time the book was read.
	NextSequence uint64
}

// Validate checks the cover and every page of the event book.
func (b EventBook) Validate() error {
	if err := b.Cover.Validate(); err != nil {
		return err
	}
	for _, page := range b.Pages {
		if err := page.Event.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LastSequence returns the highest committed sequence in the book and whether
// the book holds any history at all.
func (b EventBook) LastSequence() (uint64, bool) {
	if len(b.Pages) > 0 {
		return b.Pages[len(b.Pages)-1].Sequence, true
	}
	if b.Snapshot != nil {
		return b.Snapshot.Sequence, true
	}
	return 0, false
}
