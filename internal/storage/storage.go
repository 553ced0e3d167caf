// Package storage defines the persistence contracts consumed by the
// coordination runtime. Concrete backends are interchangeable; the runtime
// depends only on the interfaces here and on the conflict semantics of Add.
package storage

import (
	"context"

	"github.com/louisbranch/chronicle/internal/book"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing. Callers use it to
// differentiate legitimate "no such root" states from storage failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrSeqConflict indicates an append lost an optimistic concurrency race:
// another writer committed at the targeted sequence first. Stores must return
// it distinguishably from every other storage error, because the sequencing
// engine's retry and merge logic keys off it.
var ErrSeqConflict = apperrors.New(apperrors.CodeSequenceConflict, "sequence already committed")

// EventStore is the source of truth for aggregate histories. Sequence numbers
// are unique and total-ordered within a (domain, root); non-forced appends are
// compare-and-append at the current tip.
type EventStore interface {
	// Add appends pages under the cover. Non-forced pages must target the
	// store's current tip exactly; a lost race returns ErrSeqConflict.
	// Forced pages land at their own sequence and may leave gaps.
	Add(ctx context.Context, cover book.Cover, pages []book.EventPage) error
	// Get returns the full history for a root. A never-seen root yields an
	// empty book with NextSequence 0, not ErrNotFound.
	Get(ctx context.Context, domain string, root []byte) (book.EventBook, error)
	// GetFrom returns pages with sequence >= from.
	GetFrom(ctx context.Context, domain string, root []byte, from uint64) (book.EventBook, error)
	// GetFromTo returns pages with from <= sequence < to.
	GetFromTo(ctx context.Context, domain string, root []byte, from, to uint64) (book.EventBook, error)
	// GetNextSequence returns the next free sequence for a root (0 for a
	// never-seen root).
	GetNextSequence(ctx context.Context, domain string, root []byte) (uint64, error)
	// ListRoots returns every root that has committed events in a domain.
	ListRoots(ctx context.Context, domain string) ([][]byte, error)
	// ListDomains returns every domain with committed events.
	ListDomains(ctx context.Context) ([]string, error)
	// GetByCorrelation returns every book whose pages carry the correlation
	// id, grouped per (domain, root).
	GetByCorrelation(ctx context.Context, correlationID string) ([]book.EventBook, error)
}

// SnapshotStore persists materialized state checkpoints. Snapshots bound
// replay cost and are never authoritative on their own.
type SnapshotStore interface {
	// GetSnapshot returns the snapshot for a root, or ErrNotFound.
	GetSnapshot(ctx context.Context, domain string, root []byte) (book.Snapshot, error)
	// PutSnapshot stores or replaces the snapshot for a root.
	PutSnapshot(ctx context.Context, domain string, root []byte, snap book.Snapshot) error
	// DeleteSnapshot removes the snapshot for a root.
	DeleteSnapshot(ctx context.Context, domain string, root []byte) error
}

// Store is the composite persistence surface the coordinator wires up.
type Store interface {
	EventStore
	SnapshotStore
	Close() error
}
