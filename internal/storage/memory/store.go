// Package memory provides an in-memory Store used by tests and the default
// single-node runtime. It honors the same compare-and-append semantics the
// durable backends implement.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/storage"
)

type record struct {
	page          book.EventPage
	correlationID string
}

type stream struct {
	cover   book.Cover
	records []record
	next    uint64
}

// Store keeps event histories and snapshots in process memory.
type Store struct {
	mu        sync.Mutex
	streams   map[string]*stream
	snapshots map[string]book.Snapshot
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		streams:   make(map[string]*stream),
		snapshots: make(map[string]book.Snapshot),
	}
}

// Add appends pages under the cover with compare-and-append semantics.
func (s *Store) Add(ctx context.Context, cover book.Cover, pages []book.EventPage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cover.Validate(); err != nil {
		return err
	}
	if len(pages) == 0 {
		return book.ErrNoPages
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cover.Key()
	st, ok := s.streams[key]
	if !ok {
		st = &stream{cover: book.Cover{Domain: cover.Domain, Root: append([]byte(nil), cover.Root...)}}
		s.streams[key] = st
	}

	// Validate the whole batch before mutating anything.
	expected := st.next
	taken := make(map[uint64]bool, len(st.records))
	for _, rec := range st.records {
		taken[rec.page.Sequence] = true
	}
	for _, page := range pages {
		if page.Forced {
			if taken[page.Sequence] {
				return storage.ErrSeqConflict
			}
			taken[page.Sequence] = true
			continue
		}
		if page.Sequence != expected {
			return storage.ErrSeqConflict
		}
		taken[page.Sequence] = true
		expected++
	}

	for _, page := range pages {
		st.records = append(st.records, record{page: page, correlationID: cover.CorrelationID})
		if page.Sequence >= st.next {
			st.next = page.Sequence + 1
		}
	}
	sort.Slice(st.records, func(i, j int) bool {
		return st.records[i].page.Sequence < st.records[j].page.Sequence
	})
	return nil
}

// Get returns the full history for a root.
func (s *Store) Get(ctx context.Context, domain string, root []byte) (book.EventBook, error) {
	return s.GetFrom(ctx, domain, root, 0)
}

// GetFrom returns pages with sequence >= from.
func (s *Store) GetFrom(ctx context.Context, domain string, root []byte, from uint64) (book.EventBook, error) {
	return s.getRange(ctx, domain, root, from, 0, false)
}

// GetFromTo returns pages with from <= sequence < to.
func (s *Store) GetFromTo(ctx context.Context, domain string, root []byte, from, to uint64) (book.EventBook, error) {
	return s.getRange(ctx, domain, root, from, to, true)
}

func (s *Store) getRange(ctx context.Context, domain string, root []byte, from, to uint64, bounded bool) (book.EventBook, error) {
	if err := ctx.Err(); err != nil {
		return book.EventBook{}, err
	}
	cover := book.Cover{Domain: domain, Root: root}
	if err := cover.Validate(); err != nil {
		return book.EventBook{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eb := book.EventBook{Cover: cover}
	st, ok := s.streams[cover.Key()]
	if !ok {
		return eb, nil
	}
	for _, rec := range st.records {
		if rec.page.Sequence < from {
			continue
		}
		if bounded && rec.page.Sequence >= to {
			continue
		}
		eb.Pages = append(eb.Pages, rec.page)
	}
	eb.NextSequence = st.next
	return eb, nil
}

// GetNextSequence returns the next free sequence for a root.
func (s *Store) GetNextSequence(ctx context.Context, domain string, root []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cover := book.Cover{Domain: domain, Root: root}
	if err := cover.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[cover.Key()]
	if !ok {
		return 0, nil
	}
	return st.next, nil
}

// ListRoots returns every root with committed events in a domain.
func (s *Store) ListRoots(ctx context.Context, domain string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var roots [][]byte
	for _, st := range s.streams {
		if st.cover.Domain == domain && len(st.records) > 0 {
			roots = append(roots, append([]byte(nil), st.cover.Root...))
		}
	}
	sort.Slice(roots, func(i, j int) bool { return string(roots[i]) < string(roots[j]) })
	return roots, nil
}

// ListDomains returns every domain with committed events.
func (s *Store) ListDomains(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, st := range s.streams {
		if len(st.records) > 0 {
			seen[st.cover.Domain] = true
		}
	}
	domains := make([]string, 0, len(seen))
	for domain := range seen {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains, nil
}

// GetByCorrelation returns books holding pages appended under the
// correlation id, grouped per (domain, root).
func (s *Store) GetByCorrelation(ctx context.Context, correlationID string) ([]book.EventBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.streams))
	for key := range s.streams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var books []book.EventBook
	for _, key := range keys {
		st := s.streams[key]
		var pages []book.EventPage
		for _, rec := range st.records {
			if rec.correlationID == correlationID {
				pages = append(pages, rec.page)
			}
		}
		if len(pages) == 0 {
			continue
		}
		cover := st.cover
		cover.CorrelationID = correlationID
		books = append(books, book.EventBook{
			Cover:        cover,
			Pages:        pages,
			NextSequence: st.next,
		})
	}
	return books, nil
}

// GetSnapshot returns the snapshot for a root, or storage.ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, domain string, root []byte) (book.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return book.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[(book.Cover{Domain: domain, Root: root}).Key()]
	if !ok {
		return book.Snapshot{}, storage.ErrNotFound
	}
	return snap, nil
}

// PutSnapshot stores or replaces the snapshot for a root.
func (s *Store) PutSnapshot(ctx context.Context, domain string, root []byte, snap book.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[(book.Cover{Domain: domain, Root: root}).Key()] = snap
	return nil
}

// DeleteSnapshot removes the snapshot for a root.
func (s *Store) DeleteSnapshot(ctx context.Context, domain string, root []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, (book.Cover{Domain: domain, Root: root}).Key())
	return nil
}

// Close releases nothing; it satisfies storage.Store.
func (s *Store) Close() error {
	return nil
}
