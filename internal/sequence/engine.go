// Package sequence commits event pages against the store's optimistic
// concurrency contract. It owns the per-strategy behavior on a lost race:
// explicit writes fall back to a commutative-merge analysis, auto-resequenced
// writes renumber and retry under bounded backoff, and forced writes bypass
// the tip check entirely.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/merge"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
	"github.com/louisbranch/chronicle/internal/rebuild"
	"github.com/louisbranch/chronicle/internal/storage"
)

const (
	defaultMaxAttempts     = 5
	defaultInitialInterval = 10 * time.Millisecond
	defaultMaxInterval     = 500 * time.Millisecond
)

// ErrNoPagesToCommit indicates a commit call without pages.
var ErrNoPagesToCommit = errors.New("no pages to commit")

// Engine commits page batches through an event store, applying the sync
// strategy's conflict policy on ErrSeqConflict.
type Engine struct {
	store           storage.EventStore
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts bounds how many times a conflicted commit is retried
// before giving up with a sequence-exhausted error.
func WithMaxAttempts(n uint) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoffIntervals sets the initial and maximum retry intervals.
func WithBackoffIntervals(initial, max time.Duration) Option {
	return func(e *Engine) {
		if initial > 0 {
			e.initialInterval = initial
		}
		if max > 0 {
			e.maxInterval = max
		}
	}
}

// NewEngine creates a commit engine over an event store.
func NewEngine(store storage.EventStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	e := &Engine{
		store:           store,
		maxAttempts:     defaultMaxAttempts,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Result reports how a batch was committed.
type Result struct {
	// Pages are the committed pages with their final sequences.
	Pages []book.EventPage
	// Resequenced is true when the pages landed at sequences other than the
	// ones they were submitted with.
	Resequenced bool
	// Merged is true when an explicit write survived a conflict because the
	// concurrent changes proved commutative.
	Merged bool
	// Attempts counts append attempts, including the successful one.
	Attempts uint
}

// Commit appends pages under the cover according to the strategy. The
// rebuilder is consulted only for the explicit strategy's merge analysis and
// may be nil otherwise.
func (e *Engine) Commit(ctx context.Context, cover book.Cover, pages []book.EventPage, strategy book.SyncStrategy, rebuilder *rebuild.Reconstructor) (Result, error) {
	if err := cover.Validate(); err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeCoverInvalid, "invalid cover", err)
	}
	if len(pages) == 0 {
		return Result{}, ErrNoPagesToCommit
	}

	switch strategy {
	case book.SyncForce:
		return e.commitForced(ctx, cover, pages)
	case book.SyncAutoResequence:
		return e.commitAutoResequence(ctx, cover, pages)
	default:
		return e.commitExplicit(ctx, cover, pages, rebuilder)
	}
}

// commitForced appends pages at their asserted sequences without the tip
// check. Duplicate sequences still conflict; gaps are allowed.
func (e *Engine) commitForced(ctx context.Context, cover book.Cover, pages []book.EventPage) (Result, error) {
	forced := make([]book.EventPage, len(pages))
	for i, page := range pages {
		page.Forced = true
		forced[i] = page
	}
	if err := e.store.Add(ctx, cover, forced); err != nil {
		return Result{}, err
	}
	return Result{Pages: forced, Attempts: 1}, nil
}

// commitExplicit appends pages at exactly their asserted sequences. A lost
// race triggers the merge analysis: if the caller's changes and the concurrent
// writer's changes touch disjoint fields, the pages are renumbered onto the
// new tip and committed anyway.
func (e *Engine) commitExplicit(ctx context.Context, cover book.Cover, pages []book.EventPage, rebuilder *rebuild.Reconstructor) (Result, error) {
	err := e.store.Add(ctx, cover, pages)
	if err == nil {
		return Result{Pages: pages, Attempts: 1}, nil
	}
	if !errors.Is(err, storage.ErrSeqConflict) {
		return Result{}, err
	}
	if rebuilder == nil {
		return Result{}, conflictError(cover, err, nil)
	}

	disjoint, conflicting, mergeErr := e.analyzeMerge(ctx, cover, pages, rebuilder)
	if mergeErr != nil {
		return Result{}, mergeErr
	}
	if !disjoint {
		return Result{}, conflictError(cover, err, conflicting)
	}

	result, err := e.retryAtTip(ctx, cover, pages, 1)
	if err != nil {
		return Result{}, err
	}
	result.Merged = true
	return result, nil
}

// commitAutoResequence ignores the asserted sequences, renumbers the batch to
// the current tip, and retries under backoff until it wins the race or the
// attempt budget runs out.
func (e *Engine) commitAutoResequence(ctx context.Context, cover book.Cover, pages []book.EventPage) (Result, error) {
	return e.retryAtTip(ctx, cover, pages, 0)
}

// retryAtTip renumbers the batch onto the store's current tip before every
// attempt. priorAttempts counts appends already spent by the caller.
func (e *Engine) retryAtTip(ctx context.Context, cover book.Cover, pages []book.EventPage, priorAttempts uint) (Result, error) {
	attempts := priorAttempts
	resequenced := false

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.initialInterval
	expo.MaxInterval = e.maxInterval

	operation := func() (Result, error) {
		next, err := e.store.GetNextSequence(ctx, cover.Domain, cover.Root)
		if err != nil {
			return Result{}, backoff.Permanent(err)
		}

		renumbered := make([]book.EventPage, len(pages))
		for i, page := range pages {
			if page.Sequence != next+uint64(i) {
				resequenced = true
			}
			page.Sequence = next + uint64(i)
			renumbered[i] = page
		}

		attempts++
		switch err := e.store.Add(ctx, cover, renumbered); {
		case err == nil:
			return Result{Pages: renumbered, Resequenced: resequenced, Attempts: attempts}, nil
		case errors.Is(err, storage.ErrSeqConflict):
			return Result{}, err
		default:
			return Result{}, backoff.Permanent(err)
		}
	}

	budget := e.maxAttempts
	if budget > priorAttempts {
		budget -= priorAttempts
	} else {
		budget = 1
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(budget))
	if err == nil {
		return result, nil
	}
	if errors.Is(err, storage.ErrSeqConflict) {
		return Result{}, apperrors.WithMetadata(apperrors.CodeSequenceExhausted,
			"retry budget exhausted without winning the sequence race",
			map[string]string{
				"domain":   cover.Domain,
				"root":     cover.Key(),
				"attempts": strconv.FormatUint(uint64(attempts), 10),
			})
	}
	return Result{}, err
}

// analyzeMerge decides whether a stale explicit write commutes with the
// events that won the race. Both sides are diffed against the state the
// caller's asserted base sequence implies.
func (e *Engine) analyzeMerge(ctx context.Context, cover book.Cover, pages []book.EventPage, rebuilder *rebuild.Reconstructor) (disjoint bool, conflicting []merge.FieldPath, err error) {
	base, err := e.store.GetFromTo(ctx, cover.Domain, cover.Root, 0, pages[0].Sequence)
	if err != nil {
		return false, nil, fmt.Errorf("load base history: %w", err)
	}
	current, err := e.store.Get(ctx, cover.Domain, cover.Root)
	if err != nil {
		return false, nil, fmt.Errorf("load current history: %w", err)
	}

	baseState, err := rebuilder.Rebuild(base)
	if err != nil {
		return false, nil, fmt.Errorf("rebuild base state: %w", err)
	}
	currentState, err := rebuilder.Rebuild(current)
	if err != nil {
		return false, nil, fmt.Errorf("rebuild current state: %w", err)
	}
	callerState, err := rebuilder.Apply(baseState.Data, pages)
	if err != nil {
		return false, nil, fmt.Errorf("apply candidate pages: %w", err)
	}

	callerChanged, err := merge.ChangedFields(baseState.Data, callerState)
	if err != nil {
		return false, nil, fmt.Errorf("diff caller changes: %w", err)
	}
	concurrentChanged, err := merge.ChangedFields(baseState.Data, currentState.Data)
	if err != nil {
		return false, nil, fmt.Errorf("diff concurrent changes: %w", err)
	}

	if merge.Disjoint(callerChanged, concurrentChanged) {
		return true, nil, nil
	}
	return false, intersect(callerChanged, concurrentChanged), nil
}

func intersect(a, b []merge.FieldPath) []merge.FieldPath {
	seen := make(map[merge.FieldPath]bool, len(a))
	for _, path := range a {
		seen[path] = true
	}
	var out []merge.FieldPath
	for _, path := range b {
		if seen[path] {
			out = append(out, path)
		}
	}
	return out
}

func conflictError(cover book.Cover, cause error, conflicting []merge.FieldPath) error {
	meta := map[string]string{
		"domain": cover.Domain,
		"root":   cover.Key(),
	}
	if len(conflicting) > 0 {
		parts := make([]string, len(conflicting))
		for i, path := range conflicting {
			parts[i] = string(path)
		}
		meta["conflicting_fields"] = strings.Join(parts, ",")
	}
	return &apperrors.Error{
		Code:     apperrors.CodeSequenceConflict,
		Message:  "sequence already committed by a concurrent writer",
		Metadata: meta,
		Cause:    cause,
	}
}
