package router

import (
	"context"
	"errors"
	"strings"

	"github.com/louisbranch/chronicle/internal/book"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
	"github.com/louisbranch/chronicle/internal/rebuild"
)

var (
	// ErrReconstructorRequired indicates a command router without a rebuilder.
	ErrReconstructorRequired = errors.New("reconstructor is required")
	// ErrHandlerRequired indicates a registration without a handler.
	ErrHandlerRequired = errors.New("handler is required")
	// ErrTypeNameRequired indicates a registration without a type name.
	ErrTypeNameRequired = errors.New("type name is required")
)

// CommandHandler computes the events a command produces. Handlers receive the
// original page, the rebuilt state, and the next free sequence; they must be
// pure functions of those inputs so retries under auto-resequencing are safe.
// Business rejections are returned as *errors.Error with a validation code.
type CommandHandler func(ctx context.Context, page book.CommandPage, state rebuild.State, nextSeq uint64) ([]book.EventPage, error)

type commandEntry struct {
	typeName string
	handle   CommandHandler
}

// CommandRouter dispatches command pages to registered handlers within one
// domain, rebuilding aggregate state before every invocation.
type CommandRouter struct {
	domain     string
	rebuilder  *rebuild.Reconstructor
	entries    []commandEntry
	descriptor book.ComponentDescriptor
}

// NewCommandRouter creates a router for a domain backed by a reconstructor.
func NewCommandRouter(domain string, rebuilder *rebuild.Reconstructor) (*CommandRouter, error) {
	if strings.TrimSpace(domain) == "" {
		return nil, errors.New("domain is required")
	}
	if rebuilder == nil {
		return nil, ErrReconstructorRequired
	}
	return &CommandRouter{
		domain:    domain,
		rebuilder: rebuilder,
		descriptor: book.ComponentDescriptor{
			Name: domain + "-aggregate",
			Kind: book.KindAggregate,
		},
	}, nil
}

// Domain returns the domain this router serves.
func (r *CommandRouter) Domain() string {
	return r.domain
}

// Rebuilder returns the reconstructor backing this router.
func (r *CommandRouter) Rebuilder() *rebuild.Reconstructor {
	return r.rebuilder
}

// Descriptor returns the component descriptor for topology registration.
// Produces lists the event types the backing reconstructor folds, since an
// aggregate only emits events it can replay.
func (r *CommandRouter) Descriptor() book.ComponentDescriptor {
	desc := r.descriptor
	desc.Consumes = append([]book.TypeRef(nil), desc.Consumes...)
	for _, typeName := range r.rebuilder.Types() {
		desc.Produces = append(desc.Produces, book.TypeRef{Domain: r.domain, Type: typeName})
	}
	return desc
}

// On registers a handler for a command type. Registration order is dispatch
// order; the first matching entry wins when suffixes overlap.
func (r *CommandRouter) On(typeName string, handle CommandHandler) error {
	if r == nil {
		return errors.New("router is required")
	}
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return ErrTypeNameRequired
	}
	if handle == nil {
		return ErrHandlerRequired
	}
	r.entries = append(r.entries, commandEntry{typeName: typeName, handle: handle})
	r.descriptor.Consumes = append(r.descriptor.Consumes, book.TypeRef{Domain: r.domain, Type: typeName})
	return nil
}

// MatchCount reports how many registered handlers match a type name. Dispatch
// stays first-match; this exists to surface overlapping-suffix ambiguity.
func (r *CommandRouter) MatchCount(typeName string) int {
	count := 0
	for _, e := range r.entries {
		if book.TypeMatches(typeName, e.typeName) {
			count++
		}
	}
	return count
}

// Dispatch rebuilds state from prior events and invokes the first handler
// whose registered type matches the page's declared type.
func (r *CommandRouter) Dispatch(ctx context.Context, prior book.EventBook, page book.CommandPage) ([]book.EventPage, error) {
	if err := page.Command.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDecodeFailure, "command payload invalid", err)
	}

	state, err := r.rebuilder.Rebuild(prior)
	if err != nil {
		return nil, err
	}

	for _, e := range r.entries {
		if !book.TypeMatches(page.Command.TypeName, e.typeName) {
			continue
		}
		return e.handle(ctx, page, state, prior.NextSequence)
	}
	return nil, apperrors.WithMetadata(apperrors.CodeUnknownHandler,
		"no handler registered for command type",
		map[string]string{"domain": r.domain, "type": page.Command.TypeName})
}
