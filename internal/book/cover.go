package book

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrDomainRequired indicates a cover without a domain name.
	ErrDomainRequired = errors.New("domain is required")
	// ErrRootRequired indicates a cover without a root identifier.
	ErrRootRequired = errors.New("root identifier is required")
)

// Cover identifies one consistency boundary: a root within a domain, plus the
// correlation id that threads causally related work across domains. A cover is
// immutable once created; mutating helpers return copies.
type Cover struct {
	// Domain is the aggregate domain name (e.g. "customer").
	Domain string
	// Root is the opaque root identifier within the domain.
	Root []byte
	// CorrelationID links this cover to the cross-domain causal chain.
	CorrelationID string
	// Edition is an optional branch name for forked histories.
	Edition string
}

// Validate reports whether the cover identifies a usable boundary.
func (c Cover) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return ErrDomainRequired
	}
	if len(c.Root) == 0 {
		return ErrRootRequired
	}
	return nil
}

// Key returns a stable map key for the cover's (domain, root) pair.
func (c Cover) Key() string {
	return c.Domain + "/" + hex.EncodeToString(c.Root)
}

// SameBoundary reports whether two covers address the same (domain, root).
func (c Cover) SameBoundary(other Cover) bool {
	return c.Domain == other.Domain && bytes.Equal(c.Root, other.Root)
}

// WithCorrelation returns a copy of the cover carrying the given correlation id.
func (c Cover) WithCorrelation(correlationID string) Cover {
	c.CorrelationID = correlationID
	return c
}
