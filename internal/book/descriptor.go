package book

import (
	"errors"
	"strings"
)

// ComponentKind classifies a registered handler component.
type ComponentKind string

const (
	// KindAggregate handles commands and emits events for one domain.
	KindAggregate ComponentKind = "aggregate"
	// KindSaga reacts to events in one domain with commands to another.
	KindSaga ComponentKind = "saga"
	// KindProjector derives read models from committed events.
	KindProjector ComponentKind = "projector"
	// KindProcessManager is a saga with its own persisted, rebuildable state.
	KindProcessManager ComponentKind = "process_manager"
)

// ErrComponentNameRequired indicates a descriptor without a name.
var ErrComponentNameRequired = errors.New("component name is required")

// TypeRef names one (domain, type) pair a component consumes or produces.
// An empty Type covers every type within the domain.
type TypeRef struct {
	Domain string
	Type   string
}

// ComponentDescriptor declares a handler for topology and registration
// purposes. Dispatch correctness never depends on it.
type ComponentDescriptor struct {
	Name     string
	Kind     ComponentKind
	Consumes []TypeRef
	Produces []TypeRef
}

// Validate reports whether the descriptor is usable for registration.
func (d ComponentDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrComponentNameRequired
	}
	switch d.Kind {
	case KindAggregate, KindSaga, KindProjector, KindProcessManager:
		return nil
	}
	return errors.New("component kind is invalid")
}
