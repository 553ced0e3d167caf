package book

// Projection is one read-model view computed synchronously from newly
// appended events. Projections travel back to the caller and to indexers;
// they are never persisted to the event history.
type Projection struct {
	Cover Cover
	// TypeName identifies the projection schema.
	TypeName string
	// Sequence is the event sequence the projection was computed at.
	Sequence uint64
	// Data is the canonical-JSON encoded view.
	Data []byte
}

// BusinessResponse is the caller-visible outcome of a coordinated command:
// the events that were committed plus any synchronous projections.
type BusinessResponse struct {
	Cover Cover
	// Events are the committed pages, with final sequence numbers.
	Events []EventPage
	// Projections are optional synchronous read-model views.
	Projections []Projection
}

// ProcessManagerResponse separates a process manager's two output paths:
// commands travel to other domains over dispatch, events persist to the
// manager's own history. The fields stay separate because each travels a
// different path (publish vs. persist).
type ProcessManagerResponse struct {
	// Commands are emitted to other domains.
	Commands []CommandBook
	// Events are persisted to the process manager's own domain.
	Events []EventPage
}

// Empty reports whether the response carries no work at all.
func (r ProcessManagerResponse) Empty() bool {
	return len(r.Commands) == 0 && len(r.Events) == 0
}
