// Package deadletter captures work the runtime could not complete: commands
// rejected for structural reasons, batches that lost every sequence retry,
// and events whose publication kept failing. Records preserve enough context
// to replay or inspect the failure later.
package deadletter

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/chronicle/internal/book"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

// Kind classifies why work was dead-lettered.
type Kind string

const (
	// KindValidation marks structurally invalid or undecodable input.
	KindValidation Kind = "validation"
	// KindSequence marks batches that exhausted their sequencing retries.
	KindSequence Kind = "sequence"
	// KindProcessing marks handler, publication, or projection failures.
	KindProcessing Kind = "processing"
)

// Reason explains a dead-lettered record.
type Reason struct {
	Kind    Kind
	Code    apperrors.Code
	Message string
	// Detail carries backend-specific context, such as conflicting field
	// paths or the last transport error.
	Detail map[string]string
}

// Record is one unit of dead-lettered work. Exactly one of Command or Events
// is set, depending on what failed.
type Record struct {
	Cover     book.Cover
	Command   *book.CommandBook
	Events    []book.EventPage
	Reason    Reason
	Component string
	Retries   uint
	CreatedAt time.Time
}

// Sink receives dead-lettered records. Deposit must not fail the caller's
// request path; implementations log and swallow their own errors.
type Sink interface {
	Deposit(ctx context.Context, record Record) error
}

// FromError builds a Reason from an error chain, classifying by code.
func FromError(kind Kind, err error) Reason {
	reason := Reason{Kind: kind, Code: apperrors.CodeOf(err)}
	if err != nil {
		reason.Message = err.Error()
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && len(appErr.Metadata) > 0 {
		reason.Detail = make(map[string]string, len(appErr.Metadata))
		for k, v := range appErr.Metadata {
			reason.Detail[k] = v
		}
	}
	return reason
}

// MemorySink retains records in memory, oldest first. Suitable for tests and
// single-process deployments; a durable deployment wraps a store-backed sink.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Deposit appends the record.
func (s *MemorySink) Deposit(_ context.Context, record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns a copy of every deposited record in arrival order.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// ByKind returns deposited records matching a kind, oldest first.
func (s *MemorySink) ByKind(kind Kind) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.Reason.Kind == kind {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len reports how many records the sink holds.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// LogSink writes one log line per record and forwards to an optional next
// sink. It keeps dead letters visible even when nothing drains the queue.
type LogSink struct {
	next Sink
}

// NewLogSink creates a logging sink that forwards to next (which may be nil).
func NewLogSink(next Sink) *LogSink {
	return &LogSink{next: next}
}

// Deposit logs the record and forwards it.
func (s *LogSink) Deposit(ctx context.Context, record Record) error {
	log.Printf("dead letter: kind=%s code=%s component=%s cover=%s retries=%d msg=%s",
		record.Reason.Kind, record.Reason.Code, record.Component, record.Cover.Key(), record.Retries, record.Reason.Message)
	if s.next == nil {
		return nil
	}
	return s.next.Deposit(ctx, record)
}
