// Package errors provides structured error handling for the coordination
// runtime, mapping the domain error taxonomy onto gRPC status codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Cover and payload validation
	CodeCoverInvalid        Code = "COVER_INVALID"
	CodeBookEmpty           Code = "BOOK_EMPTY"
	CodePayloadTypeMissing  Code = "PAYLOAD_TYPE_MISSING"
	CodeDecodeFailure       Code = "DECODE_FAILURE"
	CodeValidationRejected  Code = "VALIDATION_REJECTED"
	CodePreconditionFailed  Code = "PRECONDITION_FAILED"
	CodeSnapshotOutOfBounds Code = "SNAPSHOT_OUT_OF_BOUNDS"

	// Dispatch
	CodeUnknownHandler Code = "UNKNOWN_HANDLER"
	CodeUnknownDomain  Code = "UNKNOWN_DOMAIN"

	// Sequencing
	CodeSequenceConflict  Code = "SEQUENCE_CONFLICT"
	CodeSequenceExhausted Code = "SEQUENCE_RETRIES_EXHAUSTED"

	// Infrastructure
	CodeNotFound       Code = "NOT_FOUND"
	CodeTransientStore Code = "TRANSIENT_STORE"
	CodeTransientBus   Code = "TRANSIENT_BUS"
	CodeRetryExhausted Code = "RETRY_BUDGET_EXHAUSTED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - malformed input
	case CodeCoverInvalid,
		CodeBookEmpty,
		CodePayloadTypeMissing,
		CodeDecodeFailure:
		return codes.InvalidArgument

	// FailedPrecondition - a business rule rejected the command
	case CodeValidationRejected,
		CodePreconditionFailed,
		CodeSnapshotOutOfBounds:
		return codes.FailedPrecondition

	// Aborted - optimistic concurrency lost after resolution was exhausted
	case CodeSequenceConflict,
		CodeSequenceExhausted:
		return codes.Aborted

	// Unimplemented - no registered handler for the type
	case CodeUnknownHandler,
		CodeUnknownDomain:
		return codes.Unimplemented

	case CodeNotFound:
		return codes.NotFound

	// Unavailable - transient infrastructure failures
	case CodeTransientStore,
		CodeTransientBus,
		CodeRetryExhausted:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// Retryable reports whether errors with this code may be retried
// automatically. Business rejections and dispatch failures are final.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransientStore, CodeTransientBus, CodeSequenceConflict:
		return true
	}
	return false
}
