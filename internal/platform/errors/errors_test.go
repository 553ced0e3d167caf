package errors

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeSequenceConflict, "tip moved")
	if !errors.Is(err, &Error{Code: CodeSequenceConflict}) {
		t.Fatal("expected code match")
	}
	if errors.Is(err, &Error{Code: CodeValidationRejected}) {
		t.Fatal("expected no match for different code")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeTransientStore, "append failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if CodeOf(wrapped) != CodeTransientStore {
		t.Fatalf("expected CodeTransientStore, got %s", CodeOf(wrapped))
	}
}

func TestCodeOfUnknown(t *testing.T) {
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Fatal("expected CodeUnknown for plain error")
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := map[Code]codes.Code{
		CodeDecodeFailure:      codes.InvalidArgument,
		CodeValidationRejected: codes.FailedPrecondition,
		CodeSequenceConflict:   codes.Aborted,
		CodeUnknownHandler:     codes.Unimplemented,
		CodeNotFound:           codes.NotFound,
		CodeTransientStore:     codes.Unavailable,
		CodeUnknown:            codes.Internal,
	}
	for code, want := range cases {
		if got := code.GRPCCode(); got != want {
			t.Fatalf("code %s: expected %s, got %s", code, want, got)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	if !CodeTransientStore.Retryable() {
		t.Fatal("expected transient store to be retryable")
	}
	if CodeValidationRejected.Retryable() {
		t.Fatal("business rejections must never be retryable")
	}
	if CodeUnknownHandler.Retryable() {
		t.Fatal("unknown handler must never be retryable")
	}
}

func TestFromGRPCStatusRoundTrip(t *testing.T) {
	wire := WithMetadata(CodeSequenceConflict, "tip moved", map[string]string{
		"conflicting_fields": "email",
	}).ToGRPCStatus()

	err := FromGRPCStatus(wire)
	if CodeOf(err) != CodeSequenceConflict {
		t.Fatalf("expected CodeSequenceConflict, got %s", CodeOf(err))
	}
	var domainErr *Error
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error, got %T", err)
	}
	if domainErr.Metadata["conflicting_fields"] != "email" {
		t.Fatalf("expected metadata to survive, got %v", domainErr.Metadata)
	}
}

func TestFromGRPCStatusForeignError(t *testing.T) {
	err := FromGRPCStatus(status.Error(codes.Unavailable, "connection refused"))
	if CodeOf(err) != CodeUnknown {
		t.Fatalf("expected CodeUnknown for a detail-less status, got %s", CodeOf(err))
	}
	if err.Error() != "connection refused" {
		t.Fatalf("expected status message preserved, got %q", err.Error())
	}

	if FromGRPCStatus(nil) != nil {
		t.Fatal("expected nil passthrough")
	}
}

func TestToGRPCStatusCarriesErrorInfo(t *testing.T) {
	err := WithMetadata(CodeSequenceConflict, "tip moved", map[string]string{
		"domain": "customer",
	}).ToGRPCStatus()

	st, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected grpc status")
	}
	if st.Code() != codes.Aborted {
		t.Fatalf("expected Aborted, got %s", st.Code())
	}
	if len(st.Details()) != 1 {
		t.Fatalf("expected one detail, got %d", len(st.Details()))
	}
}
