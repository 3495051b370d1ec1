package firestore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{name: "not found", err: status.Error(codes.NotFound, "missing"), notFound: true},
		{name: "already exists", err: status.Error(codes.AlreadyExists, "dup"), conflict: true},
		{name: "version mismatch", err: ErrVersionMismatch, conflict: true},
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), unavailable: true},
		{name: "deadline", err: status.Error(codes.DeadlineExceeded, "slow"), unavailable: true},
		{name: "other", err: errors.New("boom")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := WrapError("orders.update", tc.err)
			var repoErr *Error
			if !errors.As(wrapped, &repoErr) {
				t.Fatalf("expected *Error, got %T", wrapped)
			}
			if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification %+v", repoErr)
			}
			if !errors.Is(wrapped, tc.err) {
				t.Fatalf("expected original error to be wrapped")
			}
		})
	}
}

func TestWrapErrorPassesThroughContextErrors(t *testing.T) {
	if err := WrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.Canceled, "client gone")); err != context.Canceled {
		t.Fatalf("expected context.Canceled for grpc Canceled, got %v", err)
	}
	if err := WrapError("op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapErrorKeepsExistingRepositoryError(t *testing.T) {
	inner := WrapError("", status.Error(codes.NotFound, "missing"))
	outer := WrapError("orders.get", fmt.Errorf("lookup: %w", inner))
	var repoErr *Error
	if !errors.As(outer, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found repository error, got %v", outer)
	}
	if repoErr.op != "orders.get" {
		t.Fatalf("expected op to be filled, got %q", repoErr.op)
	}
}
