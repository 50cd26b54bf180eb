package gov

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Validation runs before any query, so a nil pool is fine here.
func TestStartElectionValidation(t *testing.T) {
	s := NewService(nil, nil, nil)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	if _, err := s.StartElection(ctx, "ab", future); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("short title: got %v, want ErrInvalidTitle", err)
	}
	if _, err := s.StartElection(ctx, "  Mayor 2026  ", time.Now().Add(-time.Minute)); !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("past deadline: got %v, want ErrInvalidDeadline", err)
	}
}

func TestProposePolicyValidation(t *testing.T) {
	s := NewService(nil, nil, nil)
	ctx := context.Background()

	long := make([]byte, 121)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := s.ProposePolicy(ctx, string(long), "", time.Now().Add(time.Hour)); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("long title: got %v, want ErrInvalidTitle", err)
	}
	if _, err := s.ProposePolicy(ctx, "Lower stall rents", "", time.Time{}); !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("zero deadline: got %v, want ErrInvalidDeadline", err)
	}
}
