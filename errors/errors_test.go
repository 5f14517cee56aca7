package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestCrystalError(t *testing.T) {
	// Test basic error creation
	err := New(ErrCodeSessionNotFound, "session not found")
	if err.Code != ErrCodeSessionNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeSessionNotFound, err.Code)
	}

	// Test error wrapping
	cause := fmt.Errorf("underlying error")
	wrapped := Wrap(cause, ErrCodeCommandFailed, "command failed")

	if wrapped.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}

	// Test Is function
	if !Is(wrapped, ErrCodeCommandFailed) {
		t.Error("Is should return true for matching code")
	}

	if Is(wrapped, ErrCodeSessionNotFound) {
		t.Error("Is should return false for non-matching code")
	}

	// Test WithDetail
	detailed := err.WithDetail("sessionId", "abc").WithDetail("attempts", 3)
	if detailed.Details["sessionId"] != "abc" {
		t.Error("WithDetail should add details")
	}
}

func TestErrorConstructors(t *testing.T) {
	// Test SessionNotFound
	err := SessionNotFound("3f2a")
	if err.Code != ErrCodeSessionNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeSessionNotFound, err.Code)
	}
	if err.Details["sessionId"] != "3f2a" {
		t.Error("SessionNotFound should include sessionId detail")
	}

	// Test AllocationConflict
	err = AllocationConflict("feature-x", 100)
	if err.Code != ErrCodeAllocationConflict {
		t.Errorf("expected code %s, got %s", ErrCodeAllocationConflict, err.Code)
	}
	if err.Details["attempts"] != 100 {
		t.Error("AllocationConflict should include attempts detail")
	}

	// Test ProcessTimeout
	err = ProcessTimeout("silence", 5*time.Minute)
	if err.Code != ErrCodeProcessTimeout {
		t.Errorf("expected code %s, got %s", ErrCodeProcessTimeout, err.Code)
	}
	if err.Details["limit"] != "5m0s" {
		t.Error("ProcessTimeout should include limit detail")
	}

	// Test InvalidTransition
	err = InvalidTransition("completed", "running")
	if err.Details["from"] != "completed" || err.Details["to"] != "running" {
		t.Error("InvalidTransition should include from/to details")
	}
}
