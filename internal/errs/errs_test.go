package errs

import (
	"errors"
	"testing"
)

func TestNewAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := New(LookupMiss, "get_task", cause)

	if !Is(err, LookupMiss) {
		t.Fatalf("expected Is(err, LookupMiss) to be true")
	}
	if Is(err, TaskFailure) {
		t.Fatalf("expected Is(err, TaskFailure) to be false")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
}

func TestInvariantPanicsOnFalse(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic")
		}
		if !Is(r.(error), InvariantViolation) {
			t.Fatalf("expected InvariantViolation, got %v", r)
		}
	}()
	Invariant(false, "task %d not in expected state", 7)
}

func TestInvariantNoPanicOnTrue(t *testing.T) {
	Invariant(true, "should never fire")
}
