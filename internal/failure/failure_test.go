package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFailure_ErrorAndUnwrap(t *testing.T) {
	base := errors.New("connection refused")
	f := New(KindNetworkError, base)

	if got := f.Error(); got != "network_error: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(f, base) {
		t.Error("errors.Is should find the wrapped error")
	}

	wrapped := fmt.Errorf("iteration 7: %w", f)
	kind, ok := KindOf(wrapped)
	if !ok || kind != KindNetworkError {
		t.Errorf("KindOf() = %v, %v; want %v, true", kind, ok, KindNetworkError)
	}
}

func TestKindOf_NotAFailure(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("KindOf() should report false for a plain error")
	}
	if _, ok := KindOf(nil); ok {
		t.Error("KindOf(nil) should report false")
	}
}

func TestConfigErrors(t *testing.T) {
	errs := &ConfigErrors{}
	if errs.HasErrors() {
		t.Fatal("new collection should be empty")
	}
	if errs.ErrOrNil() != nil {
		t.Fatal("ErrOrNil() should be nil when empty")
	}

	errs.Add("stages", "at least one stage is required")
	if got := errs.Error(); !strings.Contains(got, "stages") {
		t.Errorf("single error message = %q", got)
	}

	inner := &ConfigErrors{}
	inner.Add("duration", "must be > 0")
	errs.Merge("stages[0]", inner)

	if len(errs.Errors) != 2 {
		t.Fatalf("len(Errors) = %d, want 2", len(errs.Errors))
	}
	if errs.Errors[1].Field != "stages[0].duration" {
		t.Errorf("merged field = %q", errs.Errors[1].Field)
	}
	if !strings.HasPrefix(errs.Error(), "2 config errors") {
		t.Errorf("Error() = %q", errs.Error())
	}

	if !IsConfigError(fmt.Errorf("wrap: %w", errs)) {
		t.Error("IsConfigError should see through wrapping")
	}
	if !IsConfigError(&ConfigError{Field: "maxWorkers"}) {
		t.Error("IsConfigError should accept a single ConfigError")
	}
	if IsConfigError(ErrPoolExhausted) {
		t.Error("IsConfigError(ErrPoolExhausted) should be false")
	}
}

func TestProtocolViolation_Error(t *testing.T) {
	err := &ProtocolViolation{SlotID: 3, Message: "slot released twice"}
	if got := err.Error(); got != "protocol violation on slot 3: slot released twice" {
		t.Errorf("Error() = %q", got)
	}
}
