package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestKindDefaultsFollowRegistry(t *testing.T) {
	cases := map[Code]Kind{
		CodeMalformedOutput:     KindFatal,
		CodeCompletionTransport: KindFatal,
		CodeToolFailure:         KindRecoverable,
		CodePartialFanOut:       KindPartialFanOut,
		CodeValidation:          KindValidation,
	}
	for code, want := range cases {
		if got := KindOf(New(code, "")); got != want {
			t.Fatalf("code %s: got kind %s want %s", code, got, want)
		}
	}
}

func TestOutermostKindWins(t *testing.T) {
	inner := New(CodeValidation, "missing field tool")
	outer := Wrap(CodeMalformedOutput, inner, "plan response rejected", WithMetadata("phase", "PLAN"))

	if !IsFatal(outer) {
		t.Fatalf("expected wrapped validation error to be fatal")
	}
	if KindOf(fmt.Errorf("context: %w", outer)) != KindFatal {
		t.Fatalf("expected fmt wrapping to preserve kind")
	}
	if !stdErrors.Is(outer, New(CodeValidation, "")) {
		t.Fatalf("expected errors.Is to find inner code")
	}
	if got := MetadataOf(fmt.Errorf("x: %w", outer), "phase"); got != "PLAN" {
		t.Fatalf("unexpected metadata: %q", got)
	}
}

func TestPlainErrorsAreRecoverable(t *testing.T) {
	if KindOf(stdErrors.New("boom")) != KindRecoverable {
		t.Fatalf("expected recoverable kind for uncoded error")
	}
	if KindOf(nil) != "" {
		t.Fatalf("expected empty kind for nil")
	}
	if IsFatal(nil) {
		t.Fatalf("nil must not be fatal")
	}
}

func TestWithKindOverride(t *testing.T) {
	err := New(CodeTimeout, "", WithKind(KindFatal))
	if !IsFatal(err) {
		t.Fatalf("expected override to apply")
	}
	if err.Message() != "operation timed out" {
		t.Fatalf("expected registry message, got %q", err.Message())
	}
}

func TestRegisterDefaultsKind(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "test", Retryable: true})
	if AttributesOf(code).Kind != KindRecoverable {
		t.Fatalf("expected default kind")
	}
	if !RetryableError(New(code, "")) {
		t.Fatalf("expected retryable")
	}
}
