package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughFmtWrapping(t *testing.T) {
	base := Wrap(CodeStoreUnavailable, stdErrors.New("dial tcp: refused"), "")
	wrapped := fmt.Errorf("load session: %w", base)

	if CodeOf(wrapped) != CodeStoreUnavailable {
		t.Fatalf("expected STORE_UNAVAILABLE, got %s", CodeOf(wrapped))
	}
	if !HasCode(wrapped, CodeStoreUnavailable) {
		t.Fatalf("expected HasCode to match")
	}
	if HasCode(wrapped, CodeSessionBusy) {
		t.Fatalf("unexpected match on SESSION_BUSY")
	}
	if !RetryableError(wrapped) {
		t.Fatalf("store unavailable should be retryable")
	}
	if base.Message() != "session store temporarily unavailable" {
		t.Fatalf("expected default message, got %q", base.Message())
	}
}

func TestOptionsOverrideRegistryDefaults(t *testing.T) {
	err := New(CodeCapabilityFailed, "mail gateway 503", WithRetryable(true), WithSeverity(SeverityCritical), WithMetadata("domain", "mail"))
	if !err.Retryable() {
		t.Fatalf("expected retryable override")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("expected critical severity, got %s", err.Severity())
	}
	if err.Metadata()["domain"] != "mail" {
		t.Fatalf("metadata lost: %#v", err.Metadata())
	}

	plain := New(CodeCapabilityFailed, "")
	if plain.Retryable() {
		t.Fatalf("capability failures are fatal unless classified otherwise")
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	if attr.Severity != SeverityCritical || !attr.Alert {
		t.Fatalf("expected UNKNOWN attributes, got %#v", attr)
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors map to UNKNOWN")
	}
}
