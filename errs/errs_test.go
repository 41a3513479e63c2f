package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesChannelAndCause(t *testing.T) {
	err := New(
		"events/open-channel",
		CodeChannel,
		WithChannel("case-4711"),
		WithMessage("failed to open remote event channel"),
		WithCause(errors.New("dial tcp: connection refused")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=events/open-channel") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=channel") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "channel=\"case-4711\"") {
		t.Fatalf("expected channel marker in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"dial tcp: connection refused\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("credentials rejected")
	err := New("events/open-channel", CodeConfig, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause through the envelope")
	}
}

func TestHasCodeMatchesWrappedEnvelope(t *testing.T) {
	inner := New("events/remote-publish", CodeTransport, WithMessage("send timeout"))
	wrapped := fmt.Errorf("publishing case event: %w", inner)

	if !IsTransport(wrapped) {
		t.Fatalf("expected transport code through wrapping: %v", wrapped)
	}
	if IsConfig(wrapped) || IsChannel(wrapped) {
		t.Fatalf("unexpected code match for %v", wrapped)
	}
	if HasCode(errors.New("plain"), CodeTransport) {
		t.Fatal("plain error should not match any code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
