package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesTopicAndMetadata(t *testing.T) {
	err := New(
		"eventflow/publish",
		CodeTypeMismatch,
		WithTopic("/sys/common"),
		WithMessage("payload type mismatch"),
		WithField("want", "string"),
		WithField("got", "int"),
		WithCause(errors.New("assertion failed")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=eventflow/publish") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=type_mismatch") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, `topic="/sys/common"`) {
		t.Fatalf("expected topic in error string: %s", out)
	}
	if !strings.Contains(out, `meta=got="int",want="string"`) {
		t.Fatalf("expected sorted metadata in error string: %s", out)
	}
	if !strings.Contains(out, `cause="assertion failed"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("op", CodeInvalid, WithField("  ", "value"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be dropped, got %v", err.Metadata)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestUnwrapAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := New("registry/register", CodeInvalidConfig, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if !errors.Is(err, &E{Code: CodeInvalidConfig}) {
		t.Fatal("expected code match through errors.Is")
	}
	if errors.Is(err, &E{Code: CodeInvalidTopic}) {
		t.Fatal("unexpected match for a different code")
	}
}

func TestIsCodeFollowsWrappedChain(t *testing.T) {
	inner := InvalidTopic("dispatcher/publish", "bad topic")
	outer := New("eventflow/publish", CodeInvalid, WithCause(inner))
	wrapped := fmt.Errorf("publish: %w", outer)

	if !IsCode(wrapped, CodeInvalid) {
		t.Fatal("expected outer code to match")
	}
	if !IsCode(wrapped, CodeInvalidTopic) {
		t.Fatal("expected inner code to match")
	}
	if IsCode(wrapped, CodeNotInitialized) {
		t.Fatal("unexpected code match")
	}
	if IsCode(nil, CodeInvalid) {
		t.Fatal("nil error must not match")
	}
	if got := CodeOf(wrapped); got != CodeInvalid {
		t.Fatalf("expected outermost code, got %q", got)
	}
}

func TestNotInitialized(t *testing.T) {
	err := NotInitialized("eventflow/publish")
	if err.Code != CodeNotInitialized {
		t.Fatalf("unexpected code %q", err.Code)
	}
	if !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("expected message in error string: %s", err.Error())
	}
}
