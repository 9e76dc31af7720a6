package jail

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestBuildErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	be := &BuildError{Path: "/etc/passwd", Err: inner}

	if !errors.Is(be, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}
	if !strings.Contains(be.Error(), "/etc/passwd") {
		t.Errorf("Error() = %q, want it to mention the path", be.Error())
	}
}

func TestBuildAccumulatesRecoverableErrors(t *testing.T) {
	b := NewBuild("/jail", 0, "", true, nil)
	b.recordError("/a", errors.New("one"))
	b.recordError("/b", errors.New("two"))

	err := b.Err()
	if err == nil {
		t.Fatal("expected a joined error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "one") || !strings.Contains(msg, "two") {
		t.Errorf("joined error %q missing one of the recorded errors", msg)
	}
}

func TestTracerNilIsNoop(t *testing.T) {
	var tr *Tracer
	tr.Printf("should not panic %d", 1)
}

func TestTracerDisabledWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracer(&buf, false)
	tr.Printf("hello")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestTracerEnabledWrites(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracer(&buf, true)
	tr.Printf("mkdir %s", "/jail/home")
	if !strings.Contains(buf.String(), "mkdir /jail/home") {
		t.Errorf("got %q", buf.String())
	}
}
