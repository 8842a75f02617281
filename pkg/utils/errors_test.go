package utils

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Fatal("wrapping nil must return nil")
	}
	base := errors.New("base failure")
	wrapped := Wrap(base, "loading config")
	if !errors.Is(wrapped, base) {
		t.Fatal("wrapped error lost its cause")
	}
	if wrapped.Error() != "loading config: base failure" {
		t.Fatalf("message %q", wrapped.Error())
	}
}
