package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFatalClassification(t *testing.T) {
	base := errors.New("bad input")

	if IsFatal(base) {
		t.Error("plain error classified as fatal")
	}
	if !IsFatal(Fatal(base)) {
		t.Error("Fatal(err) not classified as fatal")
	}
	if !IsFatal(fmt.Errorf("context: %w", Fatal(base))) {
		t.Error("wrapped fatal error lost its classification")
	}
	if IsFatal(nil) {
		t.Error("nil classified as fatal")
	}
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) != nil")
	}
}

func TestFatalPreservesCause(t *testing.T) {
	base := errors.New("bad input")
	if !errors.Is(Fatal(base), base) {
		t.Error("Fatal hides the underlying error from errors.Is")
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{8, 640 * time.Second},
		{9, 900 * time.Second},
		{30, 900 * time.Second},
		{100, 900 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
