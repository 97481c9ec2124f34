package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRetryable_ExplicitWrappers(t *testing.T) {
	base := errors.New("something broke")

	if !Retryable(Transient(base)) {
		t.Error("Transient errors must be retryable")
	}
	if Retryable(Permanent(base)) {
		t.Error("Permanent errors must not be retryable")
	}

	// Wrapping survives further annotation.
	wrapped := fmt.Errorf("stage 2: %w", Transient(base))
	if !Retryable(wrapped) {
		t.Error("wrapped Transient must stay retryable")
	}
}

func TestRetryable_Signatures(t *testing.T) {
	retryable := []string{
		"dial tcp: connection refused",
		"read: connection reset by peer",
		"request timed out",
		"server returned 503",
		"unexpected EOF",
	}
	for _, msg := range retryable {
		if !Retryable(errors.New(msg)) {
			t.Errorf("Retryable(%q) = false, want true", msg)
		}
	}

	permanent := []string{
		"video unavailable",
		"404 not found",
		"unsupported format",
	}
	for _, msg := range permanent {
		if Retryable(errors.New(msg)) {
			t.Errorf("Retryable(%q) = true, want false", msg)
		}
	}
}

func TestRetryable_ContextErrors(t *testing.T) {
	if Retryable(context.Canceled) {
		t.Error("cancellation is not retryable")
	}
	if Retryable(context.DeadlineExceeded) {
		t.Error("deadline expiry is not retryable")
	}
	if Retryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestTransientPermanent_NilPassthrough(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) must be nil")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
}

func TestWrapExit_ClassifiesByStderr(t *testing.T) {
	exitErr := errors.New("exit status 1")

	err := wrapExit("yt-dlp", exitErr, "HTTP Error 503: service unavailable")
	if !Retryable(err) {
		t.Errorf("503 stderr should be transient, got %v", err)
	}

	err = wrapExit("yt-dlp", exitErr, "ERROR: video unavailable")
	if Retryable(err) {
		t.Errorf("unavailable stderr should be permanent, got %v", err)
	}
}
